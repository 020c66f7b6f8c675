// Package api exposes the diagnostic coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/diag"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/history"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	requestTimeout  = time.Minute
	shutdownTimeout = 10 * time.Second
)

// Diagnostics is the part of the coordinator the server drives.
type Diagnostics interface {
	Devices() []device.Info
	StartDiagnostics(id int, level diag.Level) (string, error)
	StartSpecificDiagnostics(id int, types []diag.StepType) (string, error)
	IsRunning(id int) bool
	Result(id int) (diag.Snapshot, error)
	LinkThroughputResults(id int, dst []diag.PortThroughput) (int, error)
	MediaCodecResults(id int, dst []diag.MediaCodecMetric) (int, error)
	StartStress(id int, minutes int) error
	CheckStress(id int, dst []diag.StressSnapshot) (int, error)
}

// History answers per-device history queries.
type History interface {
	Recent(deviceID, limit int) ([]diag.Snapshot, error)
}

// Server is the gpudiag HTTP API server.
type Server struct {
	diag    Diagnostics
	history History
	metrics http.Handler
	log     logger.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithHistory(h History) Option      { return func(s *Server) { s.history = h } }
func WithLogger(l logger.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// NewServer creates a new API server.
func NewServer(d Diagnostics, opts ...Option) *Server {
	s := &Server{diag: d, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)

		r.Post("/diagnostics", s.handleStartDiagnostics)
		r.Route("/diagnostics/{device}", func(r chi.Router) {
			r.Get("/", s.handleResult)
			r.Get("/running", s.handleRunning)
			r.Get("/links", s.handleLinks)
			r.Get("/media", s.handleMedia)
		})

		r.Post("/stress", s.handleStartStress)
		r.Get("/stress/{device}", s.handleCheckStress)

		r.Get("/history/{device}", s.handleHistory)
	})

	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", addr).Msg("API server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errFactory.Wrap(errors.ErrInitFailed, err).WithMessage("Failed to serve " + addr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as a JSON error response with the status its code
// maps to.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	writeJSON(w, statusOf(code), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": err.Error(),
		},
	})
}

func statusOf(code errors.ErrorCode) int {
	switch code {
	case errors.ErrDeviceNotFound, errors.ErrTaskNotFound, errors.ErrResourceNotFound:
		return http.StatusNotFound
	case errors.ErrTaskNotComplete, errors.ErrResourceBusy:
		return http.StatusConflict
	case errors.ErrInvalidLevel, errors.ErrInvalidTaskType, errors.ErrInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrUnsupported, errors.ErrNotImplemented:
		return http.StatusNotImplemented
	case errors.ErrUnavailable, history.ErrDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
