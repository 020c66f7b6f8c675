package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/diag"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/history"
	"github.com/go-chi/chi/v5"
)

const defaultHistoryLimit = 20

// DeviceRef is a device id in a request: a non-negative number or "all".
type DeviceRef int

func (d *DeviceRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		id, err := ParseDevice(s)
		if err != nil {
			return err
		}
		*d = DeviceRef(id)
		return nil
	}

	var id int
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	if id < 0 {
		return errors.New().WithData(errors.ErrInvalidArgument, id)
	}
	*d = DeviceRef(id)
	return nil
}

// ParseDevice accepts "all" or a device id.
func ParseDevice(s string) (int, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		return device.All, nil
	}

	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, errors.New().WithData(errors.ErrInvalidArgument, s)
	}
	return id, nil
}

type diagnosticsRequest struct {
	Device DeviceRef       `json:"device"`
	Level  int             `json:"level,omitempty"`
	Types  []diag.StepType `json:"types,omitempty"`
}

type stressRequest struct {
	Device  DeviceRef `json:"device"`
	Minutes int       `json:"minutes"`
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New().Wrap(errors.ErrInvalidArgument, err).WithMessage("Invalid request body")
	}
	return nil
}

func deviceParam(r *http.Request) (int, error) {
	return ParseDevice(chi.URLParam(r, "device"))
}

// collect reads a count/buffer result into a fresh slice, retrying when the
// result grew between the count and the copy.
func collect[T any](fetch func([]T) (int, error)) ([]T, error) {
	n, err := fetch(nil)
	if err != nil {
		return nil, err
	}

	for {
		buf := make([]T, n)
		got, err := fetch(buf)
		if errors.HasCode(err, errors.ErrBufferTooSmall) {
			n = got
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:got], nil
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	type deviceView struct {
		device.Info
		Model string `json:"model"`
	}

	devs := s.diag.Devices()
	views := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		views = append(views, deviceView{Info: d, Model: d.ModelName()})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStartDiagnostics(w http.ResponseWriter, r *http.Request) {
	var req diagnosticsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		runID string
		err   error
	)
	switch {
	case len(req.Types) > 0 && req.Level != 0:
		err = errors.New().WithMessage(errors.ErrInvalidArgument, "Set either level or types, not both")
	case len(req.Types) > 0:
		runID, err = s.diag.StartSpecificDiagnostics(int(req.Device), req.Types)
	default:
		runID, err = s.diag.StartDiagnostics(int(req.Device), diag.Level(req.Level))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := s.diag.Result(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunning(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	running := false
	if id == device.All {
		for _, d := range s.diag.Devices() {
			running = running || s.diag.IsRunning(d.ID)
		}
	} else {
		running = s.diag.IsRunning(id)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	fails, err := collect(func(dst []diag.PortThroughput) (int, error) {
		return s.diag.LinkThroughputResults(id, dst)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fails)
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	metrics, err := collect(func(dst []diag.MediaCodecMetric) (int, error) {
		return s.diag.MediaCodecResults(id, dst)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleStartStress(w http.ResponseWriter, r *http.Request) {
	var req stressRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.diag.StartStress(int(req.Device), req.Minutes); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"device": int(req.Device), "minutes": req.Minutes})
}

func (s *Server) handleCheckStress(w http.ResponseWriter, r *http.Request) {
	id, err := deviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	snaps, err := collect(func(dst []diag.StressSnapshot) (int, error) {
		return s.diag.CheckStress(id, dst)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, errors.New().New(history.ErrDisabled))
		return
	}

	id, err := deviceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if id == device.All {
		writeError(w, errors.New().WithMessage(errors.ErrInvalidArgument, "History is kept per device"))
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, errors.New().WithData(errors.ErrInvalidArgument, v))
			return
		}
	}

	snaps, err := s.history.Recent(id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}
