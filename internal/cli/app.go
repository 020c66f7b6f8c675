package cli

import (
	"context"
	"time"

	"codeberg.org/mutker/gpudiag/internal/config"
	"codeberg.org/mutker/gpudiag/internal/diag"
	"codeberg.org/mutker/gpudiag/internal/gpu"
	"codeberg.org/mutker/gpudiag/internal/history"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"codeberg.org/mutker/gpudiag/internal/metrics"
	"codeberg.org/mutker/gpudiag/internal/thresholds"
	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 30 * time.Second

// app is the in-process engine shared by the commands that drive devices.
type app struct {
	backend  *gpu.Backend
	catalogs *thresholds.Source
	recorder *metrics.Recorder
	store    history.Store
	coord    *diag.Coordinator
}

func newApp(cfg *config.Config) (*app, error) {
	backend, err := gpu.Open(
		gpu.WithLogger(logger.Component("gpu")),
		gpu.WithKernelCommand(cfg.Benchmark.Command, time.Duration(cfg.Benchmark.Timeout)*time.Second),
	)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(history.Config{
		DBPath:       cfg.History.Database,
		Enabled:      cfg.History.Enabled,
		BatchSize:    cfg.History.BatchSize,
		BatchTimeout: cfg.History.BatchTimeout,
	}, logger.Component("history"))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	a := &app{
		backend:  backend,
		catalogs: thresholds.NewSource(cfg.Thresholds, logger.Component("thresholds")),
		recorder: metrics.New(prometheus.NewRegistry()),
		store:    store,
	}

	a.coord = diag.New(backend, a.catalogs,
		diag.WithLogger(logger.Component("diag")),
		diag.WithRecorder(a.recorder),
		diag.WithSink(store),
		diag.WithRequiredEnv(cfg.RequiredEnv),
		diag.WithRequiredLibraries(cfg.RequiredLibraries),
		diag.WithSampleInterval(cfg.SampleInterval()),
		diag.WithPowerSampleInterval(cfg.PowerSampleInterval()),
		diag.WithTemperatureCeiling(cfg.TemperatureCeiling),
	)

	return a, nil
}

// close stops the coordinator, then releases history and NVML.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.coord.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Diagnostics workers did not stop in time")
	}
	if err := a.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close history")
	}
	if err := a.backend.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down NVML")
	}
}
