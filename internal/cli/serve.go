package cli

import (
	"os/signal"
	"syscall"

	"codeberg.org/mutker/gpudiag/internal/api"
	"codeberg.org/mutker/gpudiag/internal/config"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"codeberg.org/mutker/gpudiag/internal/pid"
	"github.com/spf13/cobra"
)

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", config.DefaultListen, "Address the API server listens on")
	flags.Bool("metrics", true, "Serve Prometheus metrics at /metrics")
	flags.Bool("history", false, "Record finished diagnostics in the history database")
	flags.String("database", config.DefaultHistoryDB, "Path to the history database")
	flags.String("pid-file", config.DefaultPIDFile, "PID file guarding against a second daemon")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the diagnostics API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := a.catalogs.Watch(ctx); err != nil {
			logger.Warn().Err(err).Str("path", a.catalogs.Path()).Msg("Not watching diagnostics thresholds")
		}
	}()

	opts := []api.Option{
		api.WithHistory(a.store),
		api.WithLogger(logger.Component("api")),
	}
	if cfg.Server.Metrics {
		opts = append(opts, api.WithMetrics(a.recorder.Handler()))
	}

	logger.Info().
		Int("devices", len(a.coord.Devices())).
		Str("thresholds", cfg.Thresholds).
		Bool("history", cfg.History.Enabled).
		Msg("gpudiag daemon started")

	if err := api.NewServer(a.coord, opts...).Serve(ctx, cfg.Server.Listen); err != nil {
		return err
	}
	logger.Info().Msg("Received termination signal.")
	return nil
}
