package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/gpudiag/internal/api"
	"codeberg.org/mutker/gpudiag/internal/diag"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"github.com/spf13/cobra"
)

func init() {
	runCmd.Flags().StringVarP(&runDevice, "device", "d", "all", "Device id or \"all\"")
	runCmd.Flags().IntVarP(&runLevel, "level", "l", 1, "Diagnostic level (1-3)")
	runCmd.Flags().StringSliceVarP(&runTypes, "types", "t", nil, "Explicit step list, such as computation,power")
	runCmd.Flags().DurationVar(&pollInterval, "poll", time.Second, "Result polling period")
	rootCmd.AddCommand(runCmd)
}

var (
	runDevice    string
	runLevel     int
	runTypes     []string
	pollInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run diagnostics in-process and print the report",
	Example: `  gpudiag run --device all --level 2
  gpudiag run --device 0 --types computation,memory_bandwidth`,
	RunE: runDiagnostics,
}

func parseTypes(names []string) ([]diag.StepType, error) {
	types := make([]diag.StepType, 0, len(names))
	for _, name := range names {
		t, err := diag.ParseStepType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func runDiagnostics(cmd *cobra.Command, _ []string) error {
	errFactory := errors.New()

	id, err := api.ParseDevice(runDevice)
	if err != nil {
		return err
	}

	var types []diag.StepType
	if len(runTypes) > 0 {
		if cmd.Flags().Changed("level") {
			return errFactory.WithMessage(errors.ErrInvalidArgument, "Set either --level or --types, not both")
		}
		if types, err = parseTypes(runTypes); err != nil {
			return err
		}
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var runID string
	if types != nil {
		runID, err = a.coord.StartSpecificDiagnostics(id, types)
	} else {
		runID, err = a.coord.StartDiagnostics(id, diag.Level(runLevel))
	}
	if err != nil {
		return err
	}
	logger.Debug().Str("run_id", runID).Msg("Waiting for diagnostics")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		snap, err := a.coord.Result(id)
		if err != nil {
			return err
		}
		if snap.Finished {
			if err := printReport(os.Stdout, snap); err != nil {
				return err
			}
			if snap.Result == diag.Fail {
				return errFactory.WithMessage(errors.ErrOperationFailed, "Diagnostics failed")
			}
			return nil
		}

		select {
		case <-ctx.Done():
			_ = printReport(os.Stdout, snap)
			return errFactory.Wrap(errors.ErrOperationFailed, ctx.Err()).WithMessage("Diagnostics interrupted")
		case <-ticker.C:
		}
	}
}
