package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/gpudiag/internal/api"
	"codeberg.org/mutker/gpudiag/internal/diag"
	"github.com/spf13/cobra"
)

func init() {
	stressCmd.Flags().StringVarP(&stressDevice, "device", "d", "all", "Device id or \"all\"")
	stressCmd.Flags().IntVarP(&stressMinutes, "minutes", "m", 10, "Stress duration in minutes, 0 runs until interrupted")
	stressCmd.Flags().DurationVar(&stressReport, "report", 30*time.Second, "Progress report period")
	rootCmd.AddCommand(stressCmd)
}

var (
	stressDevice  string
	stressMinutes int
	stressReport  time.Duration
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run an integer compute stress load and report its score",
	RunE:  runStress,
}

func allFinished(snaps []diag.StressSnapshot) bool {
	for _, s := range snaps {
		if !s.Finished {
			return false
		}
	}
	return true
}

func checkStress(c *diag.Coordinator, id int) ([]diag.StressSnapshot, error) {
	n, err := c.CheckStress(id, nil)
	if err != nil {
		return nil, err
	}
	snaps := make([]diag.StressSnapshot, n)
	n, err = c.CheckStress(id, snaps)
	if err != nil {
		return nil, err
	}
	return snaps[:n], nil
}

func runStress(cmd *cobra.Command, _ []string) error {
	id, err := api.ParseDevice(stressDevice)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.StartStress(id, stressMinutes); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(stressReport)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := a.coord.Shutdown(shutdownCtx)
			cancel()
			if err != nil {
				return err
			}
			snaps, err := checkStress(a.coord, id)
			if err != nil {
				return err
			}
			return printStress(os.Stdout, snaps)
		case <-ticker.C:
		}

		snaps, err := checkStress(a.coord, id)
		if err != nil {
			return err
		}
		if err := printStress(os.Stdout, snaps); err != nil {
			return err
		}
		if allFinished(snaps) {
			return nil
		}
	}
}
