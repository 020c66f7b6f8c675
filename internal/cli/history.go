package cli

import (
	"fmt"
	"os"

	"codeberg.org/mutker/gpudiag/internal/history"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"github.com/spf13/cobra"
)

func init() {
	historyCmd.Flags().IntVarP(&historyDevice, "device", "d", 0, "Device id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 5, "Number of runs to show")
	historyCmd.Flags().String("database", "", "Path to the history database (overrides config)")
	rootCmd.AddCommand(historyCmd)
}

var (
	historyDevice int
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded diagnostic runs of a device",
	RunE:  runHistory,
}

func runHistory(_ *cobra.Command, _ []string) error {
	store, err := history.Open(history.Config{
		DBPath:  cfg.History.Database,
		Enabled: true,
	}, logger.Component("history"))
	if err != nil {
		return err
	}
	defer store.Close()

	snaps, err := store.Recent(historyDevice, historyLimit)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Printf("No diagnostics recorded for GPU %d.\n", historyDevice)
		return nil
	}

	for i, s := range snaps {
		if i > 0 {
			fmt.Println()
		}
		if err := printReport(os.Stdout, s); err != nil {
			return err
		}
	}
	return nil
}
