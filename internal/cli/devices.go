package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"codeberg.org/mutker/gpudiag/internal/gpu"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"ls"},
	Short:   "List the GPUs diagnostics can target",
	RunE:    runDevices,
}

func runDevices(_ *cobra.Command, _ []string) error {
	backend, err := gpu.Open(gpu.WithLogger(logger.Component("gpu")))
	if err != nil {
		return err
	}
	defer backend.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODEL\tPCI\tUNITS\tLINKS\tMEDIA\tPCIE")
	for _, d := range backend.Devices() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%t\tGen%d x%d\n",
			d.ID,
			d.Name,
			d.ModelName(),
			d.PCIAddress,
			d.Units,
			d.LinkPorts,
			d.MediaEngines,
			d.PCIe.CurrentGen, d.PCIe.CurrentWidth,
		)
	}
	return w.Flush()
}
