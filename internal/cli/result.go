package cli

import (
	"os"

	"codeberg.org/mutker/gpudiag/internal/api"
	"codeberg.org/mutker/gpudiag/internal/config"
	"codeberg.org/mutker/gpudiag/internal/diag"
	"github.com/spf13/cobra"
)

var (
	queryDevice string
	queryServer string
)

func init() {
	for _, cmd := range []*cobra.Command{resultCmd, linksCmd} {
		cmd.Flags().StringVarP(&queryDevice, "device", "d", "all", "Device id or \"all\"")
		cmd.Flags().StringVar(&queryServer, "server", config.DefaultListen, "Address of the gpudiag daemon")
		rootCmd.AddCommand(cmd)
	}
}

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Print the latest diagnostics report from a running daemon",
	RunE:  runResult,
}

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Print link ports that failed their throughput check",
	RunE:  runLinks,
}

func runResult(cmd *cobra.Command, _ []string) error {
	id, err := api.ParseDevice(queryDevice)
	if err != nil {
		return err
	}

	var snap diag.Snapshot
	if err := getJSON(cmd.Context(), queryServer, "/v1/diagnostics/"+deviceLabel(id), &snap); err != nil {
		return err
	}
	return printReport(os.Stdout, snap)
}

func runLinks(cmd *cobra.Command, _ []string) error {
	id, err := api.ParseDevice(queryDevice)
	if err != nil {
		return err
	}

	var fails []diag.PortThroughput
	if err := getJSON(cmd.Context(), queryServer, "/v1/diagnostics/"+deviceLabel(id)+"/links", &fails); err != nil {
		return err
	}
	return printLinks(os.Stdout, fails)
}
