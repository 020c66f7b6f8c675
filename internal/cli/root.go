// Package cli implements the gpudiag command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"codeberg.org/mutker/gpudiag/internal/config"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gpudiag",
	Short: "GPU diagnostics and stress testing",
	Long: `gpudiag runs leveled hardware and software diagnostics against the
GPUs of this host, stress tests them, and serves results over HTTP.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	flags.String("log-level", config.DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.String("thresholds", config.DefaultThresholdsPath, "Path to diagnostics.conf")
	flags.String("benchmark", "", "Kernel runner program used for benchmarks and link copies")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var opts []config.Option
	if configPath != "" {
		opts = append(opts, config.WithConfigFile(configPath))
	}

	var err error
	cfg, err = config.Load(cmd.Flags(), opts...)
	if err != nil {
		return err
	}

	return logger.Init(cfg.LogLevel, logger.IsService())
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
