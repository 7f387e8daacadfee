// Command emulator drives link state on a fleet of node agents from the
// simulated motion of a ring constellation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/constellation-emulator/internal/config"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if _, ok := config.AsConfigurationError(err); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "emulator",
		Short: "Topology dynamics and link-state synchronization for emulated constellations",
		Long: `emulator computes which links of a ring constellation are up at each
simulated instant and pushes every change to the per-node agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "configs/emulator.yaml", "path to the emulator YAML config")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newPlanCmd(),
		newRenderFRRCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) logging.Logger {
	return logging.NewFromEnv(cfg.Logging.Level, cfg.Logging.Format)
}
