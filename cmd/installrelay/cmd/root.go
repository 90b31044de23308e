// Package cmd implements the installrelay command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhalm/installrelay/config"
	"github.com/spf13/cobra"
)

const flagConfig = "config"

// Execute runs the root command until it finishes or the process is signalled.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "installrelay",
		Short:         "Relay an installer script and count its downloads",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String(flagConfig, "", "path to a YAML or TOML config file")

	root.AddCommand(newServeCmd(), newStatsCmd())
	return root
}

// loadConfig reads the file named by --config along with .env and INSTALLRELAY_* variables.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
