// Package cmd defines and implements the CLI commands for the archiver executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/archive-pipeline/internal/config"
	"github.com/JakeFAU/archive-pipeline/internal/server"
)

// App is the long-running service started by the run command.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config, opts server.Options) (App, error) {
	app, err := server.Build(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	return app, nil
}

type rootOptions struct {
	configPath string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Archive channel discussions handed out by the tracker.",
		Long: `archiver claims batches of channel discussion items from the coordinator,
captures them with an external WARC fetcher, reconciles failed items and
uploads the finished archives.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (env ARCHIVER_* overrides)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
