package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/archive-pipeline/internal/config"
	"github.com/JakeFAU/archive-pipeline/internal/server"
)

// newRunCmd creates the 'run' subcommand, which starts the claim loops and
// the admin server.
func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		maxBatches      int
		concurrentItems int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and archive batches until interrupted",
		Long: `Starts the dispatcher and the admin HTTP server. Claiming stops on
SIGINT/SIGTERM, after --max-batches batches, or when the DNS check detects
interference; batches already in the pipeline always finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("concurrent-items") {
				cfg.Pipeline.ConcurrentItems = concurrentItems
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if maxBatches < 0 {
				return fmt.Errorf("--max-batches must be >= 0")
			}

			app, err := newApp(cmd.Context(), &cfg, server.Options{MaxBatches: maxBatches})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run archiver: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop claiming after this many batches (0 is unlimited)")
	cmd.Flags().IntVar(&concurrentItems, "concurrent-items", 1, "number of batches processed at once")
	return cmd
}
