package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
	"github.com/JakeFAU/archive-pipeline/internal/clock/system"
	"github.com/JakeFAU/archive-pipeline/internal/config"
	"github.com/JakeFAU/archive-pipeline/internal/fetcher/wget"
	"github.com/JakeFAU/archive-pipeline/internal/fingerprint"
	"github.com/JakeFAU/archive-pipeline/internal/hash/sha1"
	"github.com/JakeFAU/archive-pipeline/internal/plan"
	"github.com/JakeFAU/archive-pipeline/internal/server"
)

type planOutput struct {
	Item         string            `json:"item"`
	Fingerprint  string            `json:"fingerprint"`
	ArtifactBase string            `json:"artifact_base"`
	Values       []string          `json:"values"`
	Requests     []archive.Request `json:"requests"`
	Bodies       map[string]string `json:"bodies"`
	FetcherArgs  []string          `json:"fetcher_args,omitempty"`
}

// newPlanCmd creates the 'plan' subcommand. It prints what a batch made of
// the given sub-items would fetch, without claiming or fetching anything.
func newPlanCmd(root *rootOptions) *cobra.Command {
	var withArgs bool
	cmd := &cobra.Command{
		Use:   "plan ITEM [ITEM...]",
		Short: "Print the request plan for an item name",
		Long: `Builds the fetch plan for the given sub-items (for example
ch-discussions:UC123) and prints it as JSON. Arguments containing NUL
separators are split like a coordinator item name. No network access.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(root.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := buildPlan(&cfg, args, system.New(), withArgs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&withArgs, "fetcher-args", false, "include the fetcher command line")
	return cmd
}

func buildPlan(cfg *config.Config, args []string, clock archive.Clock, withArgs bool) (*planOutput, error) {
	var items []string
	for _, arg := range args {
		items = append(items, archive.SplitItemName(arg)...)
	}
	batch, err := archive.NewBatch(items, cfg.Coordinator.Downloader, cfg.Pipeline.Version, clock.Now())
	if err != nil {
		return nil, err
	}

	namer, err := fingerprint.New(cfg.Pipeline.WarcPrefix, sha1.New(), clock)
	if err != nil {
		return nil, err
	}
	name, err := namer.Name(batch.ItemName())
	if err != nil {
		return nil, err
	}
	batch.Fingerprint = name.Digest
	batch.ArtifactBase = name.Base
	batch.WorkDir = filepath.Join(cfg.Pipeline.DataDir, name.Digest)
	batch.OutputDir = cfg.Pipeline.DataDir

	p, err := plan.NewBuilder(plan.Config{
		UserAgent:     cfg.Fetcher.UserAgent,
		ClientVersion: cfg.Fetcher.ClientVersion,
	}, clock).Build(batch)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}
	if err := p.Verify(); err != nil {
		return nil, fmt.Errorf("verify plan: %w", err)
	}

	out := &planOutput{
		Item:         batch.Display,
		Fingerprint:  batch.Fingerprint,
		ArtifactBase: batch.ArtifactBase,
		Values:       p.Values(),
		Requests:     p.Requests,
		Bodies:       p.Bodies,
	}
	if withArgs {
		f, err := wget.New(server.FetcherConfig(cfg), nil)
		if err != nil {
			return nil, err
		}
		inv := f.Invocation(batch, p.Requests)
		out.FetcherArgs = append([]string{inv.Binary}, inv.Args...)
	}
	return out, nil
}
