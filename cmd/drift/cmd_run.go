package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"bubbledrift/internal/browser"
	"bubbledrift/internal/config"
	"bubbledrift/internal/history"
	"bubbledrift/internal/logging"
	"bubbledrift/internal/orchestrator"
	"bubbledrift/internal/puppet"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runPuppets       int
	runMaxConcurrent int
	runFormat        string
	runOutputDir     string
)

// runCmd runs a batch of puppets.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of sock puppets",
	Long: `Plans batch.puppets puppets over the configured (initial, target) slant
pairs and runs them concurrently. Each puppet opens its own browser profile
under browser.session_dir, trains, drifts, and writes its watch history to
batch.output_dir/<puppet-id>.<format>.

A failing puppet does not stop the others; every failure is reported.`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	runCmd.Flags().IntVarP(&runPuppets, "puppets", "n", 0, "Number of puppets (default from config)")
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "Puppets running at once (default from config, 0 = all)")
	runCmd.Flags().StringVar(&runFormat, "format", "", "History format: csv or jsonl (default from config)")
	runCmd.Flags().StringVarP(&runOutputDir, "output", "o", "", "History output directory (default from config)")
}

func runBatch(cmd *cobra.Command, args []string) error {
	applyRunFlags(cmd, cfg)

	ctx, cancel := commandContext()
	defer cancel()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	olog := logs.Get(logging.CategoryOrchestrator)
	sink, err := history.NewWriter(cfg.Batch.OutputDir, cfg.Batch.Format, olog)
	if err != nil {
		return err
	}

	specs, err := orchestrator.PlanBatch(cfg.Batch.Puppets, slantPairs(cfg))
	if err != nil {
		return err
	}

	bcfg := browserConfig(cfg)
	o, err := orchestrator.New(orchestrator.Options{
		Store: st,
		Sink:  sink,
		NewSession: func(ctx context.Context, id string, l *zap.Logger) (puppet.Session, error) {
			s, err := browser.OpenSession(ctx, bcfg, id, l.Named(string(logging.CategoryBrowser)))
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		PuppetLogger:  logs.Puppet,
		Run:           runOptions(cfg),
		MaxConcurrent: cfg.Batch.MaxConcurrent,
		Logger:        olog,
	})
	if err != nil {
		return err
	}

	results, runErr := o.RunBatch(ctx, specs)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUPPET\tWATCHES\tDURATION\tRESULT")
	for _, r := range results {
		outcome := r.Path
		if r.Err != nil {
			outcome = "FAILED: " + r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.ID, r.Watches, r.Duration.Round(time.Second), outcome)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return runErr
}

func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	if cmd.Flags().Changed("puppets") {
		c.Batch.Puppets = runPuppets
	}
	if cmd.Flags().Changed("max-concurrent") {
		c.Batch.MaxConcurrent = runMaxConcurrent
	}
	if cmd.Flags().Changed("format") {
		c.Batch.Format = runFormat
	}
	if cmd.Flags().Changed("output") {
		c.Batch.OutputDir = runOutputDir
	}
}

func slantPairs(c *config.Config) []orchestrator.Pair {
	pairs := make([]orchestrator.Pair, len(c.Batch.Slants))
	for i, p := range c.Batch.Slants {
		pairs[i] = orchestrator.Pair{Initial: p.Initial, Target: p.Target}
	}
	return pairs
}

func browserConfig(c *config.Config) browser.Config {
	return browser.Config{
		Bin:               c.Browser.Bin,
		Headless:          c.Browser.Headless,
		SessionDir:        c.Browser.SessionDir,
		ExtensionPath:     c.Browser.ExtensionPath,
		BaseURL:           c.Browser.BaseURL,
		NavigationTimeout: c.GetNavigationTimeout(),
		PollInterval:      c.GetPollInterval(),
		StallTimeout:      c.GetStallTimeout(),
	}
}

func runOptions(c *config.Config) puppet.RunOptions {
	return puppet.RunOptions{
		Train: puppet.TrainOptions{
			SlantMargin: c.Puppet.Train.Margin,
			Depth:       c.Puppet.Train.Depth,
			Dwell:       c.Puppet.Train.Dwell(),
		},
		Drift: puppet.DriftOptions{
			SeedMargin:           c.Puppet.Drift.Margin,
			Depth:                c.Puppet.Drift.Depth,
			Dwell:                c.Puppet.Drift.Dwell(),
			MaxUnavailableStreak: c.Puppet.Drift.MaxUnavailableStreak,
		},
	}
}
