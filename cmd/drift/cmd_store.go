package main

import (
	"fmt"
	"net/http"

	"bubbledrift/internal/logging"
	"bubbledrift/internal/metadata"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusJSON bool

// importCmd seeds the store from a slant estimation CSV.
var importCmd = &cobra.Command{
	Use:   "import [csv]",
	Short: "Import video ids and slants into the store",
	Long: `Reads a CSV with video_id and slant columns. Ids already in the store are
left untouched, so re-importing never overwrites a slant or metadata.
Defaults to store.import_csv from the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Store.ImportCSV
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no CSV given and store.import_csv not configured")
		}

		ctx, cancel := commandContext()
		defer cancel()

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.ImportCSVFile(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d new videos from %s\n", n, path)
		return nil
	},
}

// enrichCmd fills titles and channels from the YouTube Data API.
var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fetch metadata for videos that have none",
	Long: `Fetches snippet metadata for every non-blacklisted video without a title,
in batches of metadata.batch_size. Videos the API does not return are
blacklisted. API keys rotate on quota errors (YOUTUBE_API_KEYS).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateMetadata(); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		mlog := logs.Get(logging.CategoryMetadata)
		retries := cfg.Metadata.MaxRetries
		if retries == 0 {
			retries = metadata.NoRetries
		}
		fetcher, err := metadata.NewFetcher(ctx, metadata.Options{
			APIKeys:           cfg.Metadata.APIKeys,
			Endpoint:          cfg.Metadata.Endpoint,
			HTTPClient:        &http.Client{Timeout: cfg.GetMetadataTimeout()},
			MaxRetries:        retries,
			Backoff:           cfg.GetBackoff(),
			RequestsPerSecond: cfg.Metadata.RequestsPerSecond,
			Logger:            mlog,
		})
		if err != nil {
			return err
		}

		report, err := metadata.NewEnricher(fetcher, st, cfg.Metadata.BatchSize, mlog).Enrich(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Videos: %d, chunks: %d, enriched: %d, blacklisted: %d, skipped: %d\n",
			report.Videos, report.Chunks, report.Enriched, report.Blacklisted, report.Skipped)
		if err != nil {
			logger.Error("Enrichment stopped", zap.Error(err))
			return err
		}
		return nil
	},
}

// blacklistEmptyCmd blacklists every video still lacking a title.
var blacklistEmptyCmd = &cobra.Command{
	Use:   "blacklist-empty",
	Short: "Blacklist videos without metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.BlacklistMissingMetadata(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Blacklisted %d videos without metadata\n", n)
		return nil
	},
}

// statusCmd prints corpus counts.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show video store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if statusJSON {
			return json.NewEncoder(out).Encode(stats)
		}
		fmt.Fprintf(out, "Store:       %s\n", st.Path())
		fmt.Fprintf(out, "Videos:      %d\n", stats.Total)
		fmt.Fprintf(out, "Enriched:    %d\n", stats.Enriched)
		fmt.Fprintf(out, "Blacklisted: %d\n", stats.Blacklisted)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print statistics as JSON")
}
