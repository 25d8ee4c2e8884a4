package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/elternzeit/happenings-cli/internal/adapter"
)

var (
	ingestSourcesFile string
	ingestConcurrency int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch raw rows from all configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		sourcesFile := cfg.Ingest.SourcesFile
		if cmd.Flags().Changed("sources") {
			sourcesFile = ingestSourcesFile
		}
		concurrency := cfg.Ingest.Concurrency
		if cmd.Flags().Changed("concurrency") {
			concurrency = ingestConcurrency
		}

		sources, err := adapter.LoadSources(sourcesFile)
		if err != nil {
			return err
		}

		counters, err := adapter.NewBridge(st, concurrency).Run(ctx, sources)
		if err != nil {
			return eris.Wrap(err, "ingest run")
		}

		fmt.Fprintf(os.Stdout, "Ingested %d sources: fetched=%d new=%d refreshed=%d invalid=%d underivable=%d failed=%d\n",
			counters.Sources, counters.Fetched, counters.New, counters.Refreshed,
			counters.Invalid, counters.Underivable, counters.Failed)
		return nil
	},
}

func init() {
	adapter.Register("jsonfeed", adapter.NewJSONFeedAdapter())

	ingestCmd.Flags().StringVar(&ingestSourcesFile, "sources", "", "sources file path (default from config)")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "concurrent source fetches (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
