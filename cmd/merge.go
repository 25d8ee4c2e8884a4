package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/elternzeit/happenings-cli/internal/merge"
	"github.com/elternzeit/happenings-cli/internal/model"
)

var (
	mergeBatchSize     int
	mergeIncludeReview bool
	mergeDryRun        bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Drain queued source rows into canonical happenings",
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

		loopCfg := merge.LoopConfig{
			BatchSize:     cfg.Merge.BatchSize,
			IncludeReview: cfg.Merge.IncludeReview,
			DryRun:        cfg.Merge.DryRun,
		}
		if cmd.Flags().Changed("batch-size") {
			loopCfg.BatchSize = mergeBatchSize
		}
		if cmd.Flags().Changed("include-review") {
			loopCfg.IncludeReview = mergeIncludeReview
		}
		if cmd.Flags().Changed("dry-run") {
			loopCfg.DryRun = mergeDryRun
		}

		stats, err := merge.NewLoop(st).Run(ctx, loopCfg)
		if err != nil {
			return eris.Wrap(err, "merge run")
		}

		formatMergeStats(os.Stdout, stats)
		return nil
	},
}

func formatMergeStats(out io.Writer, stats *model.MergeRunStats) {
	mode := "live"
	if stats.DryRun {
		mode = "dry-run (no writes)"
	}
	fmt.Fprintf(out, "Run %s (%s)\n", stats.RunID, mode)
	fmt.Fprintf(out, "  claimed=%d merged=%d created=%d reviewed=%d failed=%d fast_path=%d\n",
		stats.Claimed, stats.Merged, stats.Created, stats.Reviewed, stats.Failed, stats.FastPath)
	fmt.Fprintf(out, "  claim=%dms match=%dms write=%dms\n",
		stats.ClaimMillis, stats.MatchMillis, stats.WriteMillis)

	if len(stats.Histogram) > 0 {
		labels := make([]string, 0, len(stats.Histogram))
		for label := range stats.Histogram {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		fmt.Fprintln(out, "  confidence histogram:")
		for _, label := range labels {
			fmt.Fprintf(out, "    %s %d\n", label, stats.Histogram[label])
		}
	}

	if len(stats.PerSource) > 0 {
		ids := make([]string, 0, len(stats.PerSource))
		for id := range stats.PerSource {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  SOURCE\tROWS\tMIN\tAVG\tMAX")
		for _, id := range ids {
			s := stats.PerSource[id]
			fmt.Fprintf(w, "  %s\t%d\t%.3f\t%.3f\t%.3f\n", id, s.Rows, s.Min, s.Avg, s.Max)
		}
		_ = w.Flush()
	}
}

func init() {
	mergeCmd.Flags().IntVar(&mergeBatchSize, "batch-size", 0, "claim batch size (default from config)")
	mergeCmd.Flags().BoolVar(&mergeIncludeReview, "include-review", false, "also reprocess rows parked in needs_review")
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "score and decide without writing anything")
	rootCmd.AddCommand(mergeCmd)
}
