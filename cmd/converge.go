package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/elternzeit/happenings-cli/internal/converge"
)

var convergeDryRun bool

var convergeCmd = &cobra.Command{
	Use:   "converge",
	Short: "Collapse happenings sharing a canonical key onto one winner",
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

		dryRun := cfg.Converge.DryRun
		if cmd.Flags().Changed("dry-run") {
			dryRun = convergeDryRun
		}

		result, err := converge.NewJob(st).Run(ctx, dryRun)
		if err != nil {
			return eris.Wrap(err, "converge run")
		}

		formatConvergeResult(os.Stdout, result)
		return nil
	},
}

func formatConvergeResult(out io.Writer, r *converge.Result) {
	prefix := ""
	if r.Estimated {
		// Dry-run counters are a client-side estimate, not a replay of
		// the transactional path.
		prefix = "estimated_"
	}
	fmt.Fprintf(out, "Converged %d duplicate groups (%d conflicts)\n", r.Groups, r.Conflicts)
	c := r.Counters
	fmt.Fprintf(out, "  %sofferings_repointed=%d %sofferings_merged=%d\n", prefix, c.OfferingsRepointed, prefix, c.OfferingsMerged)
	fmt.Fprintf(out, "  %soccurrences_repointed=%d %soccurrences_dropped=%d\n", prefix, c.OccurrencesRepointed, prefix, c.OccurrencesDropped)
	fmt.Fprintf(out, "  %slinks_repointed=%d %slinks_dropped=%d %slosers_archived=%d\n", prefix, c.LinksRepointed, prefix, c.LinksDropped, prefix, c.LosersArchived)
}

func init() {
	convergeCmd.Flags().BoolVar(&convergeDryRun, "dry-run", false, "estimate collisions without mutating anything")
	rootCmd.AddCommand(convergeCmd)
}
