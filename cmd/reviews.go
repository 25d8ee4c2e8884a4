package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/reviews"
)

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect the canonicalization review backlog",
}

// -- reviews list --

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open reviews",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		limit, _ := cmd.Flags().GetInt("limit")
		open, err := st.ListOpenReviews(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "reviews list")
		}

		if len(open) == 0 {
			fmt.Fprintln(os.Stderr, "No open reviews.")
			return nil
		}

		formatReviewsList(os.Stdout, open)
		return nil
	},
}

// -- reviews export --

var reviewsExportOut string

var reviewsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export open reviews to an xlsx workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		limit, _ := cmd.Flags().GetInt("limit")
		n, err := reviews.ExportXLSX(ctx, st, reviewsExportOut, limit)
		if err != nil {
			return eris.Wrap(err, "reviews export")
		}

		fmt.Fprintf(os.Stdout, "Exported %d open reviews to %s\n", n, reviewsExportOut)
		return nil
	},
}

func formatReviewsList(out io.Writer, open []model.CanonicalizationReview) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSOURCE_ROW\tCANDIDATES\tCREATED\tDETAIL")
	for _, r := range open {
		detail := r.Detail
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.ReviewType, r.SourceHappeningID, len(r.Candidates),
			r.CreatedAt.Format("2006-01-02 15:04"), detail)
	}
	_ = w.Flush()
}

func init() {
	reviewsListCmd.Flags().Int("limit", 100, "max reviews to list")
	reviewsExportCmd.Flags().Int("limit", 1000, "max reviews to export")
	reviewsExportCmd.Flags().StringVar(&reviewsExportOut, "out", "reviews.xlsx", "output file path")
	reviewsCmd.AddCommand(reviewsListCmd, reviewsExportCmd)
	rootCmd.AddCommand(reviewsCmd)
}
