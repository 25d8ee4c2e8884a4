package reviews

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/elternzeit/happenings-cli/internal/model"
)

var exportHeader = []string{
	"review_id", "created_at", "review_type", "source_happening_id",
	"run_id", "threshold", "candidates", "fingerprint", "detail",
}

// ExportXLSX writes the open review backlog to an xlsx workbook for
// editors. Returns the number of exported reviews.
func ExportXLSX(ctx context.Context, store ReviewStore, path string, limit int) (int, error) {
	open, err := store.ListOpenReviews(ctx, limit)
	if err != nil {
		return 0, eris.Wrap(err, "reviews: list open")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Open Reviews")
	if err != nil {
		return 0, eris.Wrap(err, "reviews: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range exportHeader {
		header.AddCell().SetString(col)
	}

	for _, r := range open {
		row := sheet.AddRow()
		row.AddCell().SetString(r.ID)
		row.AddCell().SetString(r.CreatedAt.Format("2006-01-02 15:04"))
		row.AddCell().SetString(string(r.ReviewType))
		row.AddCell().SetString(strconv.FormatInt(r.SourceHappeningID, 10))
		row.AddCell().SetString(r.RunID)
		row.AddCell().SetString(strconv.FormatFloat(r.Threshold, 'f', 2, 64))
		row.AddCell().SetString(formatCandidates(r.Candidates))
		row.AddCell().SetString(r.Fingerprint)
		row.AddCell().SetString(r.Detail)
	}

	if err := f.Save(path); err != nil {
		return 0, eris.Wrapf(err, "reviews: save %s", path)
	}
	return len(open), nil
}

func formatCandidates(candidates []model.ReviewCandidate) string {
	out := ""
	for i, c := range candidates {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("#%d=%.3f", c.HappeningID, c.Confidence)
	}
	return out
}
