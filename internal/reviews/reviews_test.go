package reviews

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/elternzeit/happenings-cli/internal/model"
)

type fakeReviewStore struct {
	upserted []model.CanonicalizationReview
	open     []model.CanonicalizationReview
}

func (f *fakeReviewStore) UpsertReview(ctx context.Context, r *model.CanonicalizationReview) error {
	r.ID = "review-1"
	r.Status = model.ReviewOpen
	f.upserted = append(f.upserted, *r)
	return nil
}

func (f *fakeReviewStore) ListOpenReviews(ctx context.Context, limit int) ([]model.CanonicalizationReview, error) {
	return f.open, nil
}

func TestFingerprintStable(t *testing.T) {
	candidates := []model.ReviewCandidate{
		{HappeningID: 2, Confidence: 0.91},
		{HappeningID: 1, Confidence: 0.90},
	}
	a := Fingerprint(model.ReviewAmbiguousMatch, 7, candidates)
	reordered := []model.ReviewCandidate{candidates[1], candidates[0]}
	b := Fingerprint(model.ReviewAmbiguousMatch, 7, reordered)
	assert.Equal(t, a, b, "candidate order must not change the fingerprint")
	assert.Len(t, a, 64)
}

func TestFingerprintDistinguishes(t *testing.T) {
	candidates := []model.ReviewCandidate{{HappeningID: 1, Confidence: 0.9}}
	base := Fingerprint(model.ReviewAmbiguousMatch, 7, candidates)

	assert.NotEqual(t, base, Fingerprint(model.ReviewBelowThreshold, 7, candidates))
	assert.NotEqual(t, base, Fingerprint(model.ReviewAmbiguousMatch, 8, candidates))
	assert.NotEqual(t, base, Fingerprint(model.ReviewAmbiguousMatch, 7, nil))
}

func TestOpenTruncatesDetail(t *testing.T) {
	store := &fakeReviewStore{}
	long := strings.Repeat("x", 2000)

	r, err := Open(context.Background(), store, "run-1", 7,
		model.ReviewContractViolation, nil, 0.85, long)
	require.NoError(t, err)
	assert.Len(t, r.Detail, maxDetailLen)
	assert.NotEmpty(t, r.Fingerprint)
}

func TestExportXLSX(t *testing.T) {
	store := &fakeReviewStore{
		open: []model.CanonicalizationReview{
			{
				ID:                "r-1",
				RunID:             "run-1",
				SourceHappeningID: 7,
				ReviewType:        model.ReviewAmbiguousMatch,
				Candidates: []model.ReviewCandidate{
					{HappeningID: 1, Confidence: 0.91},
					{HappeningID: 2, Confidence: 0.9},
				},
				Threshold: 0.85,
				Detail:    "two near-perfect candidates",
				CreatedAt: time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC),
			},
		},
	}

	path := filepath.Join(t.TempDir(), "backlog.xlsx")
	n, err := ExportXLSX(context.Background(), store, path, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(path)
	require.NoError(t, err)

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	require.Len(t, f.Sheets[0].Rows, 2)

	header := f.Sheets[0].Rows[0]
	assert.Equal(t, "review_id", header.Cells[0].String())

	row := f.Sheets[0].Rows[1]
	assert.Equal(t, "r-1", row.Cells[0].String())
	assert.Equal(t, "ambiguous_match", row.Cells[2].String())
	assert.Equal(t, "#1=0.910; #2=0.900", row.Cells[6].String())
}
