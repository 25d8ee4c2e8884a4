// Package reviews manages the human review backlog: opening idempotent
// review records for ambiguous decisions and exporting the open
// backlog for editors.
package reviews

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/elternzeit/happenings-cli/internal/model"
)

// maxDetailLen bounds the free-text detail persisted with a review.
const maxDetailLen = 500

// ReviewStore is the persistence surface this package needs.
type ReviewStore interface {
	UpsertReview(ctx context.Context, r *model.CanonicalizationReview) error
	ListOpenReviews(ctx context.Context, limit int) ([]model.CanonicalizationReview, error)
}

// Fingerprint derives a stable identity for a review from what caused
// it. Re-detecting the same condition in a later run produces the same
// fingerprint, so re-opening is an update, not a duplicate.
func Fingerprint(reviewType model.ReviewType, sourceHappeningID int64, candidates []model.ReviewCandidate) string {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, fmt.Sprintf("%d", c.HappeningID))
	}
	sort.Strings(ids)

	h := sha256.Sum256([]byte(string(reviewType) + "|" +
		fmt.Sprintf("%d", sourceHappeningID) + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(h[:])
}

// Open opens (or refreshes) the one open review for a source row and
// review type.
func Open(ctx context.Context, store ReviewStore, runID string, sourceHappeningID int64, reviewType model.ReviewType, candidates []model.ReviewCandidate, threshold float64, detail string) (*model.CanonicalizationReview, error) {
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	r := &model.CanonicalizationReview{
		RunID:             runID,
		SourceHappeningID: sourceHappeningID,
		ReviewType:        reviewType,
		Candidates:        candidates,
		Threshold:         threshold,
		Fingerprint:       Fingerprint(reviewType, sourceHappeningID, candidates),
		Detail:            detail,
	}
	if err := store.UpsertReview(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}
