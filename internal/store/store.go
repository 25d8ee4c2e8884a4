// Package store persists the canonicalization data model behind a
// row-oriented interface with postgres and sqlite backends.
package store

import (
	"context"

	"github.com/elternzeit/happenings-cli/internal/model"
)

// ConvergeCounters reports what one transactional group convergence
// changed (or, in dry-run, would change).
type ConvergeCounters struct {
	OfferingsRepointed   int `json:"offerings_repointed"`
	OfferingsMerged      int `json:"offerings_merged"`
	OccurrencesRepointed int `json:"occurrences_repointed"`
	OccurrencesDropped   int `json:"occurrences_dropped"`
	LinksRepointed       int `json:"links_repointed"`
	LinksDropped         int `json:"links_dropped"`
	LosersArchived       int `json:"losers_archived"`
}

// Add accumulates another group's counters.
func (c *ConvergeCounters) Add(other ConvergeCounters) {
	c.OfferingsRepointed += other.OfferingsRepointed
	c.OfferingsMerged += other.OfferingsMerged
	c.OccurrencesRepointed += other.OccurrencesRepointed
	c.OccurrencesDropped += other.OccurrencesDropped
	c.LinksRepointed += other.LinksRepointed
	c.LinksDropped += other.LinksDropped
	c.LosersArchived += other.LosersArchived
}

// Store is the persistence contract for the merge loop, the
// convergence job and the ingest bridge. Implementations: PostgresStore
// (pgx) and SQLiteStore (modernc.org/sqlite, local/dev; no
// transactional convergence).
type Store interface {
	// Source happenings
	UpsertSourceHappening(ctx context.Context, s *model.SourceHappening) (created bool, err error)
	// ClaimSourceBatch flips up to limit claimable rows with id >
	// afterID to processing and returns them. The cursor keeps one run
	// from re-claiming rows it already parked back to needs_review.
	ClaimSourceBatch(ctx context.Context, afterID int64, limit int, includeReview bool) ([]model.SourceHappening, error)
	// ListSourceBatch is the read-only counterpart of ClaimSourceBatch
	// for dry runs: same selection, cursor-paged, no status flip.
	ListSourceBatch(ctx context.Context, afterID int64, limit int, includeReview bool) ([]model.SourceHappening, error)
	UpdateSourceStatus(ctx context.Context, id int64, status model.SourceStatus, reason string) error
	// LinkedHappening returns the non-archived happening this source
	// row is already linked to, for the merge fast path. Upserts keep
	// (source_id, dedupe_key) unique, so a re-queued row's own link is
	// the only "sibling" that can exist. Nil when none.
	LinkedHappening(ctx context.Context, sourceHappeningID int64) (*model.Happening, error)

	// Happenings
	CreateHappening(ctx context.Context, h *model.Happening) error
	GetHappening(ctx context.Context, id int64) (*model.Happening, error)
	// UpdateHappeningFields applies a column patch. The merge writer
	// filters editorial columns before the patch reaches the store.
	UpdateHappeningFields(ctx context.Context, id int64, patch map[string]any) error
	// DuplicateGroups returns non-archived happenings grouped by
	// canonical_dedupe_key, only groups with more than one member.
	DuplicateGroups(ctx context.Context) (map[string][]model.Happening, error)

	// Offerings and occurrences
	UpsertOffering(ctx context.Context, o *model.Offering) error
	OfferingsInRange(ctx context.Context, date string) ([]model.Offering, map[int64]*model.Happening, error)
	OfferingsForHappening(ctx context.Context, happeningID int64) ([]model.Offering, error)
	UpsertOccurrence(ctx context.Context, o *model.Occurrence) error
	OccurrencesForOffering(ctx context.Context, offeringID int64) ([]model.Occurrence, error)

	// Provenance
	UpsertHappeningSource(ctx context.Context, hs *model.HappeningSource) error
	SourcesForHappening(ctx context.Context, happeningID int64) ([]model.HappeningSource, error)
	HasPrimaryLink(ctx context.Context, happeningID int64) (bool, error)
	LinkCounts(ctx context.Context, happeningIDs []int64) (map[int64]int, error)

	// Field history (insert-or-ignore on change_key)
	InsertFieldHistory(ctx context.Context, entries []model.CanonicalFieldHistory) (int64, error)

	// Reviews
	UpsertReview(ctx context.Context, r *model.CanonicalizationReview) error
	ListOpenReviews(ctx context.Context, limit int) ([]model.CanonicalizationReview, error)

	// Run stats
	InsertRunStats(ctx context.Context, s *model.MergeRunStats) error
	ListRunStats(ctx context.Context, limit int) ([]model.MergeRunStats, error)

	// Convergence. HasConvergeProcedure is the live-mode pre-flight:
	// when it reports false the job must abort before any write.
	HasConvergeProcedure(ctx context.Context) (bool, error)
	ConvergeCanonicalKey(ctx context.Context, key string) (ConvergeCounters, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
