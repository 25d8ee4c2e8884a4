package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func ingest(t *testing.T, s store.Store, sh *model.SourceHappening) *model.SourceHappening {
	t.Helper()
	_, err := s.UpsertSourceHappening(context.Background(), sh)
	require.NoError(t, err)
	return sh
}

func parkYogaSource(sourceID, tier, key string) *model.SourceHappening {
	start := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	return &model.SourceHappening{
		SourceID:       sourceID,
		SourceTier:     tier,
		Title:          "Kinderyoga im Park",
		Description:    "Yoga für Kinder ab 4 Jahren",
		Location:       "Stadtpark Zürich",
		StartDateLocal: "2026-03-15",
		EndDateLocal:   "2026-03-15",
		StartAt:        &start,
		Timezone:       "Europe/Zurich",
		DatePrecision:  model.PrecisionDatetime,
		DedupeKey:      key,
	}
}

func TestChangeKeyExcludesSource(t *testing.T) {
	a := ChangeKey(1, "title", "old", "new")
	b := ChangeKey(1, "title", "old", "new")
	assert.Equal(t, a, b, "same logical transition from any source is one key")
	assert.NotEqual(t, a, ChangeKey(2, "title", "old", "new"))
	assert.NotEqual(t, a, ChangeKey(1, "description", "old", "new"))
	assert.NotEqual(t, a, ChangeKey(1, "title", "old", "newer"))
}

func TestDiffTracked(t *testing.T) {
	h := &model.Happening{ID: 1, Title: "Alt", Description: "Beschreibung"}

	tests := []struct {
		name   string
		src    model.SourceHappening
		fields []string
	}{
		{"both change", model.SourceHappening{Title: "Neu", Description: "Anders"}, []string{"title", "description"}},
		{"empty source values never count", model.SourceHappening{}, nil},
		{"equal values never count", model.SourceHappening{Title: "Alt", Description: "Beschreibung"}, nil},
		{"only title", model.SourceHappening{Title: "Neu", Description: "Beschreibung"}, []string{"title"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := diffTracked(h, &tt.src)
			var got []string
			for _, e := range entries {
				got = append(got, e.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestBuildPatchNeverContainsEditorialFields(t *testing.T) {
	// The patch is derived from TrackedFields only; this pins the
	// filter backstop as well.
	entries := []model.CanonicalFieldHistory{
		{Field: "title", NewValue: "x"},
		{Field: "description", NewValue: "y"},
	}
	patch := buildPatch(entries)
	for field := range model.EditorialFields {
		assert.NotContains(t, patch, field)
	}
	assert.Len(t, patch, 2)

	// Even a poisoned patch loses its editorial keys.
	poisoned := map[string]any{"title": "x", "editorial_priority": 99, "visibility_status": "published"}
	cleaned := stripEditorial(poisoned)
	assert.Equal(t, map[string]any{"title": "x"}, cleaned)
}

func TestCreatePath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewWriter(s)

	src := ingest(t, s, parkYogaSource("stadt-zuerich", model.TierA, "v1|k1"))
	h, err := w.Create(ctx, src)
	require.NoError(t, err)

	assert.Equal(t, model.VisibilityDraft, h.VisibilityStatus)
	assert.Equal(t, 0, h.EditorialPriority)
	assert.NotEmpty(t, h.CanonicalDedupeKey)

	offs, err := s.OfferingsForHappening(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, offs, 1)
	assert.Equal(t, model.OfferingOneOff, offs[0].OfferingType)
	assert.Equal(t, "2026-03-15", offs[0].StartDate)

	occs, err := s.OccurrencesForOffering(ctx, offs[0].ID)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "Stadtpark Zürich", occs[0].VenueName)

	links, err := s.SourcesForHappening(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].IsPrimary)
	assert.Equal(t, 300, links[0].SourcePriority)
}

func TestCreatePath_DateOnlySourceGetsNoOccurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewWriter(s)

	src := parkYogaSource("stadt-zuerich", model.TierB, "v1|k2")
	src.StartAt = nil
	src.DatePrecision = model.PrecisionDate
	ingest(t, s, src)

	h, err := w.Create(ctx, src)
	require.NoError(t, err)

	offs, err := s.OfferingsForHappening(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, offs, 1)

	occs, err := s.OccurrencesForOffering(ctx, offs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, occs, "date-only sources must not produce occurrences")
}

func TestMergePath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewWriter(s)

	first := ingest(t, s, parkYogaSource("stadt-zuerich", model.TierA, "v1|k1"))
	h, err := w.Create(ctx, first)
	require.NoError(t, err)

	second := parkYogaSource("quartierverein", model.TierB, "v1|k9")
	second.Title = "Kinder-Yoga im Park"
	ingest(t, s, second)

	changed, err := w.Merge(ctx, second, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, changed, "title differs textually, description does not")

	got, err := s.GetHappening(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kinder-Yoga im Park", got.Title)
	assert.Equal(t, model.VisibilityDraft, got.VisibilityStatus, "merge never touches publication state")

	links, err := s.SourcesForHappening(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	primaries := 0
	for _, l := range links {
		if l.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries, "an existing primary link is never displaced")

	// Replaying the same merge records no new history.
	changed, err = w.Merge(ctx, second, h.ID)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestLoopEndToEnd_TwoSourcesOneHappening(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := ingest(t, s, parkYogaSource("stadt-zuerich", model.TierA, "v1|k1"))
	second := ingest(t, s, parkYogaSource("quartierverein", model.TierB, "v1|k2"))

	loop := NewLoop(s)
	stats, err := loop.Run(ctx, LoopConfig{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Created, "first source creates the canonical chain")
	assert.Equal(t, 1, stats.Merged, "second source merges into it")
	assert.Zero(t, stats.Reviewed)
	assert.Zero(t, stats.Failed)

	groups, err := s.DuplicateGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups, "no canonical duplicates created")

	for _, src := range []*model.SourceHappening{first, second} {
		linked, err := s.LinkedHappening(ctx, src.ID)
		require.NoError(t, err)
		require.NotNil(t, linked, "source %s must be linked", src.SourceID)
	}

	links, err := s.LinkCounts(ctx, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 2, links[1])

	runs, err := s.ListRunStats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stats.RunID, runs[0].RunID)
}

func TestLoopFastPathReusesExistingLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	src := ingest(t, s, parkYogaSource("stadt-zuerich", model.TierA, "v1|k1"))

	loop := NewLoop(s)
	first, err := loop.Run(ctx, LoopConfig{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)
	assert.Zero(t, first.FastPath)

	// A re-queued row already links to a live happening, so the second
	// run merges without consulting the matching engine.
	require.NoError(t, s.UpdateSourceStatus(ctx, src.ID, model.SourceQueued, ""))

	second, err := loop.Run(ctx, LoopConfig{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Claimed)
	assert.Equal(t, 1, second.FastPath)
	assert.Equal(t, 1, second.Merged)
	assert.Zero(t, second.Created)

	groups, err := s.DuplicateGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups, "fast path must not create a second happening")

	links, err := s.LinkCounts(ctx, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 1, links[1], "replay keeps the single link")

	hasPrimary, err := s.HasPrimaryLink(ctx, 1)
	require.NoError(t, err)
	assert.True(t, hasPrimary, "replay must not demote the primary link")
}

func TestLoopRoutesContractViolationToReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := parkYogaSource("stadt-zuerich", model.TierA, "v1|bad")
	bad.DatePrecision = model.PrecisionDate // but StartAt is set
	ingest(t, s, bad)

	loop := NewLoop(s)
	stats, err := loop.Run(ctx, LoopConfig{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reviewed)

	open, err := s.ListOpenReviews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.ReviewContractViolation, open[0].ReviewType)

	// The row is parked, not stuck in processing.
	batch, err := s.ListSourceBatch(ctx, 0, 10, true)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, model.SourceNeedsReview, batch[0].Status)
}

func TestLoopDryRunWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, parkYogaSource("stadt-zuerich", model.TierA, "v1|k1"))

	loop := NewLoop(s)
	stats, err := loop.Run(ctx, LoopConfig{BatchSize: 10, DryRun: true})
	require.NoError(t, err)
	assert.True(t, stats.DryRun)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Created)

	// No happening, no status flip, no stats row.
	h, err := s.GetHappening(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, h)

	batch, err := s.ListSourceBatch(ctx, 0, 10, false)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, model.SourceQueued, batch[0].Status)

	runs, err := s.ListRunStats(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestBucketLabel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, "[0.00,0.50)"},
		{0.49, "[0.00,0.50)"},
		{0.5, "[0.50,0.70)"},
		{0.7, "[0.70,0.85)"},
		{0.85, "[0.85,0.95)"},
		{0.95, "[0.95,0.99)"},
		{0.99, "[0.99,1.00]"},
		{1.0, "[0.99,1.00]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucketLabel(tt.score), "score %v", tt.score)
	}
}

func TestStatsCollectorPerSource(t *testing.T) {
	c := newStatsCollector(false)
	c.observe("a", 0.2)
	c.observe("a", 0.8)
	c.observe("b", 1.0)

	a := c.stats.PerSource["a"]
	assert.Equal(t, 2, a.Rows)
	assert.InDelta(t, 0.2, a.Min, 1e-9)
	assert.InDelta(t, 0.5, a.Avg, 1e-9)
	assert.InDelta(t, 0.8, a.Max, 1e-9)

	b := c.stats.PerSource["b"]
	assert.Equal(t, 1, b.Rows)
	assert.InDelta(t, 1.0, b.Min, 1e-9)
}
