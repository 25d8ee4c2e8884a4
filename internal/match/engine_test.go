package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elternzeit/happenings-cli/internal/model"
)

type mockCandidateStore struct {
	offerings   []model.Offering
	happenings  map[int64]*model.Happening
	occurrences map[int64][]model.Occurrence
}

func (m *mockCandidateStore) OfferingsInRange(_ context.Context, date string) ([]model.Offering, map[int64]*model.Happening, error) {
	var out []model.Offering
	for _, o := range m.offerings {
		if date >= o.StartDate && date <= o.EndDate {
			out = append(out, o)
		}
	}
	return out, m.happenings, nil
}

func (m *mockCandidateStore) OccurrencesForOffering(_ context.Context, offeringID int64) ([]model.Occurrence, error) {
	return m.occurrences[offeringID], nil
}

func bundleWith(title, venueName, startDate, endDate string) CandidateBundle {
	b := CandidateBundle{
		Happening: &model.Happening{ID: 1, Title: title},
		Offering:  &model.Offering{ID: 1, HappeningID: 1, StartDate: startDate, EndDate: endDate},
	}
	if venueName != "" {
		b.Occurrence = &model.Occurrence{ID: 1, OfferingID: 1, VenueName: venueName}
	}
	return b
}

func TestScore_AllSignals(t *testing.T) {
	e := NewEngine(nil)
	src := &model.SourceHappening{
		Title:          "Kinderyoga im Park",
		StartDateLocal: "2026-03-15",
		Location:       "Stadtpark",
	}
	b := bundleWith("Kinderyoga im Park", "Stadtpark", "2026-03-15", "2026-03-15")

	// title 1.0 * 0.5 + date 1.0 * 0.3 + venue 1.0 * 0.2 = 1.0
	assert.InDelta(t, 1.0, e.Score(b, src), 1e-9)
}

func TestScore_RenormalizesWithoutVenue(t *testing.T) {
	e := NewEngine(nil)
	src := &model.SourceHappening{
		Title:          "Kinderyoga im Park",
		StartDateLocal: "2026-03-15",
		Location:       "Stadtpark",
	}
	// Canonical side has no venue name: weights rescale to
	// title 0.5/0.8 and date 0.3/0.8.
	b := bundleWith("Kinderyoga im Park", "", "2026-03-15", "2026-03-15")
	assert.InDelta(t, 1.0, e.Score(b, src), 1e-9)

	// Date outside the range: only the title contributes its share.
	b2 := bundleWith("Kinderyoga im Park", "", "2026-03-16", "2026-03-20")
	assert.InDelta(t, 0.5/0.8, e.Score(b2, src), 1e-9)
}

func TestScore_TitleOnlyEqualsJaccard(t *testing.T) {
	e := NewEngine(nil)
	// No source date and no venue: the title weight fraction is 1.0,
	// so the score is exactly the title Jaccard similarity.
	src := &model.SourceHappening{Title: "Kinderyoga im Park"}
	b := bundleWith("Kinderyoga Park", "", "", "")

	// tokens {kinderyoga, im, park} vs {kinderyoga, park}: 2/3.
	assert.InDelta(t, 2.0/3.0, e.Score(b, src), 1e-9)
}

func TestScore_NoSignals(t *testing.T) {
	e := NewEngine(nil)
	src := &model.SourceHappening{}
	b := bundleWith("", "", "", "")
	assert.Equal(t, 0.0, e.Score(b, src))
}

func TestFetchCandidates_SkipsArchivedAndOutOfRange(t *testing.T) {
	store := &mockCandidateStore{
		offerings: []model.Offering{
			{ID: 1, HappeningID: 1, StartDate: "2026-03-10", EndDate: "2026-03-20"},
			{ID: 2, HappeningID: 2, StartDate: "2026-03-10", EndDate: "2026-03-20"},
			{ID: 3, HappeningID: 3, StartDate: "2026-04-01", EndDate: "2026-04-02"},
		},
		happenings: map[int64]*model.Happening{
			1: {ID: 1, Title: "Live", VisibilityStatus: model.VisibilityPublished},
			2: {ID: 2, Title: "Archived", VisibilityStatus: model.VisibilityArchived},
			3: {ID: 3, Title: "Later", VisibilityStatus: model.VisibilityPublished},
		},
	}

	e := NewEngine(store)
	bundles, err := e.FetchCandidates(context.Background(), &model.SourceHappening{StartDateLocal: "2026-03-15"})
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, int64(1), bundles[0].Happening.ID)
}

func TestFetchCandidates_NoDate(t *testing.T) {
	e := NewEngine(&mockCandidateStore{})
	bundles, err := e.FetchCandidates(context.Background(), &model.SourceHappening{})
	require.NoError(t, err)
	assert.Nil(t, bundles)
}

func TestRepresentativeOccurrence(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	other := time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)

	t.Run("prefers exact start match", func(t *testing.T) {
		occs := []model.Occurrence{
			{ID: 1, StartAt: &other, VenueName: "Halle A"},
			{ID: 2, StartAt: &at},
		}
		src := &model.SourceHappening{StartAt: &at}
		got := representativeOccurrence(occs, src)
		assert.Equal(t, int64(2), got.ID)
	})

	t.Run("falls back to venue-bearing occurrence", func(t *testing.T) {
		occs := []model.Occurrence{
			{ID: 1},
			{ID: 2, VenueName: "Halle A"},
		}
		got := representativeOccurrence(occs, &model.SourceHappening{})
		assert.Equal(t, int64(2), got.ID)
	})

	t.Run("deterministic sort key fallback", func(t *testing.T) {
		occs := []model.Occurrence{
			{ID: 5},
			{ID: 3},
			{ID: 4, StartAt: &at},
		}
		got := representativeOccurrence(occs, &model.SourceHappening{})
		assert.Equal(t, int64(4), got.ID)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, representativeOccurrence(nil, &model.SourceHappening{}))
	})
}
