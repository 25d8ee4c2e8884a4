// Package match scores an incoming source record against candidate
// canonical happenings and turns ranked scores into a merge decision.
package match

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/normalize"
)

// Signal base weights when every signal is available. Unavailable
// signals are dropped and the remainder renormalized to sum to 1.0;
// see Score. Downstream threshold and tie-break constants were tuned
// against this renormalization, so it must not change.
const (
	titleWeight = 0.50
	dateWeight  = 0.30
	venueWeight = 0.20
)

// CandidateBundle is one offering-level match candidate: the canonical
// happening, one of its offerings, and a representative occurrence
// chosen to surface a venue name for the venue signal.
type CandidateBundle struct {
	Happening  *model.Happening
	Offering   *model.Offering
	Occurrence *model.Occurrence
}

// CandidateStore is the slice of the store the engine reads.
type CandidateStore interface {
	// OfferingsInRange returns offerings of non-archived happenings
	// whose [start_date, end_date] contains the given civil date,
	// joined with their happening.
	OfferingsInRange(ctx context.Context, date string) ([]model.Offering, map[int64]*model.Happening, error)
	// OccurrencesForOffering returns all occurrences under an offering.
	OccurrencesForOffering(ctx context.Context, offeringID int64) ([]model.Occurrence, error)
}

// Engine computes match confidence between source rows and candidates.
type Engine struct {
	store CandidateStore
}

// NewEngine creates a matching engine over the given store slice.
func NewEngine(store CandidateStore) *Engine {
	return &Engine{store: store}
}

// FetchCandidates narrows candidate generation to offerings whose date
// range contains the source's date. No semantic inference beyond range
// containment happens here; scoring does the rest.
func (e *Engine) FetchCandidates(ctx context.Context, src *model.SourceHappening) ([]CandidateBundle, error) {
	if src.StartDateLocal == "" {
		return nil, nil
	}

	offerings, happenings, err := e.store.OfferingsInRange(ctx, src.StartDateLocal)
	if err != nil {
		return nil, eris.Wrap(err, "match: fetch offerings in range")
	}

	bundles := make([]CandidateBundle, 0, len(offerings))
	for i := range offerings {
		off := &offerings[i]
		h := happenings[off.HappeningID]
		if h == nil || h.VisibilityStatus == model.VisibilityArchived {
			continue
		}

		occs, err := e.store.OccurrencesForOffering(ctx, off.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "match: fetch occurrences for offering %d", off.ID)
		}

		bundles = append(bundles, CandidateBundle{
			Happening:  h,
			Offering:   off,
			Occurrence: representativeOccurrence(occs, src),
		})
	}

	zap.L().Debug("match: candidates fetched",
		zap.Int64("source_happening_id", src.ID),
		zap.String("date", src.StartDateLocal),
		zap.Int("candidates", len(bundles)),
	)
	return bundles, nil
}

// representativeOccurrence picks one occurrence per offering for
// tie-breaking context: exact start_at match with the source first,
// then any occurrence with a venue name, then the deterministic
// smallest (has-null-start, has-null-venue, id) sort key. Its only job
// is to surface a venue name for the venue signal.
func representativeOccurrence(occs []model.Occurrence, src *model.SourceHappening) *model.Occurrence {
	if len(occs) == 0 {
		return nil
	}

	if src.StartAt != nil {
		for i := range occs {
			if occs[i].StartAt != nil && occs[i].StartAt.Equal(*src.StartAt) {
				return &occs[i]
			}
		}
	}

	for i := range occs {
		if occs[i].VenueName != "" {
			return &occs[i]
		}
	}

	sorted := make([]model.Occurrence, len(occs))
	copy(sorted, occs)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sortKey(sorted[i]), sortKey(sorted[j])
		if a.nullStart != b.nullStart {
			return !a.nullStart && b.nullStart
		}
		if a.nullVenue != b.nullVenue {
			return !a.nullVenue && b.nullVenue
		}
		return a.id < b.id
	})
	return &sorted[0]
}

type occSortKey struct {
	nullStart bool
	nullVenue bool
	id        int64
}

func sortKey(o model.Occurrence) occSortKey {
	return occSortKey{nullStart: o.StartAt == nil, nullVenue: o.VenueName == "", id: o.ID}
}

// Score computes the match confidence in [0,1] between a candidate
// bundle and a source row.
//
// Three independently available signals contribute: title Jaccard,
// binary date-in-range, and venue Jaccard. The canonical side
// frequently lacks a venue name; dropping the venue signal and
// renormalizing the remaining weights is what keeps such candidates
// from being permanently sub-threshold.
func (e *Engine) Score(bundle CandidateBundle, src *model.SourceHappening) float64 {
	type signal struct {
		weight float64
		value  float64
	}
	var signals []signal

	candTitle := normalize.Title(bundle.Happening.Title)
	srcTitle := normalize.Title(src.Title)
	if candTitle != "" && srcTitle != "" {
		sim := normalize.Jaccard(normalize.TokenSet(candTitle), normalize.TokenSet(srcTitle))
		signals = append(signals, signal{titleWeight, sim})
	}

	off := bundle.Offering
	if off != nil && off.StartDate != "" && off.EndDate != "" && src.StartDateLocal != "" {
		// ISO dates compare lexicographically.
		v := 0.0
		if src.StartDateLocal >= off.StartDate && src.StartDateLocal <= off.EndDate {
			v = 1.0
		}
		signals = append(signals, signal{dateWeight, v})
	}

	candVenue := ""
	if bundle.Occurrence != nil {
		candVenue = normalize.Venue(bundle.Occurrence.VenueName)
	}
	srcVenue := normalize.Venue(src.Location)
	if candVenue != "" && srcVenue != "" {
		sim := normalize.Jaccard(normalize.TokenSet(candVenue), normalize.TokenSet(srcVenue))
		signals = append(signals, signal{venueWeight, sim})
	}

	if len(signals) == 0 {
		return 0
	}

	totalWeight := 0.0
	for _, s := range signals {
		totalWeight += s.weight
	}

	score := 0.0
	for _, s := range signals {
		score += (s.weight / totalWeight) * s.value
	}
	return score
}
