package merge

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/elternzeit/happenings-cli/internal/dedupe"
	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/store"
)

// Writer performs the canonical write pipeline: the create path for
// unmatched source rows and the merge path for matched ones.
type Writer struct {
	store store.Store
}

func NewWriter(s store.Store) *Writer {
	return &Writer{store: s}
}

// Create inserts a new canonical chain from one source row: happening
// (draft, editorial fields untouched), one_off offering, occurrence
// only when the source carries a precise start, then a primary
// provenance link.
func (w *Writer) Create(ctx context.Context, src *model.SourceHappening) (*model.Happening, error) {
	h := &model.Happening{
		Title:         src.Title,
		Description:   src.Description,
		HappeningKind: "event",
		CanonicalDedupeKey: dedupe.CanonicalKey(dedupe.CanonicalKeyInput{
			HappeningKind: "event",
			Title:         src.Title,
			StartDate:     src.StartDateLocal,
			StartAt:       src.StartAt,
		}),
		// New rows are never published by the pipeline; publication is
		// an editorial act.
		VisibilityStatus: model.VisibilityDraft,
	}
	if err := w.store.CreateHappening(ctx, h); err != nil {
		return nil, eris.Wrap(err, "merge: create happening")
	}

	endDate := src.EndDateLocal
	if endDate == "" {
		endDate = src.StartDateLocal
	}
	off := &model.Offering{
		HappeningID:  h.ID,
		OfferingType: model.OfferingOneOff,
		Timezone:     src.Timezone,
		StartDate:    src.StartDateLocal,
		EndDate:      endDate,
	}
	if err := w.store.UpsertOffering(ctx, off); err != nil {
		return nil, eris.Wrap(err, "merge: create offering")
	}

	// Date-only sources get no occurrence. An occurrence without a
	// time is not representable.
	if src.StartAt != nil {
		occ := &model.Occurrence{
			OfferingID: off.ID,
			StartAt:    src.StartAt,
			EndAt:      src.EndAt,
			VenueName:  src.Location,
			Status:     model.OccurrenceScheduled,
		}
		if err := w.store.UpsertOccurrence(ctx, occ); err != nil {
			return nil, eris.Wrap(err, "merge: create occurrence")
		}
	}

	link := &model.HappeningSource{
		HappeningID:       h.ID,
		SourceHappeningID: src.ID,
		SourceID:          src.SourceID,
		SourcePriority:    model.TierPriority(src.SourceTier),
		IsPrimary:         true,
	}
	if err := w.store.UpsertHappeningSource(ctx, link); err != nil {
		return nil, eris.Wrap(err, "merge: create provenance link")
	}
	return h, nil
}

// Merge links a source row into an existing happening and applies the
// tracked-field patch. Returns the number of recorded field changes.
func (w *Writer) Merge(ctx context.Context, src *model.SourceHappening, happeningID int64) (int, error) {
	h, err := w.store.GetHappening(ctx, happeningID)
	if err != nil {
		return 0, eris.Wrap(err, "merge: load target happening")
	}
	if h == nil {
		return 0, eris.Errorf("merge: target happening gone: %d", happeningID)
	}

	hasPrimary, err := w.store.HasPrimaryLink(ctx, happeningID)
	if err != nil {
		return 0, eris.Wrap(err, "merge: check primary link")
	}
	link := &model.HappeningSource{
		HappeningID:       happeningID,
		SourceHappeningID: src.ID,
		SourceID:          src.SourceID,
		SourcePriority:    model.TierPriority(src.SourceTier),
		IsPrimary:         !hasPrimary,
	}
	if err := w.store.UpsertHappeningSource(ctx, link); err != nil {
		return 0, eris.Wrap(err, "merge: provenance link")
	}

	entries := diffTracked(h, src)
	if len(entries) == 0 {
		return 0, nil
	}

	patch := buildPatch(entries)
	if err := w.store.UpdateHappeningFields(ctx, happeningID, patch); err != nil {
		return 0, eris.Wrap(err, "merge: apply patch")
	}
	if _, err := w.store.InsertFieldHistory(ctx, entries); err != nil {
		return 0, eris.Wrap(err, "merge: record field history")
	}
	return len(entries), nil
}

// buildPatch converts tracked-field diffs into a column patch. The
// patch is derived only from TrackedFields, so editorial columns can
// never appear in it; stripEditorial runs anyway as a backstop, and
// the store rejects unknown columns as a second one.
func buildPatch(entries []model.CanonicalFieldHistory) map[string]any {
	patch := make(map[string]any, len(entries))
	for _, e := range entries {
		patch[e.Field] = e.NewValue
	}
	return stripEditorial(patch)
}

func stripEditorial(patch map[string]any) map[string]any {
	for field := range model.EditorialFields {
		delete(patch, field)
	}
	return patch
}
