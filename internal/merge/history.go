package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/elternzeit/happenings-cli/internal/model"
)

// ChangeKey identifies one logical field transition. The source id is
// deliberately not part of the key: the same transition arriving from
// two sources collapses to one history row.
func ChangeKey(happeningID int64, field, oldValue, newValue string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		fmt.Sprintf("%d", happeningID), field, oldValue, newValue,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// trackedValue extracts the source's raw value for a tracked canonical
// field. Empty means the source supplied nothing for that field.
func trackedValue(src *model.SourceHappening, field string) string {
	switch field {
	case "title":
		return src.Title
	case "description":
		return src.Description
	}
	return ""
}

func currentValue(h *model.Happening, field string) string {
	switch field {
	case "title":
		return h.Title
	case "description":
		return h.Description
	}
	return ""
}

// diffTracked returns the history entries for tracked-field changes a
// source row would apply to a happening. A change exists only when the
// source supplies a non-empty value that textually differs from the
// current canonical value.
func diffTracked(h *model.Happening, src *model.SourceHappening) []model.CanonicalFieldHistory {
	var entries []model.CanonicalFieldHistory
	for _, field := range model.TrackedFields {
		newValue := trackedValue(src, field)
		if newValue == "" {
			continue
		}
		oldValue := currentValue(h, field)
		if newValue == oldValue {
			continue
		}
		entries = append(entries, model.CanonicalFieldHistory{
			HappeningID: h.ID,
			Field:       field,
			OldValue:    oldValue,
			NewValue:    newValue,
			ChangeKey:   ChangeKey(h.ID, field, oldValue, newValue),
		})
	}
	return entries
}
