// Package converge repairs canonical duplicates: happenings that ended
// up sharing a canonical dedupe key are collapsed onto one
// deterministic winner.
package converge

import (
	"sort"

	"github.com/elternzeit/happenings-cli/internal/model"
)

// SelectWinner picks the group member everything converges onto. The
// order is total, so the result does not depend on input order:
// highest editorial priority first (admin intent is absolute), then
// most provenance links, then earliest created_at, then smallest id.
func SelectWinner(group []model.Happening, linkCounts map[int64]int) model.Happening {
	sorted := make([]model.Happening, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.EditorialPriority != b.EditorialPriority {
			return a.EditorialPriority > b.EditorialPriority
		}
		if linkCounts[a.ID] != linkCounts[b.ID] {
			return linkCounts[a.ID] > linkCounts[b.ID]
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}
