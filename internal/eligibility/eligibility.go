// Package eligibility implements the feed eligibility gate. Every
// check fails closed: an ambiguous record is ineligible with an
// explicit reason, never silently passed through.
package eligibility

import (
	"time"

	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/normalize"
)

// Candidate is the feed-facing view of a happening that the gate
// evaluates. It is assembled by the caller from the canonical record
// and its enrichment.
type Candidate struct {
	Title         string
	DatePrecision string
	StartDate     string
	StartAt       *time.Time
	EndAt         *time.Time
	Location      string
	IsOnline      bool
	Cancelled     bool

	// Newborn-only exclusion inputs. No text inference happens here;
	// these are explicit flags and structured tags only.
	NewbornOnly        bool
	AudienceCategories []string
	AgeMinMonths       *int
	AgeMaxMonths       *int
}

// newbornAudienceCategories are the structured audience tags that mark
// a newborn-only record.
var newbornAudienceCategories = map[string]bool{
	"newborn":  true,
	"babies":   true,
	"0-1_year": true,
}

// Check runs all gate checks independently and returns every failed
// reason. An empty reason list means eligible.
func Check(c Candidate) (bool, []string) {
	var reasons []string

	if c.Title == "" {
		reasons = append(reasons, "empty title")
	} else if normalize.IsJunkTitle(c.Title) {
		reasons = append(reasons, "junk title")
	}

	if c.StartDate == "" && c.StartAt == nil {
		reasons = append(reasons, "no date or datetime")
	}

	if c.Location == "" && !c.IsOnline {
		reasons = append(reasons, "no location and not online")
	}

	if c.Cancelled {
		reasons = append(reasons, "cancelled")
	}

	switch c.DatePrecision {
	case model.PrecisionDate:
		if c.StartAt != nil || c.EndAt != nil {
			reasons = append(reasons, "date precision with timestamps")
		}
	case model.PrecisionDatetime:
		if c.StartAt == nil {
			reasons = append(reasons, "datetime precision without start timestamp")
		}
	default:
		reasons = append(reasons, "unknown date precision")
	}

	if newbornOnly(c) {
		reasons = append(reasons, "newborn-only")
	}

	return len(reasons) == 0, reasons
}

func newbornOnly(c Candidate) bool {
	if c.NewbornOnly {
		return true
	}
	for _, cat := range c.AudienceCategories {
		if newbornAudienceCategories[cat] {
			return true
		}
	}
	if c.AgeMinMonths != nil && c.AgeMaxMonths != nil {
		return *c.AgeMaxMonths <= 12 && *c.AgeMinMonths <= 0
	}
	return false
}
