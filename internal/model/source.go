// Package model defines the entity records shared across the
// canonicalization pipeline.
package model

import "time"

// SourceStatus is the lifecycle state of a SourceHappening.
type SourceStatus string

// SourceHappening lifecycle states.
const (
	SourceQueued      SourceStatus = "queued"
	SourceProcessing  SourceStatus = "processing"
	SourceNeedsReview SourceStatus = "needs_review"
	SourceProcessed   SourceStatus = "processed"
	SourceIgnored     SourceStatus = "ignored"
)

// Source trust tiers, highest first.
const (
	TierA = "A"
	TierB = "B"
	TierC = "C"
)

// TierPriority maps a source tier to its provenance priority.
// Unknown tiers rank below C.
func TierPriority(tier string) int {
	switch tier {
	case TierA:
		return 300
	case TierB:
		return 200
	case TierC:
		return 100
	default:
		return 0
	}
}

// Date precision values for SourceHappening.
const (
	PrecisionDate     = "date"
	PrecisionDatetime = "datetime"
)

// SourceHappening is one ingested record from one source. Rows are
// created by ingestion, status-mutated by the merge loop, never deleted.
type SourceHappening struct {
	ID             int64        `json:"id" db:"id"`
	SourceID       string       `json:"source_id" db:"source_id"`
	SourceTier     string       `json:"source_tier" db:"source_tier"`
	ExternalID     string       `json:"external_id,omitempty" db:"external_id"`
	Title          string       `json:"title" db:"title"`
	RawDatetime    string       `json:"raw_datetime,omitempty" db:"raw_datetime"`
	Location       string       `json:"location,omitempty" db:"location"`
	Description    string       `json:"description,omitempty" db:"description"`
	StartDateLocal string       `json:"start_date_local,omitempty" db:"start_date_local"`
	EndDateLocal   string       `json:"end_date_local,omitempty" db:"end_date_local"`
	StartAt        *time.Time   `json:"start_at,omitempty" db:"start_at"`
	EndAt          *time.Time   `json:"end_at,omitempty" db:"end_at"`
	Timezone       string       `json:"timezone,omitempty" db:"timezone"`
	DatePrecision  string       `json:"date_precision,omitempty" db:"date_precision"`
	ItemURL        string       `json:"item_url,omitempty" db:"item_url"`
	ImageURL       string       `json:"image_url,omitempty" db:"image_url"`
	DedupeKey      string       `json:"dedupe_key" db:"dedupe_key"`
	Status         SourceStatus `json:"status" db:"status"`
	StatusReason   string       `json:"status_reason,omitempty" db:"status_reason"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// TimeContractViolation reports whether the row breaks the
// date-precision contract: date precision forbids timestamps,
// datetime precision requires a start timestamp. Violations are
// routed to needs_review, never silently dropped.
func (s *SourceHappening) TimeContractViolation() (string, bool) {
	switch s.DatePrecision {
	case PrecisionDate:
		if s.StartAt != nil || s.EndAt != nil {
			return "date precision with non-null timestamps", true
		}
	case PrecisionDatetime:
		if s.StartAt == nil {
			return "datetime precision without start_at", true
		}
	}
	return "", false
}
