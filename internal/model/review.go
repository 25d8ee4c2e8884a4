package model

import "time"

// ReviewType classifies why a review was opened.
type ReviewType string

// Review types.
const (
	ReviewAmbiguousMatch    ReviewType = "ambiguous_match"
	ReviewBelowThreshold    ReviewType = "below_threshold"
	ReviewConvergeConflict  ReviewType = "converge_conflict"
	ReviewContractViolation ReviewType = "contract_violation"
)

// ReviewStatus is the resolution state of a review.
type ReviewStatus string

// Review states.
const (
	ReviewOpen              ReviewStatus = "open"
	ReviewResolvedMerge     ReviewStatus = "resolved_merge"
	ReviewResolvedCreateNew ReviewStatus = "resolved_create_new"
	ReviewIgnored           ReviewStatus = "ignored"
)

// ReviewCandidate is one considered canonical candidate with its score.
type ReviewCandidate struct {
	HappeningID int64   `json:"happening_id"`
	Confidence  float64 `json:"confidence"`
}

// CanonicalizationReview is an audit/action record for an ambiguous or
// conflicting match. At most one open review exists per
// (source_happening_id, review_type).
type CanonicalizationReview struct {
	ID                string            `json:"id" db:"id"`
	RunID             string            `json:"run_id" db:"run_id"`
	SourceHappeningID int64             `json:"source_happening_id" db:"source_happening_id"`
	ReviewType        ReviewType        `json:"review_type" db:"review_type"`
	Candidates        []ReviewCandidate `json:"candidates,omitempty" db:"candidates"`
	Threshold         float64           `json:"threshold" db:"threshold"`
	Fingerprint       string            `json:"fingerprint,omitempty" db:"fingerprint"`
	Detail            string            `json:"detail,omitempty" db:"detail"`
	Status            ReviewStatus      `json:"status" db:"status"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}
