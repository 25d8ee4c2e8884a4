package model

import "time"

// SourceStats is the per-source confidence summary for one merge run.
type SourceStats struct {
	Rows int     `json:"rows"`
	Min  float64 `json:"min"`
	Avg  float64 `json:"avg"`
	Max  float64 `json:"max"`
}

// MergeRunStats is one row per merge-loop invocation. Pure
// observability: merge decisions never read it back.
type MergeRunStats struct {
	RunID           string                 `json:"run_id" db:"run_id"`
	DryRun          bool                   `json:"dry_run" db:"dry_run"`
	Claimed         int                    `json:"claimed" db:"claimed"`
	Merged          int                    `json:"merged" db:"merged"`
	Created         int                    `json:"created" db:"created"`
	Reviewed        int                    `json:"reviewed" db:"reviewed"`
	Failed          int                    `json:"failed" db:"failed"`
	FastPath        int                    `json:"fast_path" db:"fast_path"`
	Histogram       map[string]int         `json:"histogram" db:"histogram"`
	PerSource       map[string]SourceStats `json:"per_source" db:"per_source"`
	ClaimMillis     int64                  `json:"claim_millis" db:"claim_millis"`
	MatchMillis     int64                  `json:"match_millis" db:"match_millis"`
	WriteMillis     int64                  `json:"write_millis" db:"write_millis"`
	StartedAt       time.Time              `json:"started_at" db:"started_at"`
	FinishedAt      time.Time              `json:"finished_at" db:"finished_at"`
}
