package model

import "time"

// VisibilityStatus is the publication state of a Happening.
type VisibilityStatus string

// Visibility states.
const (
	VisibilityDraft     VisibilityStatus = "draft"
	VisibilityPublished VisibilityStatus = "published"
	VisibilityArchived  VisibilityStatus = "archived"
)

// Happening is the canonical record for a real-world event.
type Happening struct {
	ID                 int64            `json:"id" db:"id"`
	Title              string           `json:"title" db:"title"`
	Description        string           `json:"description,omitempty" db:"description"`
	HappeningKind      string           `json:"happening_kind" db:"happening_kind"`
	CanonicalDedupeKey string           `json:"canonical_dedupe_key" db:"canonical_dedupe_key"`
	VisibilityStatus   VisibilityStatus `json:"visibility_status" db:"visibility_status"`
	PrimaryVenueID     *int64           `json:"primary_venue_id,omitempty" db:"primary_venue_id"`
	IsOnline           bool             `json:"is_online" db:"is_online"`

	// Admin-owned overrides. The pipeline must never write these;
	// see EditorialFields.
	EditorialPriority  int        `json:"editorial_priority" db:"editorial_priority"`
	VisibilityOverride *string    `json:"visibility_override,omitempty" db:"visibility_override"`
	OverrideReason     *string    `json:"override_reason,omitempty" db:"override_reason"`
	OverrideSetBy      *string    `json:"override_set_by,omitempty" db:"override_set_by"`
	OverrideSetAt      *time.Time `json:"override_set_at,omitempty" db:"override_set_at"`
	OverrideExpiresAt  *time.Time `json:"override_expires_at,omitempty" db:"override_expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EditorialFields is the set of admin-authoritative column names the
// merge path filters out of every update payload. visibility_status is
// included: publication is an editorial decision.
var EditorialFields = map[string]bool{
	"editorial_priority":  true,
	"visibility_override": true,
	"override_reason":     true,
	"override_set_by":     true,
	"override_set_at":     true,
	"override_expires_at": true,
	"visibility_status":   true,
}

// TrackedFields are the canonical columns whose transitions are logged
// to CanonicalFieldHistory.
var TrackedFields = []string{"title", "description"}

// Offering is one schedule definition under a Happening. Its natural
// key is (happening_id, offering_type, timezone, start_date, end_date).
type Offering struct {
	ID           int64     `json:"id" db:"id"`
	HappeningID  int64     `json:"happening_id" db:"happening_id"`
	OfferingType string    `json:"offering_type" db:"offering_type"`
	Timezone     string    `json:"timezone,omitempty" db:"timezone"`
	StartDate    string    `json:"start_date,omitempty" db:"start_date"`
	EndDate      string    `json:"end_date,omitempty" db:"end_date"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Offering types.
const (
	OfferingOneOff    = "one_off"
	OfferingRecurring = "recurring"
)

// NaturalKeyEquals reports whether two offerings collide on the
// offering natural key (type, timezone, date window). The happening
// id is excluded so offerings can be compared across the duplicate
// happenings being converged.
func (o *Offering) NaturalKeyEquals(other *Offering) bool {
	return o.OfferingType == other.OfferingType &&
		o.Timezone == other.Timezone &&
		o.StartDate == other.StartDate &&
		o.EndDate == other.EndDate
}

// Occurrence is one concrete timed instance under an Offering.
// Rows with a null start are never created: date-only events get a
// Happening and Offering but no Occurrence.
type Occurrence struct {
	ID         int64      `json:"id" db:"id"`
	OfferingID int64      `json:"offering_id" db:"offering_id"`
	StartAt    *time.Time `json:"start_at,omitempty" db:"start_at"`
	EndAt      *time.Time `json:"end_at,omitempty" db:"end_at"`
	VenueName  string     `json:"venue_name,omitempty" db:"venue_name"`
	Status     string     `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Occurrence states.
const (
	OccurrenceScheduled = "scheduled"
	OccurrenceCancelled = "cancelled"
)

// HappeningSource links one SourceHappening to one Happening. A source
// row links to exactly one canonical happening at a time; re-linking
// overwrites, never duplicates.
type HappeningSource struct {
	ID                int64     `json:"id" db:"id"`
	HappeningID       int64     `json:"happening_id" db:"happening_id"`
	SourceHappeningID int64     `json:"source_happening_id" db:"source_happening_id"`
	SourceID          string    `json:"source_id" db:"source_id"`
	SourcePriority    int       `json:"source_priority" db:"source_priority"`
	IsPrimary         bool      `json:"is_primary" db:"is_primary"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// CanonicalFieldHistory is one old-to-new transition on a tracked
// canonical field. ChangeKey excludes the contributing source so the
// same logical change from any source collapses to one row.
type CanonicalFieldHistory struct {
	ID          int64     `json:"id" db:"id"`
	HappeningID int64     `json:"happening_id" db:"happening_id"`
	Field       string    `json:"field" db:"field"`
	OldValue    string    `json:"old_value" db:"old_value"`
	NewValue    string    `json:"new_value" db:"new_value"`
	ChangeKey   string    `json:"change_key" db:"change_key"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
