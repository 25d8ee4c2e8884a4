// Package dedupe computes the content fingerprints that anchor
// source-level (v1|) and cross-source canonical (c1|) identity.
//
// Both key families are a cross-system contract: the store's SQL
// computes them independently for bulk backfills, so the hash inputs
// here must never change without a key-version bump.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/elternzeit/happenings-cli/internal/normalize"
)

// Key prefixes. The prefix is a version marker, not decoration.
const (
	SourcePrefix    = "v1|"
	CanonicalPrefix = "c1|"
)

// KeyError reports that no fingerprint can be derived from a source
// record. This is a hard ingestion contract violation, not a
// recoverable state: the row must be routed to review.
type KeyError struct {
	SourceID string
	Reason   string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("dedupe: cannot derive key for source %q: %s", e.SourceID, e.Reason)
}

// SourceKeyInput carries the fields contributing to a v1| key.
type SourceKeyInput struct {
	SourceID       string
	Title          string
	StartDateLocal string
	Location       string
	ItemURL        string
	ExternalID     string
}

// SourceKey computes the source-scoped v1| fingerprint.
//
// Primary anchor is normalized title + civil date + normalized
// location. Time-of-day never contributes: two records on the same
// date differing only in clock time collapse to one key. Fallbacks are
// external id, then item URL.
func SourceKey(in SourceKeyInput) (string, error) {
	if in.SourceID == "" {
		return "", &KeyError{SourceID: in.SourceID, Reason: "missing source_id"}
	}

	title := normalize.Title(in.Title)
	if title != "" && in.StartDateLocal != "" {
		loc := normalize.Venue(in.Location)
		return hash(SourcePrefix, in.SourceID, title, in.StartDateLocal, loc), nil
	}
	if in.ExternalID != "" {
		return hash(SourcePrefix, in.SourceID, "ext", in.ExternalID), nil
	}
	if in.ItemURL != "" {
		return hash(SourcePrefix, in.SourceID, "url", in.ItemURL), nil
	}

	return "", &KeyError{SourceID: in.SourceID, Reason: "no title+date, external_id or item_url"}
}

// civilTZ anchors timestamp-only records to a civil date.
const civilTZ = "Europe/Zurich"

// CanonicalKeyInput carries the fields contributing to a c1| key.
// The source id is deliberately absent: c1| is cross-source identity.
type CanonicalKeyInput struct {
	HappeningKind  string
	Title          string
	StartDate      string
	StartAt        *time.Time
	PrimaryVenueID *int64
	IsOnline       bool
}

// CanonicalKey computes the cross-source c1| fingerprint. It always
// succeeds: missing anchors degrade to sentinel tokens rather than
// failing, because a canonical row already exists by the time this key
// is computed.
func CanonicalKey(in CanonicalKeyInput) string {
	date := in.StartDate
	if date == "" && in.StartAt != nil {
		date = civilDate(*in.StartAt)
	}
	if date == "" {
		date = "unknown-date"
	}

	location := "unknown-location"
	switch {
	case in.PrimaryVenueID != nil:
		location = fmt.Sprintf("venue:%d", *in.PrimaryVenueID)
	case in.IsOnline:
		location = "online"
	}

	return hash(CanonicalPrefix, in.HappeningKind, normalize.Title(in.Title), date, location)
}

func civilDate(t time.Time) string {
	loc, err := time.LoadLocation(civilTZ)
	if err != nil {
		// Zoneinfo is compiled in; reaching this means a broken build.
		return t.UTC().Format("2006-01-02")
	}
	return t.In(loc).Format("2006-01-02")
}

func hash(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + hex.EncodeToString(sum[:])
}
