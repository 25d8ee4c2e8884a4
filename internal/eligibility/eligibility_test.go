package eligibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/elternzeit/happenings-cli/internal/model"
)

func intPtr(n int) *int { return &n }

func eligibleCandidate() Candidate {
	start := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	return Candidate{
		Title:         "Kinderyoga im Park",
		DatePrecision: model.PrecisionDatetime,
		StartDate:     "2026-03-15",
		StartAt:       &start,
		Location:      "Stadtpark Zürich",
	}
}

func TestCheckEligible(t *testing.T) {
	ok, reasons := Check(eligibleCandidate())
	assert.True(t, ok)
	assert.Empty(t, reasons)
}

func TestCheckSingleFailures(t *testing.T) {
	start := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*Candidate)
		reason string
	}{
		{"empty title", func(c *Candidate) { c.Title = "" }, "empty title"},
		{"junk title", func(c *Candidate) { c.Title = "Weiterlesen" }, "junk title"},
		{"no date", func(c *Candidate) {
			c.StartDate = ""
			c.StartAt = nil
			c.DatePrecision = model.PrecisionDate
		}, "no date or datetime"},
		{"no location", func(c *Candidate) {
			c.Location = ""
			c.IsOnline = false
		}, "no location and not online"},
		{"cancelled", func(c *Candidate) { c.Cancelled = true }, "cancelled"},
		{"date precision with timestamps", func(c *Candidate) {
			c.DatePrecision = model.PrecisionDate
		}, "date precision with timestamps"},
		{"datetime precision without start", func(c *Candidate) {
			c.StartAt = nil
		}, "datetime precision without start timestamp"},
		{"unknown precision fails closed", func(c *Candidate) {
			c.DatePrecision = "fuzzy"
		}, "unknown date precision"},
		{"explicit newborn flag", func(c *Candidate) { c.NewbornOnly = true }, "newborn-only"},
		{"newborn audience category", func(c *Candidate) {
			c.AudienceCategories = []string{"babies"}
		}, "newborn-only"},
		{"newborn age range", func(c *Candidate) {
			c.AgeMinMonths = intPtr(0)
			c.AgeMaxMonths = intPtr(12)
		}, "newborn-only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := eligibleCandidate()
			c.StartAt = &start
			tt.mutate(&c)
			ok, reasons := Check(c)
			assert.False(t, ok)
			assert.Contains(t, reasons, tt.reason)
		})
	}
}

func TestCheckCollectsAllReasons(t *testing.T) {
	c := Candidate{DatePrecision: "fuzzy", Cancelled: true}
	ok, reasons := Check(c)
	assert.False(t, ok)
	assert.Len(t, reasons, 5) // title, date, location, cancelled, precision
}

func TestNewbornAgeRangeEdges(t *testing.T) {
	c := eligibleCandidate()
	c.AgeMinMonths = intPtr(0)
	c.AgeMaxMonths = intPtr(13)
	ok, _ := Check(c)
	assert.True(t, ok, "max above 12 months is not newborn-only")

	c.AgeMinMonths = intPtr(6)
	c.AgeMaxMonths = intPtr(12)
	ok, _ = Check(c)
	assert.True(t, ok, "min above 0 is not newborn-only")

	c.AgeMinMonths = nil
	c.AgeMaxMonths = intPtr(12)
	ok, _ = Check(c)
	assert.True(t, ok, "age rule requires both bounds")
}
