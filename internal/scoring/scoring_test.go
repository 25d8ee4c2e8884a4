package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfidence_PerfectRecord(t *testing.T) {
	score := Confidence(ConfidenceInput{
		DatePrecision:    "datetime",
		HasImage:         true,
		HasDescription:   true,
		SourceTier:       "A",
		ExtractionMethod: "jsonld",
		Timezone:         "Europe/Zurich",
		CanonicalURL:     "https://example.org/ev/1",
	})
	assert.Equal(t, 100, score)
}

func TestConfidence_Penalties(t *testing.T) {
	base := ConfidenceInput{
		DatePrecision:    "datetime",
		HasImage:         true,
		HasDescription:   true,
		SourceTier:       "A",
		ExtractionMethod: "jsonld",
		Timezone:         "Europe/Zurich",
		CanonicalURL:     "https://example.org/ev/1",
	}

	tests := []struct {
		name     string
		mutate   func(*ConfidenceInput)
		expected int
	}{
		{"date-only precision", func(in *ConfidenceInput) { in.DatePrecision = "date" }, 80},
		{"missing image", func(in *ConfidenceInput) { in.HasImage = false }, 80},
		{"missing description", func(in *ConfidenceInput) { in.HasDescription = false }, 85},
		{"tier B", func(in *ConfidenceInput) { in.SourceTier = "B" }, 90},
		{"html extraction", func(in *ConfidenceInput) { in.ExtractionMethod = "html" }, 85},
		{"missing timezone", func(in *ConfidenceInput) { in.Timezone = "" }, 70},
		{"missing canonical url", func(in *ConfidenceInput) { in.CanonicalURL = "" }, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			assert.Equal(t, tt.expected, Confidence(in))
		})
	}
}

func TestConfidence_Bounds(t *testing.T) {
	// Everything missing: raw penalties would go below zero.
	worst := Confidence(ConfidenceInput{})
	assert.GreaterOrEqual(t, worst, 0)
	assert.LessOrEqual(t, worst, 100)
	assert.Equal(t, 0, worst)
}

func TestRelevance(t *testing.T) {
	tests := []struct {
		name     string
		audience []string
		topics   []string
		expected int
	}{
		{"no tags", nil, nil, 0},
		{"family boost", []string{"family_kids"}, nil, 50},
		{"seniors penalty", []string{"seniors"}, nil, -30},
		{"family and seniors", []string{"family_kids", "seniors"}, nil, 20},
		{"boosted topic", nil, []string{"nature"}, 10},
		{"multiple boosted topics count once", nil, []string{"nature", "sport", "culture"}, 10},
		{"unboosted topic", nil, []string{"finance"}, 0},
		{"combined", []string{"family_kids"}, []string{"sport"}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Relevance(tt.audience, tt.topics))
		})
	}
}

func TestRelevance_OrderIndependent(t *testing.T) {
	a := Relevance([]string{"seniors", "family_kids"}, []string{"sport", "nature"})
	b := Relevance([]string{"family_kids", "seniors"}, []string{"nature", "sport"})
	assert.Equal(t, a, b)

	// Duplicates do not double-count.
	c := Relevance([]string{"family_kids", "family_kids"}, nil)
	assert.Equal(t, 50, c)
}
