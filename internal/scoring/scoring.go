// Package scoring computes deterministic data-quality and relevance
// scores. Both are ranking signals for review prioritization and feed
// ordering; neither gates feed visibility.
package scoring

// ConfidenceInput describes the quality-relevant facets of a source
// record. Zero values mean "missing".
type ConfidenceInput struct {
	DatePrecision    string
	HasImage         bool
	HasDescription   bool
	SourceTier       string
	ExtractionMethod string
	Timezone         string
	CanonicalURL     string
}

// confidencePenalties is the declarative penalty table applied to a
// perfect score of 100.
var confidencePenalties = []struct {
	penalty int
	applies func(ConfidenceInput) bool
}{
	{20, func(in ConfidenceInput) bool { return in.DatePrecision == "date" }},
	{20, func(in ConfidenceInput) bool { return !in.HasImage }},
	{15, func(in ConfidenceInput) bool { return !in.HasDescription }},
	{10, func(in ConfidenceInput) bool { return in.SourceTier == "B" }},
	{15, func(in ConfidenceInput) bool { return in.ExtractionMethod != "jsonld" }},
	{30, func(in ConfidenceInput) bool { return in.Timezone == "" }},
	{40, func(in ConfidenceInput) bool { return in.CanonicalURL == "" }},
}

// Confidence scores data quality in [0,100]. It starts at 100 and
// subtracts fixed penalties for each missing or degraded facet.
func Confidence(in ConfidenceInput) int {
	score := 100
	for _, p := range confidencePenalties {
		if p.applies(in) {
			score -= p.penalty
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Relevance audience/topic adjustments.
const (
	familyKidsBoost  = 50
	seniorsPenalty   = 30
	topicMatchBoost  = 10
)

var boostedTopics = map[string]bool{
	"nature":  true,
	"culture": true,
	"sport":   true,
}

// Relevance ranks a happening for the family feed. Unbounded and may
// be negative. Order-independent and duplicate-tolerant over tag sets.
func Relevance(audienceTags, topicTags []string) int {
	score := 0
	if containsTag(audienceTags, "family_kids") {
		score += familyKidsBoost
	}
	if containsTag(audienceTags, "seniors") {
		score -= seniorsPenalty
	}
	for _, tag := range topicTags {
		if boostedTopics[tag] {
			score += topicMatchBoost
			break
		}
	}
	return score
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
