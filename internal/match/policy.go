package match

import (
	"math"
	"sort"
)

// Decision policy constants. Tuned together with the weight
// renormalization in Score; change one and the others are wrong.
const (
	// Threshold is the minimum best score for an automatic merge.
	Threshold = 0.85
	// NearTieDelta is the minimum lead the best candidate needs over
	// the runner-up. Two real distinct events can score similarly;
	// a silent merge there is worse than a review.
	NearTieDelta = 0.03
	// perfectEpsilon bounds float noise when checking for perfect ties.
	perfectEpsilon = 1e-9
)

// Action is the outcome of the decision policy.
type Action string

// Actions.
const (
	ActionMerge  Action = "merge"
	ActionCreate Action = "create"
	ActionReview Action = "review"
)

// CandidateScore is one happening's best confidence.
type CandidateScore struct {
	HappeningID int64
	Confidence  float64
}

// Decision is the policy output with enough context to build a review
// record when the action is review.
type Decision struct {
	Action      Action
	HappeningID int64            // set when Action == ActionMerge
	Ranked      []CandidateScore // best score per happening, descending
	Reason      string
}

// Decide reduces offering-level scores to one best score per distinct
// happening and applies the threshold and tie-break rules.
func Decide(scores []CandidateScore) Decision {
	best := make(map[int64]float64)
	for _, s := range scores {
		if cur, ok := best[s.HappeningID]; !ok || s.Confidence > cur {
			best[s.HappeningID] = s.Confidence
		}
	}

	ranked := make([]CandidateScore, 0, len(best))
	for id, c := range best {
		ranked = append(ranked, CandidateScore{HappeningID: id, Confidence: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].HappeningID < ranked[j].HappeningID
	})

	if len(ranked) == 0 {
		return Decision{Action: ActionCreate, Reason: "no candidates"}
	}

	top := ranked[0]
	if top.Confidence < Threshold {
		return Decision{Action: ActionReview, Ranked: ranked, Reason: "best score below threshold"}
	}

	perfect := 0
	for _, r := range ranked {
		if math.Abs(r.Confidence-1.0) < perfectEpsilon {
			perfect++
		}
	}
	if perfect >= 2 {
		// Ambiguity at perfection is never auto-resolved.
		return Decision{Action: ActionReview, Ranked: ranked, Reason: "multiple perfect-score candidates"}
	}

	if len(ranked) >= 2 && top.Confidence-ranked[1].Confidence < NearTieDelta {
		return Decision{Action: ActionReview, Ranked: ranked, Reason: "near-tie between top candidates"}
	}

	return Decision{Action: ActionMerge, HappeningID: top.HappeningID, Ranked: ranked, Reason: "best candidate above threshold"}
}
