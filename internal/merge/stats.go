package merge

import (
	"time"

	"github.com/google/uuid"

	"github.com/elternzeit/happenings-cli/internal/model"
)

// histogramBuckets are the fixed confidence buckets for run telemetry.
// Telemetry is observational only and never feeds back into decisions.
var histogramBuckets = []struct {
	label string
	lo    float64
	hi    float64
}{
	{"[0.00,0.50)", 0, 0.5},
	{"[0.50,0.70)", 0.5, 0.7},
	{"[0.70,0.85)", 0.7, 0.85},
	{"[0.85,0.95)", 0.85, 0.95},
	{"[0.95,0.99)", 0.95, 0.99},
	{"[0.99,1.00]", 0.99, 1.0},
}

func bucketLabel(score float64) string {
	for _, b := range histogramBuckets[:len(histogramBuckets)-1] {
		if score >= b.lo && score < b.hi {
			return b.label
		}
	}
	return histogramBuckets[len(histogramBuckets)-1].label
}

// statsCollector accumulates one run's telemetry. Per-source running
// sums live here; only min/avg/max are persisted.
type statsCollector struct {
	stats      model.MergeRunStats
	sourceSums map[string]float64
}

func newStatsCollector(dryRun bool) *statsCollector {
	return &statsCollector{
		stats: model.MergeRunStats{
			RunID:     uuid.New().String(),
			DryRun:    dryRun,
			Histogram: make(map[string]int, len(histogramBuckets)),
			PerSource: make(map[string]model.SourceStats),
			StartedAt: time.Now().UTC(),
		},
		sourceSums: make(map[string]float64),
	}
}

func (c *statsCollector) observe(sourceID string, score float64) {
	c.stats.Histogram[bucketLabel(score)]++

	s, seen := c.stats.PerSource[sourceID]
	if !seen {
		s = model.SourceStats{Min: score, Max: score}
	}
	s.Rows++
	if score < s.Min {
		s.Min = score
	}
	if score > s.Max {
		s.Max = score
	}
	c.sourceSums[sourceID] += score
	s.Avg = c.sourceSums[sourceID] / float64(s.Rows)
	c.stats.PerSource[sourceID] = s
}

func (c *statsCollector) finish() *model.MergeRunStats {
	c.stats.FinishedAt = time.Now().UTC()
	return &c.stats
}
