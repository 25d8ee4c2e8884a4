package merge

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/elternzeit/happenings-cli/internal/match"
	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/resilience"
	"github.com/elternzeit/happenings-cli/internal/reviews"
	"github.com/elternzeit/happenings-cli/internal/store"
)

// maxStatusReasonLen bounds error text persisted on a failed row.
const maxStatusReasonLen = 300

// LoopConfig controls one merge run.
type LoopConfig struct {
	BatchSize     int
	IncludeReview bool
	DryRun        bool
}

// Loop drains queued source rows through match, decide and write.
// Single-threaded on purpose; safety against overlapping cron runs
// comes from the claim state transition, not from locks.
type Loop struct {
	store  store.Store
	engine *match.Engine
	writer *Writer
	retry  resilience.RetryConfig
}

func NewLoop(s store.Store) *Loop {
	return &Loop{
		store:  s,
		engine: match.NewEngine(s),
		writer: NewWriter(s),
		retry:  resilience.DefaultRetryConfig(),
	}
}

// Run drains the queue and returns run telemetry. In dry-run mode all
// reads and decisions happen but nothing is written, including claims,
// status flips, reviews and the stats row.
func (l *Loop) Run(ctx context.Context, cfg LoopConfig) (*model.MergeRunStats, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	collector := newStatsCollector(cfg.DryRun)
	log := zap.L().With(zap.String("run_id", collector.stats.RunID), zap.Bool("dry_run", cfg.DryRun))
	log.Info("merge run starting", zap.Int("batch_size", cfg.BatchSize), zap.Bool("include_review", cfg.IncludeReview))

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "merge: run cancelled")
		}

		claimStart := time.Now()
		batch, err := l.nextBatch(ctx, cfg, cursor)
		collector.stats.ClaimMillis += time.Since(claimStart).Milliseconds()
		if err != nil {
			return nil, eris.Wrap(err, "merge: fetch batch")
		}
		if len(batch) == 0 {
			break
		}
		for _, sh := range batch {
			if sh.ID > cursor {
				cursor = sh.ID
			}
		}
		collector.stats.Claimed += len(batch)

		for i := range batch {
			l.processRow(ctx, cfg, &batch[i], collector, log)
		}
	}

	stats := collector.finish()
	if !cfg.DryRun {
		if err := l.store.InsertRunStats(ctx, stats); err != nil {
			return stats, eris.Wrap(err, "merge: persist run stats")
		}
	}
	log.Info("merge run finished",
		zap.Int("claimed", stats.Claimed),
		zap.Int("merged", stats.Merged),
		zap.Int("created", stats.Created),
		zap.Int("reviewed", stats.Reviewed),
		zap.Int("failed", stats.Failed),
		zap.Int("fast_path", stats.FastPath),
	)
	return stats, nil
}

func (l *Loop) nextBatch(ctx context.Context, cfg LoopConfig, cursor int64) ([]model.SourceHappening, error) {
	if cfg.DryRun {
		return resilience.DoVal(ctx, l.withLogger("list_batch"), func(ctx context.Context) ([]model.SourceHappening, error) {
			return l.store.ListSourceBatch(ctx, cursor, cfg.BatchSize, cfg.IncludeReview)
		})
	}
	return resilience.DoVal(ctx, l.withLogger("claim_batch"), func(ctx context.Context) ([]model.SourceHappening, error) {
		return l.store.ClaimSourceBatch(ctx, cursor, cfg.BatchSize, cfg.IncludeReview)
	})
}

func (l *Loop) withLogger(operation string) resilience.RetryConfig {
	cfg := l.retry
	cfg.OnRetry = resilience.RetryLogger("merge", operation)
	return cfg
}

// processRow runs one source row to a terminal status. Errors are
// contained here: the row goes back to needs_review and the loop
// moves on.
func (l *Loop) processRow(ctx context.Context, cfg LoopConfig, src *model.SourceHappening, collector *statsCollector, log *zap.Logger) {
	runID := collector.stats.RunID

	if detail, violated := src.TimeContractViolation(); violated {
		collector.stats.Reviewed++
		if cfg.DryRun {
			return
		}
		if _, err := reviews.Open(ctx, l.store, runID, src.ID, model.ReviewContractViolation, nil, match.Threshold, detail); err != nil {
			l.failRow(ctx, src, err, collector, log)
			return
		}
		if err := l.store.UpdateSourceStatus(ctx, src.ID, model.SourceNeedsReview, detail); err != nil {
			l.failRow(ctx, src, err, collector, log)
		}
		return
	}

	// Fast path: a re-queued row that already resolved to a live
	// happening in an earlier run merges straight into it. This is
	// what reprocessing parked rows mostly hits.
	linked, err := l.store.LinkedHappening(ctx, src.ID)
	if err != nil {
		l.failRow(ctx, src, err, collector, log)
		return
	}
	if linked != nil {
		collector.stats.FastPath++
		l.applyDecision(ctx, cfg, src, match.Decision{
			Action:      match.ActionMerge,
			HappeningID: linked.ID,
			Reason:      "source row already linked",
		}, collector, log)
		return
	}

	matchStart := time.Now()
	decision, err := l.decide(ctx, src)
	collector.stats.MatchMillis += time.Since(matchStart).Milliseconds()
	if err != nil {
		l.failRow(ctx, src, err, collector, log)
		return
	}

	top := 0.0
	if len(decision.Ranked) > 0 {
		top = decision.Ranked[0].Confidence
	}
	collector.observe(src.SourceID, top)

	l.applyDecision(ctx, cfg, src, decision, collector, log)
}

func (l *Loop) decide(ctx context.Context, src *model.SourceHappening) (match.Decision, error) {
	candidates, err := l.engine.FetchCandidates(ctx, src)
	if err != nil {
		return match.Decision{}, eris.Wrap(err, "merge: fetch candidates")
	}

	scores := make([]match.CandidateScore, 0, len(candidates))
	for _, c := range candidates {
		scores = append(scores, match.CandidateScore{
			HappeningID: c.Happening.ID,
			Confidence:  l.engine.Score(c, src),
		})
	}
	return match.Decide(scores), nil
}

func (l *Loop) applyDecision(ctx context.Context, cfg LoopConfig, src *model.SourceHappening, decision match.Decision, collector *statsCollector, log *zap.Logger) {
	writeStart := time.Now()
	defer func() {
		collector.stats.WriteMillis += time.Since(writeStart).Milliseconds()
	}()

	switch decision.Action {
	case match.ActionMerge:
		collector.stats.Merged++
		if cfg.DryRun {
			return
		}
		if _, err := l.writer.Merge(ctx, src, decision.HappeningID); err != nil {
			l.failRow(ctx, src, err, collector, log)
			return
		}
		l.finishRow(ctx, src, collector, log)

	case match.ActionCreate:
		collector.stats.Created++
		if cfg.DryRun {
			return
		}
		if _, err := l.writer.Create(ctx, src); err != nil {
			l.failRow(ctx, src, err, collector, log)
			return
		}
		l.finishRow(ctx, src, collector, log)

	case match.ActionReview:
		collector.stats.Reviewed++
		if cfg.DryRun {
			return
		}
		reviewType := model.ReviewAmbiguousMatch
		if len(decision.Ranked) > 0 && decision.Ranked[0].Confidence < match.Threshold {
			reviewType = model.ReviewBelowThreshold
		}
		candidates := make([]model.ReviewCandidate, 0, len(decision.Ranked))
		for _, r := range decision.Ranked {
			candidates = append(candidates, model.ReviewCandidate{
				HappeningID: r.HappeningID,
				Confidence:  r.Confidence,
			})
		}
		if _, err := reviews.Open(ctx, l.store, collector.stats.RunID, src.ID, reviewType, candidates, match.Threshold, decision.Reason); err != nil {
			l.failRow(ctx, src, err, collector, log)
			return
		}
		if err := l.store.UpdateSourceStatus(ctx, src.ID, model.SourceNeedsReview, decision.Reason); err != nil {
			l.failRow(ctx, src, err, collector, log)
		}
	}
}

func (l *Loop) finishRow(ctx context.Context, src *model.SourceHappening, collector *statsCollector, log *zap.Logger) {
	if err := l.store.UpdateSourceStatus(ctx, src.ID, model.SourceProcessed, ""); err != nil {
		l.failRow(ctx, src, err, collector, log)
	}
}

// failRow returns a row to needs_review with a truncated error message
// so it is never left stuck in processing.
func (l *Loop) failRow(ctx context.Context, src *model.SourceHappening, cause error, collector *statsCollector, log *zap.Logger) {
	collector.stats.Failed++
	reason := cause.Error()
	if len(reason) > maxStatusReasonLen {
		reason = reason[:maxStatusReasonLen]
	}
	log.Warn("source row failed",
		zap.Int64("source_happening_id", src.ID),
		zap.String("source_id", src.SourceID),
		zap.Error(cause),
	)
	if collector.stats.DryRun {
		return
	}
	if err := l.store.UpdateSourceStatus(ctx, src.ID, model.SourceNeedsReview, reason); err != nil {
		log.Error("could not park failed row",
			zap.Int64("source_happening_id", src.ID),
			zap.Error(err),
		)
	}
}
