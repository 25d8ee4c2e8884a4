package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/elternzeit/happenings-cli/internal/dedupe"
	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/resilience"
)

// IngestStore is the persistence surface the bridge needs.
type IngestStore interface {
	UpsertSourceHappening(ctx context.Context, s *model.SourceHappening) (bool, error)
}

// IngestCounters summarizes one ingest run.
type IngestCounters struct {
	Sources     int
	Fetched     int
	New         int
	Refreshed   int
	Invalid     int
	Underivable int
	Failed      int
}

// Bridge fetches from all configured sources and lands rows in the
// source happenings table, queued for the merge loop.
type Bridge struct {
	store       IngestStore
	concurrency int
	retry       resilience.RetryConfig
}

func NewBridge(store IngestStore, concurrency int) *Bridge {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Bridge{
		store:       store,
		concurrency: concurrency,
		retry:       resilience.DefaultRetryConfig(),
	}
}

// Run ingests all sources concurrently. A failing source counts and
// logs but does not fail the run; the merge loop works with whatever
// landed.
func (b *Bridge) Run(ctx context.Context, sources []SourceConfig) (IngestCounters, error) {
	counters := IngestCounters{Sources: len(sources)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, src := range sources {
		src := src
		g.Go(func() error {
			c, err := b.ingestSource(gctx, src)
			mu.Lock()
			defer mu.Unlock()
			counters.Fetched += c.Fetched
			counters.New += c.New
			counters.Refreshed += c.Refreshed
			counters.Invalid += c.Invalid
			counters.Underivable += c.Underivable
			counters.Failed += c.Failed
			if err != nil {
				counters.Failed++
				zap.L().Error("source ingest failed",
					zap.String("source_id", src.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counters, eris.Wrap(err, "adapter: ingest run")
	}
	return counters, nil
}

func (b *Bridge) ingestSource(ctx context.Context, src SourceConfig) (IngestCounters, error) {
	var counters IngestCounters

	a, err := Lookup(src.Adapter)
	if err != nil {
		return counters, err
	}

	// One limiter per source run; sources are independent hosts. The
	// adapter waits on it before every request, so paginated fetches
	// and retry attempts are both paced.
	limiter := rate.NewLimiter(rate.Limit(src.RatePerSec), 1)

	retryCfg := b.retry
	retryCfg.OnRetry = resilience.RetryLogger("ingest", src.ID)
	records, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]RawRecord, error) {
		return a.Fetch(ctx, src, limiter)
	})
	if err != nil {
		return counters, eris.Wrapf(err, "adapter: fetch source %s", src.ID)
	}
	counters.Fetched = len(records)

	log := zap.L().With(zap.String("source_id", src.ID))
	for _, rec := range records {
		if err := ValidateRecord(rec); err != nil {
			counters.Invalid++
			log.Warn("record failed validation", zap.String("title", rec.Title), zap.Error(err))
			continue
		}

		key, err := dedupe.SourceKey(dedupe.SourceKeyInput{
			SourceID:       src.ID,
			Title:          rec.Title,
			StartDateLocal: rec.StartDateLocal,
			Location:       rec.Location,
			ItemURL:        rec.ItemURL,
			ExternalID:     rec.ExternalID,
		})
		if err != nil {
			var ke *dedupe.KeyError
			if errors.As(err, &ke) {
				counters.Underivable++
				log.Warn("record has no derivable key", zap.String("title", rec.Title))
				continue
			}
			return counters, err
		}

		sh := toSourceHappening(src, rec, key)
		created, err := b.store.UpsertSourceHappening(ctx, sh)
		if err != nil {
			counters.Failed++
			log.Warn("record upsert failed", zap.String("dedupe_key", key), zap.Error(err))
			continue
		}
		if created {
			counters.New++
		} else {
			counters.Refreshed++
		}
	}

	log.Info("source ingested",
		zap.Int("fetched", counters.Fetched),
		zap.Int("new", counters.New),
		zap.Int("refreshed", counters.Refreshed),
		zap.Int("invalid", counters.Invalid),
		zap.Int("underivable", counters.Underivable),
	)
	return counters, nil
}

func toSourceHappening(src SourceConfig, rec RawRecord, key string) *model.SourceHappening {
	precision := rec.DatePrecision
	if precision == "" {
		if rec.StartAt != nil {
			precision = model.PrecisionDatetime
		} else {
			precision = model.PrecisionDate
		}
	}
	return &model.SourceHappening{
		SourceID:       src.ID,
		SourceTier:     src.Tier,
		ExternalID:     rec.ExternalID,
		Title:          rec.Title,
		RawDatetime:    rec.RawDatetime,
		Location:       rec.Location,
		Description:    rec.Description,
		StartDateLocal: rec.StartDateLocal,
		EndDateLocal:   rec.EndDateLocal,
		StartAt:        rec.StartAt,
		EndAt:          rec.EndAt,
		Timezone:       rec.Timezone,
		DatePrecision:  precision,
		ItemURL:        rec.ItemURL,
		ImageURL:       rec.ImageURL,
		DedupeKey:      key,
	}
}
