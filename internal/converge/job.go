package converge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/elternzeit/happenings-cli/internal/model"
	"github.com/elternzeit/happenings-cli/internal/reviews"
	"github.com/elternzeit/happenings-cli/internal/store"
)

// Result is one convergence run's outcome. In dry-run mode the
// counters are client-side estimates; live counters come from the
// transactional store operation.
type Result struct {
	Groups    int
	Estimated bool
	Conflicts int
	Counters  store.ConvergeCounters
}

// Job discovers duplicate groups and converges each onto its winner.
type Job struct {
	store store.Store
}

func NewJob(s store.Store) *Job {
	return &Job{store: s}
}

// Run converges all duplicate groups. Live mode requires the
// transactional convergence operation in the store and aborts outright
// when it is missing; per-group atomicity is non-negotiable and there
// is no client-side fallback.
func (j *Job) Run(ctx context.Context, dryRun bool) (*Result, error) {
	log := zap.L().With(zap.Bool("dry_run", dryRun))

	if !dryRun {
		ok, err := j.store.HasConvergeProcedure(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "converge: pre-flight check")
		}
		if !ok {
			return nil, eris.New("converge: transactional convergence operation missing; aborting (run migrate, or use --dry-run)")
		}
	}

	groups, err := j.store.DuplicateGroups(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "converge: discover duplicate groups")
	}

	// Deterministic processing order regardless of map iteration.
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := &Result{Groups: len(groups), Estimated: dryRun}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, eris.Wrap(err, "converge: run cancelled")
		}

		group := groups[key]
		if dryRun {
			counters, err := j.estimateGroup(ctx, group)
			if err != nil {
				return result, eris.Wrapf(err, "converge: estimate group %s", key)
			}
			result.Counters.Add(counters)
			continue
		}

		counters, err := j.store.ConvergeCanonicalKey(ctx, key)
		if err != nil {
			// A group that cannot be mechanically converged becomes a
			// review, not a run failure.
			result.Conflicts++
			if reviewErr := j.openConflictReview(ctx, group, err); reviewErr != nil {
				return result, eris.Wrapf(reviewErr, "converge: record conflict for %s", key)
			}
			log.Warn("converge conflict routed to review",
				zap.String("canonical_key", key),
				zap.Error(err),
			)
			continue
		}
		result.Counters.Add(counters)
	}

	log.Info("converge run finished",
		zap.Int("groups", result.Groups),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("losers_archived", result.Counters.LosersArchived),
		zap.Int("offerings_repointed", result.Counters.OfferingsRepointed),
	)
	return result, nil
}

// estimateGroup simulates one group's convergence with reads only and
// reports what the transactional operation would have counted.
func (j *Job) estimateGroup(ctx context.Context, group []model.Happening) (store.ConvergeCounters, error) {
	var counters store.ConvergeCounters

	ids := make([]int64, 0, len(group))
	for _, h := range group {
		ids = append(ids, h.ID)
	}
	linkCounts, err := j.store.LinkCounts(ctx, ids)
	if err != nil {
		return counters, eris.Wrap(err, "converge: link counts")
	}
	winner := SelectWinner(group, linkCounts)

	winnerOfferings, err := j.store.OfferingsForHappening(ctx, winner.ID)
	if err != nil {
		return counters, err
	}
	winnerOccStarts, err := j.occurrenceStarts(ctx, winnerOfferings)
	if err != nil {
		return counters, err
	}
	winnerSources, err := j.sourceLinkSet(ctx, winner.ID)
	if err != nil {
		return counters, err
	}

	for _, loser := range group {
		if loser.ID == winner.ID {
			continue
		}
		counters.LosersArchived++

		offerings, err := j.store.OfferingsForHappening(ctx, loser.ID)
		if err != nil {
			return counters, err
		}
		for _, off := range offerings {
			existing := matchOffering(winnerOfferings, off)
			if existing == nil {
				counters.OfferingsRepointed++
				continue
			}
			// Natural-key collision: occurrences fold into the
			// winner's offering, minus (offering_id, start_at) dups.
			counters.OfferingsMerged++
			occs, err := j.store.OccurrencesForOffering(ctx, off.ID)
			if err != nil {
				return counters, err
			}
			for _, occ := range occs {
				if occ.StartAt == nil {
					counters.OccurrencesDropped++
					continue
				}
				if winnerOccStarts[occKey(existing.ID, *occ.StartAt)] {
					counters.OccurrencesDropped++
				} else {
					counters.OccurrencesRepointed++
				}
			}
		}

		links, err := j.store.SourcesForHappening(ctx, loser.ID)
		if err != nil {
			return counters, err
		}
		for _, link := range links {
			if winnerSources[link.SourceHappeningID] {
				counters.LinksDropped++
			} else {
				counters.LinksRepointed++
			}
		}
	}
	return counters, nil
}

func (j *Job) occurrenceStarts(ctx context.Context, offerings []model.Offering) (map[string]bool, error) {
	starts := make(map[string]bool)
	for _, off := range offerings {
		occs, err := j.store.OccurrencesForOffering(ctx, off.ID)
		if err != nil {
			return nil, err
		}
		for _, occ := range occs {
			if occ.StartAt != nil {
				starts[occKey(off.ID, *occ.StartAt)] = true
			}
		}
	}
	return starts, nil
}

func (j *Job) sourceLinkSet(ctx context.Context, happeningID int64) (map[int64]bool, error) {
	links, err := j.store.SourcesForHappening(ctx, happeningID)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]bool, len(links))
	for _, l := range links {
		set[l.SourceHappeningID] = true
	}
	return set, nil
}

func matchOffering(candidates []model.Offering, o model.Offering) *model.Offering {
	for i := range candidates {
		if candidates[i].NaturalKeyEquals(&o) {
			return &candidates[i]
		}
	}
	return nil
}

func occKey(offeringID int64, start time.Time) string {
	return fmt.Sprintf("%d@%s", offeringID, start.UTC().Format(time.RFC3339))
}

// openConflictReview records a group that could not be mechanically
// converged. Keyed on the winner's id, so re-running keeps refreshing
// one open review instead of stacking duplicates.
func (j *Job) openConflictReview(ctx context.Context, group []model.Happening, cause error) error {
	ids := make([]int64, 0, len(group))
	for _, h := range group {
		ids = append(ids, h.ID)
	}
	linkCounts, err := j.store.LinkCounts(ctx, ids)
	if err != nil {
		return err
	}
	winner := SelectWinner(group, linkCounts)

	candidates := make([]model.ReviewCandidate, 0, len(group))
	for _, h := range group {
		candidates = append(candidates, model.ReviewCandidate{HappeningID: h.ID})
	}
	_, err = reviews.Open(ctx, j.store, "", winner.ID, model.ReviewConvergeConflict, candidates, 0, cause.Error())
	return err
}
