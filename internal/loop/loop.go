// Package loop drives labelling campaigns against the work-distribution
// service: the classification convergence loop and the two-stage
// markup/verification loop. Every decision is recomputed from the
// service's current state, so a loop may be killed and restarted at any
// point.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/crowdloop/internal/aggregate"
	"github.com/banshee-data/crowdloop/internal/evaluation"
	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/timeutil"
)

// DefaultPollInterval is how often a waiting loop checks its batch.
const DefaultPollInterval = 60 * time.Second

const closeTimeout = 30 * time.Second

var (
	logClassify = monitoring.Tagged("classify")
	logFeedback = monitoring.Tagged("feedback")
	logLoop     = monitoring.Tagged("loop")
)

// waitClosed polls the batch until the service reports it closed.
func waitClosed(ctx context.Context, svc service.Service, batchID string, interval time.Duration, clock timeutil.Clock) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := svc.BatchState(ctx, batchID)
		if err != nil {
			return fmt.Errorf("poll batch %s: %w", batchID, err)
		}
		if st == service.BatchClosed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// requireControls fails when ev scores submissions on control items that
// will never be published.
func requireControls(ev evaluation.Evaluator, controls int) error {
	if ci, ok := ev.(evaluation.ControlItem); ok && !ci.CanHaveZeroChecks && controls == 0 {
		return fmt.Errorf("control item evaluation without control items: %w", evaluation.ErrNoChecks)
	}
	return nil
}

// closeDetached closes a batch after ctx was cancelled so it is not left
// handing out work nobody will process. The next run reopens it if needed.
func closeDetached(ctx context.Context, svc service.Service, batchID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := svc.CloseBatch(cctx, batchID); err != nil {
		logLoop("could not close batch %s on cancel: %v", batchID, err)
		return
	}
	logLoop("closed batch %s on cancel", batchID)
}

// tally is what the submissions say about one item.
type tally struct {
	attempts int // answers in any submission
	live     int // answers in submitted or accepted submissions
	votes    []aggregate.Vote
	answers  []task.Answer
}

func (t *tally) state() (accepted, attempts int) {
	if t == nil {
		return 0, 0
	}
	return t.live, t.attempts
}

// tallyItems counts answers per item. Rejected answers count as attempts
// only; live answers also vote.
func tallyItems(subs []task.Submission, spec task.LabelSpec) map[string]*tally {
	out := make(map[string]*tally)
	for _, sub := range subs {
		for _, p := range sub.Pairs {
			id := p.Item.ID()
			t := out[id]
			if t == nil {
				t = &tally{}
				out[id] = t
			}
			t.attempts++
			if sub.Status == task.StatusRejected {
				continue
			}
			t.live++
			a := p.Answer
			a.Worker = sub.Worker
			t.answers = append(t.answers, a)
			if l, ok := spec.Extract(p.Item, a); ok {
				t.votes = append(t.votes, aggregate.Vote{Label: l, Worker: sub.Worker})
			}
		}
	}
	return out
}

func live(subs []task.Submission) []task.Submission {
	out := make([]task.Submission, 0, len(subs))
	for _, s := range subs {
		if s.Status != task.StatusRejected {
			out = append(out, s)
		}
	}
	return out
}

// workerCounts evaluates every submission and sums check counts per
// worker. A submission with nothing to check still registers its worker.
func workerCounts(ev evaluation.Evaluator, subs []task.Submission) (map[string]aggregate.Counts, error) {
	counts := make(map[string]aggregate.Counts)
	for _, sub := range subs {
		c := counts[sub.Worker]
		res, err := ev.Evaluate(sub)
		switch {
		case errors.Is(err, evaluation.ErrNoChecks):
		case err != nil:
			return nil, fmt.Errorf("evaluate %s: %w", sub.ID, err)
		default:
			c.Add(res.Correct, res.Total)
		}
		counts[sub.Worker] = c
	}
	return counts, nil
}

// distributions aggregates votes, handing fresh weights to aggregators
// that need them.
func distributions(agg aggregate.Aggregator, classes []task.Label, votes map[string][]aggregate.Vote, weights map[string]float64) (map[string]aggregate.Distribution, error) {
	if agg == nil {
		agg = aggregate.MajorityVote{}
	}
	if w, ok := agg.(aggregate.Weighted); ok {
		agg = w.WithWeights(weights)
	}
	return aggregate.Aggregate(agg, classes, votes)
}
