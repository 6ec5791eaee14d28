package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/crowdloop/internal/aggregate"
	"github.com/banshee-data/crowdloop/internal/autoworker"
	"github.com/banshee-data/crowdloop/internal/evaluation"
	"github.com/banshee-data/crowdloop/internal/overlap"
	"github.com/banshee-data/crowdloop/internal/rules"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/timeutil"
)

// Classification is the convergence loop of a classification campaign:
// wait for the batch to close, decide submitted work, request more answers
// where the overlap requires them, reopen, repeat.
type Classification struct {
	Service service.Service
	BatchID string

	Schema  task.Schema
	Label   task.LabelSpec
	Classes []task.Label

	Overlap   overlap.Controller
	Evaluator evaluation.Evaluator
	Rules     rules.Engine
	// Aggregator defaults to majority vote.
	Aggregator aggregate.Aggregator
	Smoothing  float64
	Automated  []*autoworker.Worker

	PollInterval time.Duration
	Clock        timeutil.Clock

	log func(format string, v ...interface{})
}

// Report summarises one pass.
type Report struct {
	Decided int            // submissions given a status
	Rework  map[string]int // item ID -> additional answers requested
}

// Done reports whether no item needs more work.
func (r Report) Done() bool { return len(r.Rework) == 0 }

// ItemResult is the aggregated outcome for one item. Unresolved items have
// a nil Label, zero Confidence and no Answers. Exhausted marks an
// unresolved item that will not be given more answers.
type ItemResult struct {
	ItemID       string                 `json:"item_id"`
	Item         task.Item              `json:"item"`
	Label        *task.Label            `json:"label"`
	Confidence   float64                `json:"confidence"`
	Distribution aggregate.Distribution `json:"-"`
	Answers      []task.Answer          `json:"answers"`
	Exhausted    bool                   `json:"exhausted,omitempty"`
}

func (c *Classification) logf(format string, v ...interface{}) {
	if c.log != nil {
		c.log(format, v...)
		return
	}
	logClassify(format, v...)
}

func (c *Classification) clock() timeutil.Clock {
	if c.Clock == nil {
		return timeutil.RealClock{}
	}
	return c.Clock
}

func (c *Classification) interval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

func (c *Classification) evaluator() evaluation.Evaluator {
	if c.Evaluator == nil {
		return evaluation.AcceptAll{}
	}
	return c.Evaluator
}

// Start validates the items, publishes them with the overlap minimum as
// target and opens the batch. Nothing is sent if validation fails.
// Publishing is idempotent, so Start may be repeated after a crash.
func (c *Classification) Start(ctx context.Context, items []task.Item, controls []task.ControlAnswer) error {
	if err := c.Overlap.Overlap.Validate(); err != nil {
		return fmt.Errorf("overlap: %w", err)
	}
	if err := requireControls(c.Evaluator, len(controls)); err != nil {
		return err
	}
	all := make([]task.Item, 0, len(items)+len(controls))
	all = append(all, items...)
	for _, ctl := range controls {
		all = append(all, ctl.Item)
	}
	if _, err := task.ValidateItems(c.Schema, all); err != nil {
		return err
	}

	news := make([]service.NewItem, 0, len(all))
	for _, it := range items {
		news = append(news, service.NewItem{Item: it, Target: c.Overlap.Overlap.Min})
	}
	for _, ctl := range controls {
		known := ctl.Answer
		news = append(news, service.NewItem{Item: ctl.Item, Known: &known})
	}
	if err := c.publish(ctx, news, nil); err != nil {
		return err
	}
	c.logf("batch %s: published %d items and %d control items", c.BatchID, len(items), len(controls))
	return nil
}

// publish creates items and opens the batch.
func (c *Classification) publish(ctx context.Context, items []service.NewItem, excl service.Exclusions) error {
	if len(items) == 0 {
		return nil
	}
	if err := c.Service.CreateItems(ctx, c.BatchID, items, excl); err != nil {
		return fmt.Errorf("create items in %s: %w", c.BatchID, err)
	}
	if err := c.Service.OpenBatch(ctx, c.BatchID); err != nil {
		return fmt.Errorf("open %s: %w", c.BatchID, err)
	}
	return nil
}

// Run iterates until no item needs more answers. On cancellation the batch
// is closed.
func (c *Classification) Run(ctx context.Context) error {
	for iter := 1; ; iter++ {
		if err := waitClosed(ctx, c.Service, c.BatchID, c.interval(), c.clock()); err != nil {
			if ctx.Err() != nil {
				closeDetached(ctx, c.Service, c.BatchID)
			}
			return err
		}
		rep, err := c.Pass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				closeDetached(ctx, c.Service, c.BatchID)
			}
			return fmt.Errorf("batch %s iteration %d: %w", c.BatchID, iter, err)
		}
		c.logf("batch %s iteration %d: decided %d submissions, %d items need rework", c.BatchID, iter, rep.Decided, len(rep.Rework))
		if rep.Done() {
			return nil
		}
	}
}

// Pass decides every submitted submission, then computes the rework set.
// If it is non-empty the replication targets are raised and the batch is
// reopened. Pass reads everything from the service, so repeating it
// against unchanged state changes nothing.
func (c *Classification) Pass(ctx context.Context) (Report, error) {
	var rep Report
	pending, err := c.Service.ListSubmissions(ctx, c.BatchID, task.StatusSubmitted)
	if err != nil {
		return rep, fmt.Errorf("list submitted: %w", err)
	}

	rest, err := rules.NewPriorFilter(c.Rules).Filter(ctx, c.Service, pending)
	if err != nil {
		return rep, fmt.Errorf("prior filter: %w", err)
	}
	rep.Decided = len(pending) - len(rest)

	if len(rest) > 0 {
		if st, ok := c.evaluator().(evaluation.Stateful); ok {
			all, err := c.Service.ListSubmissions(ctx, c.BatchID)
			if err != nil {
				return rep, fmt.Errorf("list submissions: %w", err)
			}
			if err := st.Update(live(all)); err != nil {
				return rep, fmt.Errorf("update evaluator: %w", err)
			}
		}
	}

	main := c.Rules.Filter(rules.ReadsAccuracy)
	for _, sub := range rest {
		res, err := c.evaluator().Evaluate(sub)
		if err != nil {
			return rep, fmt.Errorf("evaluate %s: %w", sub.ID, err)
		}
		out, err := main.Apply(ctx, c.Service, rules.Input{
			Submission: sub,
			Values: rules.Values{
				rules.MetricAccuracy: res.Accuracy(),
				rules.MetricDuration: sub.Duration().Seconds(),
			},
			Wrong: res.Wrong,
		})
		if err != nil {
			return rep, err
		}
		if out.Status != "" {
			rep.Decided++
		}
	}

	snap, err := c.snapshot(ctx)
	if err != nil {
		return rep, err
	}
	rep.Rework = make(map[string]int)
	for _, rec := range snap.items {
		if rec.Control() {
			continue
		}
		if n := c.Overlap.Decide(snap.state(rec.ID)); n > 0 {
			rep.Rework[rec.ID] = n
		}
	}
	if rep.Done() {
		return rep, nil
	}

	for _, rec := range snap.items {
		if rec.Control() {
			continue
		}
		accepted, _ := snap.tallies[rec.ID].state()
		target := accepted + rep.Rework[rec.ID]
		if target == rec.Target {
			continue
		}
		if err := c.Service.SetReplicationTarget(ctx, c.BatchID, rec.ID, target); err != nil {
			return rep, fmt.Errorf("set target of %s: %w", rec.ID, err)
		}
	}
	if err := c.Service.OpenBatch(ctx, c.BatchID); err != nil {
		return rep, fmt.Errorf("reopen %s: %w", c.BatchID, err)
	}
	return rep, nil
}

// snapshot is a consistent view of the batch: items, their tallies and the
// aggregated distributions computed from one listing of submissions.
type snapshot struct {
	items   []service.ItemRecord
	tallies map[string]*tally
	dists   map[string]aggregate.Distribution
}

func (s snapshot) state(itemID string) overlap.State {
	accepted, attempts := s.tallies[itemID].state()
	st := overlap.State{Accepted: accepted, Attempts: attempts}
	if l, p, ok := aggregate.MostProbableLabel(s.dists[itemID]); ok {
		st.Best = &l
		st.Confidence = p
	}
	return st
}

func (c *Classification) snapshot(ctx context.Context) (snapshot, error) {
	var snap snapshot
	items, err := c.Service.ListItems(ctx, c.BatchID)
	if err != nil {
		return snap, fmt.Errorf("list items: %w", err)
	}
	subs, err := c.Service.ListSubmissions(ctx, c.BatchID)
	if err != nil {
		return snap, fmt.Errorf("list submissions: %w", err)
	}
	snap.items = items
	snap.tallies = tallyItems(subs, c.Label)

	if st, ok := c.evaluator().(evaluation.Stateful); ok {
		if err := st.Update(live(subs)); err != nil {
			return snap, fmt.Errorf("update evaluator: %w", err)
		}
	}
	counts, err := workerCounts(c.evaluator(), subs)
	if err != nil {
		return snap, err
	}
	weights := aggregate.EstimateWeights(counts, c.Smoothing)
	for w, q := range autoworker.Weights(c.Automated) {
		weights[w] = q
	}

	votes := make(map[string][]aggregate.Vote)
	var primary []task.Item
	for _, rec := range items {
		if rec.Control() {
			continue
		}
		primary = append(primary, rec.Item)
		if t := snap.tallies[rec.ID]; t != nil {
			votes[rec.ID] = append(votes[rec.ID], t.votes...)
		} else {
			votes[rec.ID] = nil
		}
	}
	if len(c.Automated) > 0 {
		auto, err := autoworker.Votes(ctx, c.Automated, primary, c.Label)
		if err != nil {
			return snap, err
		}
		for id, vs := range auto {
			votes[id] = append(votes[id], vs...)
		}
	}

	snap.dists, err = distributions(c.Aggregator, c.Classes, votes, weights)
	if err != nil {
		return snap, err
	}
	return snap, nil
}

// Results aggregates the current answers of every non-control item. Items
// that did not reach their overlap with enough confidence are reported
// unresolved.
func (c *Classification) Results(ctx context.Context) ([]ItemResult, error) {
	snap, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ItemResult, 0, len(snap.items))
	for _, rec := range snap.items {
		if rec.Control() {
			continue
		}
		res := ItemResult{ItemID: rec.ID, Item: rec.Item}
		st := snap.state(rec.ID)
		if st.Best != nil && st.Accepted >= c.Overlap.Overlap.Min && c.Overlap.Confident(st) {
			res.Label = st.Best
			res.Confidence = st.Confidence
			res.Distribution = snap.dists[rec.ID]
			res.Answers = snap.tallies[rec.ID].answers
		} else {
			res.Exhausted = c.Overlap.Decide(st) == 0
		}
		out = append(out, res)
	}
	return out, nil
}
