package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/crowdloop/internal/aggregate"
	"github.com/banshee-data/crowdloop/internal/evaluation"
	"github.com/banshee-data/crowdloop/internal/overlap"
	"github.com/banshee-data/crowdloop/internal/rules"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/timeutil"
)

var (
	labelOK  = task.Label{Value: task.Bool(true).Key()}
	labelBad = task.Label{Value: task.Bool(false).Key()}
)

// Feedback is the two-stage loop: workers produce markup in one batch and
// other workers verify a sample of it in a check batch. Markup submissions
// are scored by the verification results.
type Feedback struct {
	Service       service.Service
	MarkupBatchID string
	CheckBatchID  string

	Schema task.Schema
	// MarkupOverlap bounds attempts per markup item; its minimum is the
	// number of answers requested at a time.
	MarkupOverlap overlap.Controller
	// MarkupRules decide markup submissions by cross-check accuracy. Bonus
	// rules among them run once every item is finalised.
	MarkupRules rules.Engine
	Sample      CheckSample

	CheckOverlap    overlap.Controller
	CheckEvaluator  evaluation.Evaluator
	CheckRules      rules.Engine
	CheckAggregator aggregate.Aggregator
	Smoothing       float64

	PollInterval time.Duration
	Clock        timeutil.Clock
}

// FeedbackReport summarises one pass.
type FeedbackReport struct {
	Check     Report
	Decided   int            // markup submissions given a status
	Published int            // check items created or given new exclusions
	Finalized int            // markup items finalised
	Pending   int            // markup items waiting for verification
	Rework    map[string]int // markup item ID -> additional answers requested
	Bonuses   int
	Done      bool
}

// FeedbackResult lists every candidate answer of a markup item, best
// first.
type FeedbackResult struct {
	ItemID    string          `json:"item_id"`
	Item      task.Item       `json:"item"`
	Finalized bool            `json:"finalized"`
	Solutions []task.Solution `json:"solutions"`
}

// Best is the top ranked solution, nil when there is none.
func (r FeedbackResult) Best() *task.Solution {
	if len(r.Solutions) == 0 {
		return nil
	}
	return &r.Solutions[0]
}

func (f *Feedback) check() *Classification {
	return &Classification{
		Service:      f.Service,
		BatchID:      f.CheckBatchID,
		Label:        task.LabelSpec{Field: task.OKField},
		Classes:      []task.Label{labelBad, labelOK},
		Overlap:      f.CheckOverlap,
		Evaluator:    f.CheckEvaluator,
		Rules:        f.CheckRules,
		Aggregator:   f.CheckAggregator,
		Smoothing:    f.Smoothing,
		PollInterval: f.PollInterval,
		Clock:        f.Clock,
		log:          logFeedback,
	}
}

func (f *Feedback) clock() timeutil.Clock {
	if f.Clock == nil {
		return timeutil.RealClock{}
	}
	return f.Clock
}

// Start validates and publishes the markup items and the control items of
// the check batch, then opens the markup batch. A check evaluator that
// scores control items needs at least one.
func (f *Feedback) Start(ctx context.Context, items []task.Item, checkControls []task.ControlAnswer) error {
	if err := f.MarkupOverlap.Overlap.Validate(); err != nil {
		return fmt.Errorf("markup overlap: %w", err)
	}
	if err := f.CheckOverlap.Overlap.Validate(); err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if err := requireControls(f.CheckEvaluator, len(checkControls)); err != nil {
		return fmt.Errorf("check stage: %w", err)
	}
	if _, err := task.ValidateItems(f.Schema, items); err != nil {
		return err
	}
	ctl := make([]task.Item, len(checkControls))
	for i, c := range checkControls {
		ctl[i] = c.Item
	}
	if _, err := task.ValidateItems(task.Schema{}, ctl); err != nil {
		return err
	}

	if len(checkControls) > 0 {
		news := make([]service.NewItem, len(checkControls))
		for i, c := range checkControls {
			known := c.Answer
			news[i] = service.NewItem{Item: c.Item, Known: &known}
		}
		if err := f.Service.CreateItems(ctx, f.CheckBatchID, news, nil); err != nil {
			return fmt.Errorf("create check controls: %w", err)
		}
	}

	news := make([]service.NewItem, len(items))
	for i, it := range items {
		news[i] = service.NewItem{Item: it, Target: f.MarkupOverlap.Overlap.Min}
	}
	if err := f.Service.CreateItems(ctx, f.MarkupBatchID, news, nil); err != nil {
		return fmt.Errorf("create markup items: %w", err)
	}
	if err := f.Service.OpenBatch(ctx, f.MarkupBatchID); err != nil {
		return fmt.Errorf("open %s: %w", f.MarkupBatchID, err)
	}
	logFeedback("published %d markup items and %d check controls", len(items), len(checkControls))
	return nil
}

// Run repeats Pass every poll interval until the campaign is finalised.
// On cancellation both batches are closed.
func (f *Feedback) Run(ctx context.Context) error {
	interval := f.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for iter := 1; ; iter++ {
		rep, err := f.Pass(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.closeBatches(ctx)
			}
			return fmt.Errorf("feedback iteration %d: %w", iter, err)
		}
		logFeedback("iteration %d: %d finalised, %d pending, %d need rework, %d check items published",
			iter, rep.Finalized, rep.Pending, len(rep.Rework), rep.Published)
		if rep.Done {
			return nil
		}
		select {
		case <-ctx.Done():
			f.closeBatches(ctx)
			return ctx.Err()
		case <-f.clock().After(interval):
		}
	}
}

func (f *Feedback) closeBatches(ctx context.Context) {
	closeDetached(ctx, f.Service, f.MarkupBatchID)
	closeDetached(ctx, f.Service, f.CheckBatchID)
}

// markupView is the state of the markup batch joined with the
// verification results.
type markupView struct {
	items []service.ItemRecord
	subs  []task.Submission
	sel   map[string]selection // by submission ID
	evals map[string]task.SolutionEvaluation
	// unresolved holds the solution IDs whose check items ran out of
	// attempts without a confident verdict.
	unresolved map[string]bool
}

// evaluations turns resolved check items into solution evaluations and
// collects the check items that ended unresolved.
func (f *Feedback) evaluations(ctx context.Context, markupSubs []task.Submission) (map[string]task.SolutionEvaluation, map[string]bool, error) {
	itemOf := make(map[string]string)
	for _, sub := range markupSubs {
		for _, p := range sub.Pairs {
			itemOf[task.SolutionID(p.Item, p.Answer)] = p.Item.ID()
		}
	}
	results, err := f.check().Results(ctx)
	if errors.Is(err, service.ErrBatchNotFound) {
		return map[string]task.SolutionEvaluation{}, map[string]bool{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("check results: %w", err)
	}
	evals := make(map[string]task.SolutionEvaluation, len(results))
	unresolved := make(map[string]bool)
	for _, r := range results {
		if r.Label == nil {
			if r.Exhausted {
				unresolved[r.ItemID] = true
			}
			continue
		}
		evals[r.ItemID] = task.SolutionEvaluation{
			ID:         r.ItemID,
			ItemID:     itemOf[r.ItemID],
			OK:         *r.Label == labelOK,
			Confidence: r.Confidence,
			Answers:    r.Answers,
		}
	}
	return evals, unresolved, nil
}

func (f *Feedback) view(ctx context.Context) (markupView, error) {
	var v markupView
	items, err := f.Service.ListItems(ctx, f.MarkupBatchID)
	if err != nil {
		return v, fmt.Errorf("list markup items: %w", err)
	}
	subs, err := f.Service.ListSubmissions(ctx, f.MarkupBatchID)
	if err != nil {
		return v, fmt.Errorf("list markup submissions: %w", err)
	}
	evals, unresolved, err := f.evaluations(ctx, subs)
	if err != nil {
		return v, err
	}
	v = markupView{items: items, subs: subs, evals: evals, unresolved: unresolved, sel: make(map[string]selection, len(subs))}
	for _, sub := range subs {
		v.sel[sub.ID] = f.Sample.Select(sub, evals, unresolved)
	}
	return v, nil
}

// itemStatus is the finalisation state of one markup item.
type itemStatus struct {
	attempts  int
	live      int
	finalized bool
	pending   bool
}

func (f *Feedback) statuses(v markupView) map[string]*itemStatus {
	out := make(map[string]*itemStatus, len(v.items))
	for _, rec := range v.items {
		out[rec.ID] = &itemStatus{}
	}
	for _, sub := range v.subs {
		sel := v.sel[sub.ID]
		inSel := make(map[int]bool, len(sel.indexes))
		for _, i := range sel.indexes {
			inSel[i] = true
		}
		for i, p := range sub.Pairs {
			st := out[p.Item.ID()]
			if st == nil {
				continue
			}
			st.attempts++
			if sub.Status == task.StatusRejected {
				continue
			}
			st.live++
			id := task.SolutionID(p.Item, p.Answer)
			verdict := task.VerdictUnknown
			if e, ok := v.evals[id]; ok {
				verdict = task.VerdictOf(&e)
			}
			accepted := sub.Status == task.StatusAccepted
			switch {
			case accepted && verdict == task.VerdictOK:
				st.finalized = true
			case accepted && verdict != task.VerdictBad && f.Sample.Trusted(sel):
				st.finalized = true
			case v.unresolved[id]:
				// Checking gave up on this answer; the item needs another.
			case verdict == task.VerdictUnknown && (sub.Status == task.StatusSubmitted || inSel[i]):
				st.pending = true
			}
		}
	}
	for _, st := range out {
		if f.MarkupOverlap.Exhausted(overlap.State{Attempts: st.attempts}) {
			st.finalized = true
		}
	}
	return out
}

// Pass advances the campaign by one step: verification submissions are
// decided, markup submissions whose selection is fully verified are
// decided, missing check items are published and markup items without a
// usable answer get more attempts. Bonuses are paid once every markup item
// is finalised.
func (f *Feedback) Pass(ctx context.Context) (FeedbackReport, error) {
	var rep FeedbackReport
	check := f.check()

	crep, err := check.Pass(ctx)
	switch {
	case errors.Is(err, service.ErrBatchNotFound):
	case err != nil:
		return rep, fmt.Errorf("check stage: %w", err)
	default:
		rep.Check = crep
	}

	pending, err := f.Service.ListSubmissions(ctx, f.MarkupBatchID, task.StatusSubmitted)
	if err != nil {
		return rep, fmt.Errorf("list submitted markup: %w", err)
	}
	rest, err := rules.NewPriorFilter(f.MarkupRules).Filter(ctx, f.Service, pending)
	if err != nil {
		return rep, fmt.Errorf("prior filter: %w", err)
	}
	rep.Decided = len(pending) - len(rest)

	v, err := f.view(ctx)
	if err != nil {
		return rep, err
	}
	decide := f.MarkupRules.Filter(func(r rules.Rule) bool { return rules.ReadsAccuracy(r) && !rules.IsBonus(r) })
	for _, sub := range rest {
		sel := v.sel[sub.ID]
		if !sel.complete {
			continue
		}
		out, err := decide.Apply(ctx, f.Service, rules.Input{
			Submission: sub,
			Values:     f.values(sub, sel),
			Wrong:      sel.result.Wrong,
		})
		if err != nil {
			return rep, err
		}
		if out.Status != "" {
			rep.Decided++
		}
	}
	if rep.Decided > 0 {
		if v, err = f.view(ctx); err != nil {
			return rep, err
		}
	}

	published, err := f.publishChecks(ctx, check, v)
	if err != nil {
		return rep, err
	}
	rep.Published = published

	rep.Rework = make(map[string]int)
	statuses := f.statuses(v)
	submitted := 0
	for _, sub := range v.subs {
		if sub.Status == task.StatusSubmitted {
			submitted++
		}
	}
	for _, rec := range v.items {
		st := statuses[rec.ID]
		switch {
		case st.finalized:
			rep.Finalized++
		case st.pending:
			rep.Pending++
		default:
			if n := f.MarkupOverlap.Decide(overlap.State{Attempts: st.attempts}); n > 0 {
				rep.Rework[rec.ID] = n
			}
		}
	}

	if len(rep.Rework) > 0 {
		for _, rec := range v.items {
			target := statuses[rec.ID].live + rep.Rework[rec.ID]
			if target == rec.Target {
				continue
			}
			if err := f.Service.SetReplicationTarget(ctx, f.MarkupBatchID, rec.ID, target); err != nil {
				return rep, fmt.Errorf("set target of %s: %w", rec.ID, err)
			}
		}
		if err := f.Service.OpenBatch(ctx, f.MarkupBatchID); err != nil {
			return rep, fmt.Errorf("reopen %s: %w", f.MarkupBatchID, err)
		}
	}

	rep.Done = rep.Finalized == len(v.items) && submitted == 0
	if !rep.Done {
		return rep, nil
	}
	rep.Bonuses, err = f.payBonuses(ctx, v)
	return rep, err
}

func (f *Feedback) values(sub task.Submission, sel selection) rules.Values {
	return rules.Values{
		rules.MetricAccuracy: sel.result.Accuracy(),
		rules.MetricDuration: sub.Duration().Seconds(),
	}
}

// publishChecks creates the check items every live markup submission's
// selection needs. The authors of an answer are excluded from checking it.
func (f *Feedback) publishChecks(ctx context.Context, check *Classification, v markupView) (int, error) {
	existing := make(map[string]map[string]bool)
	items, err := f.Service.ListItems(ctx, f.CheckBatchID)
	if err != nil && !errors.Is(err, service.ErrBatchNotFound) {
		return 0, fmt.Errorf("list check items: %w", err)
	}
	for _, rec := range items {
		ex := make(map[string]bool, len(rec.Excluded))
		for _, w := range rec.Excluded {
			ex[w] = true
		}
		existing[rec.ID] = ex
	}

	var news []service.NewItem
	queued := make(map[string]bool)
	excl := service.Exclusions{}
	for _, sub := range v.subs {
		if sub.Status == task.StatusRejected {
			continue
		}
		for _, i := range v.sel[sub.ID].indexes {
			p := sub.Pairs[i]
			ci := task.CheckItem(p.Item, p.Answer)
			id := ci.ID()
			ex, known := existing[id]
			if known && ex[sub.Worker] {
				continue
			}
			if !queued[id] {
				queued[id] = true
				news = append(news, service.NewItem{Item: ci, Target: f.CheckOverlap.Overlap.Min})
			}
			excl[id] = append(excl[id], sub.Worker)
			if ex == nil {
				ex = make(map[string]bool)
				existing[id] = ex
			}
			ex[sub.Worker] = true
		}
	}
	if err := check.publish(ctx, news, excl); err != nil {
		return 0, err
	}
	return len(news), nil
}

// payBonuses applies the bonus rules to every accepted markup submission
// with at least one verified answer. Keys make repeated payment a no-op.
func (f *Feedback) payBonuses(ctx context.Context, v markupView) (int, error) {
	bonus := f.MarkupRules.Filter(rules.IsBonus)
	if len(bonus.Rules) == 0 {
		return 0, nil
	}
	paid := 0
	for _, sub := range v.subs {
		if sub.Status != task.StatusAccepted || v.sel[sub.ID].result.Total == 0 {
			continue
		}
		out, err := bonus.Apply(ctx, f.Service, rules.Input{Submission: sub, Values: f.values(sub, v.sel[sub.ID])})
		if err != nil {
			return paid, err
		}
		paid += out.Bonuses
	}
	return paid, nil
}

// Results ranks the candidate answers of every markup item. Answers from
// rejected submissions are not candidates.
func (f *Feedback) Results(ctx context.Context) ([]FeedbackResult, error) {
	v, err := f.view(ctx)
	if err != nil {
		return nil, err
	}
	statuses := f.statuses(v)
	byItem := make(map[string][]task.Solution)
	for _, sub := range v.subs {
		if sub.Status == task.StatusRejected {
			continue
		}
		sel := v.sel[sub.ID]
		for _, p := range sub.Pairs {
			a := p.Answer
			a.Worker = sub.Worker
			s := task.Solution{
				ItemID:             p.Item.ID(),
				Answer:             a,
				SubmissionID:       sub.ID,
				SubmissionAccuracy: sel.result.Accuracy(),
				SubmissionRecall:   evaluation.Recall(sel.result, sub),
			}
			if e, ok := v.evals[task.SolutionID(p.Item, p.Answer)]; ok {
				s.Evaluation = &e
			}
			s.Verdict = task.VerdictOf(s.Evaluation)
			byItem[s.ItemID] = append(byItem[s.ItemID], s)
		}
	}
	out := make([]FeedbackResult, 0, len(v.items))
	for _, rec := range v.items {
		out = append(out, FeedbackResult{
			ItemID:    rec.ID,
			Item:      rec.Item,
			Finalized: statuses[rec.ID].finalized,
			Solutions: RankSolutions(byItem[rec.ID]),
		})
	}
	return out, nil
}
