package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
)

var logRules = monitoring.Tagged("rules")

// Engine evaluates rules in declared order.
type Engine struct {
	Rules []Rule
	Await service.AwaitOptions

	origin []int // declared index of Rules[i] in the unfiltered list
}

func (e Engine) ruleIndex(i int) int {
	if e.origin == nil {
		return i
	}
	return e.origin[i]
}

// Indexed carries the declared position of the rule that produced an
// action; the position feeds idempotency keys.
type Indexed[A Action] struct {
	Rule   int
	Action A
}

// Plan is the set of actions computed for one submission.
type Plan struct {
	Blocks  []Indexed[BlockWorker]
	Bonuses []Indexed[GrantBonus]
	Status  *Indexed[SetStatus]
}

// Empty reports whether nothing is to be done.
func (p Plan) Empty() bool {
	return len(p.Blocks) == 0 && len(p.Bonuses) == 0 && p.Status == nil
}

// Plan computes every action triggered by values without side effects.
func (e Engine) Plan(values Values) Plan {
	var p Plan
	for i, r := range e.Rules {
		if !r.When.Match(values) {
			continue
		}
		idx := e.ruleIndex(i)
		switch a := r.Action.(type) {
		case BlockWorker:
			p.Blocks = append(p.Blocks, Indexed[BlockWorker]{Rule: idx, Action: a})
		case GrantBonus:
			p.Bonuses = append(p.Bonuses, Indexed[GrantBonus]{Rule: idx, Action: a})
		case SetStatus:
			if p.Status == nil {
				p.Status = &Indexed[SetStatus]{Rule: idx, Action: a}
			}
		}
	}
	return p
}

// Filter returns an engine with the rules keep selects. Plans keep the
// declared index of each rule, so idempotency keys do not depend on the
// filter.
func (e Engine) Filter(keep func(Rule) bool) Engine {
	out := Engine{Await: e.Await, origin: []int{}}
	for i, r := range e.Rules {
		if keep(r) {
			out.Rules = append(out.Rules, r)
			out.origin = append(out.origin, e.ruleIndex(i))
		}
	}
	return out
}

// Reads reports whether the rule's predicate reads metric m.
func Reads(r Rule, m Metric) bool {
	for _, x := range r.When.Metrics() {
		if x == m {
			return true
		}
	}
	return false
}

// DurationOnly keeps rules that read duration and nothing else.
func DurationOnly(r Rule) bool {
	ms := r.When.Metrics()
	return len(ms) == 1 && ms[0] == MetricDuration
}

// ReadsAccuracy keeps rules that read accuracy.
func ReadsAccuracy(r Rule) bool { return Reads(r, MetricAccuracy) }

// IsBonus keeps bonus rules.
func IsBonus(r Rule) bool {
	_, ok := r.Action.(GrantBonus)
	return ok
}

// Outcome reports what Apply did.
type Outcome struct {
	Blocks  int
	Bonuses int
	Status  task.Status // empty when unchanged
}

// Input is what Apply needs to know about a submission.
type Input struct {
	Submission task.Submission
	Values     Values
	Wrong      []int // 0-based indexes of wrong pairs, listed in rejections
}

// Apply executes the plan for one submission against svc. Blocks go
// first, then bonuses (each awaited), and the status change last, so a
// crash never leaves a decided submission with its blocks unapplied.
// Blocks and bonuses carry keys derived from the submission and rule
// index, which makes a rerun after a crash a no-op for those already done.
func (e Engine) Apply(ctx context.Context, svc service.Service, in Input) (Outcome, error) {
	sub := in.Submission
	plan := e.Plan(in.Values)
	var out Outcome

	for _, b := range plan.Blocks {
		err := svc.RestrictWorker(ctx, service.Restriction{
			Worker:   sub.Worker,
			Scope:    b.Action.Scope,
			Duration: b.Action.Duration,
			Comment:  b.Action.Comment,
			Key:      actionKey(sub.ID, "block", b.Rule),
		})
		if err != nil {
			return out, fmt.Errorf("block worker %s for %s: %w", sub.Worker, sub.ID, err)
		}
		logRules("blocked worker %s (%s) for submission %s", sub.Worker, b.Action, sub.ID)
		out.Blocks++
	}

	for _, g := range plan.Bonuses {
		h, err := svc.GrantBonus(ctx, service.Bonus{
			Worker:       sub.Worker,
			SubmissionID: sub.ID,
			Amount:       g.Action.Amount,
			Comment:      g.Action.Comment,
			Key:          actionKey(sub.ID, "bonus", g.Rule),
		})
		if err != nil {
			return out, fmt.Errorf("grant bonus to %s for %s: %w", sub.Worker, sub.ID, err)
		}
		if _, err := service.AwaitOperation(ctx, svc, h, e.Await); err != nil {
			return out, fmt.Errorf("bonus for %s: %w", sub.ID, err)
		}
		out.Bonuses++
	}

	if plan.Status == nil || sub.Status != task.StatusSubmitted {
		return out, nil
	}
	st := plan.Status.Action
	comment := st.Comment
	if st.Status == task.StatusRejected {
		comment = RejectionComment(comment, in.Wrong)
	}
	err := svc.SetSubmissionStatus(ctx, sub.ID, st.Status, comment)
	if errors.Is(err, service.ErrStatusConflict) {
		logRules("submission %s already decided, leaving status", sub.ID)
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("set status of %s: %w", sub.ID, err)
	}
	logRules("%s: %s (%s)", sub.ID, st.Status, comment)
	out.Status = st.Status
	return out, nil
}

func actionKey(submissionID, kind string, rule int) string {
	return submissionID + "/" + kind + "/" + strconv.Itoa(rule)
}

// RejectionComment appends the 1-based positions of wrong answers.
func RejectionComment(base string, wrong []int) string {
	if len(wrong) == 0 {
		return base
	}
	nums := make([]string, len(wrong))
	for i, w := range wrong {
		nums[i] = strconv.Itoa(w + 1)
	}
	list := "wrong items: " + strings.Join(nums, ", ")
	if base == "" {
		return list
	}
	return strings.TrimRight(base, ". ") + ". " + strings.ToUpper(list[:1]) + list[1:]
}
