package rules

import (
	"context"

	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
)

// PriorFilter applies duration-only rules before any expensive evaluation.
// Submissions it decides are dropped from further processing.
type PriorFilter struct {
	engine Engine
}

// NewPriorFilter keeps the duration-only rules of e.
func NewPriorFilter(e Engine) PriorFilter {
	return PriorFilter{engine: e.Filter(DurationOnly)}
}

// Filter applies the duration rules to every submission and returns the ones
// whose status was not set.
func (f PriorFilter) Filter(ctx context.Context, svc service.Service, subs []task.Submission) ([]task.Submission, error) {
	if len(f.engine.Rules) == 0 {
		return subs, nil
	}
	var rest []task.Submission
	for _, sub := range subs {
		values := Values{MetricDuration: sub.Duration().Seconds()}
		decided := f.engine.Plan(values).Status != nil
		if _, err := f.engine.Apply(ctx, svc, Input{Submission: sub, Values: values}); err != nil {
			return nil, err
		}
		if !decided {
			rest = append(rest, sub)
		}
	}
	return rest, nil
}
