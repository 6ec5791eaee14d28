package evaluation

import (
	"fmt"

	"github.com/banshee-data/crowdloop/internal/task"
)

// ControlItem compares answers to control items against their known
// answers. Only the fields present in the known answer are compared, so
// extra free-text output fields are ignored. Pairs without a known answer
// are not counted.
type ControlItem struct {
	CanHaveZeroChecks bool
}

func (c ControlItem) Evaluate(sub task.Submission) (Result, error) {
	var r Result
	for i, p := range sub.Pairs {
		if p.Known == nil {
			continue
		}
		r.Total++
		if matchesKnown(p.Answer, *p.Known) {
			r.Correct++
		} else {
			r.Wrong = append(r.Wrong, i)
		}
	}
	if r.Total == 0 && !c.CanHaveZeroChecks {
		return Result{}, fmt.Errorf("submission %s: %w", sub.ID, ErrNoChecks)
	}
	return r, nil
}

func matchesKnown(got, known task.Answer) bool {
	for _, f := range known.Fields {
		v, ok := got.Get(f.Name)
		if !ok || !v.Equal(f.Value) {
			return false
		}
	}
	return true
}
