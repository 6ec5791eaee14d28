package evaluation

import "github.com/banshee-data/crowdloop/internal/task"

// CrossCheck scores answers using evaluations produced by a separate
// verification batch, looked up by solution ID. Answers that have not been
// evaluated yet are skipped, so coverage may be partial.
type CrossCheck struct {
	Evaluations map[string]task.SolutionEvaluation
}

func (c CrossCheck) Evaluate(sub task.Submission) (Result, error) {
	var r Result
	for i, p := range sub.Pairs {
		e, ok := c.Evaluations[task.SolutionID(p.Item, p.Answer)]
		if !ok {
			continue
		}
		r.Total++
		if e.OK {
			r.Correct++
		} else {
			r.Wrong = append(r.Wrong, i)
		}
	}
	return r, nil
}

// Recall is the share of the submission's pairs that were evaluated.
func Recall(r Result, sub task.Submission) float64 {
	if len(sub.Pairs) == 0 {
		return 0
	}
	return float64(r.Total) / float64(len(sub.Pairs))
}
