// Package evaluation scores submissions: per sub-item correctness rolled up
// into a per-submission accuracy.
package evaluation

import (
	"errors"

	"github.com/banshee-data/crowdloop/internal/task"
)

var (
	// ErrNoChecks is returned when a submission has nothing to score and the
	// evaluator does not tolerate that.
	ErrNoChecks = errors.New("evaluation: submission has no checkable items")
	// ErrNotUpdated is returned by stateful evaluators used before Update.
	ErrNotUpdated = errors.New("evaluation: evaluator not updated with the current batch")
)

// Result is the outcome of scoring one submission. Wrong holds 0-based
// indexes into the submission's pairs.
type Result struct {
	Correct int
	Total   int
	Wrong   []int
}

// Accuracy is Correct/Total. A submission with nothing checked has
// accuracy 1: no answer was shown to be wrong.
func (r Result) Accuracy() float64 {
	if r.Total == 0 {
		return 1
	}
	return float64(r.Correct) / float64(r.Total)
}

// Evaluator scores a single submission.
type Evaluator interface {
	Evaluate(sub task.Submission) (Result, error)
}

// Stateful evaluators need to see the whole batch before any submission
// can be scored.
type Stateful interface {
	Evaluator
	Update(batch []task.Submission) error
}

// AcceptAll treats every answer as correct.
type AcceptAll struct{}

func (AcceptAll) Evaluate(sub task.Submission) (Result, error) {
	return Result{Correct: len(sub.Pairs), Total: len(sub.Pairs)}, nil
}
