// Package overlap decides how many more independent answers an item needs.
package overlap

import "github.com/banshee-data/crowdloop/internal/task"

// State is what is known about an item when deciding rework.
type State struct {
	Accepted   int         // accepted answers, the service's overlap counter
	Attempts   int         // accepted + rejected answers
	Best       *task.Label // most probable label, nil when unknown
	Confidence float64     // probability of Best
}

// Controller applies an overlap requirement.
type Controller struct {
	Overlap task.Overlap
	// MaxAttempts bounds attempts including rejected ones. Zero means twice
	// the overlap maximum.
	MaxAttempts int
}

// Budget is the effective attempt limit.
func (c Controller) Budget() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 2 * c.Overlap.Max
}

// Exhausted reports whether the item has used its attempt budget.
func (c Controller) Exhausted(s State) bool {
	return s.Attempts >= c.Budget()
}

// Decide returns how many more answers to request; 0 means the item is
// sufficient (or exhausted). The overlap Max bounds live answers, so the
// dynamic +1 stops once Max answers stand. Rejected answers do not count
// against Max; the attempt budget (MaxAttempts) bounds all answers.
func (c Controller) Decide(s State) int {
	o := c.Overlap
	if c.Exhausted(s) {
		return 0
	}
	if residual := o.Min - s.Accepted; residual > 0 {
		if room := c.Budget() - s.Attempts; residual > room {
			return room
		}
		return residual
	}
	if o.Dynamic && s.Accepted < o.Max && !c.Confident(s) {
		return 1
	}
	return 0
}

// Confident reports whether the best label meets its threshold. Static
// overlap is always confident once satisfied.
func (c Controller) Confident(s State) bool {
	if !c.Overlap.Dynamic {
		return true
	}
	if s.Best == nil {
		return false
	}
	return s.Confidence >= c.Overlap.Confidence.For(*s.Best)
}
