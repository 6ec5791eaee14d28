package loop

import (
	"hash/fnv"
	"math/rand/v2"
	"sort"

	"github.com/banshee-data/crowdloop/internal/evaluation"
	"github.com/banshee-data/crowdloop/internal/task"
)

// CheckSample bounds how much of a markup submission is verified.
type CheckSample struct {
	// MaxItemsToCheck is the size of the first sample; zero checks
	// everything.
	MaxItemsToCheck int
	// AccuracyFinalizationThreshold: a submission whose sampled accuracy
	// exceeds it has its unchecked items finalised without checking; at or
	// below it, every item is checked.
	AccuracyFinalizationThreshold float64
}

// Sample picks the pair indexes checked first. The choice depends only on
// the submission ID, so every pass picks the same items.
func (s CheckSample) Sample(sub task.Submission) []int {
	n := len(sub.Pairs)
	if s.MaxItemsToCheck <= 0 || s.MaxItemsToCheck >= n {
		return allIndexes(n)
	}
	h := fnv.New64a()
	h.Write([]byte(sub.ID))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	idx := rng.Perm(n)[:s.MaxItemsToCheck]
	sort.Ints(idx)
	return idx
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// selection is where a markup submission stands with respect to checking.
type selection struct {
	indexes  []int
	widened  bool
	complete bool // every selected pair has an evaluation or is unresolved
	result   evaluation.Result
}

// Select returns the pairs to check given the evaluations seen so far.
// unresolved holds the solution IDs whose checks ran out of attempts
// without a confident verdict; they count as checked but not scored. The
// sample is widened to the whole submission once it is fully checked and
// its accuracy does not exceed the threshold, or nothing in it was scored.
func (s CheckSample) Select(sub task.Submission, evals map[string]task.SolutionEvaluation, unresolved map[string]bool) selection {
	sel := selection{indexes: s.Sample(sub)}
	sel.complete = evaluated(sub, sel.indexes, evals, unresolved)
	if sel.complete && len(sel.indexes) < len(sub.Pairs) {
		sampled := scoreIndexes(sub, sel.indexes, evals)
		if !s.exceeds(sampled) {
			sel.indexes = allIndexes(len(sub.Pairs))
			sel.widened = true
			sel.complete = evaluated(sub, sel.indexes, evals, unresolved)
		}
	}
	sel.result, _ = evaluation.CrossCheck{Evaluations: evals}.Evaluate(sub)
	return sel
}

// Trusted reports whether the submission's unchecked items may be
// finalised on the strength of its sampled accuracy.
func (s CheckSample) Trusted(sel selection) bool {
	return sel.complete && !sel.widened && s.exceeds(sel.result)
}

func (s CheckSample) exceeds(r evaluation.Result) bool {
	return r.Total > 0 && r.Accuracy() > s.AccuracyFinalizationThreshold
}

func evaluated(sub task.Submission, idx []int, evals map[string]task.SolutionEvaluation, unresolved map[string]bool) bool {
	for _, i := range idx {
		p := sub.Pairs[i]
		id := task.SolutionID(p.Item, p.Answer)
		if _, ok := evals[id]; !ok && !unresolved[id] {
			return false
		}
	}
	return true
}

func scoreIndexes(sub task.Submission, idx []int, evals map[string]task.SolutionEvaluation) evaluation.Result {
	var r evaluation.Result
	for _, i := range idx {
		p := sub.Pairs[i]
		e, ok := evals[task.SolutionID(p.Item, p.Answer)]
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
	return r
}
