// Package aggregate turns per-item worker votes into label probability
// distributions and estimates worker reliability from check counts.
package aggregate

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/crowdloop/internal/task"
)

// Vote is one worker's label for an item.
type Vote struct {
	Label  task.Label
	Worker string
}

// Distribution maps each candidate label to its probability.
type Distribution map[task.Label]float64

// Sum returns the total probability mass.
func (d Distribution) Sum() float64 {
	vals := make([]float64, 0, len(d))
	for _, p := range d {
		vals = append(vals, p)
	}
	return floats.Sum(vals)
}

// Aggregator computes a distribution for every item in votes. Items with no
// votes map to a nil distribution; every other distribution sums to 1.
// classes lists the declared label space, which may be wider than the
// labels actually voted for.
type Aggregator interface {
	Aggregate(classes []task.Label, votes map[string][]Vote) (map[string]Distribution, error)
}

// Weighted aggregators need worker weights, which change every evaluation
// pass.
type Weighted interface {
	Aggregator
	WithWeights(weights map[string]float64) Aggregator
}

// ErrMixedAnswerClasses is returned when an item's votes span several
// sub-question groups of a combined label.
var ErrMixedAnswerClasses = errors.New("aggregate: item votes mix answer classes")

// Aggregate runs agg separately for each sub-question group and merges the
// results. Plain labels all share the empty group.
func Aggregate(agg Aggregator, classes []task.Label, votes map[string][]Vote) (map[string]Distribution, error) {
	byGroup := make(map[string]map[string][]Vote)
	out := make(map[string]Distribution, len(votes))
	for itemID, vs := range votes {
		if len(vs) == 0 {
			out[itemID] = nil
			continue
		}
		group := vs[0].Label.Group
		for _, v := range vs[1:] {
			if v.Label.Group != group {
				return nil, fmt.Errorf("item %s: groups %q and %q: %w", itemID, group, v.Label.Group, ErrMixedAnswerClasses)
			}
		}
		if byGroup[group] == nil {
			byGroup[group] = make(map[string][]Vote)
		}
		byGroup[group][itemID] = vs
	}

	groups := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		res, err := agg.Aggregate(classesInGroup(classes, g), byGroup[g])
		if err != nil {
			return nil, fmt.Errorf("aggregate group %q: %w", g, err)
		}
		for itemID, d := range res {
			out[itemID] = d
		}
	}
	return out, nil
}

func classesInGroup(classes []task.Label, group string) []task.Label {
	var out []task.Label
	for _, c := range classes {
		if c.Group == group {
			out = append(out, c)
		}
	}
	return out
}

// labelSpace returns the declared classes plus every voted label, sorted by
// key so that downstream iteration is deterministic.
func labelSpace(classes []task.Label, votes map[string][]Vote) []task.Label {
	seen := make(map[task.Label]struct{}, len(classes))
	var out []task.Label
	add := func(l task.Label) {
		if _, ok := seen[l]; ok {
			return
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	for _, c := range classes {
		add(c)
	}
	for _, vs := range votes {
		for _, v := range vs {
			add(v.Label)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

const tieEpsilon = 1e-12

// MostProbableLabel returns the arg-max of d. Labels whose probability is
// within 1e-12 of the maximum tie, and the tie goes to the smallest
// Label.Key(). ok is false for an empty or nil distribution.
func MostProbableLabel(d Distribution) (label task.Label, p float64, ok bool) {
	for l, q := range d {
		switch {
		case !ok || q > p+tieEpsilon:
			label, p, ok = l, q, true
		case q >= p-tieEpsilon && l.Key() < label.Key():
			label = l
			if q > p {
				p = q
			}
		}
	}
	return label, p, ok
}
