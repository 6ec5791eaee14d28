// Package rules evaluates ordered predicate/action rules against submission
// metrics and applies the resulting worker blocks, bonuses and status
// changes.
package rules

import (
	"fmt"
	"sort"
	"strings"
)

// Metric names a submission measurement.
type Metric string

const (
	MetricAccuracy Metric = "accuracy"
	MetricDuration Metric = "duration" // seconds
)

// Values holds the metrics of one submission. A predicate on a metric that
// is absent never matches.
type Values map[Metric]float64

// Op is a comparison operator.
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
	OpEQ Op = "=="
	OpNE Op = "!="
)

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	switch o {
	case OpLT, OpLE, OpGT, OpGE, OpEQ, OpNE:
		return true
	}
	return false
}

// Predicate is a condition over Values.
type Predicate interface {
	Match(v Values) bool
	// Metrics lists the metrics the predicate reads.
	Metrics() []Metric
	String() string
}

// Threshold compares one metric with a constant.
type Threshold struct {
	Metric Metric
	Op     Op
	Value  float64
}

func (t Threshold) Match(v Values) bool {
	x, ok := v[t.Metric]
	if !ok {
		return false
	}
	switch t.Op {
	case OpLT:
		return x < t.Value
	case OpLE:
		return x <= t.Value
	case OpGT:
		return x > t.Value
	case OpGE:
		return x >= t.Value
	case OpEQ:
		return x == t.Value
	case OpNE:
		return x != t.Value
	}
	return false
}

func (t Threshold) Metrics() []Metric { return []Metric{t.Metric} }

func (t Threshold) String() string {
	return fmt.Sprintf("%s %s %g", t.Metric, t.Op, t.Value)
}

// All matches when every operand matches.
type All []Predicate

func (a All) Match(v Values) bool {
	for _, p := range a {
		if !p.Match(v) {
			return false
		}
	}
	return true
}

func (a All) Metrics() []Metric { return union([]Predicate(a)) }
func (a All) String() string    { return join([]Predicate(a), " and ") }

// Any matches when at least one operand matches.
type Any []Predicate

func (a Any) Match(v Values) bool {
	for _, p := range a {
		if p.Match(v) {
			return true
		}
	}
	return false
}

func (a Any) Metrics() []Metric { return union([]Predicate(a)) }
func (a Any) String() string    { return join([]Predicate(a), " or ") }

// Not negates its operand.
type Not struct {
	P Predicate
}

func (n Not) Match(v Values) bool { return !n.P.Match(v) }
func (n Not) Metrics() []Metric   { return n.P.Metrics() }
func (n Not) String() string      { return "not " + n.P.String() }

func union(ps []Predicate) []Metric {
	seen := make(map[Metric]bool)
	var out []Metric
	for _, p := range ps {
		for _, m := range p.Metrics() {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func join(ps []Predicate, sep string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
