package task

import (
	"fmt"
	"time"
)

// Label is a categorical answer. Group names the sub-question for combined
// label types; plain labels leave it empty.
type Label struct {
	Group string `json:"group,omitempty"`
	Value string `json:"value"`
}

// Key is the stable string form used for ordering and lookups.
func (l Label) Key() string {
	if l.Group == "" {
		return l.Value
	}
	return l.Group + "/" + l.Value
}

func (l Label) String() string { return l.Key() }

// Answer is one worker's output tuple for an item.
type Answer struct {
	Fields []Field `json:"fields"`
	Worker string  `json:"worker,omitempty"`
}

// Get returns the named output field.
func (a Answer) Get(name string) (Value, bool) {
	return lookup(a.Fields, name)
}

// OKField is the output field carrying a verification verdict.
const OKField = "ok"

// OK reads the embedded evaluation of a verification answer.
func (a Answer) OK() (ok bool, present bool) {
	v, found := a.Get(OKField)
	if !found || v.Kind != KindBool {
		return false, false
	}
	return v.Bool, true
}

// CheckAnswer builds a verification answer.
func CheckAnswer(ok bool, worker string) Answer {
	return Answer{Fields: []Field{F(OKField, Bool(ok))}, Worker: worker}
}

// LabelSpec says where the categorical label of an answer lives. GroupField,
// when set, names the input field that identifies the sub-question.
type LabelSpec struct {
	Field      string `json:"field"`
	GroupField string `json:"group_field,omitempty"`
}

// Extract returns the label of answer a to item it.
func (s LabelSpec) Extract(it Item, a Answer) (Label, bool) {
	v, ok := a.Get(s.Field)
	if !ok {
		return Label{}, false
	}
	l := Label{Value: v.Key()}
	if s.GroupField != "" {
		g, ok := it.Get(s.GroupField)
		if !ok {
			return Label{}, false
		}
		l.Group = g.Key()
	}
	return l, true
}

// ControlAnswer pairs a control item with its known-correct answer.
type ControlAnswer struct {
	Item   Item   `json:"item"`
	Answer Answer `json:"answer"`
}

// Status is the lifecycle state of a submission.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether a submission in state s may move to next.
// Only submitted work can be decided, and only once.
func (s Status) CanTransition(next Status) bool {
	return s == StatusSubmitted && (next == StatusAccepted || next == StatusRejected)
}

// Pair is one sub-item of a submission. Known is set for control items.
type Pair struct {
	Item   Item    `json:"item"`
	Answer Answer  `json:"answer"`
	Known  *Answer `json:"known,omitempty"`
}

// Submission is one worker's batch of answers produced in a single sitting.
type Submission struct {
	ID          string    `json:"id"`
	BatchID     string    `json:"batch_id"`
	Worker      string    `json:"worker"`
	Status      Status    `json:"status"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at"`
	Pairs       []Pair    `json:"pairs"`
}

// Duration is the time the worker spent on the submission.
func (s Submission) Duration() time.Duration {
	if s.SubmittedAt.Before(s.CreatedAt) {
		return 0
	}
	return s.SubmittedAt.Sub(s.CreatedAt)
}

func (s Submission) String() string {
	return fmt.Sprintf("submission %s (worker %s, %s, %d items)", s.ID, s.Worker, s.Status, len(s.Pairs))
}
