package rules

import (
	"fmt"
	"time"

	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
)

// Action is the effect of a matching rule: BlockWorker, SetStatus or
// GrantBonus.
type Action interface {
	action()
	String() string
}

// BlockWorker restricts the submission's worker. Every matching block rule
// fires.
type BlockWorker struct {
	Scope    service.Scope
	Duration time.Duration // zero means permanent
	Comment  string
}

// SetStatus accepts or rejects the submission. Only the first matching
// status rule fires.
type SetStatus struct {
	Status  task.Status
	Comment string
}

// GrantBonus pays the worker. Every matching bonus rule fires.
type GrantBonus struct {
	Amount  float64
	Comment string
}

func (BlockWorker) action() {}
func (SetStatus) action()   {}
func (GrantBonus) action()  {}

func (b BlockWorker) String() string {
	if b.Duration == 0 {
		return fmt.Sprintf("block(%s, permanent)", b.Scope)
	}
	return fmt.Sprintf("block(%s, %s)", b.Scope, b.Duration)
}

func (s SetStatus) String() string  { return fmt.Sprintf("status(%s)", s.Status) }
func (g GrantBonus) String() string { return fmt.Sprintf("bonus(%.2f)", g.Amount) }

// Rule pairs a predicate with an action.
type Rule struct {
	When   Predicate
	Action Action
}

func (r Rule) String() string {
	return fmt.Sprintf("if %s then %s", r.When, r.Action)
}
