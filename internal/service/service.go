// Package service defines the remote work-distribution service the campaign
// loops drive, its error taxonomy and a retrying decorator.
package service

import (
	"context"
	"time"

	"github.com/banshee-data/crowdloop/internal/task"
)

// NewItem is an item to publish. Known is set for control items, which are
// replicated without limit. Target is the initial replication target.
type NewItem struct {
	Item   task.Item    `json:"item"`
	Known  *task.Answer `json:"known,omitempty"`
	Target int          `json:"target"`
}

// Exclusions maps item IDs to workers who must never be assigned the item.
type Exclusions map[string][]string

// ItemRecord is an item as stored by the service.
type ItemRecord struct {
	ID       string       `json:"id"`
	Item     task.Item    `json:"item"`
	Known    *task.Answer `json:"known,omitempty"`
	Target   int          `json:"target"`
	Excluded []string     `json:"excluded,omitempty"`
}

// Control reports whether the item is a control item.
func (r ItemRecord) Control() bool { return r.Known != nil }

// BatchState is whether a batch currently hands out work.
type BatchState string

const (
	BatchOpen   BatchState = "open"
	BatchClosed BatchState = "closed"
)

// Scope of a worker restriction.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeAll     Scope = "all"
)

// Restriction blocks a worker. Key makes the call idempotent: a second
// restriction with the same key is a no-op.
type Restriction struct {
	Worker   string        `json:"worker"`
	Scope    Scope         `json:"scope"`
	Duration time.Duration `json:"duration"` // zero means permanent
	Comment  string        `json:"comment,omitempty"`
	Key      string        `json:"key"`
}

// Bonus is a payment to a worker for a submission, idempotent on Key.
type Bonus struct {
	Worker       string  `json:"worker"`
	SubmissionID string  `json:"submission_id"`
	Amount       float64 `json:"amount"`
	Comment      string  `json:"comment,omitempty"`
	Key          string  `json:"key"`
}

// OperationHandle identifies an asynchronous remote operation.
type OperationHandle string

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	OperationPending OperationState = "pending"
	OperationRunning OperationState = "running"
	OperationSuccess OperationState = "success"
	OperationFailed  OperationState = "failed"
)

// Operation is a snapshot of an asynchronous operation.
type Operation struct {
	Handle     OperationHandle `json:"handle"`
	State      OperationState  `json:"state"`
	Diagnostic string          `json:"diagnostic,omitempty"`
}

// Terminal reports whether the operation has finished.
func (o Operation) Terminal() bool {
	return o.State == OperationSuccess || o.State == OperationFailed
}

// Service is the remote work-distribution service. Every method may return
// a *TransientError, which callers are expected to retry (see Retrying).
type Service interface {
	// CreateItems publishes items to a batch. It is idempotent per item ID
	// and a no-op for an empty slice.
	CreateItems(ctx context.Context, batchID string, items []NewItem, excl Exclusions) error
	ListItems(ctx context.Context, batchID string) ([]ItemRecord, error)
	// ListSubmissions returns the batch's submissions in the given statuses,
	// or all of them when none are given, ordered by submission time.
	ListSubmissions(ctx context.Context, batchID string, statuses ...task.Status) ([]task.Submission, error)
	SetReplicationTarget(ctx context.Context, batchID, itemID string, n int) error
	SetSubmissionStatus(ctx context.Context, submissionID string, status task.Status, comment string) error
	RestrictWorker(ctx context.Context, r Restriction) error
	GrantBonus(ctx context.Context, b Bonus) (OperationHandle, error)
	OperationStatus(ctx context.Context, h OperationHandle) (Operation, error)
	OpenBatch(ctx context.Context, batchID string) error
	CloseBatch(ctx context.Context, batchID string) error
	BatchState(ctx context.Context, batchID string) (BatchState, error)
}
