package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/task"
	"github.com/banshee-data/crowdloop/internal/timeutil"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// DefaultRetryPolicy is generous: the service is slow and flaky under load.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    20,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		CallTimeout: 2 * time.Minute,
	}
}

// Delay returns the backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

var logRetry = monitoring.Tagged("service")

// Retrying wraps a Service and retries transient failures with exponential
// backoff. A call that exceeds CallTimeout is treated as transient.
type Retrying struct {
	next   Service
	policy RetryPolicy
	clock  timeutil.Clock
}

// NewRetrying decorates svc. A nil clock uses the real clock.
func NewRetrying(svc Service, policy RetryPolicy, clock timeutil.Clock) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Retrying{next: svc, policy: policy, clock: clock}
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		}
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TransientError{Op: op, Err: err}
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
		if attempt == r.policy.Attempts {
			break
		}
		delay := r.policy.Delay(attempt)
		logRetry("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt, r.policy.Attempts, delay, err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.clock.After(delay):
		}
	}
	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", op, r.policy.Attempts, lastErr)
}

func retryErr(ctx context.Context, r *Retrying, op string, fn func(ctx context.Context) error) error {
	_, err := retry(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (r *Retrying) CreateItems(ctx context.Context, batchID string, items []NewItem, excl Exclusions) error {
	if len(items) == 0 {
		return nil
	}
	return retryErr(ctx, r, "create items", func(ctx context.Context) error {
		return r.next.CreateItems(ctx, batchID, items, excl)
	})
}

func (r *Retrying) ListItems(ctx context.Context, batchID string) ([]ItemRecord, error) {
	return retry(ctx, r, "list items", func(ctx context.Context) ([]ItemRecord, error) {
		return r.next.ListItems(ctx, batchID)
	})
}

func (r *Retrying) ListSubmissions(ctx context.Context, batchID string, statuses ...task.Status) ([]task.Submission, error) {
	return retry(ctx, r, "list submissions", func(ctx context.Context) ([]task.Submission, error) {
		return r.next.ListSubmissions(ctx, batchID, statuses...)
	})
}

func (r *Retrying) SetReplicationTarget(ctx context.Context, batchID, itemID string, n int) error {
	return retryErr(ctx, r, "set replication target", func(ctx context.Context) error {
		return r.next.SetReplicationTarget(ctx, batchID, itemID, n)
	})
}

func (r *Retrying) SetSubmissionStatus(ctx context.Context, submissionID string, status task.Status, comment string) error {
	return retryErr(ctx, r, "set submission status", func(ctx context.Context) error {
		return r.next.SetSubmissionStatus(ctx, submissionID, status, comment)
	})
}

func (r *Retrying) RestrictWorker(ctx context.Context, rs Restriction) error {
	return retryErr(ctx, r, "restrict worker", func(ctx context.Context) error {
		return r.next.RestrictWorker(ctx, rs)
	})
}

func (r *Retrying) GrantBonus(ctx context.Context, b Bonus) (OperationHandle, error) {
	return retry(ctx, r, "grant bonus", func(ctx context.Context) (OperationHandle, error) {
		return r.next.GrantBonus(ctx, b)
	})
}

func (r *Retrying) OperationStatus(ctx context.Context, h OperationHandle) (Operation, error) {
	return retry(ctx, r, "operation status", func(ctx context.Context) (Operation, error) {
		return r.next.OperationStatus(ctx, h)
	})
}

func (r *Retrying) OpenBatch(ctx context.Context, batchID string) error {
	return retryErr(ctx, r, "open batch", func(ctx context.Context) error {
		return r.next.OpenBatch(ctx, batchID)
	})
}

func (r *Retrying) CloseBatch(ctx context.Context, batchID string) error {
	return retryErr(ctx, r, "close batch", func(ctx context.Context) error {
		return r.next.CloseBatch(ctx, batchID)
	})
}

func (r *Retrying) BatchState(ctx context.Context, batchID string) (BatchState, error) {
	return retry(ctx, r, "batch state", func(ctx context.Context) (BatchState, error) {
		return r.next.BatchState(ctx, batchID)
	})
}
