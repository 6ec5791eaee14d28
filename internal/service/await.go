package service

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/crowdloop/internal/timeutil"
)

// AwaitOptions bounds AwaitOperation.
type AwaitOptions struct {
	Interval time.Duration
	MaxPolls int
	Clock    timeutil.Clock
}

func (o AwaitOptions) withDefaults() AwaitOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = 120
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// AwaitOperation polls until the operation is terminal. A failed operation
// yields *OperationFailedError; running out of polls yields
// ErrOperationTimeout.
func AwaitOperation(ctx context.Context, svc Service, h OperationHandle, opts AwaitOptions) (Operation, error) {
	opts = opts.withDefaults()
	ticker := opts.Clock.NewTicker(opts.Interval)
	defer ticker.Stop()

	for poll := 0; ; poll++ {
		op, err := svc.OperationStatus(ctx, h)
		if err != nil {
			return Operation{}, fmt.Errorf("poll operation %s: %w", h, err)
		}
		switch op.State {
		case OperationSuccess:
			return op, nil
		case OperationFailed:
			return op, &OperationFailedError{Handle: h, Diagnostic: op.Diagnostic}
		}
		if poll+1 >= opts.MaxPolls {
			return op, fmt.Errorf("operation %s still %s after %d polls: %w", h, op.State, opts.MaxPolls, ErrOperationTimeout)
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C():
		}
	}
}
