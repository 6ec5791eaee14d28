package service

import (
	"errors"
	"fmt"
)

var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrItemNotFound       = errors.New("item not found")
	ErrOperationNotFound  = errors.New("operation not found")
	// ErrStatusConflict is returned when a submission has already been
	// accepted or rejected.
	ErrStatusConflict = errors.New("submission status already decided")
	// ErrOperationTimeout is returned when an operation is still running
	// after the poll budget is spent.
	ErrOperationTimeout = errors.New("operation did not finish in time")
)

// TransientError is a failure worth retrying: network errors, 5xx responses,
// throttling and the spurious conflicts the service is known to emit.
type TransientError struct {
	Op     string
	Status int // HTTP status when known
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// OperationFailedError carries the remote diagnostic of a failed operation
// verbatim.
type OperationFailedError struct {
	Handle     OperationHandle
	Diagnostic string
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("operation %s failed: %s", e.Handle, e.Diagnostic)
}
