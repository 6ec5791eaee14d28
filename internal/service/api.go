package service

import (
	"errors"
	"time"

	"github.com/banshee-data/crowdloop/internal/task"
)

// JSON bodies of the HTTP rendition of the service, shared by the local
// handler and the HTTP client.

type CreateItemsRequest struct {
	Items      []NewItem  `json:"items"`
	Exclusions Exclusions `json:"exclusions,omitempty"`
}

type TargetRequest struct {
	Target int `json:"target"`
}

type StatusRequest struct {
	Status  task.Status `json:"status"`
	Comment string      `json:"comment,omitempty"`
}

type OperationResponse struct {
	Handle OperationHandle `json:"handle"`
}

type BatchResponse struct {
	ID    string     `json:"id"`
	State BatchState `json:"state"`
}

// SubmitRequest is the worker-facing submission body.
type SubmitRequest struct {
	Worker    string         `json:"worker"`
	StartedAt time.Time      `json:"started_at"`
	Answers   []SubmitAnswer `json:"answers"`
}

type SubmitAnswer struct {
	ItemID string      `json:"item_id"`
	Answer task.Answer `json:"answer"`
}

// Error codes carried in error bodies so clients can restore sentinels.
const (
	CodeBatchNotFound      = "batch_not_found"
	CodeSubmissionNotFound = "submission_not_found"
	CodeItemNotFound       = "item_not_found"
	CodeOperationNotFound  = "operation_not_found"
	CodeStatusDecided      = "status_decided"
)

var codes = map[string]error{
	CodeBatchNotFound:      ErrBatchNotFound,
	CodeSubmissionNotFound: ErrSubmissionNotFound,
	CodeItemNotFound:       ErrItemNotFound,
	CodeOperationNotFound:  ErrOperationNotFound,
	CodeStatusDecided:      ErrStatusConflict,
}

// ErrorForCode returns the sentinel for an error code, or nil.
func ErrorForCode(code string) error {
	return codes[code]
}

// CodeForError returns the code of the first sentinel err wraps, or "".
func CodeForError(err error) string {
	for code, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}
