// Package stream delivers every operation as an ordered event sequence: one
// start event, any number of progress events and exactly one terminal event.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
)

type Kind string

const (
	KindStart    Kind = "start"
	KindProgress Kind = "progress"
	KindResult   Kind = "result"
	KindError    Kind = "error"
)

// Terminal reports whether k ends an invocation.
func (k Kind) Terminal() bool { return k == KindResult || k == KindError }

// Failure kinds carried by error events.
const (
	FailValidation = "validation"
	FailNotFound   = "not_found"
	FailConflict   = "conflict"
	FailStorageIO  = "storage_io"
	FailForbidden  = "forbidden"
	FailInternal   = "internal"
)

var (
	// ErrForbidden is returned when the caller's role may not run an operation.
	ErrForbidden = errors.New("forbidden")
	// ErrSinkClosed is returned by Invoke when the consumer went away mid-stream.
	ErrSinkClosed = errors.New("stream sink closed")
)

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Details carries per-item problems for validation failures.
	Details any `json:"details,omitempty"`
}

type Event struct {
	InvocationID string     `json:"invocation_id"`
	Operation    string     `json:"operation"`
	Seq          int        `json:"seq"`
	Kind         Kind       `json:"kind"`
	Index        int        `json:"index,omitempty"`
	Message      string     `json:"message,omitempty"`
	Result       any        `json:"result,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	Time         time.Time  `json:"time"`
}

// KindOf maps an error onto a failure kind.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbidden):
		return FailForbidden
	case errors.Is(err, persistence.ErrValidation):
		return FailValidation
	case errors.Is(err, persistence.ErrNotFound):
		return FailNotFound
	case errors.Is(err, persistence.ErrConflict):
		return FailConflict
	case errors.Is(err, persistence.ErrStorageIO):
		return FailStorageIO
	default:
		return FailInternal
	}
}

// ErrorInfoFor builds the error payload for err.
func ErrorInfoFor(err error) *ErrorInfo {
	info := &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
	var verr *persistence.ValidationError
	if errors.As(err, &verr) {
		info.Details = verr.Problems
	}
	if errors.Is(err, context.Canceled) {
		info.Message = "invocation cancelled"
	}
	return info
}
