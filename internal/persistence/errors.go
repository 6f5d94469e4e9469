package persistence

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Callers classify with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStorageIO  = errors.New("storage i/o error")

	// ErrNoChange is returned by an Update callback to skip the write.
	ErrNoChange = errors.New("no change")
)

// FieldError describes one invalid input. Item is the zero-based position in
// a batch, or -1 for request-level fields.
type FieldError struct {
	Item    int    `json:"item"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Item < 0 {
		return fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return fmt.Sprintf("tasks[%d].%s: %s", f.Item, f.Field, f.Message)
}

// ValidationError lists every problem found in one request. It unwraps to
// ErrValidation.
type ValidationError struct {
	Problems []FieldError `json:"problems"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(item int, field, msg string) {
	e.Problems = append(e.Problems, FieldError{Item: item, Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Problems: []FieldError{{Item: -1, Field: field, Message: msg}}}
}

// ioError marks a filesystem failure as ErrStorageIO while keeping the cause
// reachable for errors.Is/As.
type ioError struct {
	op  string
	err error
}

func (e *ioError) Error() string   { return e.op + ": " + e.err.Error() }
func (e *ioError) Unwrap() []error { return []error{ErrStorageIO, e.err} }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *ioError
	if errors.As(err, &already) {
		return err
	}
	return &ioError{op: op, err: err}
}
