package errs

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks. The typed errors below all unwrap to one of
// these, so callers can branch on kind without losing the context fields.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrNoMatch      = errors.New("no matching entity")
	ErrInvalidState = errors.New("invalid state transition")
	ErrOutOfOrder   = errors.New("out of order")
	ErrTimeout      = errors.New("operation timed out")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("reference does not resolve: %s", e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(ref string) error {
	return &NotFoundError{Ref: ref}
}

type NoMatchError struct {
	MentionRef string
	Key        string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no entity matches mention %s (key %q)", e.MentionRef, e.Key)
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatch }

// InvalidStateError reports an illegal transition, carrying both the state the
// caller expected and the state actually stored.
type InvalidStateError struct {
	Subject  string
	Expected string
	Actual   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: expected state %q, actual %q", e.Subject, e.Expected, e.Actual)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

func InvalidState(subject, expected, actual string) error {
	return &InvalidStateError{Subject: subject, Expected: expected, Actual: actual}
}

type OutOfOrderError struct {
	WorkflowID string
	LastStep   int
	GotStep    int
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("workflow %s cannot rewind from step %d to step %d", e.WorkflowID, e.LastStep, e.GotStep)
}

func (e *OutOfOrderError) Unwrap() error { return ErrOutOfOrder }

type TimeoutError struct {
	Store string
	Op    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s exceeded deadline", e.Store, e.Op)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
