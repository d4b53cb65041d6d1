// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

// NotFoundError reports a referenced document that does not exist.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.Collection, e.ID)
}

// ValidationError reports a missing field or an out-of-enum value. It is
// returned before any write happens.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// ParseError reports model output that is not valid JSON after fence stripping.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransientIOError wraps a failed store, bus or LLM call that may succeed on retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// permanentError marks an error that must not be redelivered.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}

// IsPermanent reports whether err can never succeed on redelivery.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return IsNotFound(err) || IsValidation(err)
}

// Transient wraps err as a TransientIOError for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}
