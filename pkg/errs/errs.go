// Package errs provides the error taxonomy shared across the service:
// validation failures, missing records, transient infrastructure faults
// and persistence failures, with helpers to classify wrapped errors.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed input batch. The batch is rejected
// wholesale; nothing is persisted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validation creates a ValidationError with a formatted reason.
func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports a lookup by id with no match.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound creates a NotFoundError for the given kind and id.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransientInfraError marks cache-layer or broker unavailability.
// Read paths degrade to the source of truth instead of surfacing these.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientInfraError for the named operation.
func Transient(op string, err error) error {
	return &TransientInfraError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientInfraError.
func IsTransient(err error) bool {
	var te *TransientInfraError
	return errors.As(err, &te)
}

// PersistenceError marks a document-store write failure. Surfaced to the
// caller on the synchronous path; on the queued path it feeds the
// broker's retry machinery.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError for the named operation.
func Persistence(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
