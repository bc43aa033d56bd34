// Package errs classifies the error taxonomy used throughout the relayer
// core (spec §7): transport, continuity, validation, dust, insufficient
// funds, configuration and database errors. Call sites branch on these
// with errors.As/errors.Is instead of string matching.
package errs

import (
	"errors"
	"fmt"
)

// Class identifies which branch of the error taxonomy an error belongs to.
type Class int

const (
	// ClassTransport covers RPC timeouts, network errors and rate limiting.
	// Always retried locally with backoff; never fatal.
	ClassTransport Class = iota
	// ClassContinuity covers gaps and invalid continuations detected by the
	// indexer. Handled by local cursor rollback.
	ClassContinuity
	// ClassValidation covers malformed messages, metadata or recipients.
	// The offending item is dropped; the pipeline continues.
	ClassValidation
	// ClassDust covers below-threshold UTXO outputs. The output is dropped,
	// the batch is not failed.
	ClassDust
	// ClassInsufficientFunds covers gas/fee shortfalls. Operations are
	// re-evaluated on the next cycle.
	ClassInsufficientFunds
	// ClassConfig covers configuration errors. Fatal at startup.
	ClassConfig
	// ClassDatabase covers storage errors. Fatal: exactly-once delivery
	// cannot be guaranteed without a working database.
	ClassDatabase
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassContinuity:
		return "continuity"
	case ClassValidation:
		return "validation"
	case ClassDust:
		return "dust"
	case ClassInsufficientFunds:
		return "insufficient_funds"
	case ClassConfig:
		return "config"
	case ClassDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this class should propagate to the
// supervisor rather than being retried locally.
func (c Class) Fatal() bool {
	return c == ClassConfig || c == ClassDatabase
}

// Error wraps an underlying error with a taxonomy class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given class and operation label. Returns nil if
// err is nil.
func New(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// Transport is a convenience constructor for the most common case.
func Transport(op string, err error) error { return New(ClassTransport, op, err) }

// Database is a convenience constructor for fatal database errors.
func Database(op string, err error) error { return New(ClassDatabase, op, err) }

// Config is a convenience constructor for fatal configuration errors.
func Config(op string, err error) error { return New(ClassConfig, op, err) }

// ClassOf extracts the Class of err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return 0, false
}
