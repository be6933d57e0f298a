// Package rerror holds the shared error taxonomy (spec.md §7) as a leaf
// package so every layer — driver, supervisor, executor, notify, and the
// pgresilient facade itself — can raise and classify these errors without
// creating an import cycle back through the facade package.
package rerror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the taxonomy of errors this module raises (spec.md
// §7). It does not replace Go's error wrapping — every error below is also
// usable with errors.Is/errors.As.
type Kind int

const (
	// KindValidation: missing/invalid config at construction. Fatal, never retried.
	KindValidation Kind = iota
	// KindShutdown: request arrived after shutdown began. Never retried.
	KindShutdown
	// KindTransient: classified retriable by pkg/pgresilient/retriable; only
	// surfaces to the caller once retry is exhausted.
	KindTransient
	// KindDriver: any other driver error (syntax, constraint, auth).
	KindDriver
	// KindProbeTimeout: a failed connection probe — a timeout, an empty
	// result or a driver error; the wrapped cause tells them apart.
	KindProbeTimeout
	// KindAggregateShutdown: more than one subordinate shutdown failed.
	KindAggregateShutdown
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindShutdown:
		return "shutdown"
	case KindTransient:
		return "transient"
	case KindDriver:
		return "driver"
	case KindProbeTimeout:
		return "probe_timeout"
	case KindAggregateShutdown:
		return "aggregate_shutdown"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the taxonomy Kind it belongs to.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("pgresilient: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("pgresilient: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error tagging err with kind in the context of op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrShuttingDown is the sentinel underlying every KindShutdown error raised
// by acquire/execute/listen once isShuttingDown is set.
var ErrShuttingDown = errors.New("pgresilient: shutting down")

// IsShutdown reports whether err (or a wrapped cause) is the
// shutdown-in-progress error.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShuttingDown)
}

// AggregateError composes the failures of multiple subordinate shutdowns
// (QueryExecutor, TxExecutor, Supervisor) into one error, per spec.md §7
// kind 6.
type AggregateError struct {
	Failures map[string]error
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for name, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return fmt.Sprintf("pgresilient: %d shutdown failure(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// NewAggregate returns nil if failures is empty, otherwise an
// *AggregateError wrapping all of them.
func NewAggregate(failures map[string]error) error {
	if len(failures) == 0 {
		return nil
	}
	return &AggregateError{Failures: failures}
}
