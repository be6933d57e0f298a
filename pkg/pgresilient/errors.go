package pgresilient

import "github.com/riverstonedata/pgresilient/pkg/pgresilient/rerror"

// Kind, Error and the rest of the error taxonomy (spec.md §7) live in
// pkg/pgresilient/rerror so every layer (driver, supervisor, executor,
// notify) can depend on them without importing this facade package back.
// These aliases keep the taxonomy on the public pgresilient.* surface.
type (
	Kind           = rerror.Kind
	Error          = rerror.Error
	AggregateError = rerror.AggregateError
)

const (
	KindValidation        = rerror.KindValidation
	KindShutdown          = rerror.KindShutdown
	KindTransient         = rerror.KindTransient
	KindDriver            = rerror.KindDriver
	KindProbeTimeout      = rerror.KindProbeTimeout
	KindAggregateShutdown = rerror.KindAggregateShutdown
)

// ErrShuttingDown is the sentinel underlying every KindShutdown error.
var ErrShuttingDown = rerror.ErrShuttingDown

// NewError constructs an *Error tagging err with kind in the context of op.
func NewError(kind Kind, op string, err error) *Error { return rerror.New(kind, op, err) }

// IsShutdownError reports whether err (or a wrapped cause) is the
// shutdown-in-progress error.
func IsShutdownError(err error) bool { return rerror.IsShutdown(err) }

// NewAggregateError returns nil if failures is empty, otherwise an
// *AggregateError wrapping all of them.
func NewAggregateError(failures map[string]error) error { return rerror.NewAggregate(failures) }
