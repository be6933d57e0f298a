package driver

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/riverstonedata/pgresilient/pkg/pgresilient/retriable"
)

// errorTracer is a pgx.QueryTracer that watches every query a pooled
// connection runs and reports connection-level failures to the pooled
// Supervisor, which has no other way to observe a checked-in connection
// going bad between checkouts. Grounded on the teacher's otelTracer
// (pkg/database/pgxpool_manager/manager.go), repurposed from span emission
// to failure detection.
type errorTracer struct {
	onConnError func(err error)
}

func newErrorTracer(onConnError func(err error)) pgx.QueryTracer {
	return &errorTracer{onConnError: onConnError}
}

func (t *errorTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return ctx
}

// TraceQueryEnd forwards the query's error to onConnError when it looks
// like a connection-level failure rather than a query-level one (syntax
// errors, constraint violations, etc. are not connection failures and must
// not trigger a reconnect).
func (t *errorTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err == nil || t.onConnError == nil {
		return
	}
	if retriable.IsRetriable(data.Err) {
		t.onConnError(data.Err)
	}
}

var _ pgx.QueryTracer = (*errorTracer)(nil)
