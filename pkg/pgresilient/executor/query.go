// Package executor implements the retrying request executors (spec.md
// §4.7/§4.8) that sit between the Facade and a Supervisor: QueryExecutor
// for single statements, TxExecutor for BEGIN/COMMIT/ROLLBACK-bracketed
// batches. Both share the same retry skeleton and shutdown-quiescence
// protocol, grounded on the teacher's rabbitmq consumer's retry-with-backoff
// loop (pkg/messaging/rabbitmq/consumer.go).
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/riverstonedata/pgresilient/pkg/observability"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/backoffpolicy"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/config"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/driver"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/rerror"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/retriable"
)

// errTimeoutWithCount reports how many requests were still in flight when
// the shutdown quiescence timeout elapsed.
func errTimeoutWithCount(remaining int64) error {
	return fmt.Errorf("executor: %d request(s) still in flight at shutdown timeout", remaining)
}

// Supervisor is the minimal surface both supervisor.Client and
// supervisor.Pool satisfy; declared locally so this package does not
// import the supervisor package and tests can supply a fake.
type Supervisor interface {
	Acquire(ctx context.Context) (driver.Handle, error)
}

// Row is a single result row, keyed by column name — pgx.RowToMap's shape,
// chosen so a retried/released handle never leaves a live streaming
// pgx.Rows cursor dangling past the point of release (spec.md's "return
// rows" assumes rows are already materialized by the time execute returns).
type Row map[string]any

// retryMaxDelay/retryMaxJitter are the executor retry loop's backoff bounds
// (spec.md open question: exponential schedule, maxDelay=15s/maxJitter=500ms,
// distinct from the Supervisor reconnect loop's 10s/500ms).
const (
	retryMaxDelay  = 15 * time.Second
	retryMaxJitter = 500 * time.Millisecond
)

// QueryExecutor retries a single statement across Supervisor reconnects,
// classifying failures with retriable.IsRetriable (spec.md §4.7).
type QueryExecutor struct {
	supervisor  Supervisor
	obs         observability.Observability
	maxAttempts int
	backoff     *backoffpolicy.Policy

	activeRequests atomic.Int64
	shuttingDown   atomic.Bool
}

// NewQueryExecutor constructs a QueryExecutor. cfg.MaxAttempts is floored at
// 1 by config.Executor.Normalize, which callers are expected to have
// already called (mirrors config.LoadExecutor's contract).
func NewQueryExecutor(cfg config.Executor, supervisor Supervisor, obs observability.Observability) *QueryExecutor {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &QueryExecutor{
		supervisor:  supervisor,
		obs:         obs,
		maxAttempts: maxAttempts,
		backoff:     backoffpolicy.New(retryMaxDelay, retryMaxJitter),
	}
}

// ActiveRequests reports the current in-flight count, for tests and metrics.
func (e *QueryExecutor) ActiveRequests() int64 { return e.activeRequests.Load() }

// Execute runs sql against a Supervisor-acquired handle, retrying up to
// maxAttempts times on a retriable error (spec.md §4.7).
func (e *QueryExecutor) Execute(ctx context.Context, sql string, args ...any) ([]Row, error) {
	if e.shuttingDown.Load() {
		return nil, rerror.New(rerror.KindShutdown, "executor.Execute", rerror.ErrShuttingDown)
	}

	e.activeRequests.Add(1)
	defer e.activeRequests.Add(-1)

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		rows, err := e.attempt(ctx, sql, args)
		if err == nil {
			return rows, nil
		}

		lastErr = err
		if attempt == e.maxAttempts || !retriable.IsRetriable(err) {
			return nil, rerror.New(classify(err), "executor.Execute", err)
		}

		e.obs.Logger().Warn(ctx, "executor: transient query failure, retrying",
			observability.Int("attempt", attempt), observability.Error(err))

		select {
		case <-time.After(e.backoff.Delay(attempt)):
		case <-ctx.Done():
			return nil, rerror.New(rerror.KindDriver, "executor.Execute", ctx.Err())
		}
	}

	return nil, rerror.New(classify(lastErr), "executor.Execute", lastErr)
}

func (e *QueryExecutor) attempt(ctx context.Context, sql string, args []any) ([]Row, error) {
	h, err := e.supervisor.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	rows, err := h.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

func classify(err error) rerror.Kind {
	if retriable.IsRetriable(err) {
		return rerror.KindTransient
	}
	return rerror.KindDriver
}

// Shutdown marks shuttingDown and polls ActiveRequests at 1s intervals
// until it reaches 0 or timeout elapses (spec.md §4.7's shutdown
// quiescence protocol).
func (e *QueryExecutor) Shutdown(ctx context.Context, timeout time.Duration) error {
	e.shuttingDown.Store(true)

	deadline := time.Now().Add(timeout)
	last := e.activeRequests.Load()
	e.obs.Logger().Info(ctx, "executor: shutdown quiescence starting",
		observability.Int64("activeRequests", last))

	for {
		current := e.activeRequests.Load()
		if current == 0 {
			e.obs.Logger().Info(ctx, "executor: shutdown quiescence complete")
			return nil
		}
		if current != last {
			e.obs.Logger().Info(ctx, "executor: shutdown quiescence progress",
				observability.Int64("activeRequests", current))
			last = current
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return rerror.New(rerror.KindShutdown, "executor.Shutdown",
				errTimeoutWithCount(current))
		}
		sleep := time.Second
		if remaining < sleep {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}
