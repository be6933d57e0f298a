package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/riverstonedata/pgresilient/pkg/observability"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/backoffpolicy"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/config"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/rerror"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/retriable"
)

// Statement is one member of a TxExecutor batch.
type Statement struct {
	SQL  string
	Args []any
}

// TxExecutor retries a BEGIN/COMMIT/ROLLBACK-bracketed batch of statements
// as a unit (spec.md §4.8): the whole batch re-runs on retry, partial
// re-execution is not supported.
type TxExecutor struct {
	supervisor  Supervisor
	obs         observability.Observability
	maxAttempts int
	backoff     *backoffpolicy.Policy

	activeRequests atomic.Int64
	shuttingDown   atomic.Bool
}

// NewTxExecutor constructs a TxExecutor with the same retry/shutdown
// skeleton as QueryExecutor.
func NewTxExecutor(cfg config.Executor, supervisor Supervisor, obs observability.Observability) *TxExecutor {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &TxExecutor{
		supervisor:  supervisor,
		obs:         obs,
		maxAttempts: maxAttempts,
		backoff:     backoffpolicy.New(retryMaxDelay, retryMaxJitter),
	}
}

// ActiveRequests reports the current in-flight count.
func (e *TxExecutor) ActiveRequests() int64 { return e.activeRequests.Load() }

// Execute runs stmts as a single transaction, retrying the whole batch up
// to maxAttempts times on a retriable error.
func (e *TxExecutor) Execute(ctx context.Context, stmts []Statement) ([][]Row, error) {
	if e.shuttingDown.Load() {
		return nil, rerror.New(rerror.KindShutdown, "executor.Execute", rerror.ErrShuttingDown)
	}

	e.activeRequests.Add(1)
	defer e.activeRequests.Add(-1)

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		results, err := e.attempt(ctx, stmts)
		if err == nil {
			return results, nil
		}

		lastErr = err
		if attempt == e.maxAttempts || !retriable.IsRetriable(err) {
			return nil, rerror.New(classify(err), "executor.Execute", err)
		}

		e.obs.Logger().Warn(ctx, "executor: transient transaction failure, retrying",
			observability.Int("attempt", attempt), observability.Error(err))

		select {
		case <-time.After(e.backoff.Delay(attempt)):
		case <-ctx.Done():
			return nil, rerror.New(rerror.KindDriver, "executor.Execute", ctx.Err())
		}
	}

	return nil, rerror.New(classify(lastErr), "executor.Execute", lastErr)
}

func (e *TxExecutor) attempt(ctx context.Context, stmts []Statement) ([][]Row, error) {
	h, err := e.supervisor.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	tx, err := h.Begin(ctx)
	if err != nil {
		return nil, err
	}

	results := make([][]Row, 0, len(stmts))
	for _, stmt := range stmts {
		rows, qerr := tx.Query(ctx, stmt.SQL, stmt.Args...)
		if qerr != nil {
			e.rollback(ctx, tx)
			return nil, qerr
		}
		collected, cerr := pgx.CollectRows(rows, pgx.RowToMap)
		if cerr != nil {
			e.rollback(ctx, tx)
			return nil, cerr
		}
		results = append(results, collected)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// rollback attempts ROLLBACK, logging and swallowing any failure — the
// original statement error is what gets surfaced/retried (spec.md §4.8).
func (e *TxExecutor) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		e.obs.Logger().Warn(ctx, "executor: rollback failed", observability.Error(err))
	}
}

// Shutdown marks shuttingDown and polls ActiveRequests at 1s intervals
// until it reaches 0 or timeout elapses.
func (e *TxExecutor) Shutdown(ctx context.Context, timeout time.Duration) error {
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
