// Package probe implements the bounded-timeout liveness check every
// Supervisor runs after connecting and before declaring itself reconnected.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// statement is the literal probe query issued against the driver, per
// spec.md §4.4/§6. It is never parameterized and never changes.
const statement = "SELECT 1"

// ErrTimeout is returned when the probe's timer elapses before the driver
// responds.
var ErrTimeout = errors.New("probe: timed out waiting for response")

// ErrNoRows is returned when the driver answers within the timeout but the
// probe statement produced no rows, which should never happen for
// "SELECT 1" against a live server and therefore signals a broken handle.
var ErrNoRows = errors.New("probe: no rows returned")

// Querier is the minimal surface probe needs from a connection handle: run
// the literal probe statement and report whether at least one row came
// back. Concrete driver adapters (pkg/pgresilient/driver) implement this
// over *pgx.Conn / *pgxpool.Conn.
type Querier interface {
	Probe(ctx context.Context) (hasRow bool, err error)
}

// DefaultTimeout is the probe's hard timeout, per spec.md §4.4/§5/B4.
const DefaultTimeout = 10 * time.Second

// Run executes the probe statement against q, racing it against timeout (0
// means DefaultTimeout). The timer is always cancelled before Run returns,
// on every exit path.
func Run(ctx context.Context, q Querier, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		hasRow bool
		err    error
	}
	done := make(chan result, 1)

	go func() {
		hasRow, err := q.Probe(probeCtx)
		done <- result{hasRow: hasRow, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("probe %q: %w", statement, res.err)
		}
		if !res.hasRow {
			return ErrNoRows
		}
		return nil
	case <-probeCtx.Done():
		return ErrTimeout
	}
}

// Statement exposes the literal probe SQL for logging and tests.
func Statement() string { return statement }
