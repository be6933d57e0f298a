// Package driver binds the Supervisor's abstract "connection handle" to
// the concrete pgx/v5 wire driver, for both the single-connection and
// pooled shapes described in spec.md §9 ("a resource factory with three
// capabilities: create, probe, destroy").
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riverstonedata/pgresilient/pkg/pgresilient/probe"
)

// Handle is the minimal surface QueryExecutor/TxExecutor/NotificationManager
// need from a live connection, regardless of whether it is backed by a bare
// *pgx.Conn or a checked-out *pgxpool.Conn. It satisfies probe.Querier.
type Handle interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Probe(ctx context.Context) (hasRow bool, err error)

	// Release returns a pooled handle to its pool. For a single-connection
	// handle this is a no-op: the same handle is reused by every caller.
	Release()

	// Close tears the handle down entirely. Only the Supervisor that
	// created the handle may call this.
	Close(ctx context.Context) error
}

// Watchable is implemented by handles that can double as their own
// liveness/notification signal (the single-connection ConnHandle). The
// pooled PoolHandle does not implement it — the pooled Supervisor relies
// on the QueryTracer in tracer.go instead — so callers type-assert for it.
type Watchable interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

func probeHandle(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}) (bool, error) {
	var one int
	if err := q.QueryRow(ctx, probe.Statement()).Scan(&one); err != nil {
		return false, err
	}
	return true, nil
}

// ConnHandle wraps a single *pgx.Conn for the single-connection Supervisor.
// Release is a no-op; Close actually closes the wire connection.
type ConnHandle struct {
	Conn *pgx.Conn
}

// NewConnHandle wraps an already-dialed *pgx.Conn.
func NewConnHandle(conn *pgx.Conn) *ConnHandle {
	return &ConnHandle{Conn: conn}
}

func (h *ConnHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.Conn.Query(ctx, sql, args...)
}

func (h *ConnHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return h.Conn.Exec(ctx, sql, args...)
}

func (h *ConnHandle) Begin(ctx context.Context) (pgx.Tx, error) {
	return h.Conn.Begin(ctx)
}

func (h *ConnHandle) Probe(ctx context.Context) (bool, error) {
	return probeHandle(ctx, h.Conn)
}

// Release is a no-op: the single-connection handle is owned by the
// Supervisor for its entire Ready lifetime, never checked in/out.
func (h *ConnHandle) Release() {}

func (h *ConnHandle) Close(ctx context.Context) error {
	return h.Conn.Close(ctx)
}

// WaitForNotification blocks until the next inbound NOTIFY, an async error,
// or ctx cancellation. A returned error (other than ctx cancellation) means
// the connection ended or errored — this doubles as the liveness signal the
// single-connection Supervisor's watchdog goroutine depends on, since pgx
// does not expose a separate async error/end event.
func (h *ConnHandle) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return h.Conn.WaitForNotification(ctx)
}

// ConnFactory dials fresh *pgx.Conn handles for the single-connection
// Supervisor's connect/reconnect loop.
type ConnFactory struct {
	DSN string
}

// NewConnFactory builds a factory bound to dsn.
func NewConnFactory(dsn string) *ConnFactory {
	return &ConnFactory{DSN: dsn}
}

// Connect dials a new connection and wraps it in a ConnHandle, returned as
// the Handle interface so callers depend on the abstraction rather than the
// concrete type.
func (f *ConnFactory) Connect(ctx context.Context) (Handle, error) {
	conn, err := pgx.Connect(ctx, f.DSN)
	if err != nil {
		return nil, fmt.Errorf("driver: connect: %w", err)
	}
	return NewConnHandle(conn), nil
}

// PoolHandle wraps a checked-out *pgxpool.Conn for the pooled Supervisor.
// Release returns it to the pool; Close releases and then lets the pool
// reclaim the underlying connection (pgxpool has no direct per-conn close).
type PoolHandle struct {
	Conn *pgxpool.Conn
}

// NewPoolHandle wraps an already-acquired *pgxpool.Conn.
func NewPoolHandle(conn *pgxpool.Conn) *PoolHandle {
	return &PoolHandle{Conn: conn}
}

func (h *PoolHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.Conn.Query(ctx, sql, args...)
}

func (h *PoolHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return h.Conn.Exec(ctx, sql, args...)
}

func (h *PoolHandle) Begin(ctx context.Context) (pgx.Tx, error) {
	return h.Conn.Begin(ctx)
}

func (h *PoolHandle) Probe(ctx context.Context) (bool, error) {
	return probeHandle(ctx, h.Conn)
}

// Release checks the underlying connection back into the pool. Safe to call
// at most once per acquisition; QueryExecutor/TxExecutor call it exactly
// once per attempt per spec.md §4.7.
func (h *PoolHandle) Release() {
	h.Conn.Release()
}

// Close releases the handle back to the pool; the pool itself owns the
// physical connection's lifetime from here.
func (h *PoolHandle) Close(ctx context.Context) error {
	h.Conn.Release()
	return nil
}

var (
	_ Handle = (*ConnHandle)(nil)
	_ Handle = (*PoolHandle)(nil)
)

// PoolFactory wraps a *pgxpool.Pool for the pooled Supervisor's
// acquire/probe/destroy capabilities.
type PoolFactory struct {
	Pool *pgxpool.Pool
}

// PoolTuning carries the subset of pgxpool.Config the Supervisor's
// construction validation (spec.md §4.6/§6) cares about.
type PoolTuning struct {
	MinConns        int32
	MaxConns        int32
	ConnectTimeout  int64 // milliseconds
	IdleTimeout     int64 // milliseconds
	MaxConnLifetime int64 // seconds
	OnConnError     func(err error)
}

func msToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
func secToDuration(s int64) time.Duration { return time.Duration(s) * time.Second }

// NewPoolFactory parses dsn, applies tuning, installs the error-reporting
// QueryTracer (see tracer.go), and opens the pool. It does not probe
// connectivity — the Supervisor's own initial probe does that.
func NewPoolFactory(ctx context.Context, dsn string, tuning PoolTuning) (*PoolFactory, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("driver: parse pool dsn: %w", err)
	}

	cfg.MinConns = tuning.MinConns
	cfg.MaxConns = tuning.MaxConns
	if tuning.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = msToDuration(tuning.ConnectTimeout)
	}
	if tuning.IdleTimeout > 0 {
		cfg.MaxConnIdleTime = msToDuration(tuning.IdleTimeout)
	}
	if tuning.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = secToDuration(tuning.MaxConnLifetime)
	}

	if tuning.OnConnError != nil {
		cfg.ConnConfig.Tracer = newErrorTracer(tuning.OnConnError)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("driver: open pool: %w", err)
	}

	return &PoolFactory{Pool: pool}, nil
}

// Acquire checks a connection out of the pool, returned as the Handle
// interface so callers depend on the abstraction rather than the concrete
// type.
func (f *PoolFactory) Acquire(ctx context.Context) (Handle, error) {
	conn, err := f.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("driver: acquire: %w", err)
	}
	return NewPoolHandle(conn), nil
}

// Probe acquires, probes, and releases a connection in one round trip — the
// pooled-mode probe path spec.md §4.6 describes ("pool verification probes
// via the pool, causing it to check out, probe, and return a client").
func (f *PoolFactory) Probe(ctx context.Context) (bool, error) {
	h, err := f.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer h.Release()
	return h.Probe(ctx)
}

// Destroy closes the pool and all its member connections.
func (f *PoolFactory) Destroy(context.Context) error {
	f.Pool.Close()
	return nil
}

// Stat reports the driver's live pool statistics for Supervisor.metrics().
func (f *PoolFactory) Stat() *pgxpool.Stat {
	return f.Pool.Stat()
}

// PoolMetrics is spec.md §4.6's pool-only {total, idle, active, waiting}
// snapshot, decoupled from pgxpool.Stat's concrete type so the pooled
// Supervisor can be exercised against a fake PoolSource in tests.
type PoolMetrics struct {
	Total   int32
	Idle    int32
	Active  int32
	Waiting int32
}

// Metrics samples the pool's live statistics. Waiting is reported as 0:
// pgxpool.Stat exposes a cumulative EmptyAcquireCount, not an instantaneous
// count of acquirers currently parked, so there is no faithful value to
// report here.
func (f *PoolFactory) Metrics() PoolMetrics {
	s := f.Pool.Stat()
	return PoolMetrics{
		Total:  s.TotalConns(),
		Idle:   s.IdleConns(),
		Active: s.AcquiredConns(),
	}
}
