// Package pgresilient is the public facade (spec.md §4.10): thin
// aggregations of a Supervisor plus the Executors/NotificationManager that
// sit on top of it, with orchestrated shutdown across all of them.
package pgresilient

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/riverstonedata/pgresilient/pkg/observability"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/config"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/driver"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/eventbus"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/executor"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/notify"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/rerror"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/supervisor"
)

// Client aggregates the single-connection Supervisor with a QueryExecutor
// and a TxExecutor (spec.md §4.10).
type Client struct {
	supervisor *supervisor.Client
	query      *executor.QueryExecutor
	tx         *executor.TxExecutor
}

// NewClient dials dsn through a single long-lived connection, supervised
// and retried per spec.md §4.6/§4.7/§4.8.
func NewClient(cfg config.Client, execCfg config.Executor, dsn string, obs observability.Observability) (*Client, error) {
	sup, err := supervisor.NewClient(cfg, driver.NewConnFactory(dsn), obs)
	if err != nil {
		return nil, err
	}
	return newClientFrom(sup, execCfg, obs), nil
}

// newClientFrom composes a Client around an already-constructed Supervisor,
// letting tests substitute a fake supervisor.Factory without dialing a real
// connection.
func newClientFrom(sup *supervisor.Client, execCfg config.Executor, obs observability.Observability) *Client {
	execCfg.Normalize()
	return &Client{
		supervisor: sup,
		query:      executor.NewQueryExecutor(execCfg, sup, obs),
		tx:         executor.NewTxExecutor(execCfg, sup, obs),
	}
}

// ID returns the underlying Supervisor's instance ID.
func (c *Client) ID() string { return c.supervisor.ID() }

// Bus returns the lifecycle EventBus for host code/NotificationManager to
// subscribe to.
func (c *Client) Bus() *eventbus.Bus { return c.supervisor.Bus() }

// State reports the Supervisor's current lifecycle state.
func (c *Client) State() supervisor.State { return c.supervisor.State() }

// Query executes sql once (with internal retry on transient failure),
// returning the materialized result rows.
func (c *Client) Query(ctx context.Context, sql string, args ...any) ([]executor.Row, error) {
	return c.query.Execute(ctx, sql, args...)
}

// Transaction runs stmts as a single retried BEGIN/COMMIT/ROLLBACK batch.
func (c *Client) Transaction(ctx context.Context, stmts []executor.Statement) ([][]executor.Row, error) {
	return c.tx.Execute(ctx, stmts)
}

// Shutdown runs the QueryExecutor's and TxExecutor's quiescence shutdown,
// then the Supervisor's, collecting every failure into one aggregate error
// (spec.md §4.10/§7 kind 6).
func (c *Client) Shutdown(ctx context.Context, timeout time.Duration) error {
	failures := map[string]error{}

	if err := c.query.Shutdown(ctx, timeout); err != nil {
		failures["query"] = err
	}
	if err := c.tx.Shutdown(ctx, timeout); err != nil {
		failures["tx"] = err
	}
	if err := c.supervisor.Shutdown(ctx); err != nil {
		failures["supervisor"] = err
	}

	return rerror.NewAggregate(failures)
}

// Pool aggregates the pooled Supervisor with a QueryExecutor and a
// TxExecutor (spec.md §4.10).
type Pool struct {
	supervisor *supervisor.Pool
	query      *executor.QueryExecutor
	tx         *executor.TxExecutor
}

// NewPool opens a pgxpool against dsn, tuned by cfg, supervised and retried
// per spec.md §4.6/§4.7/§4.8.
func NewPool(ctx context.Context, cfg config.Pool, execCfg config.Executor, dsn string, obs observability.Observability) (*Pool, error) {
	execCfg.Normalize()
	cfg.Normalize()

	// reportErr is nil until the Supervisor exists; the tracer installed
	// below can fire during NewPoolFactory/NewPool's own initial probe,
	// before there's a Supervisor.ReportError to forward to — that probe
	// failure is already returned as this function's error, so it's safe
	// to just drop the report in that window.
	var reportErr func(error)
	factory, err := driver.NewPoolFactory(ctx, dsn, driver.PoolTuning{
		MinConns:        cfg.Min,
		MaxConns:        cfg.Max,
		ConnectTimeout:  cfg.ConnectTimeoutMS,
		IdleTimeout:     cfg.IdleTimeoutMS,
		MaxConnLifetime: cfg.MaxLifetimeSec,
		OnConnError: func(err error) {
			if reportErr != nil {
				reportErr(err)
			}
		},
	})
	if err != nil {
		return nil, rerror.New(rerror.KindDriver, "pgresilient.NewPool", err)
	}

	sup, err := supervisor.NewPool(cfg, factory, obs)
	if err != nil {
		return nil, err
	}
	reportErr = sup.ReportError

	return newPoolFrom(sup, execCfg, obs), nil
}

// newPoolFrom composes a Pool around an already-constructed Supervisor,
// letting tests substitute a fake supervisor.PoolSource.
func newPoolFrom(sup *supervisor.Pool, execCfg config.Executor, obs observability.Observability) *Pool {
	execCfg.Normalize()
	return &Pool{
		supervisor: sup,
		query:      executor.NewQueryExecutor(execCfg, sup, obs),
		tx:         executor.NewTxExecutor(execCfg, sup, obs),
	}
}

// ID returns the underlying Supervisor's instance ID.
func (p *Pool) ID() string { return p.supervisor.ID() }

// Bus returns the lifecycle EventBus.
func (p *Pool) Bus() *eventbus.Bus { return p.supervisor.Bus() }

// State reports the Supervisor's current lifecycle state.
func (p *Pool) State() supervisor.State { return p.supervisor.State() }

// Metrics reports the live pool statistics (spec.md §4.6, pool-only).
func (p *Pool) Metrics() driver.PoolMetrics { return p.supervisor.Metrics() }

// Collector returns a prometheus.Collector exposing Metrics() as four
// gauges (total/idle/active/waiting), for hosts that already run a
// prometheus/client_golang registry (SPEC_FULL.md §5's supplemented
// health/metrics surface).
func (p *Pool) Collector() prometheus.Collector { return newPoolCollector(p) }

// Query executes sql once against a fresh pooled connection.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) ([]executor.Row, error) {
	return p.query.Execute(ctx, sql, args...)
}

// Transaction runs stmts as a single retried BEGIN/COMMIT/ROLLBACK batch.
func (p *Pool) Transaction(ctx context.Context, stmts []executor.Statement) ([][]executor.Row, error) {
	return p.tx.Execute(ctx, stmts)
}

// Shutdown runs the QueryExecutor's and TxExecutor's quiescence shutdown,
// then the Supervisor's, collecting every failure into one aggregate error.
func (p *Pool) Shutdown(ctx context.Context, timeout time.Duration) error {
	failures := map[string]error{}

	if err := p.query.Shutdown(ctx, timeout); err != nil {
		failures["query"] = err
	}
	if err := p.tx.Shutdown(ctx, timeout); err != nil {
		failures["tx"] = err
	}
	if err := p.supervisor.Shutdown(ctx); err != nil {
		failures["supervisor"] = err
	}

	return rerror.NewAggregate(failures)
}

// errNoQueryExecutor is returned by NotificationClient.Query when the
// client was constructed without WithQueryExecutor.
var errNoQueryExecutor = errors.New("pgresilient: NotificationClient has no QueryExecutor, construct with WithQueryExecutor")

// NotificationClient aggregates the single-connection Supervisor with a
// NotificationManager and, optionally, a QueryExecutor — per spec.md §9's
// resolution, NotificationManager never runs queries itself; a caller that
// needs both composes them here (spec.md §4.10/SPEC_FULL.md §6).
type NotificationClient struct {
	supervisor *supervisor.Client
	notify     *notify.Manager
	query      *executor.QueryExecutor
}

// NotificationClientOption configures optional NotificationClient features.
type NotificationClientOption func(*notificationClientOptions)

type notificationClientOptions struct {
	withQuery bool
	execCfg   config.Executor
}

// WithQueryExecutor attaches a QueryExecutor alongside the
// NotificationManager, for callers that need both LISTEN/NOTIFY and plain
// queries over the same connection.
func WithQueryExecutor(execCfg config.Executor) NotificationClientOption {
	return func(o *notificationClientOptions) {
		o.withQuery = true
		o.execCfg = execCfg
	}
}

// NewNotificationClient dials dsn through a single long-lived connection
// dedicated to LISTEN/NOTIFY.
func NewNotificationClient(cfg config.Client, dsn string, obs observability.Observability, opts ...NotificationClientOption) (*NotificationClient, error) {
	var options notificationClientOptions
	for _, opt := range opts {
		opt(&options)
	}

	sup, err := supervisor.NewClient(cfg, driver.NewConnFactory(dsn), obs)
	if err != nil {
		return nil, err
	}
	return newNotificationClientFrom(sup, obs, options), nil
}

// newNotificationClientFrom composes a NotificationClient around an
// already-constructed Supervisor, letting tests substitute a fake
// supervisor.Factory.
func newNotificationClientFrom(sup *supervisor.Client, obs observability.Observability, options notificationClientOptions) *NotificationClient {
	nc := &NotificationClient{
		supervisor: sup,
		notify:     notify.New(sup, obs),
	}
	if options.withQuery {
		options.execCfg.Normalize()
		nc.query = executor.NewQueryExecutor(options.execCfg, sup, obs)
	}
	return nc
}

// ID returns the underlying Supervisor's instance ID.
func (n *NotificationClient) ID() string { return n.supervisor.ID() }

// State reports the Supervisor's current lifecycle state.
func (n *NotificationClient) State() supervisor.State { return n.supervisor.State() }

// Listen subscribes cb to channel (spec.md §4.9).
func (n *NotificationClient) Listen(ctx context.Context, channel string, cb notify.Callbacks) error {
	return n.notify.Listen(ctx, channel, cb)
}

// Unlisten removes channel's subscription.
func (n *NotificationClient) Unlisten(ctx context.Context, channel string) error {
	return n.notify.Unlisten(ctx, channel)
}

// Query executes sql once, if this NotificationClient was constructed with
// WithQueryExecutor; otherwise it returns a validation error.
func (n *NotificationClient) Query(ctx context.Context, sql string, args ...any) ([]executor.Row, error) {
	if n.query == nil {
		return nil, rerror.New(rerror.KindValidation, "pgresilient.NotificationClient.Query", errNoQueryExecutor)
	}
	return n.query.Execute(ctx, sql, args...)
}

// Shutdown flags the NotificationManager as shutting down, optionally
// drains the attached QueryExecutor, then shuts down the Supervisor,
// aggregating any failures.
func (n *NotificationClient) Shutdown(ctx context.Context, timeout time.Duration) error {
	failures := map[string]error{}

	if err := n.notify.Shutdown(ctx); err != nil {
		failures["notify"] = err
	}
	if n.query != nil {
		if err := n.query.Shutdown(ctx, timeout); err != nil {
			failures["query"] = err
		}
	}
	if err := n.supervisor.Shutdown(ctx); err != nil {
		failures["supervisor"] = err
	}

	return rerror.NewAggregate(failures)
}
