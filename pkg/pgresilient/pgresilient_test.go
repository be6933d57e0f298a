package pgresilient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riverstonedata/pgresilient/pkg/observability/noop"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/config"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/driver"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/notify"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/supervisor"
)

// errFakeQueryUnsupported stands in for a driver failure: these facade
// tests only need to observe that Query reaches the driver handle, not
// that it can materialize a real pgx.Rows (which fakeHandle can't produce
// safely — pgx.CollectRows dereferences its Rows argument).
var errFakeQueryUnsupported = errors.New("fake: query not implemented")

// fakeHandle implements driver.Handle with no-op Exec/Begin, enough to
// exercise Shutdown's aggregation logic without a real connection.
type fakeHandle struct{ closeErr error }

func (h *fakeHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errFakeQueryUnsupported
}
func (h *fakeHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (h *fakeHandle) Begin(ctx context.Context) (pgx.Tx, error) { return nil, nil }
func (h *fakeHandle) Probe(ctx context.Context) (bool, error)   { return true, nil }
func (h *fakeHandle) Release()                                  {}
func (h *fakeHandle) Close(ctx context.Context) error           { return h.closeErr }

var _ driver.Handle = (*fakeHandle)(nil)

// fakeFactory implements supervisor.Factory.
type fakeFactory struct{ handle *fakeHandle }

func (f *fakeFactory) Connect(ctx context.Context) (driver.Handle, error) { return f.handle, nil }

var _ supervisor.Factory = (*fakeFactory)(nil)

func validClientCfg() config.Client {
	return config.Client{Required: config.Required{
		Host: "localhost", Port: 5432, Database: "db", User: "u", Password: "p",
	}}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	sup, err := supervisor.NewClient(validClientCfg(), &fakeFactory{handle: &fakeHandle{}}, noop.NewProvider())
	if err != nil {
		t.Fatalf("unexpected error constructing supervisor: %v", err)
	}
	return newClientFrom(sup, config.Executor{MaxAttempts: 1}, noop.NewProvider())
}

func TestClientShutdownAggregatesNoFailures(t *testing.T) {
	c := newTestClient(t)
	if err := c.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("expected a clean shutdown, got %v", err)
	}
}

func TestClientRejectsRequestsAfterShutdown(t *testing.T) {
	c := newTestClient(t)
	if err := c.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if _, err := c.Query(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected Query to fail after Shutdown")
	}
}

// fakePoolSource implements supervisor.PoolSource.
type fakePoolSource struct {
	handle      *fakeHandle
	destroyErr  error
	destroyed   bool
}

func (s *fakePoolSource) Acquire(ctx context.Context) (driver.Handle, error) { return s.handle, nil }
func (s *fakePoolSource) Probe(ctx context.Context) (bool, error)            { return true, nil }
func (s *fakePoolSource) Destroy(ctx context.Context) error {
	s.destroyed = true
	return s.destroyErr
}
func (s *fakePoolSource) Metrics() driver.PoolMetrics {
	return driver.PoolMetrics{Total: 4, Idle: 3, Active: 1, Waiting: 0}
}

var _ supervisor.PoolSource = (*fakePoolSource)(nil)

func validPoolCfg() config.Pool {
	return config.Pool{Required: config.Required{
		Host: "localhost", Port: 5432, Database: "db", User: "u", Password: "p",
	}, Min: 0, Max: 4}
}

func newTestPool(t *testing.T) (*Pool, *fakePoolSource) {
	t.Helper()
	source := &fakePoolSource{handle: &fakeHandle{}}
	sup, err := supervisor.NewPool(validPoolCfg(), source, noop.NewProvider())
	if err != nil {
		t.Fatalf("unexpected error constructing pool supervisor: %v", err)
	}
	return newPoolFrom(sup, config.Executor{MaxAttempts: 1}, noop.NewProvider()), source
}

func TestPoolShutdownDestroysSource(t *testing.T) {
	p, source := newTestPool(t)
	if err := p.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("expected a clean shutdown, got %v", err)
	}
	if !source.destroyed {
		t.Fatal("expected Shutdown to destroy the pool source")
	}
}

func TestPoolMetricsDelegatesToSource(t *testing.T) {
	p, _ := newTestPool(t)
	m := p.Metrics()
	if m.Total != 4 || m.Idle != 3 || m.Active != 1 {
		t.Fatalf("unexpected metrics snapshot: %+v", m)
	}
}

func TestPoolCollectorReportsMetricsAsGauges(t *testing.T) {
	p, _ := newTestPool(t)
	collector := p.Collector()

	descs := make(chan *prometheus.Desc, 8)
	collector.Describe(descs)
	close(descs)
	if len(descs) != 4 {
		t.Fatalf("expected 4 descriptors (total/idle/active/waiting), got %d", len(descs))
	}

	metrics := make(chan prometheus.Metric, 8)
	collector.Collect(metrics)
	close(metrics)
	if len(metrics) != 4 {
		t.Fatalf("expected 4 metrics, got %d", len(metrics))
	}
}

func newNotificationTestClient(t *testing.T, opts ...NotificationClientOption) *NotificationClient {
	t.Helper()
	sup, err := supervisor.NewClient(validClientCfg(), &fakeFactory{handle: &fakeHandle{}}, noop.NewProvider())
	if err != nil {
		t.Fatalf("unexpected error constructing supervisor: %v", err)
	}
	var options notificationClientOptions
	for _, opt := range opts {
		opt(&options)
	}
	return newNotificationClientFrom(sup, noop.NewProvider(), options)
}

func TestNotificationClientQueryFailsWithoutExecutor(t *testing.T) {
	n := newNotificationTestClient(t)
	if _, err := n.Query(context.Background(), "SELECT 1"); !errors.Is(err, errNoQueryExecutor) {
		t.Fatalf("expected errNoQueryExecutor, got %v", err)
	}
}

func TestNotificationClientQueryDelegatesToExecutor(t *testing.T) {
	n := newNotificationTestClient(t, WithQueryExecutor(config.Executor{MaxAttempts: 1}))
	_, err := n.Query(context.Background(), "SELECT 1")
	if err == nil {
		t.Fatal("expected the fake driver's query error to surface")
	}
	if errors.Is(err, errNoQueryExecutor) {
		t.Fatal("expected the request to reach the QueryExecutor, not fail the no-executor check")
	}
}

func TestNotificationClientListenAndUnlisten(t *testing.T) {
	n := newNotificationTestClient(t)
	if err := n.Listen(context.Background(), "orders", notify.Callbacks{}); err != nil {
		t.Fatalf("unexpected Listen error: %v", err)
	}
	if err := n.Unlisten(context.Background(), "orders"); err != nil {
		t.Fatalf("unexpected Unlisten error: %v", err)
	}
}

func TestNotificationClientShutdownAggregatesNoFailures(t *testing.T) {
	n := newNotificationTestClient(t, WithQueryExecutor(config.Executor{MaxAttempts: 1}))
	if err := n.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("expected a clean shutdown, got %v", err)
	}
}
