package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/riverstonedata/pgresilient/pkg/observability/noop"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/driver"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/eventbus"
)

// fakeHandle implements driver.Handle; only Exec is exercised by notify.
type fakeHandle struct {
	mu      sync.Mutex
	execErr error
	execs   []string
}

func (h *fakeHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (h *fakeHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execs = append(h.execs, sql)
	return pgconn.CommandTag{}, h.execErr
}

func (h *fakeHandle) Begin(ctx context.Context) (pgx.Tx, error) { return nil, nil }
func (h *fakeHandle) Probe(ctx context.Context) (bool, error)   { return true, nil }
func (h *fakeHandle) Release()                                  {}
func (h *fakeHandle) Close(ctx context.Context) error           { return nil }

var _ driver.Handle = (*fakeHandle)(nil)

// fakeSupervisor implements notify.Supervisor, exposing a real eventbus.Bus
// so tests can drive EmitReconnect/EmitDisconnect/EmitNotification exactly
// as the real Supervisor would.
type fakeSupervisor struct {
	bus        *eventbus.Bus
	acquireErr error
	handle     *fakeHandle
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		bus:    eventbus.New(noop.NewProvider()),
		handle: &fakeHandle{},
	}
}

func (s *fakeSupervisor) Acquire(ctx context.Context) (driver.Handle, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.handle, nil
}

func (s *fakeSupervisor) Bus() *eventbus.Bus { return s.bus }

var _ Supervisor = (*fakeSupervisor)(nil)

func TestListenIssuesListenAndInvokesOnConnect(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	connected := make(chan struct{}, 1)
	err := m.Listen(context.Background(), "orders", Callbacks{
		OnConnect: func() { connected <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("unexpected Listen error: %v", err)
	}

	select {
	case <-connected:
	default:
		t.Fatal("expected OnConnect to be invoked")
	}

	s.handle.mu.Lock()
	defer s.handle.mu.Unlock()
	if len(s.handle.execs) != 1 || s.handle.execs[0] != `LISTEN "orders"` {
		t.Fatalf("expected a quoted LISTEN statement, got %v", s.handle.execs)
	}
}

func TestListenRejectsDuplicateChannel(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	if err := m.Listen(context.Background(), "orders", Callbacks{}); err != nil {
		t.Fatalf("unexpected error on first Listen: %v", err)
	}
	if err := m.Listen(context.Background(), "orders", Callbacks{}); err == nil {
		t.Fatal("expected the second Listen on the same channel to be rejected")
	}
}

func TestListenRemovesMappingOnAcquireFailure(t *testing.T) {
	s := newFakeSupervisor()
	s.acquireErr = context.DeadlineExceeded
	m := New(s, noop.NewProvider())

	if err := m.Listen(context.Background(), "orders", Callbacks{}); err == nil {
		t.Fatal("expected Listen to fail when Acquire fails")
	}
	if subs := m.Subscriptions(); len(subs) != 0 {
		t.Fatalf("expected no surviving subscription after a failed Listen, got %v", subs)
	}
}

func TestUnlistenIssuesUnlistenAndInvokesOnDisconnect(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	disconnected := make(chan struct{}, 1)
	_ = m.Listen(context.Background(), "orders", Callbacks{
		OnDisconnect: func() { disconnected <- struct{}{} },
	})

	if err := m.Unlisten(context.Background(), "orders"); err != nil {
		t.Fatalf("unexpected Unlisten error: %v", err)
	}

	select {
	case <-disconnected:
	default:
		t.Fatal("expected OnDisconnect to be invoked")
	}

	if subs := m.Subscriptions(); len(subs) != 0 {
		t.Fatalf("expected no remaining subscriptions, got %v", subs)
	}
}

func TestUnlistenRejectsUnknownChannel(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	if err := m.Unlisten(context.Background(), "missing"); err == nil {
		t.Fatal("expected Unlisten on an unmapped channel to fail")
	}
}

func TestReconnectReissuesListenForEverySubscription(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	reconnected := make(chan struct{}, 1)
	onConnect := func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	}
	_ = m.Listen(context.Background(), "orders", Callbacks{OnConnect: onConnect})

	s.handle.mu.Lock()
	s.handle.execs = nil
	s.handle.mu.Unlock()

	s.bus.EmitReconnect(context.Background(), nil)

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("expected OnConnect to fire again on reconnect")
	}

	s.handle.mu.Lock()
	defer s.handle.mu.Unlock()
	if len(s.handle.execs) != 1 || s.handle.execs[0] != `LISTEN "orders"` {
		t.Fatalf("expected LISTEN to be reissued on reconnect, got %v", s.handle.execs)
	}
}

func TestReconnectInvokesOnErrorWhenListenFails(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	errored := make(chan error, 1)
	_ = m.Listen(context.Background(), "orders", Callbacks{
		OnError: func(err error) { errored <- err },
	})

	s.acquireErr = context.DeadlineExceeded
	s.bus.EmitReconnect(context.Background(), nil)

	select {
	case err := <-errored:
		if err == nil {
			t.Fatal("expected a non-nil error routed to OnError")
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnError to fire when LISTEN fails on reconnect")
	}

	if subs := m.Subscriptions(); len(subs) != 1 {
		t.Fatalf("expected the subscription to survive a failed re-LISTEN, got %v", subs)
	}
}

func TestDisconnectFansOutToAllSubscriptions(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	var mu sync.Mutex
	fired := map[string]bool{}
	for _, ch := range []string{"orders", "payments"} {
		ch := ch
		_ = m.Listen(context.Background(), ch, Callbacks{
			OnDisconnect: func() {
				mu.Lock()
				fired[ch] = true
				mu.Unlock()
			},
		})
	}

	s.bus.EmitDisconnect(context.Background(), nil)

	mu.Lock()
	defer mu.Unlock()
	if !fired["orders"] || !fired["payments"] {
		t.Fatalf("expected OnDisconnect to fire for every subscription, got %v", fired)
	}
}

func TestNotificationDispatchesJSONPayload(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	received := make(chan any, 1)
	_ = m.Listen(context.Background(), "orders", Callbacks{
		OnData: func(payload any) { received <- payload },
	})

	s.bus.EmitNotification(context.Background(), "orders", `{"id":42}`)

	select {
	case payload := <-received:
		obj, ok := payload.(map[string]any)
		if !ok {
			t.Fatalf("expected a decoded JSON object, got %T", payload)
		}
		if obj["id"] != float64(42) {
			t.Fatalf("expected id=42, got %v", obj["id"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnData to be invoked")
	}
}

func TestNotificationFallsBackToRawStringOnInvalidJSON(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	received := make(chan any, 1)
	_ = m.Listen(context.Background(), "orders", Callbacks{
		OnData: func(payload any) { received <- payload },
	})

	s.bus.EmitNotification(context.Background(), "orders", "not json")

	select {
	case payload := <-received:
		if payload != "not json" {
			t.Fatalf("expected the raw string fallback, got %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnData to be invoked")
	}
}

func TestNotificationDropsForUnmappedChannel(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	// No subscription registered; this must not panic or block.
	s.bus.EmitNotification(context.Background(), "orders", `{"id":1}`)
}

func TestListenRejectsAfterShutdown(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected Shutdown error: %v", err)
	}
	if err := m.Listen(context.Background(), "orders", Callbacks{}); err == nil {
		t.Fatal("expected Listen to be rejected after Shutdown")
	}
}

func TestShutdownClearsSubscriptions(t *testing.T) {
	s := newFakeSupervisor()
	m := New(s, noop.NewProvider())

	_ = m.Listen(context.Background(), "orders", Callbacks{})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected Shutdown error: %v", err)
	}
	if subs := m.Subscriptions(); len(subs) != 0 {
		t.Fatalf("expected Shutdown to clear all subscriptions, got %v", subs)
	}
}
