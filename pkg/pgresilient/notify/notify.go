// Package notify implements the NotificationManager (spec.md §4.9): a
// durable LISTEN/NOTIFY subscription set that survives Supervisor
// reconnects and demultiplexes inbound payloads to per-channel callbacks.
// Scoped to the single-connection Supervisor only, per spec.md's explicit
// resolution of the "NotificationManager also runs queries" ambiguity.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/riverstonedata/pgresilient/pkg/observability"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/driver"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/eventbus"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/rerror"
)

// Supervisor is the minimal surface NotificationManager needs: acquire a
// handle to issue LISTEN/UNLISTEN, and the lifecycle EventBus to observe
// reconnect/disconnect/notification.
type Supervisor interface {
	Acquire(ctx context.Context) (driver.Handle, error)
	Bus() *eventbus.Bus
}

// Callbacks is a subscription's bundle of handlers, invoked outside any
// internal lock (spec.md §5/§9's callback-isolation requirement).
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnData       func(payload any)
	OnError      func(err error)
}

// Manager maintains the channel -> Callbacks mapping and wires itself onto
// the Supervisor's EventBus at construction: this claims the bus's single
// reconnect/disconnect/notification subscriber slots for the lifetime of
// the Manager (spec.md §4.5's at-most-one-subscriber-per-event).
type Manager struct {
	supervisor Supervisor
	obs        observability.Observability

	mu   sync.Mutex
	subs map[string]Callbacks

	shuttingDown atomic.Bool
}

// New constructs a Manager bound to supervisor and subscribes it to the
// reconnect/disconnect/notification events.
func New(supervisor Supervisor, obs observability.Observability) *Manager {
	m := &Manager{
		supervisor: supervisor,
		obs:        obs,
		subs:       make(map[string]Callbacks),
	}

	bus := supervisor.Bus()
	bus.OnReconnect(func(ctx context.Context, reason error) { m.handleReconnect(ctx) })
	bus.OnDisconnect(func(ctx context.Context, reason error) { m.handleDisconnect(ctx) })
	bus.OnNotification(func(ctx context.Context, channel, payload string) {
		m.handleNotification(ctx, channel, payload)
	})

	return m
}

var errAlreadyListening = fmt.Errorf("notify: channel already has a subscription")
var errNotListening = fmt.Errorf("notify: channel has no subscription")

// Listen subscribes cb to channel, issuing LISTEN "channel" against a
// freshly acquired handle (spec.md §4.9). Rejects if shutting down or if
// channel is already mapped.
func (m *Manager) Listen(ctx context.Context, channel string, cb Callbacks) error {
	if m.shuttingDown.Load() {
		return rerror.New(rerror.KindShutdown, "notify.Listen", rerror.ErrShuttingDown)
	}

	m.mu.Lock()
	if _, exists := m.subs[channel]; exists {
		m.mu.Unlock()
		return rerror.New(rerror.KindValidation, "notify.Listen", errAlreadyListening)
	}
	m.subs[channel] = cb
	m.mu.Unlock()

	if err := m.issueListen(ctx, channel); err != nil {
		m.mu.Lock()
		delete(m.subs, channel)
		m.mu.Unlock()
		return rerror.New(rerror.KindDriver, "notify.Listen", err)
	}

	m.guard(ctx, channel, "onConnect", cb.OnConnect)
	return nil
}

// Unlisten removes channel's subscription, best-effort issuing UNLISTEN
// (failures are logged and swallowed: the subscription is already
// considered dropped from the caller's point of view, per spec.md §4.9).
func (m *Manager) Unlisten(ctx context.Context, channel string) error {
	m.mu.Lock()
	cb, exists := m.subs[channel]
	if !exists {
		m.mu.Unlock()
		return rerror.New(rerror.KindValidation, "notify.Unlisten", errNotListening)
	}
	delete(m.subs, channel)
	m.mu.Unlock()

	if err := m.issueUnlisten(ctx, channel); err != nil {
		m.obs.Logger().Warn(ctx, "notify: UNLISTEN failed, subscription already dropped",
			observability.String("channel", channel), observability.Error(err))
	}

	m.guard(ctx, channel, "onDisconnect", cb.OnDisconnect)
	return nil
}

func (m *Manager) issueListen(ctx context.Context, channel string) error {
	h, err := m.supervisor.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	_, err = h.Exec(ctx, fmt.Sprintf(`LISTEN %s`, quoteIdentifier(channel)))
	return err
}

func (m *Manager) issueUnlisten(ctx context.Context, channel string) error {
	h, err := m.supervisor.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	_, err = h.Exec(ctx, fmt.Sprintf(`UNLISTEN %s`, quoteIdentifier(channel)))
	return err
}

// quoteIdentifier double-quotes channel to preserve case sensitivity, per
// spec.md §6: channel names are always double-quoted in emitted SQL.
func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

// handleReconnect re-issues LISTEN for every subscription in map iteration
// order; a per-channel failure invokes that subscription's OnError but does
// not stop the rest (spec.md §4.9).
func (m *Manager) handleReconnect(ctx context.Context) {
	m.mu.Lock()
	channels := make([]string, 0, len(m.subs))
	for ch := range m.subs {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, channel := range channels {
		m.mu.Lock()
		cb, exists := m.subs[channel]
		m.mu.Unlock()
		if !exists {
			continue
		}

		if err := m.issueListen(ctx, channel); err != nil {
			m.invokeError(ctx, channel, cb.OnError, err)
			continue
		}
		m.guard(ctx, channel, "onConnect", cb.OnConnect)
	}
}

// handleDisconnect invokes every subscription's OnDisconnect; callback
// panics are swallowed, per spec.md §4.9.
func (m *Manager) handleDisconnect(ctx context.Context) {
	m.mu.Lock()
	callbacks := make([]Callbacks, 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		m.guard(ctx, "", "onDisconnect", cb.OnDisconnect)
	}
}

// handleNotification looks up channel's subscription and dispatches
// payload, parsing it as JSON first and falling back to the raw string
// (spec.md §4.9/L1).
func (m *Manager) handleNotification(ctx context.Context, channel, payload string) {
	if payload == "" {
		return
	}

	m.mu.Lock()
	cb, exists := m.subs[channel]
	m.mu.Unlock()
	if !exists {
		return
	}

	var parsed any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		parsed = payload
	}

	if cb.OnData == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("notify: onData callback panicked: %v", r)
			m.obs.Logger().Error(ctx, "notify: onData callback panicked",
				observability.String("channel", channel), observability.Any("recovered", r))
			m.invokeError(ctx, channel, cb.OnError, err)
		}
	}()
	cb.OnData(parsed)
}

// guard invokes fn under the given label (if non-nil), recovering and
// merely logging any panic: onConnect/onDisconnect failures have nowhere
// to be routed (spec.md §4.9/§9's "a failing onDisconnect is merely
// logged" — applied uniformly to onConnect too).
func (m *Manager) guard(ctx context.Context, channel, label string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.obs.Logger().Error(ctx, "notify: callback panicked",
				observability.String("channel", channel), observability.String("callback", label),
				observability.Any("recovered", r))
		}
	}()
	fn()
}

// invokeError calls onError(err) if non-nil, recovering any panic from
// within onError itself (merely logged — there's nowhere further to route
// it).
func (m *Manager) invokeError(ctx context.Context, channel string, onError func(error), err error) {
	if onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.obs.Logger().Error(ctx, "notify: onError callback panicked",
				observability.String("channel", channel), observability.Any("recovered", r))
		}
	}()
	onError(err)
}

// Subscriptions reports the currently-subscribed channel names, for tests
// and diagnostics.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.subs))
	for ch := range m.subs {
		names = append(names, ch)
	}
	return names
}

// Shutdown marks shuttingDown and clears the subscription map. Supervisor
// teardown is the Facade's responsibility (spec.md §4.10 composes
// NotificationManager's shutdown alongside the Supervisor's, rather than
// the Manager reaching into a Supervisor it doesn't own).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)
	m.mu.Lock()
	m.subs = make(map[string]Callbacks)
	m.mu.Unlock()
	return nil
}
