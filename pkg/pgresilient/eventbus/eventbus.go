// Package eventbus implements the at-most-one-subscriber-per-event
// broadcaster the Supervisor uses to announce connect/disconnect/reconnect
// and inbound notifications without holding a back-reference to its
// listeners.
package eventbus

import (
	"context"
	"sync"

	"github.com/riverstonedata/pgresilient/pkg/observability"
)

// Name identifies one of the four lifecycle events this bus carries.
type Name string

const (
	Connect      Name = "connect"
	Disconnect   Name = "disconnect"
	Reconnect    Name = "reconnect"
	Notification Name = "notification"
)

// ConnectHandler handles a connect event.
type ConnectHandler func(ctx context.Context)

// DisconnectHandler handles a disconnect event; reason may be nil.
type DisconnectHandler func(ctx context.Context, reason error)

// ReconnectHandler handles a reconnect event; reason may be nil (it carries
// the failure that triggered the reconnect, if any).
type ReconnectHandler func(ctx context.Context, reason error)

// NotificationHandler handles an inbound LISTEN/NOTIFY payload.
type NotificationHandler func(ctx context.Context, channel, payload string)

// Bus broadcasts the four lifecycle events to at most one subscriber each.
// Subscribing replaces any previous subscriber for that event name
// (spec.md §4.5/§9: "deliberate simplification; fan out downstream of the
// single subscriber rather than in the bus"). Emission is synchronous and
// never panics into the emitter: subscriber failures are recovered and
// logged.
type Bus struct {
	obs observability.Observability

	mu           sync.RWMutex
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler
	onReconnect  ReconnectHandler
	onNotify     NotificationHandler
}

// New returns an empty Bus. obs may be nil, in which case a no-op logger is
// assumed by the caller's wiring (Supervisor/Facade always pass a real one).
func New(obs observability.Observability) *Bus {
	return &Bus{obs: obs}
}

// OnConnect replaces the connect subscriber.
func (b *Bus) OnConnect(h ConnectHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = h
}

// OnDisconnect replaces the disconnect subscriber.
func (b *Bus) OnDisconnect(h DisconnectHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconnect = h
}

// OnReconnect replaces the reconnect subscriber.
func (b *Bus) OnReconnect(h ReconnectHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReconnect = h
}

// OnNotification replaces the notification subscriber.
func (b *Bus) OnNotification(h NotificationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onNotify = h
}

// EmitConnect synchronously invokes the connect subscriber, if any.
func (b *Bus) EmitConnect(ctx context.Context) {
	b.mu.RLock()
	h := b.onConnect
	b.mu.RUnlock()
	if h == nil {
		return
	}
	b.guard(ctx, "connect", func() { h(ctx) })
}

// EmitDisconnect synchronously invokes the disconnect subscriber, if any.
func (b *Bus) EmitDisconnect(ctx context.Context, reason error) {
	b.mu.RLock()
	h := b.onDisconnect
	b.mu.RUnlock()
	if h == nil {
		return
	}
	b.guard(ctx, "disconnect", func() { h(ctx, reason) })
}

// EmitReconnect synchronously invokes the reconnect subscriber, if any.
func (b *Bus) EmitReconnect(ctx context.Context, reason error) {
	b.mu.RLock()
	h := b.onReconnect
	b.mu.RUnlock()
	if h == nil {
		return
	}
	b.guard(ctx, "reconnect", func() { h(ctx, reason) })
}

// EmitNotification synchronously invokes the notification subscriber, if
// any.
func (b *Bus) EmitNotification(ctx context.Context, channel, payload string) {
	b.mu.RLock()
	h := b.onNotify
	b.mu.RUnlock()
	if h == nil {
		return
	}
	b.guard(ctx, "notification", func() { h(ctx, channel, payload) })
}

// guard runs fn, recovering and logging any panic so a misbehaving
// subscriber never takes down the Supervisor's state machine.
func (b *Bus) guard(ctx context.Context, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil && b.obs != nil {
			b.obs.Logger().Error(ctx, "eventbus: subscriber panicked",
				observability.String("event", event),
				observability.Any("recovered", r),
			)
		}
	}()
	fn()
}
