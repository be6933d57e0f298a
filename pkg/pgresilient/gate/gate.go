// Package gate implements the readiness barrier every other component in
// pgresilient waits on before touching the underlying connection.
package gate

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Wait when a waiter is released but finds the gate
// neither open nor carrying a close reason. A Close with no reason does not
// release waiters.
var ErrClosed = errors.New("gate: closed")

// Gate is a single-shot, reusable readiness barrier. It starts closed. While
// closed, callers calling Wait park until the gate opens or is closed with a
// reason, in which case they fail with that reason. Opening releases every
// current waiter and re-arms the gate for the next close/open cycle.
//
// A Gate must not be copied after first use.
type Gate struct {
	mu       sync.Mutex
	open     bool
	waiters  int
	release  chan struct{}
	reason   error
}

// New returns a Gate in the closed state.
func New() *Gate {
	return &Gate{release: make(chan struct{})}
}

// Open releases all current waiters and marks the gate ready. It is
// idempotent: opening an already-open gate is a no-op and returns 0.
// Returns the number of waiters that were released.
func (g *Gate) Open() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open {
		return 0
	}

	released := g.waiters
	g.open = true
	g.waiters = 0
	g.reason = nil
	close(g.release)
	g.release = make(chan struct{})
	return released
}

// Close marks the gate not-ready. With no reason, current waiters are left
// parked — they carry over to the next Open. With a reason, every current
// waiter fails immediately with that reason, and the gate stays closed for
// anyone arriving afterwards until the next Open.
//
// Close is idempotent on an already-closed, waiter-less gate.
func (g *Gate) Close(reason error) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasOpen := g.open
	g.open = false

	if reason == nil {
		// Silent close: waiters already registered stay registered; a
		// fresh release channel isn't needed because nothing completes.
		if wasOpen {
			// The previous release channel was already closed by Open;
			// arm a new one so future Wait calls actually park.
			g.release = make(chan struct{})
		}
		return 0
	}

	failed := g.waiters
	g.waiters = 0
	g.reason = reason
	close(g.release)
	g.release = make(chan struct{})
	return failed
}

// Wait blocks until the gate is open, ctx is done, or the gate is closed
// with a reason. It returns nil once the gate is open.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}

	release := g.release
	g.waiters++
	g.mu.Unlock()

	select {
	case <-release:
		g.mu.Lock()
		reason := g.reason
		open := g.open
		g.mu.Unlock()
		if open {
			return nil
		}
		if reason != nil {
			return reason
		}
		return ErrClosed
	case <-ctx.Done():
		g.mu.Lock()
		// Only decrement if we're still attached to the same release
		// cycle; otherwise Open/Close already accounted for us.
		if g.release == release {
			g.waiters--
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// IsOpen reports whether the gate currently admits callers without waiting.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Waiters reports the number of callers currently parked on Wait. Intended
// for tests and metrics, not for control flow.
func (g *Gate) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters
}
