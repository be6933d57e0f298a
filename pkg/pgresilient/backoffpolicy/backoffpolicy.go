// Package backoffpolicy computes the bounded, jittered delay schedule used
// between reconnect and retry attempts. It exposes a Delay(attempt)
// function, whose bound depends only on the attempt number and whose jitter
// is random, and also satisfies github.com/cenkalti/backoff/v4's BackOff
// interface. The Supervisor's reconnect loop drives itself with
// backoff.Retry the same way pkg/messaging/rabbitmq/connection.go drives
// AMQP reconnection in the teacher repo; the Executors' retry loop calls
// Delay directly.
package backoffpolicy

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential, bounded, jittered backoff schedule:
//
//	delay(attempt) = min(Base * 2^(attempt-1), MaxDelay) + uniform(0, MaxJitter)
//
// Attempt numbering starts at 1. Delay keeps no state and is safe for
// concurrent use; NextBackOff and Reset update an internal attempt counter
// (needed to satisfy backoff.BackOff) without synchronization.
type Policy struct {
	Base      time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration

	attempt int
}

// New constructs a Policy. Base defaults to 1s, MaxDelay and MaxJitter must
// be supplied by the caller per component (reconnect uses 10s/500ms,
// executor retry uses 15s/500ms, per spec.md §4.6/§4.7).
func New(maxDelay, maxJitter time.Duration) *Policy {
	return &Policy{Base: time.Second, MaxDelay: maxDelay, MaxJitter: maxJitter}
}

// Delay returns the bounded, jittered delay for the given attempt (>= 1).
// It never exceeds MaxDelay+MaxJitter (spec invariant B2).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := p.Base
	if base <= 0 {
		base = time.Second
	}

	// 2^(attempt-1), capped early to avoid overflow for large attempt counts.
	shift := attempt - 1
	if shift > 32 {
		shift = 32
	}
	scaled := base * time.Duration(uint64(1)<<uint(shift))

	delay := scaled
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.MaxJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(p.MaxJitter) + 1))
	}

	return delay
}

// NextBackOff implements backoff.BackOff: it advances the internal attempt
// counter and returns Delay(attempt). It never returns backoff.Stop — the
// reconnect loop stops on shutdown through the context it passes to
// backoff.Retry.
func (p *Policy) NextBackOff() time.Duration {
	p.attempt++
	return p.Delay(p.attempt)
}

// Reset restarts the attempt counter, as required by backoff.BackOff.
func (p *Policy) Reset() {
	p.attempt = 0
}

var _ backoff.BackOff = (*Policy)(nil)
