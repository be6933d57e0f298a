package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/riverstonedata/pgresilient/pkg/observability"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/backoffpolicy"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/config"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/driver"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/eventbus"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/gate"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/probe"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/rerror"
)

// Factory creates fresh driver handles for the single-connection
// Supervisor's connect/reconnect loop (spec.md §9's "create" capability).
type Factory interface {
	Connect(ctx context.Context) (driver.Handle, error)
}

// ErrNoHandle is returned by Acquire if the Gate let a waiter through but
// the handle was torn down in the interim (should not normally be
// observable, since closing the Gate always accompanies clearing handle).
var ErrNoHandle = errors.New("supervisor: no active handle")

// Client is the single-connection Supervisor: owns one driver handle for
// its entire Ready lifetime, drives the state machine in spec.md §4.6, and
// gates request admission through a gate.Gate.
type Client struct {
	id      string
	cfg     config.Client
	factory Factory
	obs     observability.Observability
	bus     *eventbus.Bus
	gate    *gate.Gate
	backoff *backoffpolicy.Policy

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	// mu guards every field below, including the shuttingDown/reconnecting
	// flags: the decision to spawn the reconnect goroutine (wg.Add) and the
	// decision to mark shutdown must serialize on the same lock, or wg.Add
	// could race with Shutdown's wg.Wait (sync.WaitGroup requires every
	// Add(1) that starts from zero to happen-before the matching Wait).
	mu             sync.Mutex
	state          State
	handle         driver.Handle
	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
	shuttingDown   bool
	reconnecting   bool
}

func (c *Client) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// NewClient validates cfg, performs the initial Idle -> Connecting -> Ready
// transition synchronously, and returns a Ready Client. Per spec.md §4.6,
// initial connect failure is fatal; Go's idiomatic equivalent of "propagate
// to the host so it fails fast on startup" is simply returning the error
// from the constructor instead of panicking a detached goroutine.
func NewClient(cfg config.Client, factory Factory, obs observability.Observability) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, rerror.New(rerror.KindValidation, "supervisor.NewClient", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	c := &Client{
		id:         uuid.NewString(),
		cfg:        cfg,
		factory:    factory,
		obs:        obs,
		bus:        eventbus.New(obs),
		gate:       gate.New(),
		backoff:    backoffpolicy.New(10*time.Second, 500*time.Millisecond),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		state:      Idle,
	}

	if err := c.connect(rootCtx); err != nil {
		rootCancel()
		return nil, err
	}
	return c, nil
}

// ID returns the instance's UUID, attached to the still-alive,
// reconnect-aborted and destroy-failed log lines.
func (c *Client) ID() string { return c.id }

// Bus returns the lifecycle EventBus — NotificationManager and host code
// subscribe to connect/disconnect/reconnect/notification through it.
func (c *Client) Bus() *eventbus.Bus { return c.bus }

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connect runs Idle -> Connecting -> Ready once, used only at construction.
func (c *Client) connect(ctx context.Context) error {
	c.setState(Connecting)

	h, err := c.factory.Connect(ctx)
	if err != nil {
		return rerror.New(rerror.KindDriver, "supervisor.connect", err)
	}
	if perr := probe.Run(ctx, h, probe.DefaultTimeout); perr != nil {
		_ = h.Close(ctx)
		return rerror.New(rerror.KindProbeTimeout, "supervisor.connect", perr)
	}

	c.mu.Lock()
	c.handle = h
	c.state = Ready
	c.mu.Unlock()

	c.startWatchdog(h)
	c.gate.Open()
	c.bus.EmitConnect(ctx)
	return nil
}

// Acquire returns the live handle once it is safe to use: it rejects
// immediately if shutdown has begun, otherwise waits on the Gate and
// re-checks shutdown before handing the handle back (spec.md §4.6).
func (c *Client) Acquire(ctx context.Context) (driver.Handle, error) {
	if c.isShuttingDown() {
		return nil, rerror.New(rerror.KindShutdown, "supervisor.Acquire", rerror.ErrShuttingDown)
	}

	if err := c.gate.Wait(ctx); err != nil {
		return nil, rerror.New(rerror.KindShutdown, "supervisor.Acquire", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return nil, rerror.New(rerror.KindShutdown, "supervisor.Acquire", rerror.ErrShuttingDown)
	}
	if c.handle == nil {
		return nil, rerror.New(rerror.KindDriver, "supervisor.Acquire", ErrNoHandle)
	}
	return c.handle, nil
}

// ReportError is the entry point for anything that observes the live
// handle going bad: the watchdog goroutine (single-connection) or, in the
// pooled Supervisor's case, the QueryTracer. It implements verifyOrReconnect
// from spec.md §4.6: probe the current handle first, and only start a full
// reconnect if that probe also fails.
func (c *Client) ReportError(cause error) {
	c.mu.Lock()
	if c.shuttingDown || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	h := c.handle
	c.mu.Unlock()

	ctx := context.Background()

	if h != nil {
		if perr := probe.Run(ctx, h, probe.DefaultTimeout); perr == nil {
			c.obs.Logger().Info(ctx, "supervisor: connection still alive after error signal",
				observability.String("id", c.id), observability.Error(cause))
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
	}

	c.setState(Reconnecting)
	c.gate.Close(nil)
	c.bus.EmitDisconnect(ctx, cause)

	// Re-check shuttingDown and perform wg.Add in the same critical section
	// as Shutdown's shuttingDown=true set, so Add can never race Wait.
	c.mu.Lock()
	if c.shuttingDown {
		c.reconnecting = false
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.reconnectLoop()
	}()
}

// reconnectLoop implements spec.md §4.6's reconnect loop: unbounded
// attempts, bounded jittered backoff between them, unless shutdown
// intervenes. It drives itself with backoff.Retry over c.backoff exactly as
// the teacher's rabbitmq connection manager drives AMQP reconnection.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	attempt := 0
	operation := func() error {
		attempt++
		c.teardownStaleHandle()

		h, err := c.factory.Connect(c.rootCtx)
		if err != nil {
			c.obs.Logger().Warn(c.rootCtx, "supervisor: reconnect dial failed",
				observability.Int("attempt", attempt), observability.Error(err))
			return err
		}

		if perr := probe.Run(c.rootCtx, h, probe.DefaultTimeout); perr != nil {
			_ = h.Close(c.rootCtx)
			c.obs.Logger().Warn(c.rootCtx, "supervisor: reconnect probe failed",
				observability.Int("attempt", attempt), observability.Error(perr))
			return perr
		}

		c.mu.Lock()
		c.handle = h
		c.state = Ready
		c.mu.Unlock()

		c.startWatchdog(h)
		c.gate.Open()
		c.bus.EmitReconnect(context.Background(), nil)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoff, c.rootCtx)); err != nil {
		c.obs.Logger().Error(c.rootCtx, "supervisor: reconnect loop aborted",
			observability.String("id", c.id), observability.Error(err))
	}
}

func (c *Client) teardownStaleHandle() {
	c.stopWatchdog()
	c.mu.Lock()
	stale := c.handle
	c.handle = nil
	c.mu.Unlock()
	if stale != nil {
		_ = stale.Close(context.Background())
	}
}

// startWatchdog blocks on Watchable.WaitForNotification in a dedicated
// goroutine: every inbound NOTIFY is forwarded to the EventBus, and a
// returned error (not caused by our own cancellation) is routed to
// ReportError, since pgx exposes no separate async error/end event.
func (c *Client) startWatchdog(h driver.Handle) {
	wn, ok := h.(driver.Watchable)
	if !ok {
		return
	}

	wctx, cancel := context.WithCancel(c.rootCtx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		cancel()
		return
	}
	c.watchdogCancel = cancel
	c.watchdogDone = done
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(done)
		for {
			n, err := wn.WaitForNotification(wctx)
			if err != nil {
				if wctx.Err() != nil {
					return
				}
				c.ReportError(err)
				return
			}
			if n != nil {
				c.bus.EmitNotification(context.Background(), n.Channel, n.Payload)
			}
		}
	}()
}

func (c *Client) stopWatchdog() {
	c.mu.Lock()
	cancel := c.watchdogCancel
	done := c.watchdogDone
	c.watchdogCancel = nil
	c.watchdogDone = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Shutdown marks isShuttingDown, emits disconnect, closes the Gate with a
// shutdown reason (failing all current waiters), cancels any in-flight
// reconnect attempt, and destroys the handle. Idempotent; always succeeds
// from the caller's point of view (spec.md §4.6) — destroy failures are
// logged, not raised.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	c.mu.Unlock()

	c.setState(Destroying)
	c.bus.EmitDisconnect(ctx, rerror.ErrShuttingDown)
	c.gate.Close(rerror.ErrShuttingDown)
	c.rootCancel()
	c.wg.Wait()

	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h != nil {
		if err := h.Close(context.Background()); err != nil {
			c.obs.Logger().Error(ctx, "supervisor: destroy failed",
				observability.String("id", c.id), observability.Error(err))
		}
	}

	c.setState(ShutDown)
	return nil
}
