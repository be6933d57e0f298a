package supervisor

import (
	"context"
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

// PoolSource is the resource factory the pooled Supervisor depends on:
// acquire/probe/destroy plus a metrics snapshot (spec.md §9's "a resource
// factory with three capabilities: create, probe, destroy", specialized to
// the pooled shape where "create" is "acquire a checked-out connection").
// *driver.PoolFactory satisfies this structurally.
type PoolSource interface {
	Acquire(ctx context.Context) (driver.Handle, error)
	Probe(ctx context.Context) (bool, error)
	Destroy(ctx context.Context) error
	Metrics() driver.PoolMetrics
}

// Pool is the pooled Supervisor: every Acquire checks a fresh handle out of
// the underlying driver pool rather than reusing one long-lived handle, but
// otherwise drives the same state machine as Client (spec.md §4.6's "pool
// variant differences").
type Pool struct {
	id      string
	cfg     config.Pool
	source  PoolSource
	obs     observability.Observability
	bus     *eventbus.Bus
	gate    *gate.Gate
	backoff *backoffpolicy.Policy

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	// mu guards every field below; see Client's equivalent comment for why
	// the wg.Add happens-before-Wait ordering requires this.
	mu           sync.Mutex
	state        State
	shuttingDown bool
	reconnecting bool
}

// NewPool validates cfg (spec.md §6's min>=0, max>=2, min<=max plus
// required-field checks), performs the initial probe synchronously, and
// returns a Ready Pool.
func NewPool(cfg config.Pool, source PoolSource, obs observability.Observability) (*Pool, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, rerror.New(rerror.KindValidation, "supervisor.NewPool", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	p := &Pool{
		id:         uuid.NewString(),
		cfg:        cfg,
		source:     source,
		obs:        obs,
		bus:        eventbus.New(obs),
		gate:       gate.New(),
		backoff:    backoffpolicy.New(10*time.Second, 500*time.Millisecond),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		state:      Idle,
	}

	if err := p.verify(rootCtx); err != nil {
		rootCancel()
		return nil, err
	}

	p.setState(Ready)
	p.gate.Open()
	p.bus.EmitConnect(rootCtx)
	return p, nil
}

// ID returns the instance's UUID.
func (p *Pool) ID() string { return p.id }

// Bus returns the lifecycle EventBus.
func (p *Pool) Bus() *eventbus.Bus { return p.bus }

// State reports the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pool) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shuttingDown
}

// verify probes the pool directly (acquire+probe+release in one round
// trip), per spec.md §4.6's "pool verification probes via the pool".
func (p *Pool) verify(ctx context.Context) error {
	if ok, err := p.source.Probe(ctx); err != nil || !ok {
		if err == nil {
			err = probe.ErrNoRows
		}
		return rerror.New(rerror.KindProbeTimeout, "supervisor.verify", err)
	}
	return nil
}

// Acquire checks a fresh handle out of the pool, per spec.md §4.6: reject
// immediately if shutting down, otherwise wait on the Gate then check out.
func (p *Pool) Acquire(ctx context.Context) (driver.Handle, error) {
	if p.isShuttingDown() {
		return nil, rerror.New(rerror.KindShutdown, "supervisor.Acquire", rerror.ErrShuttingDown)
	}

	if err := p.gate.Wait(ctx); err != nil {
		return nil, rerror.New(rerror.KindShutdown, "supervisor.Acquire", err)
	}

	if p.isShuttingDown() {
		return nil, rerror.New(rerror.KindShutdown, "supervisor.Acquire", rerror.ErrShuttingDown)
	}

	h, err := p.source.Acquire(ctx)
	if err != nil {
		return nil, rerror.New(rerror.KindDriver, "supervisor.Acquire", err)
	}
	return h, nil
}

// Metrics reports {total, idle, active, waiting}, sampled from the driver
// pool (spec.md §4.6, pool-only).
func (p *Pool) Metrics() driver.PoolMetrics {
	return p.source.Metrics()
}

// ReportError is the entry point for the retriable query failures the
// driver's QueryTracer observes on pooled connections; pgxpool's pool-level
// and connection-removal events are not observed. Since a pooled connection is
// checked out fresh per request, verification here re-probes the pool as a
// whole rather than any single stale handle.
func (p *Pool) ReportError(cause error) {
	p.mu.Lock()
	if p.shuttingDown || p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	ctx := context.Background()

	if err := p.verify(ctx); err == nil {
		p.obs.Logger().Info(ctx, "supervisor(pool): still alive after error signal",
			observability.String("id", p.id), observability.Error(cause))
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
		return
	}

	p.setState(Reconnecting)
	p.gate.Close(nil)
	p.bus.EmitDisconnect(ctx, cause)

	p.mu.Lock()
	if p.shuttingDown {
		p.reconnecting = false
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.reconnectLoop()
	}()
}

// reconnectLoop re-probes the pool with backoff until it recovers or
// shutdown intervenes. Unlike Client, there is no single stale handle to
// tear down — the pool itself manages its member connections' lifetimes.
func (p *Pool) reconnectLoop() {
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	attempt := 0
	operation := func() error {
		attempt++
		if err := p.verify(p.rootCtx); err != nil {
			p.obs.Logger().Warn(p.rootCtx, "supervisor(pool): reconnect probe failed",
				observability.Int("attempt", attempt), observability.Error(err))
			return err
		}

		p.setState(Ready)
		p.gate.Open()
		p.bus.EmitReconnect(context.Background(), nil)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(p.backoff, p.rootCtx)); err != nil {
		p.obs.Logger().Error(p.rootCtx, "supervisor(pool): reconnect loop aborted",
			observability.String("id", p.id), observability.Error(err))
	}
}

// Shutdown marks shuttingDown, emits disconnect, closes the Gate with a
// shutdown reason, cancels any in-flight reconnect attempt, and destroys
// the pool. Idempotent; always succeeds from the caller's point of view.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	p.mu.Unlock()

	p.setState(Destroying)
	p.bus.EmitDisconnect(ctx, rerror.ErrShuttingDown)
	p.gate.Close(rerror.ErrShuttingDown)
	p.rootCancel()
	p.wg.Wait()

	if err := p.source.Destroy(context.Background()); err != nil {
		p.obs.Logger().Error(ctx, "supervisor(pool): destroy failed",
			observability.String("id", p.id), observability.Error(err))
	}

	p.setState(ShutDown)
	return nil
}

var _ PoolSource = (*driver.PoolFactory)(nil)
