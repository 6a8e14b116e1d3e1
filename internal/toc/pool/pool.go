// Package pool implements the Resource Pool: a bounded set of browser
// session handles, acquired and released with timeouts, FIFO-fair among
// waiters, and aware of idle eviction and driver-fatal destruction. The
// FIFO waiter-queue-over-a-buffered-channel idiom follows the teacher's
// eventThrottler channel-based gating in internal/browser/session_manager.go.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/types"
)

// Factory creates a new BrowserCapability-backed session on demand.
type Factory func(ctx context.Context) (types.BrowserCapability, error)

// Handle is an opaque lease on one browser session. Release must be called
// exactly once; the pool makes it idempotent for callers that defer it
// after an explicit release.
type Handle struct {
	pool    *Pool
	session types.BrowserCapability
	entry   *entry
	mu      sync.Mutex
	released bool
}

// Session returns the leased BrowserCapability.
func (h *Handle) Session() types.BrowserCapability { return h.session }

// Release returns the session to the idle set. Idempotent.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.pool.release(h.entry)
}

// Destroy marks the underlying session as driver_fatal: it is closed and
// removed from the pool rather than returned to the idle set.
func (h *Handle) Destroy(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.pool.destroy(ctx, h.entry)
}

type entry struct {
	session  types.BrowserCapability
	lastUsed time.Time
}

// Pool hands out up to N concurrent browser sessions.
type Pool struct {
	maxSize    int
	idleTTL    time.Duration
	factory    Factory
	clock      clock.Clock

	mu       sync.Mutex
	idle     *list.List // of *entry
	active   int
	waiters  *list.List // of chan *entry
	shutdown bool
}

// Config controls Pool sizing and eviction policy.
type Config struct {
	MaxSessions int
	IdleTTL     time.Duration
}

// New builds a Pool of at most cfg.MaxSessions concurrent sessions, created
// on demand by factory.
func New(cfg Config, factory Factory, clk clock.Clock) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	return &Pool{
		maxSize: cfg.MaxSessions,
		idleTTL: cfg.IdleTTL,
		factory: factory,
		clock:   clk,
		idle:    list.New(),
		waiters: list.New(),
	}
}

// Acquire returns a Handle within timeout, or ResourceExhausted if none
// becomes free in time, or ResourceUnavailable if the pool is shutting
// down.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, types.NewError(types.ErrResourceUnavailable, "pool is shutting down")
	}

	p.evictIdleLocked()

	if e := p.popIdleLocked(); e != nil {
		p.active++
		p.mu.Unlock()
		return &Handle{pool: p, session: e.session, entry: e}, nil
	}

	if p.active < p.maxSize {
		p.active++
		p.mu.Unlock()
		session, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return nil, types.WrapError(types.ErrResourceUnavailable, err)
		}
		e := &entry{session: session, lastUsed: p.clock.Now()}
		return &Handle{pool: p, session: e.session, entry: e}, nil
	}

	// Pool saturated: join the FIFO waiter queue.
	ch := make(chan *entry, 1)
	elem := p.waiters.PushBack(ch)
	p.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case e, ok := <-ch:
		if !ok {
			return nil, types.NewError(types.ErrResourceUnavailable, "pool is shutting down")
		}
		return &Handle{pool: p, session: e.session, entry: e}, nil
	case <-timeoutCh:
		p.mu.Lock()
		p.removeWaiterLocked(elem)
		p.mu.Unlock()
		return nil, types.NewError(types.ErrResourceExhausted, "no session free within timeout")
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiterLocked(elem)
		p.mu.Unlock()
		return nil, types.WrapError(types.ErrResourceExhausted, ctx.Err())
	}
}

func (p *Pool) removeWaiterLocked(elem *list.Element) {
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			return
		}
	}
}

// release returns e to the idle set or hands it directly to the oldest
// waiter, preserving FIFO fairness and avoiding starvation.
func (p *Pool) release(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.lastUsed = p.clock.Now()
	p.active--

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		p.active++
		ch := front.Value.(chan *entry)
		ch <- e
		return
	}

	if !p.shutdown {
		p.idle.PushBack(e)
	} else {
		_ = e.session.Close(context.Background())
	}
}

// destroy closes the session without returning it to the idle set, per the
// driver_fatal policy.
func (p *Pool) destroy(ctx context.Context, e *entry) {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	_ = e.session.Close(ctx)
}

func (p *Pool) popIdleLocked() *entry {
	front := p.idle.Front()
	if front == nil {
		return nil
	}
	p.idle.Remove(front)
	return front.Value.(*entry)
}

// evictIdleLocked lazily closes idle sessions older than idleTTL. Called
// only on the Acquire path, matching the "closed lazily on next acquire"
// policy.
func (p *Pool) evictIdleLocked() {
	if p.idleTTL <= 0 {
		return
	}
	now := p.clock.Now()
	var next *list.Element
	for e := p.idle.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*entry)
		if now.Sub(entry.lastUsed) > p.idleTTL {
			p.idle.Remove(e)
			_ = entry.session.Close(context.Background())
		}
	}
}

// Shutdown drains the pool, closes every idle session, and refuses further
// acquisitions. In-flight leases are closed as they are released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	for e := p.idle.Front(); e != nil; e = e.Next() {
		_ = e.Value.(*entry).session.Close(ctx)
	}
	p.idle.Init()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan *entry))
	}
	p.waiters.Init()
	p.mu.Unlock()
	return nil
}

// Len returns the number of idle sessions currently held, for tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// Active returns the number of leased sessions currently outstanding.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
