package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/types"
)

type fakeSession struct {
	mu     sync.Mutex
	id     string
	closed bool
}

func (f *fakeSession) ID() string                                { return f.id }
func (f *fakeSession) Navigate(ctx context.Context, url string) error { return nil }
func (f *fakeSession) CurrentURL(ctx context.Context) (string, error) { return "", nil }
func (f *fakeSession) GoBack(ctx context.Context) error           { return nil }
func (f *fakeSession) GoForward(ctx context.Context) error        { return nil }
func (f *fakeSession) Refresh(ctx context.Context) error          { return nil }
func (f *fakeSession) Click(ctx context.Context, selector string) error { return nil }
func (f *fakeSession) Type(ctx context.Context, selector, text string) error { return nil }
func (f *fakeSession) Clear(ctx context.Context, selector string) error { return nil }
func (f *fakeSession) ElementExists(ctx context.Context, selector string) (bool, error) {
	return true, nil
}
func (f *fakeSession) GetText(ctx context.Context, selector string) (string, error) { return "", nil }
func (f *fakeSession) ExecuteScript(ctx context.Context, source string, args ...interface{}) (interface{}, error) {
	return nil, nil
}
func (f *fakeSession) Screenshot(ctx context.Context, full bool) ([]byte, error) { return nil, nil }
func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func countingFactory() (Factory, *int32Counter) {
	counter := &int32Counter{}
	return func(ctx context.Context) (types.BrowserCapability, error) {
		n := counter.incr()
		return &fakeSession{id: "session-" + itoaTest(n)}, nil
	}, counter
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) incr() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func itoaTest(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}

func TestAcquireCreatesUpToMax(t *testing.T) {
	factory, counter := countingFactory()
	p := New(Config{MaxSessions: 2}, factory, clock.SystemClock{})

	h1, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h2, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if p.Active() != 2 {
		t.Errorf("expected 2 active, got %d", p.Active())
	}
	if counter.n != 2 {
		t.Errorf("expected factory called twice, got %d", counter.n)
	}
	h1.Release()
	h2.Release()
}

func TestAcquireReusesReleasedSession(t *testing.T) {
	factory, counter := countingFactory()
	p := New(Config{MaxSessions: 1}, factory, clock.SystemClock{})

	h1, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h1.Release()

	h2, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	h2.Release()

	if counter.n != 1 {
		t.Errorf("expected factory called once across reuse, got %d", counter.n)
	}
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	factory, _ := countingFactory()
	p := New(Config{MaxSessions: 1}, factory, clock.SystemClock{})

	h1, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	defer h1.Release()

	_, err = p.Acquire(context.Background(), 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error when pool is saturated")
	}
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrResourceExhausted {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestAcquireHandsOffToWaiterFIFO(t *testing.T) {
	factory, _ := countingFactory()
	p := New(Config{MaxSessions: 1}, factory, clock.SystemClock{})

	h1, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}

	done := make(chan struct{})
	go func() {
		h2, err := p.Acquire(context.Background(), time.Second)
		if err != nil {
			t.Errorf("waiter Acquire: %v", err)
			close(done)
			return
		}
		h2.Release()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine join the waiter queue
	h1.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released session")
	}
}

func TestDestroyClosesSessionInsteadOfReturningToIdle(t *testing.T) {
	var created *fakeSession
	factory := func(ctx context.Context) (types.BrowserCapability, error) {
		created = &fakeSession{id: "fatal"}
		return created, nil
	}
	p := New(Config{MaxSessions: 1}, factory, clock.SystemClock{})

	h, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Destroy(context.Background())

	if !created.isClosed() {
		t.Error("expected destroyed session to be closed")
	}
	if p.Len() != 0 {
		t.Errorf("expected destroyed session not to land in idle set, idle len = %d", p.Len())
	}
	if p.Active() != 0 {
		t.Errorf("expected active count to drop after destroy, got %d", p.Active())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	factory, _ := countingFactory()
	p := New(Config{MaxSessions: 1}, factory, clock.SystemClock{})

	h, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	h.Release() // must not panic or double-decrement active

	if p.Active() != 0 {
		t.Errorf("expected active 0 after idempotent release, got %d", p.Active())
	}
}

func TestEvictIdleOnAcquire(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	var closed []string
	factory := func(ctx context.Context) (types.BrowserCapability, error) {
		return &trackingSession{id: "s", onClose: func(id string) { closed = append(closed, id) }}, nil
	}
	p := New(Config{MaxSessions: 1, IdleTTL: 100 * time.Millisecond}, factory, clk)

	h, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h.Release()

	clk.Advance(200 * time.Millisecond)

	// Acquiring again should evict the stale idle session and mint a fresh one.
	h2, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	h2.Release()

	if len(closed) != 1 {
		t.Errorf("expected 1 idle session evicted, got %d", len(closed))
	}
}

func TestShutdownRejectsFurtherAcquire(t *testing.T) {
	factory, _ := countingFactory()
	p := New(Config{MaxSessions: 1}, factory, clock.SystemClock{})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, err := p.Acquire(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected error acquiring from a shut-down pool")
	}
	terr, ok := err.(*types.Error)
	if !ok || terr.Kind != types.ErrResourceUnavailable {
		t.Errorf("expected ErrResourceUnavailable, got %v", err)
	}
}

func TestAcquireFactoryErrorDoesNotLeakActiveCount(t *testing.T) {
	wantErr := errors.New("driver crashed")
	factory := func(ctx context.Context) (types.BrowserCapability, error) {
		return nil, wantErr
	}
	p := New(Config{MaxSessions: 1}, factory, clock.SystemClock{})

	_, err := p.Acquire(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected factory error to propagate")
	}
	if p.Active() != 0 {
		t.Errorf("expected active count rolled back after factory failure, got %d", p.Active())
	}
}

type trackingSession struct {
	id      string
	onClose func(string)
}

func (t *trackingSession) ID() string                                    { return t.id }
func (t *trackingSession) Navigate(ctx context.Context, url string) error { return nil }
func (t *trackingSession) CurrentURL(ctx context.Context) (string, error) { return "", nil }
func (t *trackingSession) GoBack(ctx context.Context) error              { return nil }
func (t *trackingSession) GoForward(ctx context.Context) error           { return nil }
func (t *trackingSession) Refresh(ctx context.Context) error             { return nil }
func (t *trackingSession) Click(ctx context.Context, selector string) error { return nil }
func (t *trackingSession) Type(ctx context.Context, selector, text string) error { return nil }
func (t *trackingSession) Clear(ctx context.Context, selector string) error { return nil }
func (t *trackingSession) ElementExists(ctx context.Context, selector string) (bool, error) {
	return true, nil
}
func (t *trackingSession) GetText(ctx context.Context, selector string) (string, error) {
	return "", nil
}
func (t *trackingSession) ExecuteScript(ctx context.Context, source string, args ...interface{}) (interface{}, error) {
	return nil, nil
}
func (t *trackingSession) Screenshot(ctx context.Context, full bool) ([]byte, error) { return nil, nil }
func (t *trackingSession) Close(ctx context.Context) error {
	if t.onClose != nil {
		t.onClose(t.id)
	}
	return nil
}
