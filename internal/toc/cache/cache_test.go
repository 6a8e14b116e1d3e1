package cache

import (
	"errors"
	"testing"
	"time"

	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/types"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	fp := c.Fingerprint("extract_text", types.ToolInput{"css_selector": "#a"}, nil)
	if hit := c.Get(fp); hit.Hit {
		t.Fatal("expected miss on empty cache")
	}
}

func TestFingerprintDeterministicRegardlessOfKeyOrder(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	a := c.Fingerprint("extract_text", types.ToolInput{"x": 1, "y": 2}, nil)
	b := c.Fingerprint("extract_text", types.ToolInput{"y": 2, "x": 1}, nil)
	if a != b {
		t.Errorf("expected fingerprint to be independent of map key order, got %v != %v", a, b)
	}
}

func TestFingerprintDiffersByTool(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	input := types.ToolInput{"css_selector": "#a"}
	a := c.Fingerprint("extract_text", input, nil)
	b := c.Fingerprint("get_element_info", input, nil)
	if a == b {
		t.Error("expected different tools to fingerprint differently for the same input")
	}
}

func TestPutThenGetHit(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	c.Configure("extract_text", ToolConfig{Cacheable: true, TTL: time.Minute})

	fp := c.Fingerprint("extract_text", types.ToolInput{"css_selector": "#a"}, nil)
	c.Put("extract_text", fp, map[string]interface{}{"text": "hello"})

	hit := c.Get(fp)
	if !hit.Hit {
		t.Fatal("expected hit after Put")
	}
	payload, ok := hit.Payload.(map[string]interface{})
	if !ok || payload["text"] != "hello" {
		t.Errorf("unexpected payload: %v", hit.Payload)
	}
}

func TestPutIsNoopWhenToolNotConfiguredCacheable(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	// No Configure call: cfg.Cacheable defaults to false.
	fp := c.Fingerprint("extract_text", types.ToolInput{"css_selector": "#a"}, nil)
	c.Put("extract_text", fp, "should not be stored")

	if hit := c.Get(fp); hit.Hit {
		t.Fatal("expected Put to no-op for an unconfigured (non-cacheable) tool")
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := New(clk)
	c.Configure("extract_text", ToolConfig{Cacheable: true, TTL: 50 * time.Millisecond})

	fp := c.Fingerprint("extract_text", types.ToolInput{"css_selector": "#a"}, nil)
	c.Put("extract_text", fp, "value")

	if hit := c.Get(fp); !hit.Hit {
		t.Fatal("expected hit before TTL elapses")
	}

	clk.Advance(100 * time.Millisecond)

	if hit := c.Get(fp); hit.Hit {
		t.Fatal("expected miss after TTL elapses")
	}
}

func TestInvalidateByTagDropsMatchingEntries(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	c.Configure("extract_text", ToolConfig{Cacheable: true, TTL: time.Minute, Tags: []string{"page_url"}})

	fp := c.Fingerprint("extract_text", types.ToolInput{"css_selector": "#a"}, []string{"page_url"})
	c.Put("extract_text", fp, "value")

	if hit := c.Get(fp); !hit.Hit {
		t.Fatal("expected hit before invalidation")
	}

	c.InvalidateByTag("page_url", "https://example.com/next")

	if hit := c.Get(fp); hit.Hit {
		t.Fatal("expected miss after tag invalidation changed page_url")
	}
}

func TestInvalidateByTagChangesFutureFingerprint(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	input := types.ToolInput{"css_selector": "#a"}

	before := c.Fingerprint("extract_text", input, []string{"page_url"})
	c.InvalidateByTag("page_url", "https://example.com/page2")
	after := c.Fingerprint("extract_text", input, []string{"page_url"})

	if before == after {
		t.Error("expected fingerprint to change once the page_url tag value changes")
	}
}

func TestComputeSingleFlightSharesResultAcrossConcurrentMisses(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	var calls int32
	done := make(chan struct{})
	start := make(chan struct{})

	fn := func() (interface{}, error) {
		<-start
		calls++
		return "computed", nil
	}

	results := make(chan interface{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			v, _, _ := c.Compute(types.Fingerprint(1), fn)
			results <- v
		}()
	}
	close(start)
	go func() {
		for i := 0; i < 2; i++ {
			<-results
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Compute calls never completed")
	}
	if calls != 1 {
		t.Errorf("expected fn invoked once under single-flight, got %d", calls)
	}
}

func TestComputeDoesNotCacheErrors(t *testing.T) {
	c := New(clock.NewFakeClock(time.Now()))
	wantErr := errors.New("handler failed")
	_, err, _ := c.Compute(types.Fingerprint(42), func() (interface{}, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("expected error to propagate, got %v", err)
	}
	// Compute itself never writes to the stripe map on error; Put is the
	// only write path and the executor never calls it for failed outputs.
	if hit := c.Get(types.Fingerprint(42)); hit.Hit {
		t.Fatal("expected no cache entry after a failed Compute")
	}
}
