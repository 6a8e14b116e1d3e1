package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"browsernerd-mcp-server/internal/toc/cache"
	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/metrics"
	"browsernerd-mcp-server/internal/toc/pool"
	"browsernerd-mcp-server/internal/toc/registry"
	"browsernerd-mcp-server/internal/toc/types"
)

func newTestExecutor(t *testing.T, reg *registry.Registry) (*Executor, *cache.Cache, clock.Clock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Now())
	c := cache.New(clk)
	for _, d := range reg.List() {
		if d.Cacheable {
			c.Configure(d.Name, cache.ToolConfig{TTL: time.Minute, Cacheable: true, Tags: d.Tags})
		}
	}
	ring := metrics.New(metrics.Config{Capacity: 100, EvictBatchPercent: 10})
	return New(DefaultConfig(), reg, nil, c, ring, clk, nil), c, clk
}

func handlerReturning(value interface{}) types.ToolHandler {
	return func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
		return types.Success(value)
	}
}

func TestExecuteStagesExtractionAfterNavigation(t *testing.T) {
	reg := registry.New()
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "navigate", Category: types.CategoryNavigation, Handler: handlerReturning(map[string]interface{}{"final_url": "https://example.com"}),
	})
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "extract_text", Category: types.CategoryDataExtraction, Handler: handlerReturning("hello"),
	})
	exec, _, _ := newTestExecutor(t, reg)

	plan := &types.PlanSpec{Steps: []types.PlanStep{
		{Tool: "navigate", Input: types.ToolInput{}},
		{Tool: "extract_text", Input: types.ToolInput{}},
	}}
	ec, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(ec.Completed) != 2 {
		t.Fatalf("expected 2 completed, got %d", len(ec.Completed))
	}
	if len(ec.Stages) != 2 {
		t.Fatalf("expected navigate then extract_text staged separately by category inference, got %d stages", len(ec.Stages))
	}
}

func TestExecuteTemplateResolvesDependencyOutput(t *testing.T) {
	reg := registry.New()
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "navigate", Category: types.CategoryNavigation,
		Handler: handlerReturning(map[string]interface{}{"final_url": "https://example.com/page"}),
	})
	var capturedValue string
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "type_text", Category: types.CategoryInteraction,
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			capturedValue, _ = input["value"].(string)
			return types.Success(nil)
		},
	})
	exec, _, _ := newTestExecutor(t, reg)

	plan := &types.PlanSpec{
		Steps: []types.PlanStep{
			{Tool: "navigate", Input: types.ToolInput{}},
			{Tool: "type_text", Input: types.ToolInput{"value": "${navigate.final_url}"}},
		},
		Dependencies: []types.Dependency{
			{Dependent: "type_text", Prerequisite: "navigate", Kind: types.DependencyRequired},
		},
	}
	_, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if capturedValue != "https://example.com/page" {
		t.Errorf("expected templated value resolved from navigate output, got %q", capturedValue)
	}
}

func TestExecuteSkipsDependentWhenRequiredPrerequisiteFails(t *testing.T) {
	reg := registry.New()
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "navigate", Category: types.CategoryNavigation,
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			return types.Failure(types.NewError(types.ErrTimeout, "navigation timed out"))
		},
	})
	var dependentRan bool
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "click", Category: types.CategoryInteraction,
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			dependentRan = true
			return types.Success(nil)
		},
	})
	exec, _, _ := newTestExecutor(t, reg)

	plan := &types.PlanSpec{
		Steps: []types.PlanStep{{Tool: "navigate"}, {Tool: "click"}},
		Dependencies: []types.Dependency{
			{Dependent: "click", Prerequisite: "navigate", Kind: types.DependencyRequired},
		},
	}
	ec, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if dependentRan {
		t.Error("expected click handler never invoked once its required prerequisite failed")
	}
	clickOut, ok := ec.Completed["click"]
	if !ok {
		t.Fatal("expected click to have a recorded (skipped) outcome")
	}
	if clickOut.Err == nil || clickOut.Err.Kind != types.ErrSkippedPrerequisiteFailed {
		t.Errorf("expected ErrSkippedPrerequisiteFailed, got %v", clickOut.Err)
	}
}

func TestExecuteCachesCacheableToolAcrossIdenticalInput(t *testing.T) {
	reg := registry.New()
	var calls int32
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "extract_text", Category: types.CategoryDataExtraction, Cacheable: true,
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			atomic.AddInt32(&calls, 1)
			return types.Success("cached value")
		},
	})
	exec, _, _ := newTestExecutor(t, reg)

	plan := &types.PlanSpec{Steps: []types.PlanStep{{Tool: "extract_text", Input: types.ToolInput{"css_selector": "#a"}}}}
	if _, err := exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if _, err := exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected handler invoked once across two identical plans, got %d", calls)
	}
}

func TestExecuteRetriesRetryableFailureUpToMaxAttempts(t *testing.T) {
	reg := registry.New()
	var attempts int32
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "click", Category: types.CategoryInteraction, Idempotent: true,
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return types.Failure(types.NewError(types.ErrTimeout, "transient"))
			}
			return types.Success(nil)
		},
	})
	clk := clock.NewFakeClock(time.Now())
	c := cache.New(clk)
	ring := metrics.New(metrics.Config{Capacity: 10, EvictBatchPercent: 10})
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	exec := New(cfg, reg, nil, c, ring, clk, nil)

	plan := &types.PlanSpec{Steps: []types.PlanStep{{Tool: "click"}}}
	ec, err := exec.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts before success, got %d", attempts)
	}
	out := ec.Completed["click"]
	if !out.IsSuccess() {
		t.Errorf("expected eventual success, got %v", out.Err)
	}
}

func TestExecuteUnknownToolFailsFast(t *testing.T) {
	reg := registry.New()
	exec, _, _ := newTestExecutor(t, reg)
	plan := &types.PlanSpec{Steps: []types.PlanStep{{Tool: "does_not_exist"}}}
	_, err := exec.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected fail-fast error for an unregistered tool")
	}
}

func TestExecuteAcquiresSessionForHandlersThatNeedOne(t *testing.T) {
	reg := registry.New()
	var gotSession types.BrowserCapability
	mustRegister(t, reg, types.ToolDescriptor{
		Name: "click", Category: types.CategoryInteraction, NeedsSession: true,
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			gotSession = session
			return types.Success(nil)
		},
	})
	clk := clock.NewFakeClock(time.Now())
	c := cache.New(clk)
	ring := metrics.New(metrics.Config{Capacity: 10, EvictBatchPercent: 10})
	session := &fakeCapability{id: "sess-1"}
	p := pool.New(pool.Config{MaxSessions: 1}, func(ctx context.Context) (types.BrowserCapability, error) {
		return session, nil
	}, clk)
	exec := New(DefaultConfig(), reg, p, c, ring, clk, nil)

	plan := &types.PlanSpec{Steps: []types.PlanStep{{Tool: "click"}}}
	if _, err := exec.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotSession == nil || gotSession.ID() != "sess-1" {
		t.Errorf("expected handler to receive the pooled session, got %v", gotSession)
	}
}

func mustRegister(t *testing.T, reg *registry.Registry, desc types.ToolDescriptor) {
	t.Helper()
	if err := reg.Register(desc); err != nil {
		t.Fatalf("Register(%s): %v", desc.Name, err)
	}
}

type fakeCapability struct {
	id string
}

func (f *fakeCapability) ID() string                                             { return f.id }
func (f *fakeCapability) Navigate(ctx context.Context, url string) error         { return nil }
func (f *fakeCapability) CurrentURL(ctx context.Context) (string, error)         { return "", nil }
func (f *fakeCapability) GoBack(ctx context.Context) error                       { return nil }
func (f *fakeCapability) GoForward(ctx context.Context) error                    { return nil }
func (f *fakeCapability) Refresh(ctx context.Context) error                      { return nil }
func (f *fakeCapability) Click(ctx context.Context, selector string) error       { return nil }
func (f *fakeCapability) Type(ctx context.Context, selector, text string) error  { return nil }
func (f *fakeCapability) Clear(ctx context.Context, selector string) error       { return nil }
func (f *fakeCapability) ElementExists(ctx context.Context, selector string) (bool, error) {
	return true, nil
}
func (f *fakeCapability) GetText(ctx context.Context, selector string) (string, error) {
	return "", nil
}
func (f *fakeCapability) ExecuteScript(ctx context.Context, source string, args ...interface{}) (interface{}, error) {
	return nil, nil
}
func (f *fakeCapability) Screenshot(ctx context.Context, full bool) ([]byte, error) { return nil, nil }
func (f *fakeCapability) Close(ctx context.Context) error                          { return nil }
