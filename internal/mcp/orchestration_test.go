package mcp

import (
	"context"
	"testing"
	"time"

	"browsernerd-mcp-server/internal/toc/cache"
	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/executor"
	"browsernerd-mcp-server/internal/toc/metrics"
	"browsernerd-mcp-server/internal/toc/planner"
	"browsernerd-mcp-server/internal/toc/registry"
	"browsernerd-mcp-server/internal/toc/types"
)

func newTestOrchestrationCore(t *testing.T) *OrchestrationCore {
	t.Helper()
	reg := registry.New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	must(reg.Register(types.ToolDescriptor{
		Name: "navigate", Category: types.CategoryNavigation,
		Schema: types.Schema{Fields: []types.FieldSchema{{Name: "url", Required: true, Kind: types.KindString}}},
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			return types.Success(map[string]interface{}{"final_url": input["url"]})
		},
	}))
	must(reg.Register(types.ToolDescriptor{
		Name: "click", Category: types.CategoryInteraction,
		Schema: types.Schema{Fields: []types.FieldSchema{{Name: "css_selector", Required: true, Kind: types.KindString}}},
		Handler: func(ctx context.Context, input types.ToolInput, session types.BrowserCapability, deadline time.Time) types.ToolOutput {
			return types.Success(map[string]interface{}{"clicked": input["css_selector"]})
		},
	}))

	clk := clock.NewFakeClock(time.Now())
	c := cache.New(clk)
	ring := metrics.New(metrics.Config{Capacity: 100, EvictBatchPercent: 10})
	exec := executor.New(executor.DefaultConfig(), reg, nil, c, ring, clk, nil)

	return &OrchestrationCore{registry: reg, cache: c, ring: ring, executor: exec, planner: planner.New()}
}

func TestOrchestratePlanToolExecutesSteps(t *testing.T) {
	tool := &OrchestratePlanTool{core: newTestOrchestrationCore(t)}

	args := map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"action_type": "navigate", "target": "https://example.com"},
			map[string]interface{}{"action_type": "click", "target": "#submit"},
		},
	}
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	summary, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map summary, got %T", result)
	}
	if summary["success"] == false {
		t.Errorf("expected plan to succeed, got %v", summary)
	}
}

func TestOrchestratePlanToolRejectsEmptySteps(t *testing.T) {
	tool := &OrchestratePlanTool{core: newTestOrchestrationCore(t)}
	result, err := tool.Execute(context.Background(), map[string]interface{}{"steps": []interface{}{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	m := result.(map[string]interface{})
	if m["success"] != false {
		t.Error("expected success=false for empty steps")
	}
}

func TestOrchestratePlanToolRejectsUnknownAction(t *testing.T) {
	tool := &OrchestratePlanTool{core: newTestOrchestrationCore(t)}
	args := map[string]interface{}{
		"steps": []interface{}{map[string]interface{}{"action_type": "levitate"}},
	}
	result, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	m := result.(map[string]interface{})
	if m["success"] != false {
		t.Error("expected success=false for an unknown action_type")
	}
}

func TestOrchestratePlanToolNameAndSchema(t *testing.T) {
	tool := &OrchestratePlanTool{}
	if tool.Name() != "orchestrate-plan" {
		t.Errorf("expected tool name orchestrate-plan, got %s", tool.Name())
	}
	schema := tool.InputSchema()
	props, ok := schema["properties"].(map[string]interface{})
	if !ok || props["steps"] == nil {
		t.Error("expected input schema to declare a steps property")
	}
}
