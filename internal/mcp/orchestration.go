// OrchestratePlanTool exposes the tool orchestration core (dependency-graph
// staged execution, bounded session pooling, result caching, and metrics)
// as a single MCP tool. ExecutePlanTool (automation_tools.go) and this tool
// both dispatch their per-step work onto the same internal/toc/handlers
// implementations; ExecutePlanTool keeps its flat sequential action-array
// contract for callers that don't need a dependency graph, while
// OrchestratePlanTool adds dependency resolution, concurrent staging,
// fingerprint caching, and metrics on top of the identical handler layer.
// Neither tool re-implements element interaction or navigation itself.
package mcp

import (
	"context"
	"fmt"

	"browsernerd-mcp-server/internal/browser"
	"browsernerd-mcp-server/internal/config"
	"browsernerd-mcp-server/internal/docker"
	"browsernerd-mcp-server/internal/mangle"
	"browsernerd-mcp-server/internal/recorder"
	"browsernerd-mcp-server/internal/toc/cache"
	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/executor"
	"browsernerd-mcp-server/internal/toc/handlers"
	"browsernerd-mcp-server/internal/toc/metrics"
	"browsernerd-mcp-server/internal/toc/planner"
	"browsernerd-mcp-server/internal/toc/pool"
	"browsernerd-mcp-server/internal/toc/registry"
	"browsernerd-mcp-server/internal/toc/types"
)

// OrchestrationCore bundles the registry, pool, cache, metrics ring, and
// executor behind the single entry point OrchestratePlanTool needs.
type OrchestrationCore struct {
	registry *registry.Registry
	pool     *pool.Pool
	cache    *cache.Cache
	ring     *metrics.Ring
	executor *executor.Executor
	planner  *planner.Adapter
}

// NewOrchestrationCore wires every internal/toc/* component per cfg.TOC,
// using sessions to create pooled browser capabilities on demand and
// dockerClient (optionally nil) to ground the diagnose_page handler.
func NewOrchestrationCore(cfg config.Config, sessions *browser.SessionManager, engine *mangle.Engine, dockerClient *docker.Client) (*OrchestrationCore, error) {
	reg := registry.New()
	if err := handlers.RegisterDefaults(reg, dockerClient); err != nil {
		return nil, fmt.Errorf("registering default tools: %w", err)
	}

	clk := clock.SystemClock{}

	factory := func(ctx context.Context) (types.BrowserCapability, error) {
		sess, err := sessions.CreateSession(ctx, "about:blank")
		if err != nil {
			return nil, types.WrapError(types.ErrDriverFatal, err)
		}
		page, ok := sessions.Page(sess.ID)
		if !ok {
			return nil, types.NewError(types.ErrDriverFatal, "pooled session has no page: "+sess.ID)
		}
		return browser.NewCapability(sess.ID, page, sessions.Registry(sess.ID)), nil
	}

	p := pool.New(pool.Config{
		MaxSessions: cfg.TOC.Pool.MaxSessions,
		IdleTTL:     cfg.TOC.Pool.GetIdleTTL(),
	}, factory, clk)

	resultCache := cache.New(clk)
	for _, desc := range reg.List() {
		if !desc.Cacheable {
			continue
		}
		resultCache.Configure(desc.Name, cache.ToolConfig{
			TTL:       desc.CacheTTL,
			Cacheable: true,
			Tags:      desc.Tags,
		})
	}

	var sinks []metrics.Sink
	if engine != nil {
		sinks = append(sinks, metrics.NewMangleSink(engine))
	}
	ring := metrics.New(metrics.Config{
		Capacity:          cfg.TOC.Metrics.RingSize,
		EvictBatchPercent: 10,
	}, sinks...)

	var trace executor.TraceSink
	if rec, err := recorder.NewRecorder(recorder.TraceDir); err == nil {
		if err := rec.Start(clk.NewID()); err == nil {
			trace = rec
		}
	}

	exec := executor.New(executor.Config{
		MaxParallel:      cfg.TOC.Executor.MaxParallel,
		DefaultTimeout:   cfg.TOC.Executor.GetDefaultTimeout(),
		RetryBaseDelay:   cfg.TOC.Executor.GetRetryBaseDelay(),
		RetryMultiplier:  cfg.TOC.Executor.RetryMultiplier,
		RetryMaxAttempts: cfg.TOC.Executor.RetryMaxAttempts,
	}, reg, p, resultCache, ring, clk, trace)

	return &OrchestrationCore{
		registry: reg,
		pool:     p,
		cache:    resultCache,
		ring:     ring,
		executor: exec,
		planner:  planner.New(),
	}, nil
}

// OrchestratePlanTool drives a structured plan document through the
// dependency-graph staged executor.
type OrchestratePlanTool struct {
	core *OrchestrationCore
}

func (t *OrchestratePlanTool) Name() string { return "orchestrate-plan" }
func (t *OrchestratePlanTool) Description() string {
	return `Execute a structured multi-step plan through the dependency-graph staged executor.

Unlike execute-plan, steps are resolved into a dependency graph (implicit
ordering, category inference, and explicit dependencies via
options.depends_on), independent steps within a stage run concurrently
against a bounded pool of browser sessions, cacheable steps are
fingerprint-cached, and every invocation is recorded for metrics.

STEP SHAPE: {action_type, target, value, options: {wait_for_element, timeout_ms, retry_count}}
ACTION TYPES: navigate, refresh, go_back, go_forward, scroll, click, type,
select, hover, focus, extract_text, extract_links, extract_data,
extract_table, extract_form, screenshot, wait, intelligent_action

Returns: {completed, failed, stages, timings, cache_hits, success}`
}
func (t *OrchestratePlanTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"steps": map[string]interface{}{
				"type":        "array",
				"description": "Ordered plan steps: {action_type, target, value, options}",
				"items":       map[string]interface{}{"type": "object"},
			},
			"confidence": map[string]interface{}{
				"type":        "number",
				"description": "Planner-reported confidence in [0,1], carried through for observability",
			},
			"complexity": map[string]interface{}{
				"type":        "string",
				"description": "Planner-reported complexity label, carried through for observability",
			},
		},
		"required": []string{"steps"},
	}
}
func (t *OrchestratePlanTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	stepsArg, _ := args["steps"].([]interface{})
	if len(stepsArg) == 0 {
		return map[string]interface{}{"success": false, "error": "steps is required and must be non-empty"}, nil
	}

	doc := planner.PlanDocument{
		Confidence: getFloatArg(args, "confidence", 0),
		Complexity: getStringArg(args, "complexity"),
	}
	for _, raw := range stepsArg {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		step := planner.StepDocument{
			ActionType: getStringFromMap(m, "action_type"),
			Target:     getStringFromMap(m, "target"),
			Value:      getStringFromMap(m, "value"),
		}
		if opts, ok := m["options"].(map[string]interface{}); ok {
			step.Options = planner.StepOptions{
				WaitForElement: getBoolArg(opts, "wait_for_element", false),
				TimeoutMs:      getIntArg(opts, "timeout_ms", 0),
				RetryCount:     getIntArg(opts, "retry_count", 0),
			}
		}
		doc.Steps = append(doc.Steps, step)
	}

	spec, err := t.core.planner.Normalize(doc)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	result, err := t.core.executor.Execute(ctx, spec)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	return result.MarshalSummary(), nil
}

func getFloatArg(args map[string]interface{}, key string, def float64) float64 {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}
