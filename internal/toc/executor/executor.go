// Package executor implements the Plan Executor: it runs a staged
// dependency graph, bounding intra-stage parallelism with
// golang.org/x/sync/errgroup, threading outputs as inputs to dependents via
// ${tool.field} templating, retrying with exponential backoff, and wiring
// the Resource Pool, Result Cache, Tool Registry, and Metrics & Audit
// together. Grounded on the teacher's ExecutePlanTool
// (internal/mcp/automation_tools.go) generalized from a flat sequential
// action list into a staged DAG, and its sleepWithContext helper for
// deadline-aware backoff.
package executor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"browsernerd-mcp-server/internal/toc/cache"
	"browsernerd-mcp-server/internal/toc/clock"
	"browsernerd-mcp-server/internal/toc/graph"
	"browsernerd-mcp-server/internal/toc/metrics"
	"browsernerd-mcp-server/internal/toc/pool"
	"browsernerd-mcp-server/internal/toc/registry"
	"browsernerd-mcp-server/internal/toc/types"
)

// Config controls executor-wide defaults, per the configuration section:
// executor.max_parallel, executor.default_timeout,
// executor.retry_base_delay, executor.retry_multiplier,
// executor.retry_max_attempts.
type Config struct {
	MaxParallel      int
	DefaultTimeout   time.Duration
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxAttempts int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:      3,
		DefaultTimeout:   30 * time.Second,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMultiplier:  1.5,
		RetryMaxAttempts: 3,
	}
}

// TraceSink receives free-form trace events, implemented by
// internal/recorder.Recorder.
type TraceSink interface {
	Log(eventType, sessionID string, data interface{})
}

// Executor runs execution plans. It owns none of its collaborators'
// lifecycles — they are injected at construction, per the "no component
// owns another's lifecycle" design note.
type Executor struct {
	cfg      Config
	reg      *registry.Registry
	pool     *pool.Pool
	cache    *cache.Cache
	ring     *metrics.Ring
	clock    clock.Clock
	recorder TraceSink
}

// New builds an Executor from its collaborators.
func New(cfg Config, reg *registry.Registry, p *pool.Pool, c *cache.Cache, ring *metrics.Ring, clk clock.Clock, recorder TraceSink) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMultiplier <= 0 {
		cfg.RetryMultiplier = 1.5
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Executor{cfg: cfg, reg: reg, pool: p, cache: c, ring: ring, clock: clk, recorder: recorder}
}

type dependencyIndex struct {
	byDependent map[types.ToolName][]types.Dependency
}

func buildDependencyIndex(deps []types.Dependency) *dependencyIndex {
	idx := &dependencyIndex{byDependent: make(map[types.ToolName][]types.Dependency)}
	for _, d := range deps {
		idx.byDependent[d.Dependent] = append(idx.byDependent[d.Dependent], d)
	}
	return idx
}

// runState carries the mutable, concurrently-accessed parts of one
// Execute() call.
type runState struct {
	mu     sync.Mutex
	ec     *types.ExecutionContext
	inputs map[types.ToolName]types.ToolInput
}

func (s *runState) get(name types.ToolName) (types.ToolOutput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.ec.Completed[name]
	return out, ok
}

func (s *runState) isFailed(name types.ToolName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ec.Failed[name]
	return ok
}

func (s *runState) timing(name types.ToolName) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ec.Timings[name]
}

func (s *runState) addStage(stage types.StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ec.Stages = append(s.ec.Stages, stage)
}

func (s *runState) planTotals() (completed, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ec.Completed), len(s.ec.Failed)
}

func (s *runState) record(name types.ToolName, out types.ToolOutput, duration time.Duration, cacheHit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ec.Completed[name] = out
	s.ec.Timings[name] = duration
	if !out.IsSuccess() {
		s.ec.Failed[name] = struct{}{}
	}
	if cacheHit {
		s.ec.CacheHits[name] = struct{}{}
	}
}

// Execute runs plan to completion, or fails fast on construction errors
// (UnknownTool, CircularDependency, UnresolvableDependencies).
func (e *Executor) Execute(ctx context.Context, plan *types.PlanSpec) (*types.ExecutionContext, error) {
	g, err := graph.Build(plan.Steps, plan.Dependencies, e.reg)
	if err != nil {
		return nil, err
	}
	stages, err := g.Stage()
	if err != nil {
		return nil, err
	}

	inputByTool := make(map[types.ToolName]types.ToolInput, len(plan.Steps))
	for _, step := range plan.Steps {
		inputByTool[step.Tool] = step.Input
	}
	deps := buildDependencyIndex(plan.Dependencies)

	state := &runState{ec: types.NewExecutionContext(), inputs: inputByTool}
	planStart := e.clock.Now()

	for stageIdx, stage := range stages {
		stageStart := e.clock.Now()
		var completed, failed []types.ToolName

		for _, subStage := range stage.Tools {
			if err := ctx.Err(); err != nil {
				return state.ec, err
			}
			c, f := e.runSubStage(ctx, subStage, deps, state)
			completed = append(completed, c...)
			failed = append(failed, f...)
		}

		state.addStage(types.StageResult{
			Index:     stageIdx,
			Completed: completed,
			Failed:    failed,
			Duration:  e.clock.Now().Sub(stageStart),
		})

		if e.recorder != nil {
			e.recorder.Log("toc_stage", "", map[string]interface{}{
				"index": stageIdx, "completed": completed, "failed": failed,
			})
		}
	}

	if e.ring != nil {
		total, failedTotal := state.planTotals()
		e.ring.EmitPlanSummary(e.clock.NewID(), total-failedTotal, failedTotal, e.clock.Now().Sub(planStart))
	}

	return state.ec, nil
}

// runSubStage dispatches every tool in a sub-stage concurrently, capped at
// MaxParallel, and waits for all to finish before returning — stage
// boundaries are synchronization points per the concurrency model. Handler
// errors never abort the sub-stage: the errgroup is used purely for bounded
// fan-out and join, never for error propagation.
func (e *Executor) runSubStage(ctx context.Context, names []types.ToolName, deps *dependencyIndex, state *runState) ([]types.ToolName, []types.ToolName) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)

	var mu sync.Mutex
	var completed, failed []types.ToolName

	for _, name := range names {
		name := name
		g.Go(func() error {
			out := e.invokeWithDependencies(gctx, name, deps, state)
			mu.Lock()
			if out.IsSuccess() {
				completed = append(completed, name)
			} else {
				failed = append(failed, name)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return completed, failed
}

// invokeWithDependencies applies the continuation policy (§4.5.4) before
// invoking: a Required prerequisite whose satisfaction condition is unmet
// causes this invocation to be skipped rather than executed.
func (e *Executor) invokeWithDependencies(ctx context.Context, name types.ToolName, deps *dependencyIndex, state *runState) types.ToolOutput {
	for _, dep := range deps.byDependent[name] {
		if dep.Kind != types.DependencyRequired {
			continue
		}
		prereqOut, ok := state.get(dep.Prerequisite)
		if !ok {
			continue // prerequisite never ran (e.g. construction produced an isolated node); nothing to check
		}
		duration := state.timing(dep.Prerequisite)
		condition := dep.Condition
		if condition.Kind == "" {
			condition = types.SatisfactionCondition{Kind: types.SatisfyAlways}
		}
		if !condition.Evaluate(prereqOut, duration) {
			out := types.Failure(types.NewError(types.ErrSkippedPrerequisiteFailed, "required prerequisite "+string(dep.Prerequisite)+" unmet"))
			state.record(name, out, 0, false)
			return out
		}
	}

	return e.invoke(ctx, name, deps, state)
}

// invoke runs one tool's full lifecycle: template resolution, validation,
// cache consult, session acquisition, handler dispatch with retries, and
// InvocationRecord emission.
func (e *Executor) invoke(ctx context.Context, name types.ToolName, deps *dependencyIndex, state *runState) types.ToolOutput {
	desc, err := e.reg.Lookup(name)
	if err != nil {
		out := types.Failure(types.WrapError(types.ErrUnknownTool, err))
		state.record(name, out, 0, false)
		return out
	}

	rawInput := state.inputs[name]
	input, tmplErr := e.resolveTemplate(rawInput, deps.byDependent[name], state)
	if tmplErr != nil {
		state.record(name, types.Failure(tmplErr), 0, false)
		return types.Failure(tmplErr)
	}

	if err := registry.ValidateSchema(desc.Schema, input); err != nil {
		out := types.Failure(err.(*types.Error))
		state.record(name, out, 0, false)
		e.recordInvocation(name, 0, false, input, types.ErrInvalidInput, false)
		return out
	}

	timeout := e.timeoutFor(name, deps, desc)
	maxAttempts := e.attemptsFor(name, deps)

	var fp types.Fingerprint
	if desc.Cacheable && e.cache != nil {
		fp = e.cache.Fingerprint(name, input, desc.Tags)
		if hit := e.cache.Get(fp); hit.Hit {
			out := types.Success(hit.Payload)
			state.record(name, out, 0, true)
			e.recordInvocation(name, 0, true, input, "", true)
			return out
		}
	}

	invoke := func() (interface{}, error) {
		out, _ := e.invokeHandlerWithRetry(ctx, name, desc, input, timeout, maxAttempts)
		if !out.IsSuccess() {
			return nil, out.Err
		}
		return out.Value, nil
	}

	var value interface{}
	var invokeErr error
	start := e.clock.Now()
	if desc.Cacheable && e.cache != nil {
		value, invokeErr, _ = e.cache.Compute(fp, invoke)
	} else {
		value, invokeErr = invoke()
	}
	duration := e.clock.Now().Sub(start)

	var out types.ToolOutput
	if invokeErr != nil {
		if tErr, ok := invokeErr.(*types.Error); ok {
			out = types.Failure(tErr)
		} else {
			out = types.Failure(types.WrapError(types.ErrScriptError, invokeErr))
		}
	} else {
		out = types.Success(value)
		if desc.Cacheable && e.cache != nil {
			e.cache.Put(name, fp, value)
		}
		if desc.Category == types.CategoryNavigation && e.cache != nil {
			if m, ok := value.(map[string]interface{}); ok {
				if url, ok := m["final_url"].(string); ok {
					e.cache.InvalidateByTag("page_url", url)
				}
			}
		}
	}

	state.record(name, out, duration, false)
	e.recordInvocation(name, duration, out.IsSuccess(), input, errorKind(out), false)
	return out
}

func errorKind(out types.ToolOutput) types.ErrorKind {
	if out.Err == nil {
		return ""
	}
	return out.Err.Kind
}

func (e *Executor) recordInvocation(name types.ToolName, duration time.Duration, success bool, input types.ToolInput, errKind types.ErrorKind, cacheHit bool) {
	if e.ring == nil {
		return
	}
	e.ring.Record(types.InvocationRecord{
		Tool:      name,
		StartedAt: e.clock.Now(),
		Duration:  duration,
		Success:   success,
		InputSize: len(input),
		ErrorKind: errKind,
		CacheHit:  cacheHit,
	})
}

// invokeHandlerWithRetry applies exponential backoff (base, multiplier,
// bounded by the dependency timeout) up to maxAttempts; each attempt
// appends an InvocationRecord for observability even though only the final
// ToolOutput is returned to the caller.
func (e *Executor) invokeHandlerWithRetry(ctx context.Context, name types.ToolName, desc *types.ToolDescriptor, input types.ToolInput, timeout time.Duration, maxAttempts int) (types.ToolOutput, time.Duration) {
	var lastOut types.ToolOutput
	delay := e.cfg.RetryBaseDelay
	totalStart := e.clock.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		deadline := e.clock.Now().Add(timeout)
		var handle *pool.Handle
		var session types.BrowserCapability
		if desc.NeedsSession && e.pool != nil {
			var err error
			handle, err = e.pool.Acquire(ctx, timeout)
			if err != nil {
				lastOut = types.Failure(err.(*types.Error))
				if attempt < maxAttempts && lastOut.Err.Kind.Retryable() {
					e.sleepWithContext(ctx, delay)
					delay = time.Duration(float64(delay) * e.cfg.RetryMultiplier)
					continue
				}
				break
			}
			session = handle.Session()
		}

		out := desc.Handler(ctx, input, session, deadline)

		if handle != nil {
			if out.Err != nil && out.Err.Kind == types.ErrDriverFatal {
				handle.Destroy(ctx)
			} else {
				handle.Release()
			}
		}

		lastOut = out
		if out.IsSuccess() {
			break
		}
		if attempt >= maxAttempts || !shouldRetry(desc, out.Err) {
			break
		}
		if attempt < maxAttempts {
			e.recordInvocation(name, e.clock.Now().Sub(totalStart), false, input, out.Err.Kind, false)
		}
		e.sleepWithContext(ctx, delay)
		delay = time.Duration(math.Min(float64(delay)*e.cfg.RetryMultiplier, float64(timeout)))
	}

	return lastOut, e.clock.Now().Sub(totalStart)
}

// shouldRetry applies the idempotency policy: Navigation and Interaction
// handlers are not idempotent, so only a subset of error kinds are safe to
// retry regardless; idempotent handlers retry on any retryable kind.
func shouldRetry(desc *types.ToolDescriptor, err *types.Error) bool {
	if err == nil {
		return false
	}
	if !err.Kind.Retryable() {
		return false
	}
	if desc.Idempotent {
		return true
	}
	switch err.Kind {
	case types.ErrTimeout, types.ErrResourceExhausted, types.ErrDriverFatal:
		return true
	default:
		return false
	}
}

// sleepWithContext waits for d or until ctx is cancelled, matching the
// teacher's deadline-aware backoff helper in automation_tools.go.
func (e *Executor) sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Executor) timeoutFor(name types.ToolName, deps *dependencyIndex, desc *types.ToolDescriptor) time.Duration {
	for _, d := range deps.byDependent[name] {
		if d.Timeout > 0 {
			return d.Timeout
		}
	}
	if desc.DefaultTimeout > 0 {
		return desc.DefaultTimeout
	}
	return e.cfg.DefaultTimeout
}

func (e *Executor) attemptsFor(name types.ToolName, deps *dependencyIndex) int {
	for _, d := range deps.byDependent[name] {
		if d.MaxAttempts > 0 {
			return d.MaxAttempts
		}
	}
	return e.cfg.RetryMaxAttempts
}

// resolveTemplate replaces ${tool.path.to.field} occurrences in string
// input values with the corresponding field from
// ExecutionContext.completed[tool]. A missing reference with a Required
// dependency is a MissingDependencyOutput error; with a Preferred
// dependency it is replaced by an empty value.
func (e *Executor) resolveTemplate(input types.ToolInput, deps []types.Dependency, state *runState) (types.ToolInput, *types.Error) {
	if len(input) == 0 {
		return input, nil
	}
	kindByPrereq := make(map[types.ToolName]types.DependencyKind, len(deps))
	for _, d := range deps {
		kindByPrereq[d.Prerequisite] = d.Kind
	}

	out := input.Clone()
	for key, val := range out {
		s, ok := val.(string)
		if !ok || !strings.Contains(s, "${") {
			continue
		}
		resolved, err := e.resolveString(s, kindByPrereq, state)
		if err != nil {
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

func (e *Executor) resolveString(s string, kindByPrereq map[types.ToolName]types.DependencyKind, state *runState) (string, *types.Error) {
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			b.WriteString(rest[start:])
			break
		}
		end += start
		ref := rest[start+2 : end]
		rest = rest[end+1:]

		value, err := e.resolveRef(ref, kindByPrereq, state)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
	}
	return b.String(), nil
}

func (e *Executor) resolveRef(ref string, kindByPrereq map[types.ToolName]types.DependencyKind, state *runState) (string, *types.Error) {
	parts := strings.SplitN(ref, ".", 2)
	tool := types.ToolName(parts[0])
	path := ""
	if len(parts) == 2 {
		path = parts[1]
	}

	kind := kindByPrereq[tool]
	out, ok := state.get(tool)
	if !ok || !out.IsSuccess() {
		if kind == types.DependencyPreferred {
			return "", nil
		}
		return "", types.NewError(types.ErrMissingDependencyOutput, fmt.Sprintf("reference ${%s} could not be resolved", ref))
	}

	resolved := resolveFieldPath(out.Value, path)
	if resolved == nil {
		if kind == types.DependencyPreferred {
			return "", nil
		}
		return "", types.NewError(types.ErrMissingDependencyOutput, fmt.Sprintf("field %q not present in %s output", path, tool))
	}
	return fmt.Sprintf("%v", resolved), nil
}

func resolveFieldPath(value interface{}, path string) interface{} {
	if path == "" {
		return value
	}
	cur := value
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, ok := m[segment]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}
