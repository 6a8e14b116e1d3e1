// Package types holds the core data model of the tool orchestration core:
// tool descriptors, dependency declarations, execution plans and contexts,
// invocation records, cache entries, and the error taxonomy every component
// in internal/toc communicates with.
package types

import (
	"context"
	"fmt"
	"time"
)

// ToolName is a short identifier, unique within a Registry instance.
type ToolName string

// ToolCategory drives default dependency inference in the Dependency Graph.
type ToolCategory string

const (
	CategoryNavigation       ToolCategory = "navigation"
	CategoryInteraction      ToolCategory = "interaction"
	CategoryDataExtraction   ToolCategory = "data_extraction"
	CategorySynchronization  ToolCategory = "synchronization"
	CategoryMemory           ToolCategory = "memory"
	CategoryMonitoring       ToolCategory = "monitoring"
	CategoryIntelligentAction ToolCategory = "intelligent_action"
	CategorySyntheticFixture ToolCategory = "synthetic_fixture"
)

// categoryPriority gives a deterministic tie-break ordering used when
// staging a dependency graph (category priority ascending, then
// registration order).
var categoryPriority = map[ToolCategory]int{
	CategoryNavigation:        0,
	CategorySynchronization:   1,
	CategoryInteraction:       2,
	CategoryIntelligentAction: 3,
	CategoryDataExtraction:    4,
	CategoryMemory:            5,
	CategoryMonitoring:        6,
	CategorySyntheticFixture:  7,
}

// CategoryPriority returns the deterministic stage tie-break priority for a
// category; unknown categories sort last.
func CategoryPriority(c ToolCategory) int {
	if p, ok := categoryPriority[c]; ok {
		return p
	}
	return len(categoryPriority)
}

// ValidCategory reports whether c is one of the eight categories the core
// recognizes.
func ValidCategory(c ToolCategory) bool {
	_, ok := categoryPriority[c]
	return ok
}

// ToolInput is a structured record matching a ToolDescriptor's input schema.
type ToolInput map[string]interface{}

// Clone returns a shallow copy so templating never mutates a caller's map.
func (in ToolInput) Clone() ToolInput {
	out := make(ToolInput, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ToolOutput is the structured result of a tool invocation: either Value is
// populated (success) or Err is non-nil (failure). Never both.
type ToolOutput struct {
	Value interface{} `json:"value,omitempty"`
	Err   *Error      `json:"error,omitempty"`
}

// Success builds a successful ToolOutput.
func Success(value interface{}) ToolOutput {
	return ToolOutput{Value: value}
}

// Failure builds a failed ToolOutput.
func Failure(err *Error) ToolOutput {
	return ToolOutput{Err: err}
}

// IsSuccess reports whether the invocation succeeded.
func (o ToolOutput) IsSuccess() bool { return o.Err == nil }

// ErrorKind enumerates the error taxonomy the core surfaces.
type ErrorKind string

const (
	ErrInvalidInput              ErrorKind = "invalid_input"
	ErrUnknownTool               ErrorKind = "unknown_tool"
	ErrUnknownAction             ErrorKind = "unknown_action"
	ErrCircularDependency        ErrorKind = "circular_dependency"
	ErrMissingDependencyOutput   ErrorKind = "missing_dependency_output"
	ErrTimeout                   ErrorKind = "timeout"
	ErrElementNotFound           ErrorKind = "element_not_found"
	ErrElementNotInteractable    ErrorKind = "element_not_interactable"
	ErrNetworkError              ErrorKind = "network_error"
	ErrDriverFatal               ErrorKind = "driver_fatal"
	ErrResourceExhausted         ErrorKind = "resource_exhausted"
	ErrResourceUnavailable       ErrorKind = "resource_unavailable"
	ErrScriptError               ErrorKind = "script_error"
	ErrSkippedPrerequisiteFailed ErrorKind = "skipped_prerequisite_failed"
	ErrAlreadyRegistered         ErrorKind = "already_registered"
	ErrNotFound                  ErrorKind = "not_found"
	ErrUnresolvableDependencies  ErrorKind = "unresolvable_dependencies"
)

// Error is the typed error every TOC component returns; it carries enough
// structure for callers to branch on Kind without string matching.
type Error struct {
	Kind   ErrorKind
	Field  string
	Reason string
	Cycle  []ToolName
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Reason)
	case len(e.Cycle) > 0:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cycle)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a taxonomy error with a free-text reason.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError builds a taxonomy error that wraps an underlying cause.
func WrapError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Reason: cause.Error(), Cause: cause}
}

// Retryable reports whether the error kind is, by policy, eligible for
// retry at all (the executor still honors per-dependency attempt limits).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrElementNotFound, ErrElementNotInteractable, ErrNetworkError, ErrDriverFatal, ErrResourceExhausted:
		return true
	default:
		return false
	}
}

// DependencyKind describes how a prerequisite relates to its dependent.
type DependencyKind string

const (
	DependencyRequired   DependencyKind = "required"
	DependencyPreferred  DependencyKind = "preferred"
	DependencyExclusive  DependencyKind = "exclusive"
	DependencyContextual DependencyKind = "contextual"
)

// SatisfactionConditionKind enumerates the predicate forms a Required
// dependency's satisfaction condition may take.
type SatisfactionConditionKind string

const (
	SatisfyAlways           SatisfactionConditionKind = "always"
	SatisfyResultEquals     SatisfactionConditionKind = "result_equals"
	SatisfyResultContains   SatisfactionConditionKind = "result_contains"
	SatisfyCompletedWithin  SatisfactionConditionKind = "completed_within"
)

// SatisfactionCondition is a predicate on a prerequisite's output that must
// hold for a Required dependency to be considered met.
type SatisfactionCondition struct {
	Kind      SatisfactionConditionKind
	Value     interface{}   // for ResultEquals
	Field     string        // for ResultContains
	Within    time.Duration // for CompletedWithin
}

// Evaluate reports whether the condition holds given the prerequisite's
// output and the duration its invocation took.
func (c SatisfactionCondition) Evaluate(out ToolOutput, duration time.Duration) bool {
	switch c.Kind {
	case "", SatisfyAlways:
		return out.IsSuccess()
	case SatisfyResultEquals:
		return out.IsSuccess() && fmt.Sprintf("%v", out.Value) == fmt.Sprintf("%v", c.Value)
	case SatisfyResultContains:
		if !out.IsSuccess() {
			return false
		}
		m, ok := out.Value.(map[string]interface{})
		if !ok {
			return false
		}
		_, present := m[c.Field]
		return present
	case SatisfyCompletedWithin:
		return out.IsSuccess() && duration <= c.Within
	default:
		return out.IsSuccess()
	}
}

// Dependency declares a relationship between a dependent tool and one of
// its prerequisites within a specific plan.
type Dependency struct {
	Dependent     ToolName
	Prerequisite  ToolName
	Kind          DependencyKind
	Condition     SatisfactionCondition
	Timeout       time.Duration
	MaxAttempts   int
}

// ToolHandler adapts validated input, an optional session capability, and a
// deadline into a ToolOutput. Handlers are pure adapters: all side effects
// go through the BrowserCapability.
type ToolHandler func(ctx context.Context, input ToolInput, session BrowserCapability, deadline time.Time) ToolOutput

// ToolDescriptor is the immutable record the Registry stores per tool.
type ToolDescriptor struct {
	Name           ToolName
	Category       ToolCategory
	Description    string
	Schema         Schema
	Idempotent     bool
	Cacheable      bool
	NeedsSession   bool
	DefaultTimeout time.Duration
	CacheTTL       time.Duration
	Tags           []string
	Handler        ToolHandler
}

// Schema is a minimal JSON-shape description used to validate ToolInput
// without pulling a general-purpose JSON Schema validator into the hot
// path: a flat list of fields with a required flag, a coarse kind, and an
// optional enum.
type Schema struct {
	Fields []FieldSchema
}

// FieldKind is a coarse value-kind constraint.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindInt    FieldKind = "int"
	KindFloat  FieldKind = "float"
	KindBool   FieldKind = "bool"
	KindAny    FieldKind = "any"
)

// FieldSchema constrains a single input field.
type FieldSchema struct {
	Name     string
	Required bool
	Kind     FieldKind
	Enum     []string
}

// BrowserCapability is the contract the Resource Pool's sessions must
// expose to Tool Handlers. Implemented by internal/browser.Capability.
type BrowserCapability interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Refresh(ctx context.Context) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Clear(ctx context.Context, selector string) error
	ElementExists(ctx context.Context, selector string) (bool, error)
	GetText(ctx context.Context, selector string) (string, error)
	ExecuteScript(ctx context.Context, source string, args ...interface{}) (interface{}, error)
	Screenshot(ctx context.Context, full bool) ([]byte, error)
	Close(ctx context.Context) error
}

// StageResult records the outcome of one stage of an ExecutionPlan.
type StageResult struct {
	Index     int
	Completed []ToolName
	Failed    []ToolName
	Duration  time.Duration
}

// ExecutionContext is the live, then final, record of a plan's run.
type ExecutionContext struct {
	Completed map[ToolName]ToolOutput
	Failed    map[ToolName]struct{}
	Timings   map[ToolName]time.Duration
	Stages    []StageResult
	CacheHits map[ToolName]struct{}
}

// NewExecutionContext builds an empty context ready for a plan run.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		Completed: make(map[ToolName]ToolOutput),
		Failed:    make(map[ToolName]struct{}),
		Timings:   make(map[ToolName]time.Duration),
		CacheHits: make(map[ToolName]struct{}),
	}
}

// Success reports whether the plan completed with no failures.
func (c *ExecutionContext) Success() bool { return len(c.Failed) == 0 }

// MarshalSummary produces the JSON-shaped map described in §6 of the
// orchestration spec: completed/failed/stages/timings/cache_hits.
func (c *ExecutionContext) MarshalSummary() map[string]interface{} {
	completed := make(map[string]interface{}, len(c.Completed))
	for name, out := range c.Completed {
		if out.IsSuccess() {
			completed[string(name)] = out.Value
		} else {
			completed[string(name)] = map[string]interface{}{"error": out.Err.Error()}
		}
	}
	failed := make([]string, 0, len(c.Failed))
	for name := range c.Failed {
		failed = append(failed, string(name))
	}
	timings := make(map[string]int64, len(c.Timings))
	for name, d := range c.Timings {
		timings[string(name)] = d.Milliseconds()
	}
	stages := make([]map[string]interface{}, 0, len(c.Stages))
	for _, s := range c.Stages {
		stages = append(stages, map[string]interface{}{
			"index":     s.Index,
			"completed": namesToStrings(s.Completed),
			"failed":    namesToStrings(s.Failed),
			"duration_ms": s.Duration.Milliseconds(),
		})
	}
	cacheHits := make([]string, 0, len(c.CacheHits))
	for name := range c.CacheHits {
		cacheHits = append(cacheHits, string(name))
	}
	return map[string]interface{}{
		"completed":  completed,
		"failed":     failed,
		"stages":     stages,
		"timings":    timings,
		"cache_hits": cacheHits,
		"success":    c.Success(),
	}
}

func namesToStrings(names []ToolName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

// Stage is a maximal set of tool invocations that, by the dependency graph,
// may execute concurrently (modulo exclusion sub-staging).
type Stage struct {
	Tools [][]ToolName // sub-stages, in execution order
}

// ExecutionPlan is an ordered sequence of Stages for one plan run.
type ExecutionPlan struct {
	Stages []Stage
}

// PlanStep is a single normalized step coming out of the Planner Adapter.
type PlanStep struct {
	Tool  ToolName
	Input ToolInput
}

// PlanSpec is the normalized, tool-name-addressable form of a plan.
type PlanSpec struct {
	Steps        []PlanStep
	Dependencies []Dependency
	Confidence   float64
	Complexity   string
}

// InvocationRecord is appended exactly once per tool invocation attempt.
type InvocationRecord struct {
	Tool       ToolName
	StartedAt  time.Time
	Duration   time.Duration
	Success    bool
	InputSize  int
	OutputSize int
	ErrorKind  ErrorKind
	CacheHit   bool
}

// CacheEntry is one Result Cache record.
type CacheEntry struct {
	Fingerprint Fingerprint
	Tool        ToolName
	Payload     interface{}
	InsertedAt  time.Time
	ExpiresAt   time.Time
	Tags        map[string]string
}

// Fingerprint is a deterministic digest over (tool name, canonicalized
// input, invalidation tag values).
type Fingerprint uint64
