// Package metrics implements Metrics & Audit: a bounded ring buffer of
// InvocationRecords plus incrementally maintained per-tool rolling stats,
// grounded on the teacher's Mangle Engine fact buffer
// (internal/mangle/engine.go) circular-trim-with-batch-eviction design.
package metrics

import (
	"context"
	"sync"
	"time"

	"browsernerd-mcp-server/internal/mangle"
	"browsernerd-mcp-server/internal/toc/types"
)

// ToolStats is an immutable snapshot of one tool's rolling statistics.
type ToolStats struct {
	Tool         types.ToolName
	Count        int
	SuccessCount int
	MinDuration  time.Duration
	MaxDuration  time.Duration
	AvgDuration  time.Duration
	LastAt       time.Time
	LastError    types.ErrorKind
}

type mutableStats struct {
	count        int
	successCount int
	totalDur     time.Duration
	minDur       time.Duration
	maxDur       time.Duration
	lastAt       time.Time
	lastError    types.ErrorKind
}

func (m *mutableStats) apply(rec types.InvocationRecord) {
	m.count++
	if rec.Success {
		m.successCount++
	} else {
		m.lastError = rec.ErrorKind
	}
	if m.count == 1 || rec.Duration < m.minDur {
		m.minDur = rec.Duration
	}
	if rec.Duration > m.maxDur {
		m.maxDur = rec.Duration
	}
	m.totalDur += rec.Duration
	m.lastAt = rec.StartedAt
}

func (m mutableStats) snapshot(tool types.ToolName) ToolStats {
	avg := time.Duration(0)
	if m.count > 0 {
		avg = m.totalDur / time.Duration(m.count)
	}
	return ToolStats{
		Tool:         tool,
		Count:        m.count,
		SuccessCount: m.successCount,
		MinDuration:  m.minDur,
		MaxDuration:  m.maxDur,
		AvgDuration:  avg,
		LastAt:       m.lastAt,
		LastError:    m.lastError,
	}
}

// Sink optionally receives every recorded invocation, e.g. to push Mangle
// facts. Implemented by MangleSink below; internal/recorder.Recorder is
// wired to the Plan Executor as its TraceSink, not as a Sink.
type Sink interface {
	EmitInvocation(rec types.InvocationRecord)
	EmitPlanSummary(planID string, completed, failed int, duration time.Duration)
}

// Ring is a bounded, batch-evicting ring buffer of InvocationRecords with
// incremental per-tool rolling stats, matching the distilled spec's K=1000,
// evict-oldest-10%-in-batches design.
type Ring struct {
	mu       sync.Mutex
	capacity int
	evictPct int
	records  []types.InvocationRecord
	start    int // logical index of records[0]
	stats    map[types.ToolName]*mutableStats
	sinks    []Sink
}

// Config controls ring sizing.
type Config struct {
	Capacity         int
	EvictBatchPercent int
}

// New builds a Ring per cfg, with optional sinks notified on every record.
func New(cfg Config, sinks ...Sink) *Ring {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.EvictBatchPercent <= 0 {
		cfg.EvictBatchPercent = 10
	}
	return &Ring{
		capacity: cfg.Capacity,
		evictPct: cfg.EvictBatchPercent,
		stats:    make(map[types.ToolName]*mutableStats),
		sinks:    sinks,
	}
}

// Record appends exactly one InvocationRecord, evicting the oldest 10% in
// one batch when the buffer is full, and updates the tool's rolling stats
// incrementally so snapshots cost O(tool count).
func (r *Ring) Record(rec types.InvocationRecord) {
	r.mu.Lock()
	if len(r.records) >= r.capacity {
		evictCount := (r.capacity * r.evictPct) / 100
		if evictCount < 1 {
			evictCount = 1
		}
		if evictCount > len(r.records) {
			evictCount = len(r.records)
		}
		r.records = append([]types.InvocationRecord{}, r.records[evictCount:]...)
		r.start += evictCount
	}
	r.records = append(r.records, rec)

	st, ok := r.stats[rec.Tool]
	if !ok {
		st = &mutableStats{}
		r.stats[rec.Tool] = st
	}
	st.apply(rec)
	r.mu.Unlock()

	for _, s := range r.sinks {
		s.EmitInvocation(rec)
	}
}

// SnapshotTool returns the current rolling stats for one tool.
func (r *Ring) SnapshotTool(name types.ToolName) (ToolStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[name]
	if !ok {
		return ToolStats{}, false
	}
	return st.snapshot(name), true
}

// SnapshotAll returns rolling stats for every tool with at least one
// recorded invocation.
func (r *Ring) SnapshotAll() []ToolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolStats, 0, len(r.stats))
	for name, st := range r.stats {
		out = append(out, st.snapshot(name))
	}
	return out
}

// Recent returns up to limit of the most recently recorded invocations,
// newest last.
func (r *Ring) Recent(limit int) []types.InvocationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]types.InvocationRecord, limit)
	copy(out, r.records[len(r.records)-limit:])
	return out
}

// Clear empties the ring and resets all rolling stats.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
	r.start = 0
	r.stats = make(map[types.ToolName]*mutableStats)
}

// EmitPlanSummary fans a plan-level summary out to every configured sink.
func (r *Ring) EmitPlanSummary(planID string, completed, failed int, duration time.Duration) {
	for _, s := range r.sinks {
		s.EmitPlanSummary(planID, completed, failed, duration)
	}
}

// MangleSink pushes toc_invocation/toc_plan_summary facts into the shared
// Mangle engine so the rest of the MCP server's reasoning tools
// (BrowserReasonTool, DiagnosePageTool) observe TOC activity the same way
// they observe browser-event facts.
type MangleSink struct {
	engine *mangle.Engine
}

// NewMangleSink wraps engine as a metrics Sink.
func NewMangleSink(engine *mangle.Engine) *MangleSink {
	return &MangleSink{engine: engine}
}

// EmitInvocation pushes one toc_invocation fact. Never blocks the caller
// for longer than the engine's own buffer append, matching the "sink must
// not block" external interface requirement.
func (s *MangleSink) EmitInvocation(rec types.InvocationRecord) {
	if s.engine == nil {
		return
	}
	_ = s.engine.AddFacts(context.Background(), []mangle.Fact{{
		Predicate: "toc_invocation",
		Args: []interface{}{
			string(rec.Tool),
			rec.Success,
			rec.Duration.Milliseconds(),
			rec.CacheHit,
			string(rec.ErrorKind),
		},
		Timestamp: rec.StartedAt,
	}})
}

// EmitPlanSummary pushes one toc_plan_summary fact.
func (s *MangleSink) EmitPlanSummary(planID string, completed, failed int, duration time.Duration) {
	if s.engine == nil {
		return
	}
	_ = s.engine.AddFacts(context.Background(), []mangle.Fact{{
		Predicate: "toc_plan_summary",
		Args: []interface{}{
			planID,
			completed,
			failed,
			duration.Milliseconds(),
		},
	}})
}
