package metrics

import (
	"testing"
	"time"

	"browsernerd-mcp-server/internal/toc/types"
)

type recordingSink struct {
	invocations []types.InvocationRecord
	summaries   int
}

func (s *recordingSink) EmitInvocation(rec types.InvocationRecord) {
	s.invocations = append(s.invocations, rec)
}
func (s *recordingSink) EmitPlanSummary(planID string, completed, failed int, duration time.Duration) {
	s.summaries++
}

func TestRecordUpdatesRollingStats(t *testing.T) {
	r := New(Config{Capacity: 10, EvictBatchPercent: 10})
	r.Record(types.InvocationRecord{Tool: "click", Success: true, Duration: 10 * time.Millisecond})
	r.Record(types.InvocationRecord{Tool: "click", Success: false, Duration: 30 * time.Millisecond, ErrorKind: types.ErrTimeout})

	stats, ok := r.SnapshotTool("click")
	if !ok {
		t.Fatal("expected stats present for click")
	}
	if stats.Count != 2 || stats.SuccessCount != 1 {
		t.Errorf("expected count=2 success=1, got count=%d success=%d", stats.Count, stats.SuccessCount)
	}
	if stats.MinDuration != 10*time.Millisecond || stats.MaxDuration != 30*time.Millisecond {
		t.Errorf("expected min=10ms max=30ms, got min=%v max=%v", stats.MinDuration, stats.MaxDuration)
	}
	if stats.AvgDuration != 20*time.Millisecond {
		t.Errorf("expected avg=20ms, got %v", stats.AvgDuration)
	}
	if stats.LastError != types.ErrTimeout {
		t.Errorf("expected last error timeout, got %v", stats.LastError)
	}
}

func TestRecordEvictsOldestBatchWhenFull(t *testing.T) {
	r := New(Config{Capacity: 10, EvictBatchPercent: 10})
	for i := 0; i < 10; i++ {
		r.Record(types.InvocationRecord{Tool: "click", Success: true})
	}
	if len(r.Recent(100)) != 10 {
		t.Fatalf("expected 10 records before eviction, got %d", len(r.Recent(100)))
	}
	// 11th record triggers evicting the oldest 10% (1 record) in a batch.
	r.Record(types.InvocationRecord{Tool: "click", Success: true})
	if got := len(r.Recent(100)); got != 10 {
		t.Errorf("expected ring to stay at capacity 10 after eviction, got %d", got)
	}
}

func TestRecentReturnsNewestLast(t *testing.T) {
	r := New(Config{Capacity: 10, EvictBatchPercent: 10})
	r.Record(types.InvocationRecord{Tool: "navigate"})
	r.Record(types.InvocationRecord{Tool: "click"})
	r.Record(types.InvocationRecord{Tool: "extract_text"})

	recent := r.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Tool != "click" || recent[1].Tool != "extract_text" {
		t.Errorf("expected [click, extract_text] newest-last, got %v", recent)
	}
}

func TestClearResetsRingAndStats(t *testing.T) {
	r := New(Config{Capacity: 10, EvictBatchPercent: 10})
	r.Record(types.InvocationRecord{Tool: "click", Success: true})
	r.Clear()

	if len(r.Recent(100)) != 0 {
		t.Error("expected empty ring after Clear")
	}
	if _, ok := r.SnapshotTool("click"); ok {
		t.Error("expected no stats for click after Clear")
	}
}

func TestRecordNotifiesSinks(t *testing.T) {
	sink := &recordingSink{}
	r := New(Config{Capacity: 10, EvictBatchPercent: 10}, sink)
	r.Record(types.InvocationRecord{Tool: "navigate", Success: true})
	r.EmitPlanSummary("plan-1", 1, 0, time.Second)

	if len(sink.invocations) != 1 {
		t.Errorf("expected 1 invocation forwarded to sink, got %d", len(sink.invocations))
	}
	if sink.summaries != 1 {
		t.Errorf("expected 1 plan summary forwarded to sink, got %d", sink.summaries)
	}
}

func TestSnapshotAllCoversEveryRecordedTool(t *testing.T) {
	r := New(Config{Capacity: 10, EvictBatchPercent: 10})
	r.Record(types.InvocationRecord{Tool: "navigate", Success: true})
	r.Record(types.InvocationRecord{Tool: "click", Success: true})

	all := r.SnapshotAll()
	if len(all) != 2 {
		t.Fatalf("expected stats for 2 tools, got %d", len(all))
	}
}

func TestMangleSinkTolerateNilEngine(t *testing.T) {
	sink := NewMangleSink(nil)
	sink.EmitInvocation(types.InvocationRecord{Tool: "navigate"})
	sink.EmitPlanSummary("plan-1", 1, 0, time.Second)
}
