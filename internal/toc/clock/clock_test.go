package clock

import (
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected Now() == start, got %v", c.Now())
	}
	c.Advance(time.Hour)
	if want := start.Add(time.Hour); !c.Now().Equal(want) {
		t.Errorf("expected Now() == %v after Advance, got %v", want, c.Now())
	}
}

func TestFakeClockSet(t *testing.T) {
	c := NewFakeClock(time.Now())
	pinned := time.Date(2030, 5, 5, 12, 0, 0, 0, time.UTC)
	c.Set(pinned)
	if !c.Now().Equal(pinned) {
		t.Errorf("expected Now() == pinned time, got %v", c.Now())
	}
}

func TestFakeClockNewIDIsSequentialAndDeterministic(t *testing.T) {
	c := NewFakeClock(time.Now())
	first := c.NewID()
	second := c.NewID()
	if first == second {
		t.Fatal("expected distinct sequential IDs")
	}
	if first != "fake-1" || second != "fake-2" {
		t.Errorf("expected fake-1 then fake-2, got %s then %s", first, second)
	}
}

func TestSystemClockImplementsInterface(t *testing.T) {
	var _ Clock = SystemClock{}
	var _ Clock = (*FakeClock)(nil)
	sc := SystemClock{}
	if sc.Now().IsZero() {
		t.Error("expected SystemClock.Now() to return a non-zero time")
	}
	if sc.NewID() == "" {
		t.Error("expected SystemClock.NewID() to return a non-empty id")
	}
}
