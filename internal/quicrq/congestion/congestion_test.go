package congestion

import (
	"testing"
	"time"
)

func TestNoneNeverSkips(t *testing.T) {
	var n None
	if n.ShouldSkip(0, 0xFE, true, time.Now()) {
		t.Fatal("expected None evaluator to never skip")
	}
}

func TestDelayBasedEntersCongestionOnFirstBacklog(t *testing.T) {
	d := NewDelayBased(0)
	now := time.Now()
	if d.ShouldSkip(0, 0x10, false, now) {
		t.Fatal("expected no skip before any backlog observed")
	}
	if d.IsCongested() {
		t.Fatal("expected not congested before first backlog signal")
	}
	d.ShouldSkip(0, 0x10, true, now)
	if !d.IsCongested() {
		t.Fatal("expected congestion to begin on the first backlog==true observation")
	}
	if d.PriorityThreshold() != MaxFlags {
		t.Fatalf("PriorityThreshold() = %#x, want maxFlags %#x", d.PriorityThreshold(), MaxFlags)
	}
}

func TestDelayBasedLowersThresholdEachEpochUnderBacklog(t *testing.T) {
	d := NewDelayBased(0)
	now := time.Now()
	d.ShouldSkip(0, 0x10, true, now)

	now = now.Add(Epoch)
	d.ShouldSkip(0, 0x10, true, now)
	if got := d.PriorityThreshold(); got != MaxFlags-1 {
		t.Fatalf("PriorityThreshold() = %#x, want %#x after one congested epoch", got, MaxFlags-1)
	}
}

func TestDelayBasedThresholdFloorsAt0x80(t *testing.T) {
	d := NewDelayBased(0)
	now := time.Now()
	d.ShouldSkip(0, 0x10, true, now)
	for i := 0; i < 300; i++ {
		now = now.Add(Epoch)
		d.ShouldSkip(0, 0x10, true, now)
	}
	if d.PriorityThreshold() != MinThreshold {
		t.Fatalf("PriorityThreshold() = %#x, want floor %#x", d.PriorityThreshold(), MinThreshold)
	}
}

func TestDelayBasedRecoversAndClearsCongestion(t *testing.T) {
	d := NewDelayBased(0)
	now := time.Now()
	d.ShouldSkip(0, 0x10, true, now)

	for i := 0; i < 5; i++ {
		now = now.Add(Epoch)
		d.ShouldSkip(0, 0x10, false, now)
	}
	if d.IsCongested() {
		t.Fatal("expected congestion to clear once threshold recovers to maxFlags")
	}
}

func TestDelayBasedSkipPlaceholderNeverCountsAsBacklog(t *testing.T) {
	d := NewDelayBased(0)
	now := time.Now()
	// flags == 0xFF must never itself drive congestion state, even if the
	// caller mistakenly reports backlog alongside it.
	skip := d.ShouldSkip(0, 0xFF, true, now)
	if skip {
		t.Fatal("expected no skip for an already-placeholder fragment on an uncongested evaluator")
	}
	if d.IsCongested() {
		t.Fatal("expected 0xFF flagged fragments not to trigger congestion")
	}
}

func TestGroupBasedDeclaresEndOfCongestionGroup(t *testing.T) {
	g := NewGroupBased()
	declared := g.Observe(10, 11, 0)
	if !declared {
		t.Fatal("expected congestion to be declared when cache leads by a full group")
	}
	eg, ok := g.EndOfCongestionGroup()
	if !ok || eg != 11 {
		t.Fatalf("EndOfCongestionGroup() = %d, %v; want 11, true", eg, ok)
	}
	if !g.ShouldSkip(10, 0x10, false, time.Time{}) {
		t.Fatal("expected group 10 to be skipped once end-of-congestion-group is 11")
	}
	if g.ShouldSkip(11, 0x10, false, time.Time{}) {
		t.Fatal("expected group 11 (the new group) not to be skipped")
	}
}

func TestGroupBasedNoCongestionWithoutTrailing(t *testing.T) {
	g := NewGroupBased()
	if g.Observe(10, 10, 0) {
		t.Fatal("expected no congestion declared when the source is caught up")
	}
	if g.ShouldSkip(10, 0x10, false, time.Time{}) {
		t.Fatal("expected no skip before congestion is ever declared")
	}
}

func TestGroupBasedReset(t *testing.T) {
	g := NewGroupBased()
	g.Observe(10, 11, 0)
	g.Reset()
	if _, ok := g.EndOfCongestionGroup(); ok {
		t.Fatal("expected Reset to clear the declared boundary")
	}
}
