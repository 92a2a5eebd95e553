// Package congestion implements the two selectable skip-decision policies
// (C8): a delay-based per-connection priority-threshold controller, and a
// group-based end-of-congestion-group skip-ahead controller. A third mode,
// None, never skips.
package congestion

import "time"

// Epoch is the fixed congestion re-evaluation interval, used as a cheap
// proxy for RTT rather than measuring it directly.
const Epoch = 50 * time.Millisecond

// MaxFlags bounds the priority threshold from above; flags at or above it
// are the lowest-priority fragments and the first to be skipped.
const MaxFlags uint8 = 0xFE

// MinThreshold bounds the priority threshold from below.
const MinThreshold uint8 = 0x80

// Evaluator decides, per fragment or per object, whether to skip sending it
// under backlog.
type Evaluator interface {
	// ShouldSkip reports whether a unit with this priority should be
	// dropped, given the caller's current backlog signal and group.
	ShouldSkip(group uint64, flags uint8, hasBacklog bool, now time.Time) bool
}

// None never skips; it is the "no congestion control" mode.
type None struct{}

// ShouldSkip always returns false.
func (None) ShouldSkip(group uint64, flags uint8, hasBacklog bool, now time.Time) bool {
	return false
}

// DelayBased tracks backlog over time and lowers/raises an admission
// threshold once per Epoch, per connection.
type DelayBased struct {
	hasBacklog        bool
	isCongested       bool
	priorityThreshold uint8
	oldThreshold      uint8
	maxFlags          uint8
	epochStart        time.Time
	epochStarted      bool
}

// NewDelayBased creates a delay-based evaluator. maxFlags defaults to
// MaxFlags when zero.
func NewDelayBased(maxFlags uint8) *DelayBased {
	if maxFlags == 0 {
		maxFlags = MaxFlags
	}
	return &DelayBased{
		priorityThreshold: maxFlags,
		oldThreshold:      maxFlags,
		maxFlags:          maxFlags,
	}
}

// ShouldSkip reports the skip decision for one fragment and advances the
// evaluator's epoch state as a side effect. flags == 0xFF (already a skip
// placeholder) never counts as a backlog signal.
func (d *DelayBased) ShouldSkip(group uint64, flags uint8, hasBacklog bool, now time.Time) bool {
	if flags != 0xFF {
		d.observe(hasBacklog, now)
	}
	return d.isCongested && flags >= d.priorityThreshold
}

func (d *DelayBased) observe(hasBacklog bool, now time.Time) {
	if !d.epochStarted {
		d.epochStart = now
		d.epochStarted = true
	}
	if hasBacklog && !d.hasBacklog {
		d.isCongested = true
		d.priorityThreshold = d.maxFlags
	}
	d.hasBacklog = hasBacklog

	if now.Sub(d.epochStart) < Epoch {
		return
	}
	d.epochStart = now

	if d.hasBacklog {
		if d.priorityThreshold > MinThreshold {
			d.priorityThreshold--
		}
	} else {
		if d.priorityThreshold < d.maxFlags {
			d.priorityThreshold++
		}
		if d.priorityThreshold >= d.maxFlags {
			d.isCongested = false
		}
	}
}

// IsCongested reports the evaluator's current congestion state, for tests
// and diagnostics.
func (d *DelayBased) IsCongested() bool { return d.isCongested }

// PriorityThreshold returns the current admission threshold.
func (d *DelayBased) PriorityThreshold() uint8 { return d.priorityThreshold }

// GroupBased detects backlog as the source cursor trailing the cache's
// leading group, and responds by skipping every fragment below a group
// boundary so receivers jump ahead to the newest group rather than
// continuing to drain a stale one.
type GroupBased struct {
	// BacklogObjects is the number of objects' worth of trailing distance
	// that counts as backlog; the spec default is 5.
	BacklogObjects uint64

	endOfCongestionGroup uint64
	hasEndOfCongestion   bool
}

// NewGroupBased creates a group-based evaluator with the spec default
// backlog threshold of 5 objects.
func NewGroupBased() *GroupBased {
	return &GroupBased{BacklogObjects: 5}
}

// Observe reports the source's current cursor group against the cache's
// leading (next) group, and returns whether a new congestion group boundary
// was just declared.
func (g *GroupBased) Observe(sourceGroup, cacheNextGroup, sourceObjectsBehind uint64) bool {
	trailing := sourceObjectsBehind
	if cacheNextGroup > sourceGroup {
		// Any positive group lag already counts as backlog by object count,
		// in addition to an explicit object tally from the caller.
		trailing += g.BacklogObjects
	}
	if trailing < g.BacklogObjects {
		return false
	}
	g.endOfCongestionGroup = sourceGroup + 1
	g.hasEndOfCongestion = true
	return true
}

// ShouldSkip drops every fragment whose group is below the declared
// end-of-congestion-group boundary.
func (g *GroupBased) ShouldSkip(group uint64, flags uint8, hasBacklog bool, now time.Time) bool {
	return g.hasEndOfCongestion && group < g.endOfCongestionGroup
}

// EndOfCongestionGroup returns the boundary group set by the last Observe
// that declared congestion, and whether one has been declared yet.
func (g *GroupBased) EndOfCongestionGroup() (group uint64, ok bool) {
	return g.endOfCongestionGroup, g.hasEndOfCongestion
}

// Reset clears a declared congestion boundary, e.g. once the subscriber has
// caught up to the newest group.
func (g *GroupBased) Reset() {
	g.hasEndOfCongestion = false
	g.endOfCongestionGroup = 0
}
