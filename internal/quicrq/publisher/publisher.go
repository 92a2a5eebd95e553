// Package publisher implements the per-subscriber walker (C4): the
// sequential discipline used by stream-mode transports, and the
// arrival-order discipline used by datagram transport. Both disciplines
// read from a shared fragment cache and consult a congestion evaluator
// before emitting data.
package publisher

import (
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/cache"
	"github.com/qmedia/quicrq/internal/quicrq/fragment"
	"github.com/qmedia/quicrq/internal/quicrq/splay"
)

// Evaluator is the subset of a congestion evaluator the walker consults.
type Evaluator interface {
	ShouldSkip(group uint64, flags uint8, hasBacklog bool, now time.Time) bool
}

type objKey struct{ group, object uint64 }

func lessObjKey(a, b objKey) bool {
	if a.group != b.group {
		return a.group < b.group
	}
	return a.object < b.object
}

// ObjectState is the per-object bookkeeping record a publisher keeps to
// decide when sibling objects become contiguous and prunable.
type ObjectState struct {
	Group, Object          uint64
	NbObjectsPreviousGroup uint64
	ObjectLength           uint64
	BytesSent              uint64
	IsDropped              bool
	IsSent                 bool
}

// Context is one subscriber's walk over a source's cache. Exactly one of
// the sequential or datagram stepping methods is used for the lifetime of a
// context, matching the transport mode chosen at subscription time.
type Context struct {
	cache      *cache.Cache
	evaluator  Evaluator
	states     *splay.Tree[objKey, *ObjectState]

	currentGroup, currentObject, currentOffset uint64
	isCurrentObjectSkipped                     bool
	isCurrentFragmentSent                      bool
	hasBacklog                                 bool
	endOfCongestionGroupID                     uint64

	startGroup, startObject uint64
	arrival                 cache.ArrivalCursor
	arrivalStarted          bool
}

// New creates a publisher context over src, starting at (startGroup,
// startObject). evaluator may be nil, in which case nothing is ever
// skipped.
func New(src *cache.Cache, evaluator Evaluator, startGroup, startObject uint64) *Context {
	return &Context{
		cache:        src,
		evaluator:    evaluator,
		states:       splay.New[objKey, *ObjectState](lessObjKey),
		currentGroup: startGroup, currentObject: startObject,
		startGroup: startGroup, startObject: startObject,
	}
}

func (c *Context) shouldSkip(group uint64, flags uint8, now time.Time) bool {
	if c.evaluator == nil {
		return false
	}
	return c.evaluator.ShouldSkip(group, flags, c.hasBacklog, now)
}

// SetBacklog records the caller's current backlog signal, consulted by the
// congestion evaluator on the next step.
func (c *Context) SetBacklog(on bool) { c.hasBacklog = on }

// GetDataResult is the outcome of one sequential-walker step.
type GetDataResult struct {
	Group, Object   uint64
	Data            []byte
	Length          uint64
	IsNewGroup      bool
	ObjectLength    uint64
	Flags           uint8
	IsMediaFinished bool
	IsActive        bool
	ShouldSkip      bool
}

// GetData advances the sequential walker. When dryRun is true no bytes are
// copied and no cursor state changes; the call exists solely to consult the
// congestion evaluator and report ShouldSkip for the caller's scheduling
// decision. space bounds the number of bytes a real copy may return.
func (c *Context) GetData(space uint64, dryRun bool, now time.Time) GetDataResult {
	if fg, fo, ok := c.cache.FinalPoint(); ok && (c.currentGroup > fg || (c.currentGroup == fg && c.currentObject > fo)) {
		return GetDataResult{IsMediaFinished: true}
	}

	group, object, offset := c.currentGroup, c.currentObject, c.currentOffset
	isNewGroup := offset == 0 && object == 0

	f, ok := c.cache.GetFragment(group, object, offset)
	if !ok && offset > 0 {
		// A previous copy stopped inside a fragment: walk the object's
		// fragments from offset 0 to find the one covering offset.
		for o := uint64(0); o < offset; {
			cf, cok := c.cache.GetFragment(group, object, o)
			if !cok || cf.DataLength == 0 {
				break
			}
			if o+cf.DataLength > offset {
				f, ok = cf, true
				break
			}
			o += cf.DataLength
		}
	}
	if !ok && offset == 0 {
		// Confirm a safe skip across a group boundary: the previous object
		// was marked skipped, or this is the very first lookup at a group
		// seam; either way only jump if the candidate group's first
		// fragment declares the right predecessor count.
		if nf, nok := c.cache.GetFragment(group+1, 0, 0); nok && nf.NbObjectsPreviousGroup == object {
			group, object, offset = group+1, 0, 0
			isNewGroup = true
			f = nf
			ok = true
		}
	}
	if !ok {
		if c.isCurrentObjectSkipped {
			return GetDataResult{IsActive: true}
		}
		return GetDataResult{IsActive: false}
	}

	skip := c.shouldSkip(group, f.Flags, now)
	if dryRun {
		return GetDataResult{
			Group: group, Object: object,
			ObjectLength: f.ObjectLength,
			Flags:        f.Flags,
			IsNewGroup:   isNewGroup,
			IsActive:     true,
			ShouldSkip:   skip,
		}
	}

	avail := f.DataLength - (offset - f.Offset)
	n := avail
	if n > space {
		n = space
	}
	data := f.Data[offset-f.Offset : offset-f.Offset+n]

	c.currentGroup, c.currentObject = group, object
	c.currentOffset = offset + n
	complete := c.currentOffset-f.Offset >= f.DataLength && f.IsLastFragment()
	if complete {
		c.recordObjectSent(group, object, f.NbObjectsPreviousGroup, f.ObjectLength, skip)
		c.currentObject++
		c.currentOffset = 0
		c.isCurrentObjectSkipped = skip
	}
	c.isCurrentFragmentSent = true

	return GetDataResult{
		Group: group, Object: object,
		Data:         data,
		Length:       n,
		IsNewGroup:   isNewGroup,
		ObjectLength: f.ObjectLength,
		Flags:        f.Flags,
		IsActive:     true,
		ShouldSkip:   skip,
	}
}

func (c *Context) recordObjectSent(group, object, nbPrev, objLen uint64, dropped bool) {
	key := objKey{group, object}
	n := c.states.Insert(key, &ObjectState{
		Group: group, Object: object,
		NbObjectsPreviousGroup: nbPrev,
		ObjectLength:           objLen,
		BytesSent:              objLen,
		IsDropped:              dropped,
		IsSent:                 true,
	})
	_ = n
	c.pruneContiguous()
}

// pruneContiguous removes sent object-state records once they are no longer
// needed: every record with (group, object) below the walker's own cursor.
func (c *Context) pruneContiguous() {
	for {
		first, ok := c.states.First()
		if !ok {
			return
		}
		if first.Key.group > c.currentGroup ||
			(first.Key.group == c.currentGroup && first.Key.object >= c.currentObject) {
			return
		}
		if !first.Value.IsSent {
			return
		}
		c.states.Delete(first)
	}
}

// ObjectState returns the tracked state for (group, object), if retained.
func (c *Context) ObjectState(group, object uint64) (*ObjectState, bool) {
	n, ok := c.states.Find(objKey{group, object})
	if !ok {
		return nil, false
	}
	return n.Value, true
}

// DatagramStep is the outcome of one datagram-walker advance.
type DatagramStep struct {
	Fragment   *fragment.Fragment
	ShouldSkip bool
	Active     bool
}

// AdvanceDatagram walks the cache's arrival-ordered list looking for the
// next un-sent fragment belonging to an object not already dropped, whose
// (group, object) is at or past (start_group, start_object). The congestion
// evaluator is consulted once per object; every fragment of a dropped
// object is skipped without a fresh evaluation.
func (c *Context) AdvanceDatagram(now time.Time) DatagramStep {
	if !c.arrivalStarted {
		c.arrival = c.cache.ArrivalHead()
		c.arrivalStarted = true
	}

	for c.arrival.Valid() {
		f := c.arrival.Fragment()
		cur := c.arrival
		c.arrival = c.arrival.Next()

		if f.Group < c.startGroup || (f.Group == c.startGroup && f.Object < c.startObject) {
			continue
		}

		st, known := c.ObjectState(f.Group, f.Object)
		if known && st.IsSent {
			continue
		}

		var skip bool
		if known {
			skip = st.IsDropped
		} else {
			skip = c.shouldSkip(f.Group, f.Flags, now)
			c.states.Insert(objKey{f.Group, f.Object}, &ObjectState{
				Group: f.Group, Object: f.Object,
				NbObjectsPreviousGroup: f.NbObjectsPreviousGroup,
				ObjectLength:           f.ObjectLength,
				IsDropped:              skip,
			})
		}

		if n, ok := c.states.Find(objKey{f.Group, f.Object}); ok {
			n.Value.BytesSent += f.DataLength
			if f.IsLastFragment() {
				n.Value.IsSent = true
			}
		}
		c.pruneContiguous()

		_ = cur
		return DatagramStep{Fragment: f, ShouldSkip: skip, Active: true}
	}
	return DatagramStep{Active: false}
}

// Cursor returns the sequential walker's current position.
func (c *Context) Cursor() (group, object, offset uint64) {
	return c.currentGroup, c.currentObject, c.currentOffset
}
