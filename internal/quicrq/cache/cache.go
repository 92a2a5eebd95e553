// Package cache implements the fragment cache (C2): a splay-indexed,
// dual-ordered store of fragments for one media source. It is the random-
// access store stream-mode publishers read from and the arrival-ordered
// list datagram-mode publishers walk.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/fragment"
	"github.com/qmedia/quicrq/internal/quicrq/splay"
)

// ErrNotRealTime is returned by PurgeToGOB when called on a cache that was
// never marked real-time via SetRealTime.
var ErrNotRealTime = errors.New("cache: purge requires a real-time cache")

// WakeupFunc is invoked whenever new data lands in the cache, so that bound
// publisher contexts can be told to re-check their cursor.
type WakeupFunc func()

// PointListener is notified when the cache learns a new start or end point.
type PointListener func(group, object uint64)

type arrivalNode struct {
	frag       *fragment.Fragment
	prev, next *arrivalNode
}

type entry struct {
	frag *fragment.Fragment
	arr  *arrivalNode
}

// Cache stores fragments for one source URL.
type Cache struct {
	mu sync.Mutex

	tree *splay.Tree[fragment.ID, *entry]

	arrivalHead, arrivalTail *arrivalNode

	firstGroup, firstObject            uint64
	nextGroup, nextObject, nextOffset  uint64
	highestGroup, highestObject        uint64
	finalGroup, finalObject            uint64
	hasFinal                           bool
	nbObjectReceived                   uint64
	lowestFlags                        uint8
	subscribeStreamID                  uint64
	hasSubscribeStream                 bool
	isFeedClosed                       bool
	isRealTime                         bool
	cacheDeleteTime                    time.Time

	onWakeup            WakeupFunc
	startPointListeners []PointListener
	endPointListeners   []PointListener
}

// New creates an empty cache. onWakeup may be nil.
func New(onWakeup WakeupFunc) *Cache {
	return &Cache{
		tree:        splay.New[fragment.ID, *entry](fragment.ID.Less),
		lowestFlags: 0xFF,
		onWakeup:    onWakeup,
	}
}

// OnStartPoint registers a callback invoked from LearnStartPoint.
func (c *Cache) OnStartPoint(fn PointListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startPointListeners = append(c.startPointListeners, fn)
}

// OnEndPoint registers a callback invoked from LearnEndPoint.
func (c *Cache) OnEndPoint(fn PointListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endPointListeners = append(c.endPointListeners, fn)
}

type gapRange struct{ start, end uint64 }

// uncoveredGaps returns the sub-ranges of [start, end) not already covered
// by existing fragments of (group, object). Caller must hold c.mu.
func (c *Cache) uncoveredGaps(group, object, start, end uint64) []gapRange {
	if end <= start {
		return nil
	}
	var gaps []gapRange
	cursor := start

	if fl, ok := c.tree.Floor(fragment.ID{Group: group, Object: object, Offset: start}); ok &&
		fl.Key.Group == group && fl.Key.Object == object {
		existEnd := fl.Key.Offset + fl.Value.frag.DataLength
		if existEnd > cursor {
			cursor = existEnd
		}
	}

	for cursor < end {
		cl, ok := c.tree.Ceiling(fragment.ID{Group: group, Object: object, Offset: cursor})
		if !ok || cl.Key.Group != group || cl.Key.Object != object || cl.Key.Offset >= end {
			gaps = append(gaps, gapRange{cursor, end})
			break
		}
		if cl.Key.Offset > cursor {
			gaps = append(gaps, gapRange{cursor, cl.Key.Offset})
		}
		existEnd := cl.Key.Offset + cl.Value.frag.DataLength
		if existEnd <= cursor {
			cursor++ // defensive: guards against a zero-length record
			continue
		}
		cursor = existEnd
	}
	return gaps
}

// Propose offers a fragment to the cache. It returns ok=false (no error)
// when the fragment is silently dropped (below the retained window) or
// fully redundant (already covered), matching quicrq_fragment_propose_to_cache.
func (c *Cache) Propose(data []byte, group, object, offset, queueDelay uint64, flags uint8, nbPrev, objectLength uint64, currentTime time.Time) (bool, error) {
	c.mu.Lock()

	id := fragment.ID{Group: group, Object: object, Offset: offset}
	lowerBound := fragment.ID{Group: c.firstGroup, Object: c.firstObject, Offset: 0}
	if id.Less(lowerBound) {
		c.mu.Unlock()
		return false, nil
	}

	dataLength := uint64(len(data))
	end := offset + dataLength

	gaps := c.uncoveredGaps(group, object, offset, end)
	if len(gaps) == 0 {
		c.mu.Unlock()
		return false, nil
	}

	for _, g := range gaps {
		sub := data[g.start-offset : g.end-offset]
		buf := make([]byte, len(sub))
		copy(buf, sub)
		nf := &fragment.Fragment{
			ID:           fragment.ID{Group: group, Object: object, Offset: g.start},
			ObjectLength: objectLength,
			DataLength:   uint64(len(buf)),
			Data:         buf,
			Flags:        flags,
			QueueDelay:   queueDelay,
			CacheTime:    currentTime,
		}
		if g.start == 0 {
			nf.NbObjectsPreviousGroup = nbPrev
		}
		c.insert(nf)
	}

	if group > c.highestGroup || (group == c.highestGroup && object > c.highestObject) {
		c.highestGroup, c.highestObject = group, object
	}

	c.advance()

	if c.isObjectCompleteLocked(group, object) {
		c.nbObjectReceived++
	}

	c.mu.Unlock()

	if c.onWakeup != nil {
		c.onWakeup()
	}
	return true, nil
}

// insert adds a freshly-split fragment to both indexes. Caller holds c.mu.
func (c *Cache) insert(nf *fragment.Fragment) {
	arr := &arrivalNode{frag: nf}
	if c.arrivalTail == nil {
		c.arrivalHead = arr
	} else {
		arr.prev = c.arrivalTail
		c.arrivalTail.next = arr
	}
	c.arrivalTail = arr

	c.tree.Insert(nf.ID, &entry{frag: nf, arr: arr})

	if nf.Flags != fragment.SkipFlag && nf.Flags < c.lowestFlags {
		c.lowestFlags = nf.Flags
	}
}

// advance walks forward from next_group/next_object/next_offset while
// contiguous fragments tile sequence space, including across group
// boundaries confirmed by nb_objects_previous_group. Caller holds c.mu.
func (c *Cache) advance() {
	for {
		n, ok := c.tree.Find(fragment.ID{Group: c.nextGroup, Object: c.nextObject, Offset: c.nextOffset})
		if ok {
			f := n.Value.frag
			c.nextOffset += f.DataLength
			if f.IsLastFragment() {
				c.nextObject++
				c.nextOffset = 0
			}
			continue
		}

		if c.nextOffset == 0 {
			if n2, ok2 := c.tree.Find(fragment.ID{Group: c.nextGroup + 1, Object: 0, Offset: 0}); ok2 &&
				n2.Value.frag.NbObjectsPreviousGroup == c.nextObject {
				c.nextGroup++
				c.nextObject = 0
				c.nextOffset = 0
				continue
			}
		}
		break
	}
}

// isObjectCompleteLocked reports whether (group, object) is fully tiled from
// offset 0 through its recorded object length. Caller holds c.mu.
func (c *Cache) isObjectCompleteLocked(group, object uint64) bool {
	n, ok := c.tree.Find(fragment.ID{Group: group, Object: object, Offset: 0})
	if !ok {
		return false
	}
	objLen := n.Value.frag.ObjectLength
	return len(c.uncoveredGaps(group, object, 0, objLen)) == 0
}

// LearnStartPoint sets first_group/first_object, advances next_* to at
// least the new start, evicts everything below it, and notifies listeners
// so bound subscriber streams can emit a START-POINT message downstream.
func (c *Cache) LearnStartPoint(group, object uint64) {
	c.mu.Lock()
	c.firstGroup, c.firstObject = group, object
	start := fragment.ID{Group: group, Object: object, Offset: 0}
	frontier := fragment.ID{Group: c.nextGroup, Object: c.nextObject, Offset: c.nextOffset}
	if frontier.Less(start) {
		c.nextGroup, c.nextObject, c.nextOffset = group, object, 0
	}
	c.evictBefore(start)
	listeners := append([]PointListener(nil), c.startPointListeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(group, object)
	}
}

// LearnEndPoint sets final_group/final_object and wakes the source so
// fan-out can emit FIN messages.
func (c *Cache) LearnEndPoint(group, object uint64) {
	c.mu.Lock()
	c.finalGroup, c.finalObject = group, object
	c.hasFinal = true
	listeners := append([]PointListener(nil), c.endPointListeners...)
	c.mu.Unlock()

	if c.onWakeup != nil {
		c.onWakeup()
	}
	for _, l := range listeners {
		l(group, object)
	}
}

// evictBefore removes every fragment with ID < bound. Caller holds c.mu.
func (c *Cache) evictBefore(bound fragment.ID) {
	for {
		n, ok := c.tree.First()
		if !ok || !n.Key.Less(bound) {
			return
		}
		c.removeNode(n)
	}
}

// removeNode deletes a splay node and unlinks its arrival-list entry.
// Caller holds c.mu. The removed node's own `next` pointer is left intact
// so any in-flight arrival cursor sitting on it can still advance.
func (c *Cache) removeNode(n *splay.Node[fragment.ID, *entry]) {
	e := n.Value
	if e.arr.prev != nil {
		e.arr.prev.next = e.arr.next
	} else {
		c.arrivalHead = e.arr.next
	}
	if e.arr.next != nil {
		e.arr.next.prev = e.arr.prev
	} else {
		c.arrivalTail = e.arr.prev
	}
	c.tree.Delete(n)
}

// SetRealTime marks the cache as purgeable: older groups may be evicted
// once no reader needs them.
func (c *Cache) SetRealTime(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isRealTime = on
}

// PurgeToGOB evicts all fragments with group < min(lowestReaderGroup,
// next_group). Only legal on real-time caches.
func (c *Cache) PurgeToGOB(lowestReaderGroup uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isRealTime {
		return ErrNotRealTime
	}
	bound := lowestReaderGroup
	if c.nextGroup < bound {
		bound = c.nextGroup
	}
	c.evictBefore(fragment.ID{Group: bound, Object: 0, Offset: 0})
	if c.firstGroup < bound {
		c.firstGroup, c.firstObject = bound, 0
	}
	return nil
}

// GetFragment is the random-access lookup used by stream-mode publishers.
func (c *Cache) GetFragment(group, object, offset uint64) (*fragment.Fragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.tree.Find(fragment.ID{Group: group, Object: object, Offset: offset})
	if !ok {
		return nil, false
	}
	return n.Value.frag, true
}

// GetObjectProperties returns the metadata carried by every fragment of an
// object, reading it off the fragment at offset 0.
func (c *Cache) GetObjectProperties(group, object uint64) (length, nbPrev uint64, flags uint8, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, found := c.tree.Find(fragment.ID{Group: group, Object: object, Offset: 0})
	if !found {
		return 0, 0, 0, false
	}
	f := n.Value.frag
	return f.ObjectLength, f.NbObjectsPreviousGroup, f.Flags, true
}

// CopyObject reassembles (group, object) into buf if every byte of it is
// cached, returning the total length copied. It returns 0 if the object is
// incomplete, unknown, or buf is too small.
func (c *Cache) CopyObject(group, object uint64, buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.tree.Find(fragment.ID{Group: group, Object: object, Offset: 0})
	if !ok {
		return 0
	}
	total := n.Value.frag.ObjectLength
	if uint64(len(buf)) < total {
		return 0
	}
	if len(c.uncoveredGaps(group, object, 0, total)) != 0 {
		return 0
	}

	cur, ok := c.tree.Floor(fragment.ID{Group: group, Object: object, Offset: 0})
	for ok && cur != nil && cur.Key.Group == group && cur.Key.Object == object {
		f := cur.Value.frag
		copy(buf[f.Offset:f.Offset+f.DataLength], f.Data)
		next := c.tree.Successor(cur)
		cur = next
	}
	return int(total)
}

// Cursors returns the cache's next_group/next_object/next_offset.
func (c *Cache) Cursors() (group, object, offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextGroup, c.nextObject, c.nextOffset
}

// FirstPoint returns first_group/first_object.
func (c *Cache) FirstPoint() (group, object uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstGroup, c.firstObject
}

// HighestPoint returns highest_group/highest_object.
func (c *Cache) HighestPoint() (group, object uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestGroup, c.highestObject
}

// FinalPoint returns final_group/final_object and whether it is known.
func (c *Cache) FinalPoint() (group, object uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalGroup, c.finalObject, c.hasFinal
}

// NbObjectReceived returns the number of fully-received objects, for
// statistics only.
func (c *Cache) NbObjectReceived() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nbObjectReceived
}

// LowestFlags returns the priority summary across all cached fragments.
func (c *Cache) LowestFlags() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowestFlags
}

// SetSubscribeStreamID records the upstream stream binding used for a
// relay's cache-miss fan-out subscription.
func (c *Cache) SetSubscribeStreamID(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeStreamID = id
	c.hasSubscribeStream = true
}

// SubscribeStreamID returns the upstream stream binding, if any.
func (c *Cache) SubscribeStreamID() (id uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeStreamID, c.hasSubscribeStream
}

// SetFeedClosed marks whether the data-providing connection is closed.
func (c *Cache) SetFeedClosed(closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isFeedClosed = closed
}

// IsFeedClosed reports whether the data-providing connection is closed.
func (c *Cache) IsFeedClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFeedClosed
}

// SetCacheDeleteTime records when this cache becomes eligible for deletion.
func (c *Cache) SetCacheDeleteTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheDeleteTime = t
}

// CacheDeleteTime returns the scheduled deletion time (zero if unset).
func (c *Cache) CacheDeleteTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheDeleteTime
}

// ArrivalCursor is an opaque, safe-to-retain position in the cache's
// arrival-ordered list, used by the datagram publisher walker.
type ArrivalCursor struct {
	cache *Cache
	node  *arrivalNode
}

// ArrivalHead returns a cursor at the oldest retained fragment.
func (c *Cache) ArrivalHead() ArrivalCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ArrivalCursor{cache: c, node: c.arrivalHead}
}

// ArrivalTail returns a cursor at the most recently arrived fragment.
func (c *Cache) ArrivalTail() ArrivalCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ArrivalCursor{cache: c, node: c.arrivalTail}
}

// Valid reports whether the cursor currently references a fragment.
func (cur ArrivalCursor) Valid() bool { return cur.node != nil }

// Fragment returns the fragment at the cursor, or nil if Valid is false.
func (cur ArrivalCursor) Fragment() *fragment.Fragment {
	if cur.node == nil {
		return nil
	}
	return cur.node.frag
}

// Next returns a cursor at the next-arrived fragment. Once eviction has run
// past a node, Next continues to walk forward through nodes that may no
// longer be present in the random-access index — callers (the publisher
// walker) are expected to skip any fragment below their own start point.
func (cur ArrivalCursor) Next() ArrivalCursor {
	if cur.node == nil {
		return cur
	}
	cur.cache.mu.Lock()
	next := cur.node.next
	cur.cache.mu.Unlock()
	return ArrivalCursor{cache: cur.cache, node: next}
}
