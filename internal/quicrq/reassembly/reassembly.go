// Package reassembly implements the receiver side out-of-order to in-order
// object rebuild (C3): a splay of in-flight objects keyed by (group,
// object), each holding a sorted run-list of received byte ranges.
package reassembly

import (
	"sort"
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/fragment"
	"github.com/qmedia/quicrq/internal/quicrq/splay"
)

// DeliveryMode describes how a completed object reached the application.
type DeliveryMode int

const (
	// InSequence means the object matched (next_group, next_object) exactly.
	InSequence DeliveryMode = iota
	// Peek means the object completed out of order, ahead of the cursor.
	Peek
	// Placeholder means this delivery is a synthesized skip, not real data.
	Placeholder
)

// SubscriptionOrder selects how completed objects are surfaced to the
// application; it is fixed for the lifetime of one subscription.
type SubscriptionOrder int

const (
	// OutOfOrder delivers any object as soon as it completes.
	OutOfOrder SubscriptionOrder = iota
	// InOrder delivers objects in sequence; an object that completes ahead
	// of the cursor is delivered once with mode Peek and is not delivered
	// again when the cursor reaches it.
	InOrder
	// InOrderSkipGroupAhead delivers in-sequence, but fast-forwards across a
	// stalled group by synthesizing placeholder deliveries once the next
	// group's object 0 arrives.
	InOrderSkipGroupAhead
)

// DeliverFunc receives one completed object's reassembled bytes.
type DeliverFunc func(group, object uint64, data []byte, flags uint8, mode DeliveryMode)

type objKey struct{ group, object uint64 }

func lessObjKey(a, b objKey) bool {
	if a.group != b.group {
		return a.group < b.group
	}
	return a.object < b.object
}

type byteRange struct{ start, end uint64 }

type inflight struct {
	ranges     []byteRange
	finalOff   uint64
	hasFinal   bool
	flags      uint8
	nbPrevGrp  uint64
	hasNbPrev  bool
	receivedAt time.Time
}

func (o *inflight) received() uint64 {
	var total uint64
	for _, r := range o.ranges {
		total += r.end - r.start
	}
	return total
}

func (o *inflight) complete() bool {
	return o.hasFinal && o.received() == o.finalOff
}

// addRange merges [start, end) into the object's range list, truncating the
// new range against any overlap rather than overwriting existing data.
func (o *inflight) addRange(start, end uint64) {
	if end <= start {
		return
	}
	segments := []byteRange{{start, end}}
	for _, ex := range o.ranges {
		var next []byteRange
		for _, s := range segments {
			if ex.end <= s.start || ex.start >= s.end {
				next = append(next, s)
				continue
			}
			if s.start < ex.start {
				next = append(next, byteRange{s.start, ex.start})
			}
			if s.end > ex.end {
				next = append(next, byteRange{ex.end, s.end})
			}
		}
		segments = next
		if len(segments) == 0 {
			break
		}
	}
	o.ranges = append(o.ranges, segments...)
	sort.Slice(o.ranges, func(i, j int) bool { return o.ranges[i].start < o.ranges[j].start })
}

// reassemble concatenates the object's ranges. Caller must only call this
// once complete() is true.
func (o *inflight) reassemble(data map[uint64][]byte) []byte {
	buf := make([]byte, o.finalOff)
	for off, chunk := range data {
		copy(buf[off:], chunk)
	}
	return buf
}

// Reassembly drives one receiver-side object stream.
type Reassembly struct {
	order SubscriptionOrder

	tree *splay.Tree[objKey, *inflight]
	// fragments holds the raw byte payload per (group, object, offset),
	// kept separately from inflight so addRange only tracks coverage.
	fragments map[objKey]map[uint64][]byte

	nextGroup, nextObject uint64

	finalGroup, finalObject uint64
	hasFinal                bool
	isFinished              bool

	deliver DeliverFunc
}

// New creates a reassembly context. order is fixed for the subscription's
// lifetime; deliver is called for every object that becomes eligible for
// delivery under that order.
func New(order SubscriptionOrder, deliver DeliverFunc) *Reassembly {
	return &Reassembly{
		order:     order,
		tree:      splay.New[objKey, *inflight](lessObjKey),
		fragments: make(map[objKey]map[uint64][]byte),
		deliver:   deliver,
	}
}

// Input offers one received fragment. last indicates this fragment reaches
// the end of the object (offset+length == final_offset).
func (r *Reassembly) Input(group, object, offset uint64, last bool, flags uint8, nbPrev uint64, data []byte, length uint64, currentTime time.Time) {
	key := objKey{group, object}
	below := objKey{r.nextGroup, r.nextObject}
	if lessObjKey(key, below) {
		return
	}

	n, ok := r.tree.Find(key)
	var o *inflight
	if ok {
		o = n.Value
	} else {
		o = &inflight{receivedAt: currentTime}
		r.tree.Insert(key, o)
	}

	o.addRange(offset, offset+length)
	if last {
		o.hasFinal = true
		o.finalOff = offset + length
	}
	if offset == 0 {
		o.flags = flags
		o.nbPrevGrp = nbPrev
		o.hasNbPrev = true
	}

	byOffset, ok := r.fragments[key]
	if !ok {
		byOffset = make(map[uint64][]byte)
		r.fragments[key] = byOffset
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	byOffset[offset] = buf

	if !o.complete() {
		return
	}

	full := o.reassemble(byOffset)
	delete(r.fragments, key)

	switch {
	case key == below:
		r.deliver(group, object, full, o.flags, InSequence)
		r.advancePast(key)
		r.sweep()
	case r.order == InOrderSkipGroupAhead && key.object == 0 && key.group == r.nextGroup+1 &&
		o.hasNbPrev && o.nbPrevGrp >= r.nextObject:
		// This object is the next group's object 0, and its
		// nb_objects_previous_group confirms the stalled group really held
		// that many objects — the rest simply never arrived, and never will.
		// Skip the Peek delivery: synthesize placeholders for what's
		// missing, deliver this object in sequence, then resume sweeping.
		r.deliverPlaceholderRun(r.nextGroup, r.nextObject, o.nbPrevGrp)
		if dn, ok := r.tree.Find(key); ok {
			r.tree.Delete(dn)
		}
		r.nextGroup, r.nextObject = key.group, key.object
		r.deliver(group, object, full, o.flags, InSequence)
		r.nextObject++
		r.sweep()
	default:
		r.deliver(group, object, full, o.flags, Peek)
	}
}

// advancePast moves next_group/next_object one step beyond the object just
// delivered in sequence.
func (r *Reassembly) advancePast(key objKey) {
	n, ok := r.tree.Find(key)
	if ok {
		r.tree.Delete(n)
	}
	r.nextGroup, r.nextObject = key.group, key.object+1
}

// sweep moves the cursor past every subsequent object that is already
// complete (an object already delivered with mode Peek is not delivered
// again), honoring group boundaries via nb_objects_previous_group, and —
// under InOrderSkipGroupAhead — synthesizes placeholder deliveries across a
// stalled group once the next group's object 0 has arrived.
func (r *Reassembly) sweep() {
	for {
		key := objKey{r.nextGroup, r.nextObject}
		n, ok := r.tree.Find(key)
		if ok && n.Value.complete() {
			// Input drops an object's payload once it has delivered it, so a
			// complete object with no payload left was already peeked.
			if byOffset, pending := r.fragments[key]; pending {
				full := n.Value.reassemble(byOffset)
				delete(r.fragments, key)
				r.deliver(key.group, key.object, full, n.Value.flags, InSequence)
			}
			r.tree.Delete(n)
			r.nextGroup, r.nextObject = key.group, key.object+1
			continue
		}

		if r.order != InOrderSkipGroupAhead {
			return
		}

		nextGroupKey := objKey{r.nextGroup + 1, 0}
		gn, gok := r.tree.Find(nextGroupKey)
		if !gok || !gn.Value.hasNbPrev || gn.Value.nbPrevGrp < r.nextObject {
			return
		}
		// Fast-forward: the previous group held nb_prev objects total, but
		// the sweep stalled waiting on next_object, which never arrived.
		// Synthesize placeholder deliveries for every object between the
		// stall point and the group's true end, then continue into the new
		// group from object 0.
		r.deliverPlaceholderRun(r.nextGroup, r.nextObject, gn.Value.nbPrevGrp)
		r.nextGroup++
		r.nextObject = 0
	}
}

// deliverPlaceholderRun synthesizes skip deliveries for every object of
// group in [startObject, endObject) that never arrived. Any object that did
// complete out of order was already delivered with mode Peek and is removed
// here without re-delivery.
func (r *Reassembly) deliverPlaceholderRun(group, startObject, endObject uint64) {
	for o := startObject; o < endObject; o++ {
		key := objKey{group, o}
		if n, ok := r.tree.Find(key); ok {
			r.tree.Delete(n)
			delete(r.fragments, key)
			continue
		}
		r.deliver(group, o, nil, fragment.SkipFlag, Placeholder)
	}
}

// LearnStart jumps next_object forward: objects behind the new start are
// assumed repaired by means outside reassembly (e.g. a cache fetch).
func (r *Reassembly) LearnStart(group, object uint64) {
	key := objKey{group, object}
	if lessObjKey(objKey{r.nextGroup, r.nextObject}, key) {
		r.nextGroup, r.nextObject = group, object
	}
	r.evictBelow(key)
}

func (r *Reassembly) evictBelow(bound objKey) {
	for {
		n, ok := r.tree.First()
		if !ok || !lessObjKey(n.Key, bound) {
			return
		}
		delete(r.fragments, n.Key)
		r.tree.Delete(n)
	}
}

// LearnFinal records the terminal point of the source; IsFinished becomes
// true once the cursor reaches it.
func (r *Reassembly) LearnFinal(group, object uint64) {
	r.finalGroup, r.finalObject = group, object
	r.hasFinal = true
	if r.nextGroup == group && r.nextObject >= object {
		r.isFinished = true
	}
}

// IsFinished reports whether the source has been fully delivered: a final
// point was learned and the cursor has reached it.
func (r *Reassembly) IsFinished() bool {
	if !r.isFinished && r.hasFinal && !lessObjKey(objKey{r.nextGroup, r.nextObject}, objKey{r.finalGroup, r.finalObject}) {
		r.isFinished = true
	}
	return r.isFinished
}

// Cursor returns next_group/next_object.
func (r *Reassembly) Cursor() (group, object uint64) { return r.nextGroup, r.nextObject }
