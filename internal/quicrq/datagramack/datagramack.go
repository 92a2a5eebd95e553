// Package datagramack implements the datagram ACK tracker (C5): a splay of
// outstanding datagram transmissions keyed by fragment identity, a
// monotonically advancing horizon below which state is freed, and an
// extra-repeat FIFO for a cheap application-level forward-error-correction
// retransmit.
package datagramack

import (
	"container/list"
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/fragment"
	"github.com/qmedia/quicrq/internal/quicrq/splay"
)

// Retransmitter is the transport hook the tracker calls to re-send a lost
// datagram.
type Retransmitter interface {
	Retransmit(f *fragment.Fragment) error
}

// Record is the per-transmission ACK-tracking state.
type Record struct {
	ID fragment.ID

	Length                 uint64
	IsLastFragment         bool
	Flags                  uint8
	QueueDelay             uint64
	NbObjectsPreviousGroup uint64

	StartTime    time.Time
	LastSentTime time.Time

	IsAcked      bool
	NackReceived bool

	extraData       []byte
	extraRepeatTime time.Time
	hasExtraRepeat  bool
	extraElem       *list.Element
}

// horizon is the inclusive upper bound below which every byte is
// acknowledged. length is the byte length of the last record swept into the
// horizon, needed to recognize the next contiguous offset within the same
// object. started distinguishes "nothing swept yet" from a horizon that
// legitimately sits at (0, 0, 0).
type horizon struct {
	group, object, offset uint64
	length                uint64
	isLastFragment        bool
	started               bool
}

// Tracker is one control stream's outstanding-datagram state.
type Tracker struct {
	tree *splay.Tree[fragment.ID, *Record]
	h    horizon

	extraRepeatDelay time.Duration
	extraQueue       *list.List // of *Record, ordered by extraRepeatTime

	retransmit Retransmitter

	lossCount uint64

	// maxDatagramSize bounds how large a single retransmitted datagram
	// payload may be. 0 disables split-on-shrink: Lost always re-sends the
	// original record whole.
	maxDatagramSize int
}

// SetMaxDatagramSize records the path MTU's current usable datagram payload
// size, so a later Lost call can detect that the original transmission no
// longer fits and must be split. Callers re-set this whenever the transport
// reports a new value (e.g. after a path change).
func (t *Tracker) SetMaxDatagramSize(n int) {
	t.maxDatagramSize = n
}

// New creates a tracker. extraRepeatDelay of 0 disables the extra-repeat
// FEC side channel.
func New(retransmit Retransmitter, extraRepeatDelay time.Duration) *Tracker {
	return &Tracker{
		tree:             splay.New[fragment.ID, *Record](fragment.ID.Less),
		extraRepeatDelay: extraRepeatDelay,
		extraQueue:       list.New(),
		retransmit:       retransmit,
	}
}

// Init records a freshly transmitted datagram.
func (t *Tracker) Init(f *fragment.Fragment, now time.Time) {
	r := &Record{
		ID:                     f.ID,
		Length:                 f.DataLength,
		IsLastFragment:         f.IsLastFragment(),
		Flags:                  f.Flags,
		QueueDelay:             f.QueueDelay,
		NbObjectsPreviousGroup: f.NbObjectsPreviousGroup,
		StartTime:              now,
		LastSentTime:           now,
	}
	t.tree.Insert(f.ID, r)
}

// justAfter reports whether candidate is the identity immediately following
// the horizon's last fragment, covering the three cross-boundary cases: the
// next offset of the same object; the first offset of the next object in
// the same group, if the horizon's fragment was final; or the first object
// of the next group, if the horizon's fragment was final, at offset 0, and
// the candidate declares the right predecessor count.
func (t *Tracker) justAfter(h horizon, r *Record) bool {
	if !h.started {
		// Nothing swept yet: any record at the very first identity the
		// stream could use, (0, 0, 0), starts the horizon.
		return r.ID.Group == 0 && r.ID.Object == 0 && r.ID.Offset == 0
	}
	if r.ID.Group == h.group && r.ID.Object == h.object && r.ID.Offset == h.offset+h.length {
		return true // same object, next byte offset
	}
	if !h.isLastFragment {
		return false
	}
	if r.ID.Group == h.group && r.ID.Object == h.object+1 && r.ID.Offset == 0 {
		return true
	}
	if r.ID.Group == h.group+1 && r.ID.Object == 0 && r.ID.Offset == 0 && r.NbObjectsPreviousGroup == h.object+1 {
		return true
	}
	return false
}

// sweep advances the horizon while the bottom record of the tree is both
// acked and "just after" the current horizon, freeing each record behind it.
func (t *Tracker) sweep() {
	for {
		n, ok := t.tree.First()
		if !ok || !n.Value.IsAcked {
			return
		}
		if !t.justAfter(t.h, n.Value) {
			return
		}
		t.h = horizon{
			group: n.Key.Group, object: n.Key.Object, offset: n.Key.Offset,
			length: n.Value.Length, isLastFragment: n.Value.IsLastFragment, started: true,
		}
		t.removeExtra(n.Value)
		t.tree.Delete(n)
	}
}

// Acked reports that id was acknowledged by the peer. spurious acks (a
// duplicate report after the record is already gone) are no-ops.
func (t *Tracker) Acked(id fragment.ID) {
	n, ok := t.tree.Find(id)
	if !ok {
		return
	}
	n.Value.IsAcked = true
	t.sweep()
}

// Spurious reports a spurious-loss correction: the peer did receive a
// fragment previously reported lost. Treated identically to Acked.
func (t *Tracker) Spurious(id fragment.ID) {
	t.Acked(id)
}

// Lost handles a QUIC-runtime loss notification for the transmission sent
// at lostTransmissionTime. If the record still exists, is not already
// acked, and has not been re-sent since that transmission, it is flagged
// nack_received, the stream's loss counter is bumped, and the fragment is
// re-queued via the transport. An extra-repeat is optionally scheduled.
func (t *Tracker) Lost(id fragment.ID, f *fragment.Fragment, lostTransmissionTime, now time.Time) error {
	n, ok := t.tree.Find(id)
	if !ok {
		return nil
	}
	r := n.Value
	if r.IsAcked {
		return nil
	}
	if r.LastSentTime.After(lostTransmissionTime) {
		return nil // already re-sent since the transmission that was reported lost
	}

	r.NackReceived = true
	t.lossCount++
	r.LastSentTime = now

	if t.maxDatagramSize > 0 && int(r.Length) > t.maxDatagramSize && len(f.Data) > t.maxDatagramSize {
		successor, err := t.splitAndRetransmit(f, r, now)
		if err != nil {
			return err
		}
		if t.extraRepeatDelay > 0 {
			t.scheduleExtraRepeat(r, now)
			t.scheduleExtraRepeat(successor, now)
		}
		return nil
	}

	if t.retransmit != nil {
		if err := t.retransmit.Retransmit(f); err != nil {
			return err
		}
	}

	if t.extraRepeatDelay > 0 {
		t.scheduleExtraRepeat(r, now)
	}
	return nil
}

// splitAndRetransmit handles a retransmit whose original datagram no longer
// fits the path MTU (the teacher's fixed-size record assumption breaks once
// the path changes mid-stream): it shortens r to the new maxDatagramSize,
// inserts a new successor record covering the remainder starting right
// after the split point, and retransmits both pieces as separate datagrams.
func (t *Tracker) splitAndRetransmit(f *fragment.Fragment, r *Record, now time.Time) (*Record, error) {
	splitLen := uint64(t.maxDatagramSize)
	wasLast := r.IsLastFragment

	head := f.Clone()
	head.Data = head.Data[:splitLen]
	head.DataLength = splitLen

	tail := f.Clone()
	tail.ID = f.ID.End(splitLen)
	tail.Data = tail.Data[splitLen:]
	tail.DataLength = uint64(len(tail.Data))
	tail.NbObjectsPreviousGroup = 0

	r.Length = splitLen
	r.IsLastFragment = false
	r.LastSentTime = now

	successor := &Record{
		ID:             tail.ID,
		Length:         tail.DataLength,
		IsLastFragment: wasLast,
		Flags:          tail.Flags,
		QueueDelay:     tail.QueueDelay,
		StartTime:      now,
		LastSentTime:   now,
	}
	t.tree.Insert(tail.ID, successor)

	if t.retransmit != nil {
		if err := t.retransmit.Retransmit(head); err != nil {
			return nil, err
		}
		if err := t.retransmit.Retransmit(tail); err != nil {
			return nil, err
		}
	}
	return successor, nil
}

// LossCount returns the number of losses observed on this stream.
func (t *Tracker) LossCount() uint64 { return t.lossCount }

func (t *Tracker) scheduleExtraRepeat(r *Record, now time.Time) {
	if r.hasExtraRepeat {
		return
	}
	r.extraRepeatTime = now.Add(t.extraRepeatDelay)
	r.hasExtraRepeat = true
	r.extraElem = t.extraQueue.PushBack(r)
}

func (t *Tracker) removeExtra(r *Record) {
	if r.extraElem != nil {
		t.extraQueue.Remove(r.extraElem)
		r.extraElem = nil
		r.hasExtraRepeat = false
	}
}

// PollExtraRepeat dequeues and retransmits every record whose scheduled
// extra-repeat time has come, without rescheduling them. It returns the
// next wake-up time for the caller's event loop, or the zero Time if the
// queue is empty.
func (t *Tracker) PollExtraRepeat(now time.Time, fragments map[fragment.ID]*fragment.Fragment) (time.Time, error) {
	for {
		front := t.extraQueue.Front()
		if front == nil {
			return time.Time{}, nil
		}
		r := front.Value.(*Record)
		if r.extraRepeatTime.After(now) {
			return r.extraRepeatTime, nil
		}
		t.extraQueue.Remove(front)
		r.extraElem = nil
		r.hasExtraRepeat = false

		if f, ok := fragments[r.ID]; ok && t.retransmit != nil {
			if err := t.retransmit.Retransmit(f); err != nil {
				return time.Time{}, err
			}
		}
	}
}

// Horizon returns the current horizon bound.
func (t *Tracker) Horizon() (group, object, offset uint64, isLastFragment bool) {
	return t.h.group, t.h.object, t.h.offset, t.h.isLastFragment
}

// Len reports the number of outstanding records, for tests and diagnostics.
func (t *Tracker) Len() int { return t.tree.Len() }
