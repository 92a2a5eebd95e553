// Package scheduler drives a publisher.Context over one of the three wire
// transports (single stream, warp, datagram), translating walker steps into
// protocol messages or datagram frames (C7).
package scheduler

import (
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/cache"
	"github.com/qmedia/quicrq/internal/quicrq/datagramack"
	"github.com/qmedia/quicrq/internal/quicrq/fragment"
	"github.com/qmedia/quicrq/internal/quicrq/protocol"
	"github.com/qmedia/quicrq/internal/quicrq/publisher"
	"github.com/qmedia/quicrq/internal/quicrq/transport"
)

// SingleStream drains a sequential walker onto one bidirectional control
// stream as a sequence of length-prefixed FRAGMENT messages, interleaved
// with whatever control messages the caller writes between steps.
type SingleStream struct {
	ctx    *publisher.Context
	stream transport.SendStream
	// MaxFrame bounds how many payload bytes one FRAGMENT message carries.
	MaxFrame uint64
}

// NewSingleStream creates a scheduler pumping ctx onto stream.
func NewSingleStream(ctx *publisher.Context, stream transport.SendStream, maxFrame uint64) *SingleStream {
	if maxFrame == 0 {
		maxFrame = 1200
	}
	return &SingleStream{ctx: ctx, stream: stream, MaxFrame: maxFrame}
}

// Drain pumps FRAGMENT messages until the walker goes inactive, the media
// finishes, or credit is spent (Write returning less than requested is left
// to the caller's transport; Drain itself runs until the walker yields
// nothing more to send this pass).
func (s *SingleStream) Drain(now time.Time) (sent int, finished bool, err error) {
	for {
		_, _, offset := s.ctx.Cursor() // offset the fragment starts at; 0 whenever a group/object jump occurs
		res := s.ctx.GetData(s.MaxFrame, false, now)
		if res.IsMediaFinished {
			return sent, true, nil
		}
		if !res.IsActive {
			return sent, false, nil
		}
		if len(res.Data) == 0 {
			return sent, false, nil
		}
		_, _, newOffset := s.ctx.Cursor()
		isLast := newOffset == 0 // the walker resets offset to 0 only when the object completed
		msg := &protocol.Message{
			Type:   protocol.Fragment,
			Group:  res.Group,
			Object: res.Object,
			Offset: offset,
			Flags:  res.Flags,
			Last:   isLast,
			Data:   res.Data,
		}
		var buf []byte
		if buf, err = protocol.Encode(msg); err != nil {
			return sent, false, err
		}
		if _, err = s.stream.Write(buf, true); err != nil {
			return sent, false, err
		}
		sent++
	}
}

// DatagramMaxHeader is the worst-case encoded size of a datagram header
// (seven varints of at most 8 bytes each plus one flags byte), used to
// decide whether the runtime offered enough space for even one datagram
// this call.
const DatagramMaxHeader = 7*8 + 1

// Datagram drains a datagram-mode walker, emitting one datagram per call to
// Step and registering each transmission with an ACK tracker.
type Datagram struct {
	ctx     *publisher.Context
	conn    transport.Connection
	tracker *datagramack.Tracker
	mediaID uint64
}

// NewDatagram creates a datagram scheduler for one subscriber.
func NewDatagram(ctx *publisher.Context, conn transport.Connection, tracker *datagramack.Tracker, mediaID uint64) *Datagram {
	return &Datagram{ctx: ctx, conn: conn, tracker: tracker, mediaID: mediaID}
}

// Step emits at most one datagram. If the runtime's MaxDatagramSize is
// smaller than DatagramMaxHeader, the stream is merely marked active and
// the call yields without sending anything.
func (d *Datagram) Step(now time.Time) (active bool, err error) {
	if d.conn.MaxDatagramSize() < DatagramMaxHeader {
		return true, nil
	}

	step := d.ctx.AdvanceDatagram(now)
	if !step.Active {
		return false, nil
	}
	if step.ShouldSkip {
		return true, nil
	}

	buf := EncodeDatagramHeader(d.mediaID, step.Fragment)
	buf = append(buf, step.Fragment.Data...)
	if err := d.conn.SendDatagram(buf); err != nil {
		return true, err
	}
	d.tracker.Init(step.Fragment, now)
	return true, nil
}

// FinIfDone reports whether the walker has emitted everything known to
// exist and the cache's final point is set, in which case the caller should
// post a FIN_DATAGRAM message and transition the control stream to its
// final-point state.
func FinIfDone(src *cache.Cache, walkerIsDrained bool) (group, object uint64, ready bool) {
	g, o, ok := src.FinalPoint()
	if !ok || !walkerIsDrained {
		return 0, 0, false
	}
	return g, o, true
}

// EncodeDatagramHeader writes the fixed datagram header: varint media_id |
// varint group | varint object | varint offset | varint queue_delay | u8
// flags | varint nb_prev | varint length_or_last_bit. The length field's
// low bit dual-encodes "this is the last fragment of the object".
func EncodeDatagramHeader(mediaID uint64, f *fragment.Fragment) []byte {
	lengthOrLast := f.DataLength << 1
	if f.IsLastFragment() {
		lengthOrLast |= 1
	}
	buf := appendVarint(nil, mediaID)
	buf = appendVarint(buf, f.Group)
	buf = appendVarint(buf, f.Object)
	buf = appendVarint(buf, f.Offset)
	buf = appendVarint(buf, f.QueueDelay)
	buf = append(buf, f.Flags)
	buf = appendVarint(buf, f.NbObjectsPreviousGroup)
	buf = appendVarint(buf, lengthOrLast)
	return buf
}

// DecodeDatagramHeader parses the fixed datagram header produced by
// EncodeDatagramHeader, returning the header fields and the number of bytes
// consumed.
func DecodeDatagramHeader(buf []byte) (mediaID uint64, id fragment.ID, queueDelay uint64, flags uint8, nbPrev uint64, length uint64, isLast bool, n int, err error) {
	var v uint64
	var used int

	mediaID, used, err = readVarint(buf)
	if err != nil {
		return
	}
	n += used
	buf = buf[used:]

	id.Group, used, err = readVarint(buf)
	if err != nil {
		return
	}
	n += used
	buf = buf[used:]

	id.Object, used, err = readVarint(buf)
	if err != nil {
		return
	}
	n += used
	buf = buf[used:]

	id.Offset, used, err = readVarint(buf)
	if err != nil {
		return
	}
	n += used
	buf = buf[used:]

	queueDelay, used, err = readVarint(buf)
	if err != nil {
		return
	}
	n += used
	buf = buf[used:]

	if len(buf) < 1 {
		err = errShortHeader
		return
	}
	flags = buf[0]
	n++
	buf = buf[1:]

	nbPrev, used, err = readVarint(buf)
	if err != nil {
		return
	}
	n += used
	buf = buf[used:]

	v, used, err = readVarint(buf)
	if err != nil {
		return
	}
	n += used
	length = v >> 1
	isLast = v&1 != 0
	return
}

// Warp drains a sequential walker onto one QUIC unidirectional stream per
// group: a WARP_HEADER preamble followed by one OBJECT_HEADER per object.
// Objects that miss the congestion priority threshold are emitted as
// length-0, flags-0xFF placeholders rather than skipped outright, so the
// receiver's object sequence stays intact.
type Warp struct {
	ctx     *publisher.Context
	conn    transport.Connection
	mediaID uint64

	current    transport.SendStream
	currentGrp uint64
	hasCurrent bool
}

// NewWarp creates a warp scheduler for one subscriber.
func NewWarp(ctx *publisher.Context, conn transport.Connection, mediaID uint64) *Warp {
	return &Warp{ctx: ctx, conn: conn, mediaID: mediaID}
}

// Step emits at most one object (or a placeholder for one dropped object),
// opening a new unistream whenever the walker crosses into a new group.
func (w *Warp) Step(now time.Time) (active bool, err error) {
	dry := w.ctx.GetData(0, true, now)
	if dry.IsMediaFinished {
		w.closeCurrent()
		return false, nil
	}
	if !dry.IsActive {
		return false, nil
	}

	group, object := dry.Group, dry.Object
	if dry.IsNewGroup || !w.hasCurrent || group != w.currentGrp {
		w.closeCurrent()
		if err = w.openGroupStream(group); err != nil {
			return true, err
		}
	}

	if dry.ShouldSkip {
		msg := &protocol.Message{Type: protocol.ObjectHeader, Object: object, Flags: fragment.SkipFlag}
		buf, encErr := protocol.Encode(msg)
		if encErr != nil {
			return true, encErr
		}
		if _, err = w.current.Write(buf, true); err != nil {
			return true, err
		}
		// Consume the real bytes from the walker without forwarding them,
		// so the cursor still advances past the dropped object.
		for {
			res := w.ctx.GetData(1 << 20, false, now)
			if !res.IsActive || res.Length == 0 {
				break
			}
			if g, o, _ := w.ctx.Cursor(); g != group || o != object {
				break
			}
		}
		return true, nil
	}

	var data []byte
	var objLen uint64
	var flags uint8
	for {
		res := w.ctx.GetData(1<<20, false, now)
		if !res.IsActive {
			break
		}
		data = append(data, res.Data...)
		objLen = res.ObjectLength
		flags = res.Flags
		if uint64(len(data)) >= objLen {
			break
		}
	}
	msg := &protocol.Message{Type: protocol.ObjectHeader, Object: object, Flags: flags, Data: data}
	buf, encErr := protocol.Encode(msg)
	if encErr != nil {
		return true, encErr
	}
	_, err = w.current.Write(buf, true)
	return true, err
}

func (w *Warp) openGroupStream(group uint64) error {
	s, err := w.conn.OpenUniStream()
	if err != nil {
		return err
	}
	w.current = s
	w.currentGrp = group
	w.hasCurrent = true
	msg := &protocol.Message{Type: protocol.WarpHeader, MediaID: w.mediaID, Group: group}
	buf, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_, err = s.Write(buf, true)
	return err
}

func (w *Warp) closeCurrent() {
	if w.hasCurrent {
		w.current.Close()
		w.hasCurrent = false
	}
}

func appendVarint(buf []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(buf, byte(v))
	case v <= 16383:
		return append(buf, byte(v>>8)|0x40, byte(v))
	case v <= 1073741823:
		return append(buf, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(buf, byte(v>>56)|0xC0, byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

type shortHeaderError struct{}

func (shortHeaderError) Error() string { return "scheduler: truncated datagram header" }

var errShortHeader = shortHeaderError{}

func readVarint(buf []byte) (uint64, int, error) {
	if len(buf) < 1 {
		return 0, 0, errShortHeader
	}
	prefix := buf[0] >> 6
	length := 1 << prefix
	if len(buf) < length {
		return 0, 0, errShortHeader
	}
	v := uint64(buf[0] & 0x3F)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, length, nil
}
