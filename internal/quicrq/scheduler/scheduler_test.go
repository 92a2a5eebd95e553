package scheduler

import (
	"testing"
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/cache"
	"github.com/qmedia/quicrq/internal/quicrq/datagramack"
	"github.com/qmedia/quicrq/internal/quicrq/fragment"
	"github.com/qmedia/quicrq/internal/quicrq/protocol"
	"github.com/qmedia/quicrq/internal/quicrq/publisher"
	"github.com/qmedia/quicrq/internal/quicrq/transport"
)

type fakeSendStream struct {
	id      uint64
	writes  [][]byte
	closed  bool
	cancels []uint64
}

func (f *fakeSendStream) Write(data []byte, more bool) (int, error) {
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return len(data), nil
}
func (f *fakeSendStream) Close() error                  { f.closed = true; return nil }
func (f *fakeSendStream) CancelWrite(code uint64) error { f.cancels = append(f.cancels, code); return nil }
func (f *fakeSendStream) StreamID() uint64              { return f.id }

type fakeConnection struct {
	maxDatagram int
	datagrams   [][]byte
	uniStreams  []*fakeSendStream
	nextID      uint64
}

func (c *fakeConnection) OpenStream() (transport.Stream, error) { return nil, nil }

func (c *fakeConnection) SendDatagram(data []byte) error {
	cp := append([]byte(nil), data...)
	c.datagrams = append(c.datagrams, cp)
	return nil
}
func (c *fakeConnection) ReceiveDatagram() ([]byte, error)                { return nil, nil }
func (c *fakeConnection) MaxDatagramSize() int                            { return c.maxDatagram }
func (c *fakeConnection) CloseWithError(code uint64, reason string) error { return nil }
func (c *fakeConnection) Context() <-chan struct{}                        { return nil }

func (c *fakeConnection) OpenUniStream() (transport.SendStream, error) {
	c.nextID++
	s := &fakeSendStream{id: c.nextID}
	c.uniStreams = append(c.uniStreams, s)
	return s, nil
}

func (c *fakeConnection) AcceptStream() (transport.Stream, error)          { return nil, nil }
func (c *fakeConnection) AcceptUniStream() (transport.ReceiveStream, error) { return nil, nil }

type noopRetransmitter struct{}

func (noopRetransmitter) Retransmit(f *fragment.Fragment) error { return nil }

func TestSingleStreamDrainSendsFragments(t *testing.T) {
	c := cache.New(nil)
	c.Propose([]byte("hello"), 0, 0, 0, 0, 0x10, 0, 5, time.Now())
	c.Propose([]byte("world"), 0, 1, 0, 0, 0x10, 0, 5, time.Now())

	ctx := publisher.New(c, nil, 0, 0)
	stream := &fakeSendStream{}
	sched := NewSingleStream(ctx, stream, 1200)

	sent, finished, err := sched.Drain(time.Now())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if finished {
		t.Fatal("did not expect media finished (no end point was learned)")
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	msg1, err := protocol.Decode(stream.writes[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg1.Type != protocol.Fragment || msg1.Object != 0 || string(msg1.Data) != "hello" {
		t.Fatalf("msg1 = %+v", msg1)
	}

	msg2, err := protocol.Decode(stream.writes[1])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg2.Object != 1 || string(msg2.Data) != "world" {
		t.Fatalf("msg2 = %+v", msg2)
	}
}

func TestDatagramStepSendsAndRegistersWithTracker(t *testing.T) {
	c := cache.New(nil)
	c.Propose([]byte("aa"), 0, 0, 0, 0, 0x10, 0, 2, time.Now())

	ctx := publisher.New(c, nil, 0, 0)
	conn := &fakeConnection{maxDatagram: 1200}
	tracker := datagramack.New(noopRetransmitter{}, 0)
	sched := NewDatagram(ctx, conn, tracker, 7)

	active, err := sched.Step(time.Now())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !active {
		t.Fatal("expected active after sending a datagram")
	}
	if len(conn.datagrams) != 1 {
		t.Fatalf("expected one datagram sent, got %d", len(conn.datagrams))
	}
	if tracker.Len() != 1 {
		t.Fatalf("expected tracker to have registered the transmission, Len() = %d", tracker.Len())
	}

	mediaID, id, _, _, _, length, isLast, _, err := DecodeDatagramHeader(conn.datagrams[0])
	if err != nil {
		t.Fatalf("DecodeDatagramHeader() error = %v", err)
	}
	if mediaID != 7 || id.Group != 0 || id.Object != 0 || length != 2 || !isLast {
		t.Fatalf("header = mediaID=%d id=%+v length=%d isLast=%v", mediaID, id, length, isLast)
	}
}

func TestDatagramStepYieldsWhenSpaceTooSmall(t *testing.T) {
	c := cache.New(nil)
	c.Propose([]byte("aa"), 0, 0, 0, 0, 0x10, 0, 2, time.Now())

	ctx := publisher.New(c, nil, 0, 0)
	conn := &fakeConnection{maxDatagram: 4}
	tracker := datagramack.New(nil, 0)
	sched := NewDatagram(ctx, conn, tracker, 1)

	active, err := sched.Step(time.Now())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !active {
		t.Fatal("expected stream marked active even when yielding for lack of space")
	}
	if len(conn.datagrams) != 0 {
		t.Fatal("expected no datagram sent when space is below the header minimum")
	}
}

func TestWarpStepOpensNewStreamPerGroup(t *testing.T) {
	c := cache.New(nil)
	c.Propose([]byte("aa"), 0, 0, 0, 0, 0x10, 0, 2, time.Now())
	c.Propose([]byte("bb"), 1, 0, 0, 0, 0x10, 1, 2, time.Now())

	ctx := publisher.New(c, nil, 0, 0)
	conn := &fakeConnection{maxDatagram: 1200}
	w := &Warp{ctx: ctx, conn: conn, mediaID: 3}

	active, err := w.Step(time.Now())
	if err != nil || !active {
		t.Fatalf("Step() = %v, %v", active, err)
	}
	active, err = w.Step(time.Now())
	if err != nil || !active {
		t.Fatalf("Step() = %v, %v", active, err)
	}

	if len(conn.uniStreams) != 2 {
		t.Fatalf("expected two unistreams opened (one per group), got %d", len(conn.uniStreams))
	}

	hdr0, err := protocol.Decode(conn.uniStreams[0].writes[0])
	if err != nil || hdr0.Type != protocol.WarpHeader || hdr0.Group != 0 {
		t.Fatalf("uniStreams[0] header = %+v, %v", hdr0, err)
	}
	obj0, err := protocol.Decode(conn.uniStreams[0].writes[1])
	if err != nil || obj0.Type != protocol.ObjectHeader || string(obj0.Data) != "aa" {
		t.Fatalf("uniStreams[0] object = %+v, %v", obj0, err)
	}
}
