package relay

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/protocol"
	qrelay "github.com/qmedia/quicrq/internal/quicrq/relay"
	"github.com/qmedia/quicrq/internal/quicrq/transport"
)

// fakeBidiStream is an in-memory transport.Stream: reads drain a
// pre-loaded buffer, writes accumulate so the test can decode what the
// handler sent back.
type fakeBidiStream struct {
	in     *bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func (s *fakeBidiStream) Read(p []byte) (int, bool, error) {
	n, err := s.in.Read(p)
	if err != nil {
		return n, true, nil
	}
	return n, false, nil
}
func (s *fakeBidiStream) Write(data []byte, more bool) (int, error) {
	return s.out.Write(data)
}
func (s *fakeBidiStream) Close() error                  { s.closed = true; return nil }
func (s *fakeBidiStream) CancelWrite(code uint64) error { return nil }
func (s *fakeBidiStream) CancelRead(code uint64) error  { return nil }
func (s *fakeBidiStream) StreamID() uint64              { return 1 }

type fakeHandlerConn struct {
	ctrl      *fakeBidiStream
	done      chan struct{}
	datagrams [][]byte
}

func (c *fakeHandlerConn) OpenStream() (transport.Stream, error)         { return c.ctrl, nil }
func (c *fakeHandlerConn) OpenUniStream() (transport.SendStream, error)  { return nil, errUnsupported }
func (c *fakeHandlerConn) AcceptStream() (transport.Stream, error)       { return c.ctrl, nil }
func (c *fakeHandlerConn) AcceptUniStream() (transport.ReceiveStream, error) {
	return nil, errUnsupported
}
func (c *fakeHandlerConn) SendDatagram(data []byte) error {
	c.datagrams = append(c.datagrams, append([]byte(nil), data...))
	return nil
}
func (c *fakeHandlerConn) ReceiveDatagram() ([]byte, error)               { return nil, errUnsupported }
func (c *fakeHandlerConn) MaxDatagramSize() int                            { return 1200 }
func (c *fakeHandlerConn) CloseWithError(code uint64, reason string) error { return nil }
func (c *fakeHandlerConn) Context() <-chan struct{}                        { return c.done }

func encodedRequest(t *testing.T, msg *protocol.Message) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.WriteFramed(&buf, msg); err != nil {
		t.Fatalf("WriteFramed: %v", err)
	}
	return &buf
}

func TestPeerStreamSingleStreamDrainsFragments(t *testing.T) {
	registry := qrelay.NewNode(nil, nil)
	src := registry.PublishLocal("quicrq://example/live")
	if _, err := src.Cache.Propose([]byte("hello"), 0, 0, 0, 0, 0x00, 0, 5, time.Now()); err != nil {
		t.Fatalf("Propose into source cache: %v", err)
	}

	req := &protocol.Message{Type: protocol.RequestStream, URL: "quicrq://example/live"}
	stream := &fakeBidiStream{in: encodedRequest(t, req)}
	conn := &fakeHandlerConn{ctrl: stream, done: make(chan struct{})}

	peer := NewPeerStream("peer-1", conn, registry, &Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- peer.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil && err != context.DeadlineExceeded {
			t.Fatalf("Run returned unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return in time")
	}

	if stream.out.Len() == 0 {
		t.Fatal("expected at least one message written to the control stream")
	}
}

func TestPeerStreamIngestsPublishedFragments(t *testing.T) {
	registry := qrelay.NewNode(nil, nil)

	var buf bytes.Buffer
	post := &protocol.Message{Type: protocol.Post, URL: "quicrq://example/live", Transport: protocol.TransportSingleStream}
	if err := protocol.WriteFramed(&buf, post); err != nil {
		t.Fatalf("WriteFramed(post): %v", err)
	}
	frag := &protocol.Message{Type: protocol.Fragment, Group: 0, Object: 0, Offset: 0, Last: true, Flags: 0x10, Data: []byte("hello"), Length: 5}
	if err := protocol.WriteFramed(&buf, frag); err != nil {
		t.Fatalf("WriteFramed(fragment): %v", err)
	}
	fin := &protocol.Message{Type: protocol.FinDatagram, Group: 0, Object: 0}
	if err := protocol.WriteFramed(&buf, fin); err != nil {
		t.Fatalf("WriteFramed(fin): %v", err)
	}

	stream := &fakeBidiStream{in: &buf}
	conn := &fakeHandlerConn{ctrl: stream, done: make(chan struct{})}
	peer := NewPeerStream("peer-3", conn, registry, &Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := peer.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	src, ok := registry.Lookup("quicrq://example/live")
	if !ok {
		t.Fatal("expected the POST to register a local source")
	}
	if _, ok := src.Cache.GetFragment(0, 0, 0); !ok {
		t.Fatal("expected the posted fragment to land in the published source's cache")
	}
	if g, o, ok := src.Cache.FinalPoint(); !ok || g != 0 || o != 0 {
		t.Fatalf("FinalPoint() = %d,%d,%v; want 0,0,true", g, o, ok)
	}
	if stream.out.Len() == 0 {
		t.Fatal("expected an ACCEPT reply written back to the publishing peer")
	}
}

func TestPeerStreamRejectsIllegalInitialMessage(t *testing.T) {
	registry := qrelay.NewNode(nil, nil)
	req := &protocol.Message{Type: protocol.Fragment}
	stream := &fakeBidiStream{in: encodedRequest(t, req)}
	conn := &fakeHandlerConn{ctrl: stream, done: make(chan struct{})}

	peer := NewPeerStream("peer-2", conn, registry, &Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := peer.Run(ctx); err == nil {
		t.Fatal("expected an error for an illegal initial message type")
	}
}
