// Package quictransport adapts github.com/quic-go/quic-go and
// github.com/quic-go/webtransport-go sessions to the internal/quicrq/transport
// contract, so the core never imports a concrete QUIC library directly.
package quictransport

import (
	"context"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/qmedia/quicrq/internal/quicrq/transport"
)

// ALPN is the fixed ALPN token QUICRQ connections advertise, guaranteeing
// that incompatible builds cannot interoperate (current minor 25).
const ALPN = "quicr-h25"

// Conn adapts a *quic.Conn to transport.Connection.
type Conn struct {
	conn *quic.Conn
}

// NewConn wraps a raw QUIC connection.
func NewConn(conn *quic.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) OpenStream() (transport.Stream, error) {
	s, err := c.conn.OpenStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	return &Stream{stream: s}, nil
}

func (c *Conn) OpenUniStream() (transport.SendStream, error) {
	s, err := c.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	return &SendStream{stream: s}, nil
}

func (c *Conn) AcceptStream() (transport.Stream, error) {
	s, err := c.conn.AcceptStream(context.Background())
	if err != nil {
		return nil, err
	}
	return &Stream{stream: s}, nil
}

func (c *Conn) AcceptUniStream() (transport.ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(context.Background())
	if err != nil {
		return nil, err
	}
	return &ReceiveStream{stream: s}, nil
}

func (c *Conn) SendDatagram(data []byte) error {
	return c.conn.SendDatagram(data)
}

func (c *Conn) ReceiveDatagram() ([]byte, error) {
	return c.conn.ReceiveDatagram(context.Background())
}

func (c *Conn) MaxDatagramSize() int {
	return int(c.conn.MaxDatagramSize())
}

func (c *Conn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *Conn) Context() <-chan struct{} {
	return c.conn.Context().Done()
}

// Stream adapts a *quic.Stream (bidirectional) to transport.Stream.
type Stream struct {
	stream *quic.Stream
}

func (s *Stream) Write(data []byte, more bool) (int, error) {
	return s.stream.Write(data)
}

func (s *Stream) Close() error {
	return s.stream.Close()
}

func (s *Stream) CancelWrite(code uint64) error {
	s.stream.CancelWrite(quic.StreamErrorCode(code))
	return nil
}

func (s *Stream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *Stream) Read(buf []byte) (n int, fin bool, err error) {
	n, err = s.stream.Read(buf)
	if err != nil {
		// quic-go reports a clean fin as io.EOF from Read; the caller's
		// protocol layer treats that as fin rather than a transport error.
		if err.Error() == "EOF" {
			return n, true, nil
		}
		return n, false, err
	}
	return n, false, nil
}

func (s *Stream) CancelRead(code uint64) error {
	s.stream.CancelRead(quic.StreamErrorCode(code))
	return nil
}

// SendStream adapts a *quic.SendStream (unidirectional write side).
type SendStream struct {
	stream *quic.SendStream
}

func (s *SendStream) Write(data []byte, more bool) (int, error) {
	return s.stream.Write(data)
}

func (s *SendStream) Close() error {
	return s.stream.Close()
}

func (s *SendStream) CancelWrite(code uint64) error {
	s.stream.CancelWrite(quic.StreamErrorCode(code))
	return nil
}

func (s *SendStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// ReceiveStream adapts a *quic.ReceiveStream (unidirectional read side).
type ReceiveStream struct {
	stream *quic.ReceiveStream
}

func (s *ReceiveStream) Read(buf []byte) (n int, fin bool, err error) {
	n, err = s.stream.Read(buf)
	if err != nil {
		if err.Error() == "EOF" {
			return n, true, nil
		}
		return n, false, err
	}
	return n, false, nil
}

func (s *ReceiveStream) CancelRead(code uint64) error {
	s.stream.CancelRead(quic.StreamErrorCode(code))
	return nil
}

func (s *ReceiveStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// WebTransportConn adapts a *webtransport.Session to transport.Connection,
// used when the relay accepts subscribers over HTTP/3 WebTransport instead
// of raw QUIC.
type WebTransportConn struct {
	session *webtransport.Session
}

// NewWebTransportConn wraps an established WebTransport session.
func NewWebTransportConn(session *webtransport.Session) *WebTransportConn {
	return &WebTransportConn{session: session}
}

func (c *WebTransportConn) OpenStream() (transport.Stream, error) {
	s, err := c.session.OpenStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	return &wtStream{stream: s}, nil
}

func (c *WebTransportConn) OpenUniStream() (transport.SendStream, error) {
	s, err := c.session.OpenUniStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	return &wtSendStream{stream: s}, nil
}

func (c *WebTransportConn) AcceptStream() (transport.Stream, error) {
	s, err := c.session.AcceptStream(context.Background())
	if err != nil {
		return nil, err
	}
	return &wtStream{stream: s}, nil
}

func (c *WebTransportConn) AcceptUniStream() (transport.ReceiveStream, error) {
	s, err := c.session.AcceptUniStream(context.Background())
	if err != nil {
		return nil, err
	}
	return &wtReceiveStream{stream: s}, nil
}

func (c *WebTransportConn) SendDatagram(data []byte) error {
	return c.session.SendDatagram(data)
}

func (c *WebTransportConn) ReceiveDatagram() ([]byte, error) {
	return c.session.ReceiveDatagram(context.Background())
}

func (c *WebTransportConn) MaxDatagramSize() int {
	return 1200
}

func (c *WebTransportConn) CloseWithError(code uint64, reason string) error {
	return c.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (c *WebTransportConn) Context() <-chan struct{} {
	return c.session.Context().Done()
}

type wtStream struct{ stream webtransport.Stream }

func (s *wtStream) Write(data []byte, more bool) (int, error) { return s.stream.Write(data) }
func (s *wtStream) Close() error                              { return s.stream.Close() }
func (s *wtStream) CancelWrite(code uint64) error {
	s.stream.CancelWrite(webtransport.StreamErrorCode(code))
	return nil
}
func (s *wtStream) StreamID() uint64 { return uint64(s.stream.StreamID()) }
func (s *wtStream) Read(buf []byte) (n int, fin bool, err error) {
	n, err = s.stream.Read(buf)
	if err != nil {
		if err.Error() == "EOF" {
			return n, true, nil
		}
		return n, false, err
	}
	return n, false, nil
}
func (s *wtStream) CancelRead(code uint64) error {
	s.stream.CancelRead(webtransport.StreamErrorCode(code))
	return nil
}

type wtSendStream struct{ stream webtransport.SendStream }

func (s *wtSendStream) Write(data []byte, more bool) (int, error) { return s.stream.Write(data) }
func (s *wtSendStream) Close() error                              { return s.stream.Close() }
func (s *wtSendStream) CancelWrite(code uint64) error {
	s.stream.CancelWrite(webtransport.StreamErrorCode(code))
	return nil
}
func (s *wtSendStream) StreamID() uint64 { return uint64(s.stream.StreamID()) }

type wtReceiveStream struct{ stream webtransport.ReceiveStream }

func (s *wtReceiveStream) Read(buf []byte) (n int, fin bool, err error) {
	n, err = s.stream.Read(buf)
	if err != nil {
		if err.Error() == "EOF" {
			return n, true, nil
		}
		return n, false, err
	}
	return n, false, nil
}
func (s *wtReceiveStream) CancelRead(code uint64) error {
	s.stream.CancelRead(webtransport.StreamErrorCode(code))
	return nil
}
func (s *wtReceiveStream) StreamID() uint64 { return uint64(s.stream.StreamID()) }

// NextWakeUpTime returns the time an event loop should wake up at: pending
// (with true) when a deadline is pending, otherwise now plus 30 seconds
// (with false), so a loop with no pending extra-repeat deadline does not
// block indefinitely.
func NextWakeUpTime(now time.Time, pending time.Time, hasPending bool) (time.Time, bool) {
	if !hasPending {
		return now.Add(30 * time.Second), false
	}
	return pending, true
}
