package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/qmedia/quicrq/internal/observability"
	"github.com/qmedia/quicrq/internal/quicrq/congestion"
	"github.com/qmedia/quicrq/internal/quicrq/datagramack"
	"github.com/qmedia/quicrq/internal/quicrq/fragment"
	"github.com/qmedia/quicrq/internal/quicrq/protocol"
	"github.com/qmedia/quicrq/internal/quicrq/publisher"
	qrelay "github.com/qmedia/quicrq/internal/quicrq/relay"
	"github.com/qmedia/quicrq/internal/quicrq/scheduler"
	"github.com/qmedia/quicrq/internal/quicrq/transport"
)

// pollTimeout is how long PeerStream's send loop blocks waiting for a
// wake-up before polling the scheduler again regardless. It mirrors the
// notify-with-timeout idiom the rest of this codebase uses around
// buffered, size-1 wake-up channels: a real wake-up is immediate, the
// timeout is only a backstop against a missed notification.
const pollTimeout = 50 * time.Millisecond

// streamReader adapts a transport.ReceiveStream to io.Reader for
// protocol.ReadFramed, translating its explicit fin flag into io.EOF on the
// read that first observes it with no data left to return.
type streamReader struct {
	s   transport.ReceiveStream
	buf []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		tmp := make([]byte, 4096)
		n, fin, err := r.s.Read(tmp)
		if n > 0 {
			r.buf = append(r.buf, tmp[:n]...)
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && fin {
			return 0, io.EOF
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// streamWriter adapts a transport.SendStream to io.Writer for
// protocol.WriteFramed.
type streamWriter struct{ s transport.SendStream }

func (w streamWriter) Write(p []byte) (int, error) { return w.s.Write(p, true) }

// PeerStream is one accepted subscriber connection: it runs the control
// stream's receiver state machine, builds the publisher.Context and
// scheduler the negotiated transport needs, and implements
// quicrq/relay.SubscriberStream so the bound Source can wake it whenever
// new data or a new start/end point arrives.
type PeerStream struct {
	id     string
	conn   transport.Connection
	ctrl   transport.Stream
	cfg    *Config
	log    *slog.Logger
	rec    *observability.Recorder

	registry *qrelay.Node
	source   *qrelay.Source

	notify chan struct{}

	mu        sync.Mutex
	pub       *publisher.Context
	evaluator congestion.Evaluator
	tracker   *datagramack.Tracker
	single    *scheduler.SingleStream
	datagram  *scheduler.Datagram
	warp      *scheduler.Warp
	mediaID   uint64

	pendingFin                            bool
	pendingStartGroup, pendingStartObject uint64
	startPending                          bool
	closed                                bool
}

// NewPeerStream wires a PeerStream for a freshly accepted connection. The
// source it attaches to is resolved lazily from registry once Run reads the
// peer's initial request and learns the requested URL.
func NewPeerStream(id string, conn transport.Connection, registry *qrelay.Node, cfg *Config, log *slog.Logger) *PeerStream {
	if log == nil {
		log = slog.Default()
	}
	return &PeerStream{
		id:       id,
		conn:     conn,
		cfg:      cfg,
		log:      log,
		registry: registry,
		notify:   make(chan struct{}, 1),
	}
}

// MarkActive implements quicrq/relay.SubscriberStream: it wakes Run's send
// loop without blocking, collapsing any number of pending wake-ups into one.
func (p *PeerStream) MarkActive() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// NotifyStartPoint implements quicrq/relay.SubscriberStream.
func (p *PeerStream) NotifyStartPoint(group, object uint64) {
	p.mu.Lock()
	p.startPending = true
	p.pendingStartGroup, p.pendingStartObject = group, object
	p.mu.Unlock()
	p.MarkActive()
}

// NotifyEndPoint implements quicrq/relay.SubscriberStream.
func (p *PeerStream) NotifyEndPoint(group, object uint64) {
	p.mu.Lock()
	p.pendingFin = true
	p.mu.Unlock()
	p.MarkActive()
}

// Run drives the peer's control stream to completion: it reads the initial
// REQUEST_STREAM/REQUEST_DATAGRAM/Subscribe message, builds the scheduler
// the caller asked for, attaches to source, and pumps data until the
// connection closes or the feed ends.
func (p *PeerStream) Run(ctx context.Context) error {
	stream, err := p.conn.AcceptStream()
	if err != nil {
		return fmt.Errorf("relay: accept control stream: %w", err)
	}
	p.ctrl = stream

	req, err := protocol.ReadFramed(&streamReader{s: stream})
	if err != nil {
		return fmt.Errorf("relay: read request: %w", err)
	}

	if _, err = protocol.NextRecvState(protocol.RecvInitial, req.Type); err != nil {
		p.ctrl.CancelWrite(uint64(protocol.CloseProtocolViolation))
		p.log.Warn("rejected request", "peer", p.id, "requested_url", req.URL, "error", err)
		return err
	}

	if req.Type == protocol.Post {
		return p.runIngest(ctx, req)
	}

	source, err := p.registry.Fanout(req.URL, p)
	if err != nil && source == nil {
		return fmt.Errorf("relay: attach %s: %w", req.URL, err)
	}
	p.source = source
	p.rec = observability.NewRecorder(source.URL)

	if err := p.setupScheduler(req); err != nil {
		return err
	}
	p.log.Info("peer attached", "peer", p.id, "source", p.source.URL, "transport", req.Transport)

	defer p.registry.Detach(req.URL, p)
	defer p.close()

	if g, o := p.source.Cache.FirstPoint(); g != 0 || o != 0 {
		p.NotifyStartPoint(g, o)
	}

	connDone := p.conn.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-connDone:
			return nil
		case <-p.notify:
		case <-time.After(pollTimeout):
		}

		if err := p.pumpControl(); err != nil {
			return err
		}

		finished, err := p.pumpData()
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
	}
}

// runIngest handles an inbound POST: it publishes req.URL locally (pushing
// the same data toward this node's own configured parent when one exists,
// per the publish-upstream path), replies with ACCEPT, then reads
// FRAGMENT/START_POINT/FIN_DATAGRAM off the control stream until the peer's
// feed ends or the stream closes.
func (p *PeerStream) runIngest(ctx context.Context, req *protocol.Message) error {
	handle, err := p.registry.Publish(req.URL)
	if err != nil {
		return fmt.Errorf("relay: publish %s: %w", req.URL, err)
	}
	source, _ := p.registry.Lookup(req.URL)
	p.source = source
	p.rec = observability.NewRecorder(req.URL)
	defer handle.Close()
	defer p.close()

	accept := &protocol.Message{Type: protocol.Accept, Transport: req.Transport, MediaID: req.MediaID}
	if err := protocol.WriteFramed(streamWriter{p.ctrl}, accept); err != nil {
		return fmt.Errorf("relay: accept publish %s: %w", req.URL, err)
	}
	p.log.Info("peer publishing", "peer", p.id, "url", req.URL, "transport", req.Transport)

	r := &streamReader{s: p.ctrl}
	state := protocol.RecvConfirmation
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := protocol.ReadFramed(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("relay: read publish %s: %w", req.URL, err)
		}

		next, serr := protocol.NextRecvState(state, msg.Type)
		if serr != nil {
			p.ctrl.CancelWrite(uint64(protocol.CloseProtocolViolation))
			return serr
		}
		state = next

		switch msg.Type {
		case protocol.Fragment:
			if _, err := handle.Cache.Propose(msg.Data, msg.Group, msg.Object, msg.Offset, msg.QueueDelay, msg.Flags, msg.NbPrev, msg.Length, time.Now()); err != nil {
				p.log.Warn("published fragment rejected", "peer", p.id, "url", req.URL, "error", err)
				continue
			}
			p.rec.FragmentReceived()
		case protocol.StartPoint:
			handle.Cache.LearnStartPoint(msg.StartGroup, msg.StartObject)
		case protocol.FinDatagram:
			handle.Cache.LearnEndPoint(msg.Group, msg.Object)
			return nil
		}

		if state == protocol.RecvDone {
			return nil
		}
	}
}

func (p *PeerStream) setupScheduler(req *protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.cfg.congestionControlMode() {
	case "delay":
		p.evaluator = congestion.NewDelayBased(p.cfg.congestionMaxFlags())
	case "group":
		p.evaluator = congestion.NewGroupBased()
	default:
		p.evaluator = congestion.None{}
	}

	p.pub = publisher.New(p.source.Cache, p.evaluator, req.StartGroup, req.StartObject)
	p.mediaID = req.MediaID

	switch {
	case req.Type == protocol.RequestDatagram:
		p.tracker = datagramack.New(p, p.cfg.extraRepeatDelay())
		p.tracker.SetMaxDatagramSize(p.conn.MaxDatagramSize())
		p.datagram = scheduler.NewDatagram(p.pub, p.conn, p.tracker, req.MediaID)
	case req.Transport == protocol.TransportWarp:
		p.warp = scheduler.NewWarp(p.pub, p.conn, req.MediaID)
	default:
		p.single = scheduler.NewSingleStream(p.pub, p.ctrl, DefaultMaxFrame)
	}
	return nil
}

// Retransmit implements datagramack.Retransmitter by re-encoding f's
// datagram header and re-sending it unmodified.
func (p *PeerStream) Retransmit(f *fragment.Fragment) error {
	buf := scheduler.EncodeDatagramHeader(p.mediaID, f)
	buf = append(buf, f.Data...)
	return p.conn.SendDatagram(buf)
}

func (p *PeerStream) pumpControl() error {
	p.mu.Lock()
	startPending := p.startPending
	sg, so := p.pendingStartGroup, p.pendingStartObject
	finPending := p.pendingFin
	p.mu.Unlock()

	if startPending {
		msg := &protocol.Message{Type: protocol.StartPoint, StartGroup: sg, StartObject: so}
		if err := protocol.WriteFramed(streamWriter{p.ctrl}, msg); err != nil {
			return err
		}
		p.mu.Lock()
		p.startPending = false
		p.mu.Unlock()
	}

	if finPending {
		group, object, ok := p.source.Cache.FinalPoint()
		if ok {
			msg := &protocol.Message{Type: protocol.FinDatagram, Group: group, Object: object}
			if err := protocol.WriteFramed(streamWriter{p.ctrl}, msg); err != nil {
				return err
			}
			p.mu.Lock()
			p.pendingFin = false
			p.mu.Unlock()
		}
	}
	return nil
}

func (p *PeerStream) pumpData() (finished bool, err error) {
	p.mu.Lock()
	single, datagram, warp := p.single, p.datagram, p.warp
	p.mu.Unlock()

	now := time.Now()
	switch {
	case single != nil:
		sent, fin, err := single.Drain(now)
		if err != nil {
			return false, err
		}
		if sent > 0 {
			p.rec.FragmentsSent(0, sent, 0)
		}
		return fin, nil
	case datagram != nil:
		active, err := datagram.Step(now)
		if err != nil {
			return false, err
		}
		if active {
			p.rec.FragmentsSent(0, 1, 0)
		}
		return false, nil
	case warp != nil:
		active, err := warp.Step(now)
		return !active, err
	default:
		return false, errors.New("relay: no scheduler configured")
	}
}

func (p *PeerStream) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	if p.ctrl != nil {
		p.ctrl.Close()
	}
}

// congestionControlMode returns the configured mode, defaulting to "none".
func (c *Config) congestionControlMode() string {
	if c == nil || c.CongestionControlMode == "" {
		return "none"
	}
	return c.CongestionControlMode
}
