package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/qmedia/quicrq/internal/quicrq/cache"
	"github.com/qmedia/quicrq/internal/quicrq/congestion"
	"github.com/qmedia/quicrq/internal/quicrq/protocol"
	"github.com/qmedia/quicrq/internal/quicrq/publisher"
	"github.com/qmedia/quicrq/internal/quicrq/scheduler"
	"github.com/qmedia/quicrq/internal/quicrq/transport"
	"github.com/qmedia/quicrq/internal/quictransport"
)

// Fetcher dials a parent relay and subscribes on its behalf whenever the
// local Registry takes a cache miss, implementing quicrq/relay.UpstreamOpener.
// It plays the role the teacher's SDN-driven remote fetcher played, minus
// the announce-table lookup: the parent address is derived directly from
// the requested URL's host, matching a QUICRQ relay hierarchy where every
// node's parent is reachable at the URL's own authority.
type Fetcher struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
	Log        *slog.Logger

	// Upstream, if set, pins every dial to this fixed parent address
	// (relay.Config.Upstream), matching the pass-through cache node case
	// where all cache misses climb to the same configured parent
	// regardless of the requested URL's own authority.
	Upstream string

	// DialTimeout bounds how long one upstream dial may take. Default: 5s.
	DialTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*quictransport.Conn // address → session
}

// Open implements quicrq/relay.UpstreamOpener: it dials Upstream, or the
// relay named by sourceURL's authority when Upstream is empty, issues a
// REQUEST_STREAM for sourceURL, and spawns a goroutine that proposes every
// FRAGMENT it receives into the local cache.
func (f *Fetcher) Open(sourceURL string, into *cache.Cache) error {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}

	addr := f.Upstream
	if addr == "" {
		var err error
		addr, err = parentAddress(sourceURL)
		if err != nil {
			return err
		}
	}

	conn, err := f.getOrDialSession(addr)
	if err != nil {
		return fmt.Errorf("relay: dial upstream %s: %w", addr, err)
	}

	stream, err := conn.OpenStream()
	if err != nil {
		return fmt.Errorf("relay: open upstream control stream: %w", err)
	}

	req := &protocol.Message{Type: protocol.RequestStream, URL: sourceURL}
	if err := protocol.WriteFramed(streamWriter{stream}, req); err != nil {
		return fmt.Errorf("relay: send upstream request: %w", err)
	}

	go f.pump(sourceURL, stream, into, log)
	return nil
}

func (f *Fetcher) pump(sourceURL string, stream transport.Stream, into *cache.Cache, log *slog.Logger) {
	r := &streamReader{s: stream}
	for {
		msg, err := protocol.ReadFramed(r)
		if err != nil {
			log.Warn("upstream feed ended", "source", sourceURL, "error", err)
			into.SetFeedClosed(true)
			return
		}
		switch msg.Type {
		case protocol.Fragment:
			if _, err := into.Propose(msg.Data, msg.Group, msg.Object, msg.Offset, msg.QueueDelay, msg.Flags, msg.NbPrev, msg.Length, time.Now()); err != nil {
				log.Warn("upstream fragment rejected", "source", sourceURL, "error", err)
			}
		case protocol.StartPoint:
			into.LearnStartPoint(msg.StartGroup, msg.StartObject)
		case protocol.FinDatagram:
			into.LearnEndPoint(msg.Group, msg.Object)
			into.SetFeedClosed(true)
			return
		}
	}
}

// OpenPublish implements quicrq/relay.UpstreamPublisher: it dials Upstream,
// or the relay named by sourceURL's authority when Upstream is empty,
// issues a POST for sourceURL, and spawns a
// goroutine that drains src's fragments to the parent over a single control
// stream, the push-side counterpart of Open.
func (f *Fetcher) OpenPublish(sourceURL string, src *cache.Cache) error {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}

	addr := f.Upstream
	if addr == "" {
		var err error
		addr, err = parentAddress(sourceURL)
		if err != nil {
			return err
		}
	}

	conn, err := f.getOrDialSession(addr)
	if err != nil {
		return fmt.Errorf("relay: dial upstream %s: %w", addr, err)
	}

	stream, err := conn.OpenStream()
	if err != nil {
		return fmt.Errorf("relay: open upstream publish stream: %w", err)
	}

	req := &protocol.Message{Type: protocol.Post, URL: sourceURL, Transport: protocol.TransportSingleStream}
	if err := protocol.WriteFramed(streamWriter{stream}, req); err != nil {
		return fmt.Errorf("relay: send upstream publish request: %w", err)
	}

	reply, err := protocol.ReadFramed(&streamReader{s: stream})
	if err != nil {
		return fmt.Errorf("relay: read upstream publish accept: %w", err)
	}
	if reply.Type != protocol.Accept {
		return fmt.Errorf("relay: upstream %s refused publish: got %v", addr, reply.Type)
	}

	go f.pumpPublish(sourceURL, stream, src, log)
	return nil
}

func (f *Fetcher) pumpPublish(sourceURL string, stream transport.Stream, src *cache.Cache, log *slog.Logger) {
	pub := publisher.New(src, congestion.None{}, 0, 0)
	single := scheduler.NewSingleStream(pub, stream, DefaultMaxFrame)

	ticker := time.NewTicker(pollTimeout)
	defer ticker.Stop()

	for range ticker.C {
		_, finished, err := single.Drain(time.Now())
		if err != nil {
			log.Warn("publish upstream ended", "source", sourceURL, "error", err)
			return
		}
		if finished {
			g, o, _ := pub.Cursor()
			fin := &protocol.Message{Type: protocol.FinDatagram, Group: g, Object: o}
			if err := protocol.WriteFramed(streamWriter{stream}, fin); err != nil {
				log.Warn("publish upstream fin failed", "source", sourceURL, "error", err)
			}
			return
		}
	}
}

func (f *Fetcher) getOrDialSession(addr string) (*quictransport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = make(map[string]*quictransport.Conn)
	}
	if c, ok := f.sessions[addr]; ok {
		select {
		case <-c.Context():
			delete(f.sessions, addr)
		default:
			return c, nil
		}
	}

	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	qconn, err := quic.DialAddr(ctx, addr, f.TLSConfig, f.QUICConfig)
	if err != nil {
		return nil, err
	}
	c := quictransport.NewConn(qconn)
	f.sessions[addr] = c
	return c, nil
}

// parentAddress extracts the dial address (host:port) a quicrq:// URL's
// authority names.
func parentAddress(sourceURL string) (string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", fmt.Errorf("relay: invalid source url %q: %w", sourceURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay: source url %q has no authority to dial", sourceURL)
	}
	return u.Host, nil
}
