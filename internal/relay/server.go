package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"

	qrelay "github.com/qmedia/quicrq/internal/quicrq/relay"
	"github.com/qmedia/quicrq/internal/quictransport"
)

// Server accepts QUIC connections carrying the control-stream protocol and
// dispatches each one to a PeerStream bound to the requested source,
// through a shared source Registry.
type Server struct {
	Addr       string
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
	Config     *Config
	Log        *slog.Logger

	// StatusAddr, if set, serves /health and /metrics on a separate HTTP
	// listener.
	StatusAddr string

	Registry *qrelay.Node

	initOnce      sync.Once
	statusHandler *statusHandler
	peers         *peerRegistry
	listener      *quic.Listener
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.statusHandler = newStatusHandler()
		s.peers = newPeerRegistry()
		if s.Log == nil {
			s.Log = slog.Default()
		}
		if s.Registry == nil {
			s.Registry = qrelay.NewNode(nil, nil)
		}
	})
}

// ListenAndServe opens the QUIC listener and serves connections until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.init()

	ln, err := quic.ListenAddr(s.Addr, s.TLSConfig, s.QUICConfig)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.Addr, err)
	}
	s.listener = ln
	s.Log.Info("relay listening", "addr", s.Addr, "node", s.Config.NodeID, "region", s.Config.Region)

	if s.StatusAddr != "" {
		go s.serveStatus(ctx)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.Log.Info("relay shutting down")
				return nil
			}
			s.Log.Warn("accept failed", "error", err)
			continue
		}
		go s.handle(ctx, quictransport.NewConn(qconn))
	}
}

func (s *Server) handle(ctx context.Context, conn *quictransport.Conn) {
	s.statusHandler.incrementConnections()
	defer s.statusHandler.decrementConnections()

	id := s.peers.register(conn)
	defer s.peers.deregister(id)

	// PeerStream.Run accepts the control stream itself and resolves the
	// requested source from the registry once it has read the peer's
	// initial request.
	peer := NewPeerStream(id, conn, s.Registry, s.Config, s.Log)

	if err := peer.Run(ctx); err != nil {
		s.Log.Warn("peer session ended", "peer", id, "error", err)
	}
}

func (s *Server) serveStatus(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/health", s.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: s.StatusAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.Log.Error("status server failed", "error", err)
	}
}

// PeerCount returns the number of currently connected peers.
func (s *Server) PeerCount() int {
	s.init()
	return s.peers.peerCount()
}

// Status reports the server's current health, suitable for a /health
// handler mounted outside of StatusAddr (e.g. sharing the caller's own
// HTTP mux).
func (s *Server) Status() Status {
	s.init()
	return s.statusHandler.getStatus()
}

// Close shuts down the QUIC listener, interrupting Accept in ListenAndServe.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
