package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"

	"github.com/qmedia/quicrq/internal/cliconfig"
	"github.com/qmedia/quicrq/internal/observability"
	"github.com/qmedia/quicrq/internal/quicrq/relay"
	relaysrv "github.com/qmedia/quicrq/internal/relay"
)

// RunRelay loads the relay's configuration, wires its upstream fetcher and
// observability exporters, and serves QUIC connections until interrupted.
func RunRelay(args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	configFile := fs.String("config", "config.relay.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := cliconfig.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	tlsConfig, err := setupTLS(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := observability.Setup(ctx, cfg.Observability); err != nil {
		return fmt.Errorf("failed to set up observability: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := observability.Shutdown(shutdownCtx); err != nil {
			log.Printf("observability shutdown error: %v", err)
		}
	}()

	var registry *relay.Node
	if cfg.RelayConfig.Upstream != "" {
		fetcher := &relaysrv.Fetcher{
			TLSConfig: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"quicrq"}},
			Upstream:  cfg.RelayConfig.Upstream,
			Log:       slog.Default(),
		}
		registry = relay.NewNode(fetcher.Open, fetcher.OpenPublish)
	} else {
		registry = relay.NewNode(nil, nil)
	}

	relayServer := &relaysrv.Server{
		Addr:      cfg.Address,
		TLSConfig: tlsConfig,
		QUICConfig: &quic.Config{
			EnableDatagrams: true,
		},
		Config:   &cfg.RelayConfig,
		Log:      slog.Default(),
		Registry: registry,
	}

	mux := http.NewServeMux()
	mux.Handle("/health", &healthHandler{statusFunc: relayServer.Status})
	mux.Handle("/metrics", promhttp.Handler())

	var httpServer httpRunner
	if cfg.StatusAddr != "" {
		httpServer = &http.Server{Addr: cfg.StatusAddr, Handler: mux}
	}

	serveComponents(ctx, relayServer, httpServer, 10*time.Second)

	return nil
}

// serveComponents runs the QUIC relay server (and, if configured, a
// separate status HTTP server) until ctx is cancelled, then shuts both
// down within shutdownTimeout. ListenAndServe errors are logged, not
// fatal: the process still waits for ctx to end shutdown cleanly.
func serveComponents(ctx context.Context, relaySrv relayRunner, httpSrv httpRunner, shutdownTimeout time.Duration) {
	go func() {
		if err := relaySrv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Printf("relay server error: %v", err)
		}
	}()

	if httpSrv != nil {
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("status server error: %v", err)
			}
		}()
	}

	log.Println("relay started")
	log.Println("  quicrq://   - control-stream & datagram relay endpoint")
	log.Println("  /health     - health check")
	log.Println("  /metrics    - Prometheus metrics")

	<-ctx.Done()
	slog.Info("shutting down relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := relaySrv.Close(); err != nil {
		log.Printf("error closing relay listener: %v", err)
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("error shutting down status server: %v", err)
		}
	}

	slog.Info("relay stopped")
}

// relayRunner and httpRunner are the minimal interfaces serveComponents
// needs from *relay.Server and *http.Server respectively, kept narrow so
// tests can exercise the run/shutdown flow with fakes.
type relayRunner interface {
	ListenAndServe(ctx context.Context) error
	Close() error
}

type httpRunner interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

func setupTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quicrq"},
	}, nil
}

type healthHandler struct {
	statusFunc func() relaysrv.Status
}

// ServeHTTP supports Kubernetes-style liveness/readiness probes via
// ?probe=live|ready, on top of the default full-status response.
func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	probe := r.URL.Query().Get("probe")

	switch probe {
	case "live":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
		return

	case "ready":
		status := h.statusFunc()
		ready, reason := readiness(status)

		statusCode := http.StatusOK
		if !ready {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if r.Method == http.MethodHead {
			return
		}
		response := map[string]any{"ready": ready}
		if !ready {
			response["reason"] = reason
		}
		json.NewEncoder(w).Encode(response)
		return

	default:
		status := h.statusFunc()
		ready, reason := readiness(status)

		response := map[string]any{
			"status":             status.Status,
			"timestamp":          status.Timestamp,
			"uptime":             status.Uptime,
			"active_connections": status.ActiveConnections,
			"live":               true,
			"ready":              ready,
		}
		if !ready {
			response["ready_reason"] = reason
		}

		statusCode := http.StatusOK
		if status.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if r.Method == http.MethodHead {
			return
		}
		json.NewEncoder(w).Encode(response)
	}
}

func readiness(status relaysrv.Status) (ready bool, reason string) {
	if status.ActiveConnections < 0 {
		return false, "invalid_connection_state"
	}
	return true, "ready"
}
