package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qmedia/quicrq/internal/relay"
)

func TestHealthHandler_ProbeLive_GETAndHEAD(t *testing.T) {
	h := &healthHandler{
		statusFunc: func() relay.Status {
			return relay.Status{Status: "healthy", ActiveConnections: 1, Timestamp: time.Now(), Uptime: "1s"}
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/health?probe=live", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "alive" {
		t.Errorf("status = %q, want alive", resp["status"])
	}

	req = httptest.NewRequest(http.MethodHead, "/health?probe=live", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body for HEAD, got %d bytes", rec.Body.Len())
	}
}

func TestHealthHandler_ProbeReady_Cases(t *testing.T) {
	tests := map[string]struct {
		status     relay.Status
		wantCode   int
		wantReady  bool
		wantReason string
	}{
		"ready with healthy status": {
			status:    relay.Status{ActiveConnections: 0, Status: "healthy"},
			wantCode:  http.StatusOK,
			wantReady: true,
		},
		"invalid connection state": {
			status:     relay.Status{ActiveConnections: -1, Status: "healthy"},
			wantCode:   http.StatusServiceUnavailable,
			wantReady:  false,
			wantReason: "invalid_connection_state",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := &healthHandler{statusFunc: func() relay.Status { return tt.status }}
			req := httptest.NewRequest(http.MethodGet, "/health?probe=ready", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}

			var resp map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["ready"] != tt.wantReady {
				t.Errorf("ready = %v, want %v", resp["ready"], tt.wantReady)
			}
			if !tt.wantReady && tt.wantReason != "" && resp["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %v", resp["reason"], tt.wantReason)
			}
		})
	}
}

func TestHealthHandler_DefaultStatusResponses(t *testing.T) {
	tests := map[string]struct {
		status   relay.Status
		wantCode int
	}{
		"unhealthy status code": {status: relay.Status{Status: "unhealthy", ActiveConnections: 0}, wantCode: http.StatusServiceUnavailable},
		"healthy status code":   {status: relay.Status{Status: "healthy", ActiveConnections: 0}, wantCode: http.StatusOK},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := &healthHandler{statusFunc: func() relay.Status { return tt.status }}
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}

			var resp map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["status"] != tt.status.Status {
				t.Errorf("status field = %v, want %v", resp["status"], tt.status.Status)
			}
			if _, ok := resp["live"]; !ok {
				t.Error("expected 'live' field in response")
			}
			if _, ok := resp["ready"]; !ok {
				t.Error("expected 'ready' field in response")
			}
		})
	}
}

func TestHealthHandler_InvalidMethod(t *testing.T) {
	h := &healthHandler{statusFunc: func() relay.Status {
		return relay.Status{Status: "healthy", ActiveConnections: 0}
	}}
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

// --- serveComponents tests ---

type mockRelayServer struct {
	listenCalled chan struct{}
	closeCalled  chan struct{}
	listenErr    error
}

func newMockRelayServer(listenErr error) *mockRelayServer {
	return &mockRelayServer{listenCalled: make(chan struct{}), closeCalled: make(chan struct{}), listenErr: listenErr}
}

func (m *mockRelayServer) ListenAndServe(ctx context.Context) error {
	close(m.listenCalled)
	if m.listenErr != nil {
		return m.listenErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockRelayServer) Close() error {
	select {
	case <-m.closeCalled:
	default:
		close(m.closeCalled)
	}
	return nil
}

type mockHTTPServer struct {
	listenCalled   chan struct{}
	shutdownCalled chan struct{}
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{listenCalled: make(chan struct{}), shutdownCalled: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	close(m.listenCalled)
	<-m.shutdownCalled
	return http.ErrServerClosed
}

func (m *mockHTTPServer) Shutdown(_ context.Context) error {
	select {
	case <-m.shutdownCalled:
	default:
		close(m.shutdownCalled)
	}
	return nil
}

func TestServeComponents_ShutdownOnContextCancel(t *testing.T) {
	relayMock := newMockRelayServer(nil)
	httpMock := newMockHTTPServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveComponents(ctx, relayMock, httpMock, 1*time.Second)

	<-relayMock.listenCalled
	<-httpMock.listenCalled

	cancel()

	select {
	case <-relayMock.closeCalled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("relay Close was not called")
	}

	select {
	case <-httpMock.shutdownCalled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("http shutdown was not called")
	}
}

func TestServeComponents_IgnoresImmediateListenError(t *testing.T) {
	relayMock := newMockRelayServer(fmt.Errorf("listen failed"))
	httpMock := newMockHTTPServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveComponents(ctx, relayMock, httpMock, 1*time.Second)

	<-relayMock.listenCalled
	<-httpMock.listenCalled

	cancel()

	select {
	case <-httpMock.shutdownCalled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("http shutdown was not called after context cancel")
	}
}

func TestServeComponents_NilHTTPServer(t *testing.T) {
	relayMock := newMockRelayServer(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveComponents(ctx, relayMock, nil, 1*time.Second)

	<-relayMock.listenCalled
	cancel()

	select {
	case <-relayMock.closeCalled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("relay Close was not called")
	}
}

func TestSetupTLSInvalidFiles(t *testing.T) {
	_, err := setupTLS("/nonexistent/cert.pem", "/nonexistent/key.pem")
	if err == nil {
		t.Error("expected error for nonexistent certificate files")
	}
}

func TestSetupTLSEmptyPaths(t *testing.T) {
	_, err := setupTLS("", "")
	if err == nil {
		t.Error("expected error for empty certificate paths")
	}
}
