package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

func newTestMCPServer() *mcpserver.MCPServer {
	return mcpserver.NewMCPServer("guardpost-test", "0.0.1")
}

func TestNewTrustHTTPServer_Validation(t *testing.T) {
	sc := newTestServerContext(t)
	mcpSrv := newTestMCPServer()

	tests := []struct {
		name        string
		cfg         TrustHTTPServerConfig
		expectError bool
	}{
		{
			name: "https base URL",
			cfg:  TrustHTTPServerConfig{BaseURL: "https://gw.example.com", Transport: TransportStreamableHTTP},
		},
		{
			name: "localhost http allowed",
			cfg:  TrustHTTPServerConfig{BaseURL: "http://localhost:8080", Transport: TransportSSE},
		},
		{
			name:        "plain http rejected",
			cfg:         TrustHTTPServerConfig{BaseURL: "http://gw.example.com", Transport: TransportStreamableHTTP},
			expectError: true,
		},
		{
			name:        "empty base URL",
			cfg:         TrustHTTPServerConfig{Transport: TransportStreamableHTTP},
			expectError: true,
		},
		{
			name:        "unknown transport",
			cfg:         TrustHTTPServerConfig{BaseURL: "https://gw.example.com", Transport: "websocket"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewTrustHTTPServer(mcpSrv, sc, tt.cfg)
			if tt.expectError {
				if err == nil {
					t.Error("NewTrustHTTPServer() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTrustHTTPServer() error = %v", err)
			}
			_ = srv.Shutdown(sc.Context())
		})
	}
}

func TestTrustHTTPServer_MCPEndpointRequiresAuth(t *testing.T) {
	sc := newTestServerContext(t)
	srv, err := NewTrustHTTPServer(newTestMCPServer(), sc, TrustHTTPServerConfig{
		BaseURL:   "http://localhost:8080",
		Transport: TransportStreamableHTTP,
	})
	if err != nil {
		t.Fatalf("NewTrustHTTPServer() error = %v", err)
	}
	defer func() { _ = srv.Shutdown(sc.Context()) }()

	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /mcp status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestTrustHTTPServer_HealthEndpointsOpen(t *testing.T) {
	sc := newTestServerContext(t)
	srv, err := NewTrustHTTPServer(newTestMCPServer(), sc, TrustHTTPServerConfig{
		BaseURL:   "http://localhost:8080",
		Transport: TransportStreamableHTTP,
	})
	if err != nil {
		t.Fatalf("NewTrustHTTPServer() error = %v", err)
	}
	defer func() { _ = srv.Shutdown(sc.Context()) }()

	handler := srv.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/healthz/detailed"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d (%s)", path, w.Code, http.StatusOK, w.Body.String())
		}
	}
}

func TestHealthChecker_DetailedBreakdown(t *testing.T) {
	sc := newTestServerContext(t)
	checker := NewHealthChecker(sc)

	req := httptest.NewRequest(http.MethodGet, "/healthz/detailed", nil)
	w := httptest.NewRecorder()
	checker.DetailedHealthHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusOK, w.Body.String())
	}

	var resp DetailedHealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != healthStatusOK {
		t.Errorf("status = %q, want %q", resp.Status, healthStatusOK)
	}
	if !resp.Store || !resp.Provider {
		t.Errorf("store/provider = %v/%v, want both healthy", resp.Store, resp.Provider)
	}
}

func TestHealthChecker_ReadinessAfterShutdown(t *testing.T) {
	sc := newTestServerContext(t)
	checker := NewHealthChecker(sc)

	if err := sc.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	checker.ReadinessHandler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
