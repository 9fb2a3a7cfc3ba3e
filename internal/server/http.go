package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Transport names accepted by NewTrustHTTPServer.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// TrustHTTPServerConfig configures the authenticated MCP transport.
type TrustHTTPServerConfig struct {
	// BaseURL is the externally visible URL. HTTPS is required except
	// for loopback addresses.
	BaseURL string

	// Transport is "streamable-http" or "sse".
	Transport string

	// RequiredScopes are demanded on every request in addition to a
	// valid token.
	RequiredScopes []string

	// RateLimitRate and RateLimitBurst bound per-client request rates.
	// Zero values disable rate limiting.
	RateLimitRate  int
	RateLimitBurst int

	// TrustProxy enables X-Forwarded-For client identification.
	TrustProxy bool
}

// TrustHTTPServer serves an MCP server over HTTP with every request
// authenticated against the trust layer.
type TrustHTTPServer struct {
	mcpServer  *mcpserver.MCPServer
	sc         *ServerContext
	cfg        TrustHTTPServerConfig
	middleware *AuthMiddleware
	resolver   *UserResolver
	limiter    *RateLimiter
	health     *HealthChecker
	httpServer *http.Server
}

// NewTrustHTTPServer wires the MCP server, auth middleware, rate limiter
// and health endpoints together.
func NewTrustHTTPServer(mcpSrv *mcpserver.MCPServer, sc *ServerContext, cfg TrustHTTPServerConfig) (*TrustHTTPServer, error) {
	if err := validateHTTPSRequirement(cfg.BaseURL); err != nil {
		return nil, err
	}
	if cfg.Transport != TransportStreamableHTTP && cfg.Transport != TransportSSE {
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}

	resolver := NewUserResolver(nil)
	s := &TrustHTTPServer{
		mcpServer:  mcpSrv,
		sc:         sc,
		cfg:        cfg,
		resolver:   resolver,
		middleware: NewAuthMiddleware(sc, resolver, cfg.BaseURL, cfg.Transport),
		health:     NewHealthChecker(sc),
	}
	if len(cfg.RequiredScopes) > 0 {
		s.middleware.RequireScopes(cfg.RequiredScopes)
	}
	if cfg.RateLimitRate > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRate, cfg.RateLimitBurst, cfg.TrustProxy)
	}
	return s, nil
}

// Handler builds the full request mux: MCP endpoints behind auth, health
// endpoints open.
func (s *TrustHTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.RegisterHealthEndpoints(mux)

	switch s.cfg.Transport {
	case TransportSSE:
		sseServer := mcpserver.NewSSEServer(s.mcpServer,
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/message"),
		)
		mux.Handle("/sse", s.protect(sseServer))
		mux.Handle("/message", s.protect(sseServer))

	case TransportStreamableHTTP:
		httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer,
			mcpserver.WithEndpointPath("/mcp"),
		)
		mux.Handle("/mcp", s.protect(httpServer))
	}

	return mux
}

// protect layers request metrics, rate limiting and token validation
// over a handler.
func (s *TrustHTTPServer) protect(next http.Handler) http.Handler {
	handler := s.middleware.Wrap(next)
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	return s.instrument(handler)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming transports working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records method, path, status and latency for every request.
func (s *TrustHTTPServer) instrument(next http.Handler) http.Handler {
	metrics := s.sc.Security().Metrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *TrustHTTPServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the helpers.
func (s *TrustHTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	s.resolver.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Resolver exposes the token binding table so the serve command can seed
// bindings for pre-provisioned users.
func (s *TrustHTTPServer) Resolver() *UserResolver {
	return s.resolver
}

// validateHTTPSRequirement rejects plaintext URLs outside loopback.
func validateHTTPSRequirement(baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("bearer tokens require HTTPS in production (got: %s); use HTTPS or localhost for development", baseURL)
	default:
		return fmt.Errorf("invalid URL scheme: %s", u.Scheme)
	}
}
