// Package server is the transport shell of the guardpost trust layer.
//
// # Key Components
//
// ServerContext owns the security manager and the root context every
// transport derives from.
//
// TrustHTTPServer serves an MCP server over streamable-HTTP or SSE with
// every request authenticated against the trust layer. AuthMiddleware
// extracts the bearer token, resolves the user it belongs to, runs the
// full validation pipeline and registers one connection per MCP session.
//
// UserResolver maps SHA-256 digests of bearer tokens to user IDs so that
// only the first request for a token has to carry the user ID explicitly.
//
// # Security Defaults
//
//   - HTTPS required for production (localhost exempt for development)
//   - RFC 6750 WWW-Authenticate challenges on rejection
//   - Per-client token bucket rate limiting
//   - Tokens are never stored by the transport, only their digests
//
// HealthChecker exposes /healthz, /readyz and /healthz/detailed; the
// detailed endpoint probes the token store and the authorization server
// through the trust layer. MetricsServer serves Prometheus metrics on a
// dedicated port.
package server
