package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/validation"
)

// UserHeader carries the user ID on the first request for a bearer token.
// Later requests are resolved from the token binding alone.
const UserHeader = "X-Guardpost-User"

// mcpSessionHeader is set by MCP clients on streamable-HTTP requests.
const mcpSessionHeader = "Mcp-Session-Id"

type contextKey string

const (
	userIDContextKey     contextKey = "guardpost_user"
	connectionContextKey contextKey = "guardpost_connection"
)

// UserIDFromContext returns the authenticated user ID, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}

// ConnectionIDFromContext returns the connection ID the request belongs to.
func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connectionContextKey).(string)
	return id, ok
}

// ErrorResponse is the JSON body of middleware rejections.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, errorCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            errorCode,
		ErrorDescription: description,
	})
}

// AuthMiddleware validates bearer tokens against the trust layer and
// tracks one connection per MCP session.
type AuthMiddleware struct {
	sc        *ServerContext
	resolver  *UserResolver
	realm     string
	transport string
	scopes    []string

	mu    sync.Mutex
	conns map[string]string // MCP session ID -> connection ID
}

// NewAuthMiddleware creates middleware for one transport ("streamable-http",
// "sse" or "stdio"). The realm appears in WWW-Authenticate challenges.
func NewAuthMiddleware(sc *ServerContext, resolver *UserResolver, realm, transport string) *AuthMiddleware {
	return &AuthMiddleware{
		sc:        sc,
		resolver:  resolver,
		realm:     realm,
		transport: transport,
		conns:     make(map[string]string),
	}
}

// RequireScopes makes every request demand the given scopes on top of a
// valid token.
func (m *AuthMiddleware) RequireScopes(scopes []string) {
	m.scopes = scopes
}

// Wrap authenticates every request before handing it to next. Requests
// pass through with the user ID and connection ID on the context.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.challenge(w, "")
			writeJSONError(w, http.StatusUnauthorized, "missing_token", "missing Authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			m.challenge(w, "invalid Authorization header format")
			writeJSONError(w, http.StatusUnauthorized, "invalid_token", "invalid Authorization header format")
			return
		}
		token := parts[1]

		userID := m.resolver.Resolve(token)
		if userID == "" {
			userID = r.Header.Get(UserHeader)
		}
		if userID == "" {
			m.challenge(w, "token is not bound to a user")
			writeJSONError(w, http.StatusUnauthorized, "unknown_user",
				fmt.Sprintf("token is not bound to a user; send the %s header once", UserHeader))
			return
		}

		result := m.sc.Security().ValidateUserToken(r.Context(), validation.Request{
			UserID:                  userID,
			AccessToken:             token,
			RequiredScopes:          m.scopes,
			AllowExpiredWithRefresh: true,
		})
		if !result.Valid {
			m.reject(w, result)
			return
		}

		// A rotated token means the presented one is stale on the next
		// request, so only the validated token gets bound.
		m.resolver.Bind(token, userID)

		connID := m.trackConnection(r, userID)

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		if connID != "" {
			ctx = context.WithValue(ctx, connectionContextKey, connID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// trackConnection registers one connection per MCP session and bumps
// activity on reuse. Requests without a session header get a connection
// of their own.
func (m *AuthMiddleware) trackConnection(r *http.Request, userID string) string {
	sessions := m.sc.Sessions()
	mcpSession := r.Header.Get(mcpSessionHeader)
	if mcpSession == "" {
		conn := sessions.RegisterConnection(userID, m.transport)
		return conn.ID
	}

	m.mu.Lock()
	connID, ok := m.conns[mcpSession]
	m.mu.Unlock()

	if ok {
		if serr := sessions.UpdateActivity(r.Context(), connID); serr == nil {
			return connID
		}
		// Connection was swept; fall through and register a fresh one.
	}

	conn := sessions.RegisterConnection(userID, m.transport)
	m.mu.Lock()
	m.conns[mcpSession] = conn.ID
	m.mu.Unlock()
	return conn.ID
}

// challenge sets the WWW-Authenticate header per RFC 6750.
func (m *AuthMiddleware) challenge(w http.ResponseWriter, description string) {
	value := fmt.Sprintf(`Bearer realm=%q`, m.realm)
	if description != "" {
		value += fmt.Sprintf(`, error="invalid_token", error_description=%q`, description)
	}
	w.Header().Set("WWW-Authenticate", value)
}

// reject maps a validation failure onto the right HTTP status.
func (m *AuthMiddleware) reject(w http.ResponseWriter, result validation.Result) {
	description := "token validation failed"
	if result.Err != nil {
		description = result.Err.Message
	}

	switch result.Code {
	case auth.CodeInsufficientScope:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm=%q, error="insufficient_scope", scope=%q`,
			m.realm, strings.Join(result.MissingScopes, " ")))
		writeJSONError(w, http.StatusForbidden, "insufficient_scope", description)
	case auth.CodeRateLimited:
		if result.Err != nil && result.Err.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.Err.RetryAfter.Seconds())))
		}
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", description)
	default:
		m.challenge(w, description)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", description)
	}
}
