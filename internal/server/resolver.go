package server

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// binding ties a bearer token hash to a user ID.
type binding struct {
	userID     string
	lastAccess time.Time
}

// UserResolver maps bearer tokens to user IDs. The first authenticated
// request for a token carries the user ID explicitly (header or stored
// binding from the token exchange); subsequent requests are resolved from
// the token alone. Tokens are never stored, only their SHA-256 digests.
type UserResolver struct {
	bindings      map[string]*binding
	mu            sync.RWMutex
	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	bindingTTL    time.Duration
	logger        *slog.Logger
}

// DefaultBindingTTL is how long an unused token binding survives.
const DefaultBindingTTL = 24 * time.Hour

// NewUserResolver creates a resolver with the default TTL.
func NewUserResolver(logger *slog.Logger) *UserResolver {
	return NewUserResolverWithTTL(DefaultBindingTTL, logger)
}

// NewUserResolverWithTTL creates a resolver whose idle bindings expire
// after ttl.
func NewUserResolverWithTTL(ttl time.Duration, logger *slog.Logger) *UserResolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &UserResolver{
		bindings:      make(map[string]*binding),
		cleanupTicker: time.NewTicker(10 * time.Minute),
		cleanupDone:   make(chan struct{}),
		bindingTTL:    ttl,
		logger:        logger,
	}
	go r.cleanupExpiredBindings()
	return r
}

// Resolve returns the user ID bound to the token, or "" when the token
// has never been bound.
func (r *UserResolver) Resolve(token string) string {
	key := tokenDigest(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[key]; ok {
		b.lastAccess = time.Now()
		return b.userID
	}
	return ""
}

// Bind associates a token with a user ID.
func (r *UserResolver) Bind(token, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[tokenDigest(token)] = &binding{
		userID:     userID,
		lastAccess: time.Now(),
	}
}

// Unbind drops the binding for a token.
func (r *UserResolver) Unbind(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, tokenDigest(token))
}

// UnbindUser drops every binding that resolves to userID. Used when a
// session is invalidated so a revoked token cannot be resolved again.
func (r *UserResolver) UnbindUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.bindings {
		if b.userID == userID {
			delete(r.bindings, key)
		}
	}
}

// BindingCount returns the number of live token bindings.
func (r *UserResolver) BindingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// tokenDigest derives the map key from a bearer token.
func tokenDigest(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// cleanupExpiredBindings periodically removes idle bindings.
func (r *UserResolver) cleanupExpiredBindings() {
	for {
		select {
		case <-r.cleanupTicker.C:
			r.mu.Lock()
			now := time.Now()
			expired := 0
			for key, b := range r.bindings {
				if now.Sub(b.lastAccess) > r.bindingTTL {
					delete(r.bindings, key)
					expired++
				}
			}
			r.mu.Unlock()
			if expired > 0 {
				r.logger.Info("cleaned up expired token bindings", "count", expired)
			}
		case <-r.cleanupDone:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (r *UserResolver) Stop() {
	if r.cleanupTicker != nil {
		r.cleanupTicker.Stop()
	}
	if r.cleanupDone != nil {
		close(r.cleanupDone)
	}
}
