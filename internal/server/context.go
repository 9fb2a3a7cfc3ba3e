package server

import (
	"context"
	"sync"

	"github.com/guardpost/guardpost/internal/security"
	"github.com/guardpost/guardpost/internal/session"
)

// ServerContext holds the shared state of the gateway process: the trust
// layer facade plus the root context every transport derives from.
type ServerContext struct {
	ctx      context.Context
	cancel   context.CancelFunc
	security *security.Manager
	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a server context around an initialized trust layer.
func NewServerContext(ctx context.Context, sec *security.Manager) *ServerContext {
	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:      shutdownCtx,
		cancel:   cancel,
		security: sec,
	}
}

// Context returns the root context for request handling.
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Security returns the trust layer facade.
func (sc *ServerContext) Security() *security.Manager {
	return sc.security
}

// Sessions returns the session registry.
func (sc *ServerContext) Sessions() *session.Manager {
	return sc.security.Sessions()
}

// IsShutdown reports whether Shutdown has been called.
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the root context and stops the trust layer. Safe to
// call more than once.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	sc.mu.Unlock()

	sc.cancel()
	sc.security.Shutdown(context.Background())
	return nil
}
