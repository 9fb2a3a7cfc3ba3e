package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/clock"
	"github.com/guardpost/guardpost/internal/lifecycle"
	"github.com/guardpost/guardpost/internal/logging"
	"github.com/guardpost/guardpost/internal/tokenstore"
)

// Manager defaults.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
)

// Session is the cached view of one user's authentication state. At most
// one session exists per user.
type Session struct {
	ID           string
	UserID       string
	State        auth.AuthState
	Scopes       []string
	Subscription auth.SubscriptionLevel
	ExpiresAt    time.Time
	CreatedAt    time.Time
	LastActivity time.Time
}

// Connection is one live transport attachment for a user.
type Connection struct {
	ID           string
	UserID       string
	Transport    string
	OpenedAt     time.Time
	LastActivity time.Time
}

// Config holds session manager configuration.
type Config struct {
	// SweepInterval is the cadence of the idle sweep. Default: 5 minutes.
	SweepInterval time.Duration

	// IdleTimeout evicts sessions and connections with no activity for
	// this long. Default: 30 minutes.
	IdleTimeout time.Duration

	// Clock overrides the time source (tests).
	Clock clock.Clock

	// Logger for structured logging (optional).
	Logger *slog.Logger

	// ConnectionGauge, when set, receives a +1 or -1 delta per transport
	// as connections open and close.
	ConnectionGauge func(transport string, delta int)
}

// Manager owns the session cache and the connection registry.
type Manager struct {
	vault     *tokenstore.Vault
	lifecycle *lifecycle.Manager
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	gauge     func(transport string, delta int)

	mu          sync.RWMutex
	sessions    map[string]*Session    // keyed by user ID
	connections map[string]*Connection // keyed by connection ID
	running     bool
	stopCh      chan struct{}
	sweepDone   sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(vault *tokenstore.Vault, lc *lifecycle.Manager, cfg Config) (*Manager, error) {
	if vault == nil || lc == nil {
		return nil, auth.NewError(auth.CodeConfigurationError, "token vault and lifecycle manager are required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		vault:       vault,
		lifecycle:   lc,
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      logging.WithComponent(cfg.Logger, "session"),
		gauge:       cfg.ConnectionGauge,
		sessions:    make(map[string]*Session),
		connections: make(map[string]*Connection),
	}, nil
}

// SetConnectionGauge installs the gauge callback after construction.
// Existing connections are not replayed.
func (m *Manager) SetConnectionGauge(gauge func(transport string, delta int)) {
	m.mu.Lock()
	m.gauge = gauge
	m.mu.Unlock()
}

func (m *Manager) trackConnections(transports []string, delta int) {
	m.mu.RLock()
	gauge := m.gauge
	m.mu.RUnlock()
	if gauge == nil {
		return
	}
	for _, transport := range transports {
		gauge(transport, delta)
	}
}

// sessionFromRecord projects a token record into a cached session,
// preserving the existing session ID when one exists.
func (m *Manager) sessionFromRecord(rec *tokenstore.Record) *Session {
	now := m.clock.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       rec.UserID,
		State:        auth.StateAuthenticated,
		Scopes:       append([]string(nil), rec.Scopes...),
		Subscription: rec.Subscription,
		ExpiresAt:    rec.ExpiresAt,
		CreatedAt:    now,
		LastActivity: now,
	}
	if existing, ok := m.sessions[rec.UserID]; ok {
		sess.ID = existing.ID
		sess.CreatedAt = existing.CreatedAt
	}
	return sess
}

// CreateSession builds a session for a user whose tokens are already
// stored. It replaces any previous session for the user.
func (m *Manager) CreateSession(ctx context.Context, userID string) (*Session, *auth.SecurityError) {
	rec, err := m.vault.GetRecord(ctx, userID)
	if err != nil {
		return nil, auth.WrapError(auth.CodeSessionNotFound, "no token record to build session from", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessionFromRecord(rec)
	m.sessions[userID] = sess
	m.logger.Info("session created", logging.UserHash(userID))
	return sess.clone(), nil
}

// ValidateSession checks a presented token against the stored record and
// keeps the cached session state in step with the outcome.
func (m *Manager) ValidateSession(ctx context.Context, userID, accessToken string) (*Session, *auth.SecurityError) {
	outcome := m.vault.ValidateToken(ctx, userID, accessToken)
	if !outcome.Valid {
		m.markState(userID, stateForCode(outcome.Code))
		return nil, outcome.Err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessionFromRecord(outcome.Record)
	m.sessions[userID] = sess
	return sess.clone(), nil
}

// RecoverSession restores a session for a presented token. A cached
// session that is still authenticated and unexpired is returned as-is;
// otherwise the token is validated against the store, driving one
// refresh when it has expired. The returned session is always current:
// a stale record either refreshes or the call fails.
func (m *Manager) RecoverSession(ctx context.Context, userID, accessToken string) (*Session, *auth.SecurityError) {
	now := m.clock.Now()
	m.mu.Lock()
	if sess, ok := m.sessions[userID]; ok &&
		sess.State == auth.StateAuthenticated && sess.ExpiresAt.After(now) {
		sess.LastActivity = now
		dup := sess.clone()
		m.mu.Unlock()
		return dup, nil
	}
	m.mu.Unlock()
	return m.recover(ctx, userID, accessToken, false)
}

func (m *Manager) recover(ctx context.Context, userID, accessToken string, retried bool) (*Session, *auth.SecurityError) {
	outcome := m.vault.ValidateToken(ctx, userID, accessToken)
	if outcome.Valid {
		m.mu.Lock()
		defer m.mu.Unlock()
		sess := m.sessionFromRecord(outcome.Record)
		m.sessions[userID] = sess
		return sess.clone(), nil
	}

	if outcome.Code != auth.CodeTokenExpired || retried {
		m.dropSession(userID)
		return nil, outcome.Err
	}

	result := m.lifecycle.RefreshIfNeeded(ctx, userID)
	if !result.Success || result.Tokens == nil {
		m.markState(userID, auth.StateRefreshFailed)
		if result.Err != nil {
			return nil, result.Err
		}
		return nil, auth.NewError(auth.CodeRefreshFailed, "session recovery refresh produced no tokens")
	}

	m.logger.Info("session recovered through refresh", logging.UserHash(userID))
	return m.recover(ctx, userID, result.Tokens.AccessToken, true)
}

// InvalidateSession drops the cached session, deletes the persisted
// record, and closes every connection the user holds.
func (m *Manager) InvalidateSession(ctx context.Context, userID string) *auth.SecurityError {
	if err := m.vault.DeleteRecord(ctx, userID); err != nil {
		return auth.WrapError(auth.CodeDatabaseError, "failed to delete token record", err)
	}

	m.mu.Lock()
	delete(m.sessions, userID)
	closed := m.closeUserConnectionsLocked(userID)
	m.mu.Unlock()

	m.trackConnections(closed, -1)
	m.logger.Info("session invalidated",
		logging.UserHash(userID), slog.Int("connections_closed", len(closed)))
	return nil
}

// GetSession returns the cached session for a user, if any.
func (m *Manager) GetSession(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// RegisterConnection attaches a transport connection to a user.
func (m *Manager) RegisterConnection(userID, transport string) *Connection {
	now := m.clock.Now()
	conn := &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		Transport:    transport,
		OpenedAt:     now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.connections[conn.ID] = conn
	m.mu.Unlock()

	m.trackConnections([]string{transport}, 1)
	m.logger.Debug("connection registered",
		logging.UserHash(userID),
		logging.ConnectionID(conn.ID),
		slog.String("transport", transport))
	dup := *conn
	return &dup
}

// UpdateActivity bumps the activity clock for a connection and its
// session, and touches the persisted record.
func (m *Manager) UpdateActivity(ctx context.Context, connectionID string) *auth.SecurityError {
	now := m.clock.Now()

	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if !ok {
		m.mu.Unlock()
		return auth.NewError(auth.CodeSessionInvalid, "unknown connection")
	}
	conn.LastActivity = now
	userID := conn.UserID
	if sess, ok := m.sessions[userID]; ok {
		sess.LastActivity = now
	}
	m.mu.Unlock()

	if err := m.vault.Touch(ctx, userID); err != nil {
		m.logger.Debug("failed to touch token record", logging.UserHash(userID), logging.Err(err))
	}
	return nil
}

// CloseConnection removes a connection from the registry.
func (m *Manager) CloseConnection(connectionID string) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if ok {
		delete(m.connections, connectionID)
	}
	m.mu.Unlock()
	if ok {
		m.trackConnections([]string{conn.Transport}, -1)
		m.logger.Debug("connection closed",
			logging.UserHash(conn.UserID), logging.ConnectionID(connectionID))
	}
}

// ConnectionsForUser returns the user's live connections.
func (m *Manager) ConnectionsForUser(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var conns []*Connection
	for _, conn := range m.connections {
		if conn.UserID == userID {
			dup := *conn
			conns = append(conns, &dup)
		}
	}
	return conns
}

// SessionCount returns the number of cached sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// PerformAutoRecovery rebuilds sessions for every recoverable record,
// typically at startup. It returns the number of sessions restored.
func (m *Manager) PerformAutoRecovery(ctx context.Context) (int, error) {
	records, err := m.vault.RecoverableSessions(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.sessions[rec.UserID] = m.sessionFromRecord(rec)
	}
	if len(records) > 0 {
		m.logger.Info("sessions auto-recovered", slog.Int("count", len(records)))
	}
	return len(records), nil
}

// Start launches the periodic idle sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return auth.NewError(auth.CodeConfigurationError, "session manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.sweepDone.Add(1)
	go func() {
		defer m.sweepDone.Done()
		ticker := m.clock.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.SweepIdle()
			}
		}
	}()
	return nil
}

// Stop halts the idle sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.sweepDone.Wait()
}

// RevalidateSessions re-checks every cached session against the vault.
// Sessions whose backing record is gone or past the failure ceiling are
// evicted with their connections; the rest are brought in step with the
// stored expiry and state.
func (m *Manager) RevalidateSessions(ctx context.Context) (checked, dropped int) {
	m.mu.RLock()
	userIDs := make([]string, 0, len(m.sessions))
	for userID := range m.sessions {
		userIDs = append(userIDs, userID)
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	for _, userID := range userIDs {
		checked++
		rec, err := m.vault.GetRecord(ctx, userID)
		switch {
		case errors.Is(err, tokenstore.ErrNotFound):
			m.evictSession(userID)
			dropped++
		case err != nil:
			m.logger.Debug("session revalidation lookup failed",
				logging.UserHash(userID), logging.Err(err))
		case rec.FailureCount >= m.vault.MaxFailureCount():
			m.evictSession(userID)
			dropped++
		default:
			m.mu.Lock()
			if sess, ok := m.sessions[userID]; ok {
				sess.ExpiresAt = rec.ExpiresAt
				sess.Scopes = append([]string(nil), rec.Scopes...)
				if !rec.ExpiresAt.After(now) && sess.State == auth.StateAuthenticated {
					sess.State = auth.StateExpired
				}
			}
			m.mu.Unlock()
		}
	}
	if dropped > 0 {
		m.logger.Info("session revalidation evicted entries",
			slog.Int("checked", checked), slog.Int("dropped", dropped))
	}
	return checked, dropped
}

func (m *Manager) evictSession(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	closed := m.closeUserConnectionsLocked(userID)
	m.mu.Unlock()
	m.trackConnections(closed, -1)
}

// SweepIdle evicts sessions and connections past the idle timeout, and
// sessions whose tokens have expired.
func (m *Manager) SweepIdle() (sessions, connections int) {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.IdleTimeout)

	var evicted []string
	m.mu.Lock()
	for id, conn := range m.connections {
		if conn.LastActivity.Before(cutoff) {
			delete(m.connections, id)
			evicted = append(evicted, conn.Transport)
			connections++
		}
	}
	for userID, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) || !sess.ExpiresAt.After(now) {
			delete(m.sessions, userID)
			sessions++
		}
	}
	m.mu.Unlock()

	m.trackConnections(evicted, -1)
	if sessions > 0 || connections > 0 {
		m.logger.Info("idle sweep evicted entries",
			slog.Int("sessions", sessions), slog.Int("connections", connections))
	}
	return sessions, connections
}

// TokenRefreshed updates cached expiry after a successful refresh.
func (m *Manager) TokenRefreshed(userID string, set *auth.TokenSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[userID]; ok {
		sess.State = auth.StateAuthenticated
		sess.ExpiresAt = set.ExpiresAt
		sess.LastActivity = m.clock.Now()
	}
}

// RefreshFailed marks the cached session accordingly.
func (m *Manager) RefreshFailed(userID string, _ *auth.SecurityError) {
	m.markState(userID, auth.StateRefreshFailed)
}

// ReauthRequired invalidates the cached session and closes the user's
// connections; the tokens are beyond repair.
func (m *Manager) ReauthRequired(userID string) {
	m.mu.Lock()
	if sess, ok := m.sessions[userID]; ok {
		sess.State = auth.StateInvalid
	}
	closed := m.closeUserConnectionsLocked(userID)
	m.mu.Unlock()

	m.trackConnections(closed, -1)
	m.logger.Warn("re-authentication required",
		logging.UserHash(userID), slog.Int("connections_closed", len(closed)))
}

// ValidationFailed keeps session state in step with validation outcomes.
func (m *Manager) ValidationFailed(userID string, code auth.ErrorCode) {
	m.markState(userID, stateForCode(code))
}

func (m *Manager) markState(userID string, state auth.AuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[userID]; ok {
		sess.State = state
	}
}

func (m *Manager) dropSession(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}

func (m *Manager) closeUserConnectionsLocked(userID string) []string {
	var closed []string
	for id, conn := range m.connections {
		if conn.UserID == userID {
			delete(m.connections, id)
			closed = append(closed, conn.Transport)
		}
	}
	return closed
}

func stateForCode(code auth.ErrorCode) auth.AuthState {
	switch code {
	case auth.CodeTokenExpired, auth.CodeSessionExpired:
		return auth.StateExpired
	case auth.CodeRefreshFailed:
		return auth.StateRefreshFailed
	default:
		return auth.StateInvalid
	}
}

func (s *Session) clone() *Session {
	dup := *s
	dup.Scopes = append([]string(nil), s.Scopes...)
	return &dup
}
