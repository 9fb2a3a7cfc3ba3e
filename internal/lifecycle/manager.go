package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/clock"
	"github.com/guardpost/guardpost/internal/logging"
	"github.com/guardpost/guardpost/internal/oauth"
	"github.com/guardpost/guardpost/internal/tokenstore"
)

// Default configuration values for the lifecycle manager.
const (
	DefaultMaxRetries      = 3
	DefaultBaseRetryDelay  = 1 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
	DefaultScanBatchSize   = 5
	DefaultStopTimeout     = 30 * time.Second

	// refreshScanInterval is the fixed cadence of the refresh scan.
	refreshScanInterval = 1 * time.Minute
)

// Observer receives lifecycle notifications. Implementations must not
// block; they are called synchronously from refresh paths.
type Observer interface {
	// TokenRefreshed fires after a successful refresh has been persisted.
	TokenRefreshed(userID string, set *auth.TokenSet)

	// RefreshFailed fires after a failed refresh attempt.
	RefreshFailed(userID string, err *auth.SecurityError)

	// ReauthRequired fires when a user exhausts the retry cap.
	ReauthRequired(userID string)
}

// Config holds lifecycle manager configuration.
type Config struct {
	// MaxRetries caps refresh attempts before the user is marked as
	// requiring re-authentication. Default: 3.
	MaxRetries int

	// BaseRetryDelay seeds the exponential backoff. Default: 1s.
	BaseRetryDelay time.Duration

	// CleanupInterval is the cadence of the expired-record sweep.
	// Default: 5 minutes.
	CleanupInterval time.Duration

	// ScanBatchSize bounds concurrent refreshes per scan batch. Default: 5.
	ScanBatchSize int

	// StopTimeout bounds how long Stop waits for in-flight refreshes.
	// Default: 30s.
	StopTimeout time.Duration

	// Clock overrides the time source (tests).
	Clock clock.Clock

	// Logger for structured logging (optional).
	Logger *slog.Logger
}

// Manager drives token refreshes with backoff and runs the periodic
// cleanup and refresh-scan timers.
type Manager struct {
	vault    *tokenstore.Vault
	provider oauth.Provider
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	ledger *ledger
	group  singleflight.Group

	inFlight atomic.Int64

	mu        sync.Mutex
	observers []Observer
	running   bool
	stopCh    chan struct{}
	loopsDone sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(vault *tokenstore.Vault, provider oauth.Provider, cfg Config) (*Manager, error) {
	if vault == nil {
		return nil, auth.NewError(auth.CodeConfigurationError, "token vault is required")
	}
	if provider == nil {
		return nil, auth.NewError(auth.CodeConfigurationError, "oauth provider is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.ScanBatchSize <= 0 {
		cfg.ScanBatchSize = DefaultScanBatchSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		vault:    vault,
		provider: provider,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logging.WithComponent(cfg.Logger, "lifecycle"),
		ledger:   newLedger(cfg.BaseRetryDelay),
	}, nil
}

// AddObserver registers a lifecycle observer.
func (m *Manager) AddObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Manager) eachObserver(fn func(Observer)) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()
	for _, obs := range observers {
		fn(obs)
	}
}

// InFlightCount returns the number of refreshes currently running.
func (m *Manager) InFlightCount() int {
	return int(m.inFlight.Load())
}

// AttemptCount returns the backoff ledger's attempt count for a user.
func (m *Manager) AttemptCount(userID string) int {
	return m.ledger.count(userID)
}

// RefreshIfNeeded refreshes the user's tokens if the stored record has
// crossed the refresh threshold. It is a no-op for fresh records, returns
// a retry-after hint while backoff has not elapsed, and coalesces
// concurrent callers onto a single network call.
func (m *Manager) RefreshIfNeeded(ctx context.Context, userID string) auth.RefreshResult {
	rec, err := m.vault.GetRecord(ctx, userID)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return auth.RefreshResult{Err: auth.NewError(auth.CodeSessionNotFound, "no token record for user")}
		}
		return auth.RefreshResult{Err: auth.WrapError(auth.CodeDatabaseError, "failed to load token record", err)}
	}

	now := m.clock.Now()
	if !rec.IsExpired(now) && !rec.RequiresRefresh(now, m.vault.RefreshThreshold()) {
		return auth.RefreshResult{Success: true, Skipped: true}
	}

	return m.refresh(ctx, userID, false)
}

// ForceRefresh clears the backoff ledger and refreshes immediately,
// bypassing backoff. For admin and test use.
func (m *Manager) ForceRefresh(ctx context.Context, userID string) auth.RefreshResult {
	m.ledger.clear(userID)
	return m.refresh(ctx, userID, true)
}

// refresh coalesces concurrent callers per user and runs one attempt.
func (m *Manager) refresh(ctx context.Context, userID string, force bool) auth.RefreshResult {
	value, _, shared := m.group.Do(userID, func() (any, error) {
		return m.refreshOnce(ctx, userID, force), nil
	})
	result := value.(auth.RefreshResult)
	if shared {
		result.AlreadyInProgress = true
	}
	return result
}

// refreshOnce performs a single refresh attempt. Only one invocation per
// user runs at a time; singleflight guarantees the in-flight invariant.
func (m *Manager) refreshOnce(ctx context.Context, userID string, force bool) auth.RefreshResult {
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	now := m.clock.Now()
	if !force {
		if wait := m.ledger.remaining(userID, now); wait > 0 {
			m.logger.Debug("refresh suppressed by backoff",
				logging.UserHash(userID),
				slog.Duration(logging.KeyRetryAfter, wait))
			return auth.RefreshResult{
				RetryAfter: wait,
				Err:        auth.RetryableError(auth.CodeRateLimited, "refresh backoff has not elapsed", wait),
			}
		}
	}

	rec, err := m.vault.GetRecord(ctx, userID)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return auth.RefreshResult{Err: auth.NewError(auth.CodeSessionNotFound, "no token record for user")}
		}
		return auth.RefreshResult{Err: auth.WrapError(auth.CodeDatabaseError, "failed to load token record", err)}
	}

	refreshToken, err := m.vault.RefreshTokenFor(rec)
	if err != nil {
		return m.recordFailure(ctx, userID,
			auth.WrapError(auth.CodeRefreshFailed, "stored refresh token is unreadable", err))
	}

	set, err := m.provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		return m.recordFailure(ctx, userID,
			auth.WrapError(auth.CodeNetworkError, "token refresh call failed", err))
	}

	// Carry forward what the authorization server did not restate.
	if len(set.Scopes) == 0 {
		set.Scopes = rec.Scopes
	}
	if !set.Subscription.Valid() {
		set.Subscription = rec.Subscription
	}

	if storeResult := m.vault.StoreTokens(ctx, userID, set); storeResult.Err != nil {
		return m.recordFailure(ctx, userID, storeResult.Err)
	}

	m.ledger.clear(userID)
	m.logger.Info("token refreshed", logging.UserHash(userID), slog.Time("expires_at", set.ExpiresAt))
	m.eachObserver(func(obs Observer) { obs.TokenRefreshed(userID, set) })

	return auth.RefreshResult{Success: true, Tokens: set}
}

// recordFailure notes the attempt in the ledger and, once the cap is
// exceeded, persists the failure and marks the user for re-auth.
func (m *Manager) recordFailure(ctx context.Context, userID string, cause *auth.SecurityError) auth.RefreshResult {
	attempt := m.ledger.record(userID, m.clock.Now())

	m.logger.Warn("token refresh failed",
		logging.UserHash(userID),
		slog.Int(logging.KeyAttempt, attempt),
		logging.Err(cause))
	m.eachObserver(func(obs Observer) { obs.RefreshFailed(userID, cause) })

	if attempt >= m.cfg.MaxRetries {
		m.ledger.clear(userID)
		if _, err := m.vault.RecordFailure(ctx, userID); err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
			m.logger.Error("failed to persist refresh failure", logging.UserHash(userID), logging.Err(err))
		}
		m.logger.Warn("refresh retries exhausted, re-authentication required", logging.UserHash(userID))
		m.eachObserver(func(obs Observer) { obs.ReauthRequired(userID) })
		return auth.RefreshResult{
			Err: auth.WrapError(auth.CodeRefreshFailed, "refresh retries exhausted, re-authentication required", cause),
		}
	}

	retryAfter := m.ledger.remaining(userID, m.clock.Now())
	return auth.RefreshResult{
		RetryAfter: retryAfter,
		Err:        &auth.SecurityError{Code: auth.CodeRefreshFailed, Message: cause.Message, RetryAfter: retryAfter},
	}
}

// Start launches the cleanup timer and the refresh-scan timer.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("lifecycle manager already started")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.loopsDone.Add(2)
	go m.cleanupLoop(ctx)
	go m.scanLoop(ctx)

	m.logger.Info("lifecycle manager started",
		slog.Duration("cleanup_interval", m.cfg.CleanupInterval),
		slog.Duration("scan_interval", refreshScanInterval))
	return nil
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.loopsDone.Done()
	ticker := m.clock.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if _, err := m.vault.CleanupExpired(ctx); err != nil {
				m.logger.Error("expired-token cleanup failed", logging.Err(err))
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) scanLoop(ctx context.Context) {
	defer m.loopsDone.Done()
	ticker := m.clock.NewTicker(refreshScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			m.ScanOnce(ctx, 0)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce enumerates sessions due for refresh and processes them in
// bounded-concurrency batches, awaiting each batch fully before starting
// the next. One user's failure never blocks the others. A batchSize of
// zero or less uses the configured default.
func (m *Manager) ScanOnce(ctx context.Context, batchSize int) {
	if batchSize <= 0 {
		batchSize = m.cfg.ScanBatchSize
	}
	due, err := m.vault.SessionsRequiringRefresh(ctx)
	if err != nil {
		m.logger.Error("refresh scan query failed", logging.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	m.logger.Debug("refresh scan found due sessions", slog.Int("count", len(due)))

	for start := 0; start < len(due); start += batchSize {
		end := start + batchSize
		if end > len(due) {
			end = len(due)
		}
		var g errgroup.Group
		for _, rec := range due[start:end] {
			userID := rec.UserID
			g.Go(func() error {
				// Failures are logged and counted inside the refresh
				// path; the scan loop never sees them as errors.
				m.RefreshIfNeeded(ctx, userID)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// Stop cancels both timers and waits for in-flight refreshes to drain, up
// to the configured bound. Cancellation is cooperative: if operations
// remain after the bound, a warning is logged and Stop returns anyway.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.running {
		m.running = false
		close(m.stopCh)
	}
	m.mu.Unlock()

	m.loopsDone.Wait()

	deadline := time.Now().Add(m.cfg.StopTimeout)
	for m.inFlight.Load() > 0 {
		if time.Now().After(deadline) {
			m.logger.Warn("forced shutdown with refreshes still in flight",
				slog.Int64("in_flight", m.inFlight.Load()))
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	m.logger.Info("lifecycle manager stopped")
}
