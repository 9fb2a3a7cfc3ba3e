package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/background"
	"github.com/guardpost/guardpost/internal/clock"
	"github.com/guardpost/guardpost/internal/instrumentation"
	"github.com/guardpost/guardpost/internal/lifecycle"
	"github.com/guardpost/guardpost/internal/logging"
	"github.com/guardpost/guardpost/internal/oauth"
	"github.com/guardpost/guardpost/internal/session"
	"github.com/guardpost/guardpost/internal/tokenstore"
	"github.com/guardpost/guardpost/internal/validation"
)

// Recurring maintenance schedule.
const (
	CleanupInterval     = 5 * time.Minute
	RefreshScanInterval = 2 * time.Minute
	HealthCheckInterval = 10 * time.Minute
	AuditInterval       = 60 * time.Minute

	cleanupPriority     = 3
	refreshScanPriority = 7
	healthCheckPriority = 2
	auditPriority       = 4

	// The scheduled scan runs alongside validation traffic, so it
	// refreshes in smaller batches than the lifecycle manager's own loop.
	refreshScanBatchSize = 3
)

// Deps are the subsystems the facade wires together. Vault, Lifecycle,
// Validation, Sessions, Background and Provider are required; Metrics and
// Audit default to no-ops when nil.
type Deps struct {
	Vault      *tokenstore.Vault
	Lifecycle  *lifecycle.Manager
	Validation *validation.Service
	Sessions   *session.Manager
	Background *background.Processor
	Provider   oauth.Provider
	Metrics    *instrumentation.Metrics
	Audit      *instrumentation.AuditLogger
}

// Config holds facade configuration.
type Config struct {
	// Clock overrides the time source (tests).
	Clock clock.Clock

	// Logger for structured logging (optional).
	Logger *slog.Logger
}

// HealthStatus is the aggregate health of the trust layer.
type HealthStatus struct {
	Healthy   bool
	Store     bool
	Provider  bool
	Sessions  int
	QueueLen  int
	CheckedAt time.Time
}

// Manager is the trust-layer facade.
type Manager struct {
	vault      *tokenstore.Vault
	lifecycle  *lifecycle.Manager
	validation *validation.Service
	sessions   *session.Manager
	background *background.Processor
	provider   oauth.Provider
	metrics    *instrumentation.Metrics
	audit      *instrumentation.AuditLogger
	clock      clock.Clock
	logger     *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewManager creates the facade. Subsystems must already be constructed;
// Initialize wires and starts them.
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if deps.Vault == nil || deps.Lifecycle == nil || deps.Validation == nil ||
		deps.Sessions == nil || deps.Background == nil || deps.Provider == nil {
		return nil, auth.NewError(auth.CodeConfigurationError, "all trust-layer subsystems are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}
	audit := deps.Audit
	if audit == nil {
		audit = instrumentation.NewAuditLogger(cfg.Logger)
		audit.SetEnabled(false)
	}
	return &Manager{
		vault:      deps.Vault,
		lifecycle:  deps.Lifecycle,
		validation: deps.Validation,
		sessions:   deps.Sessions,
		background: deps.Background,
		provider:   deps.Provider,
		metrics:    metrics,
		audit:      audit,
		clock:      cfg.Clock,
		logger:     logging.WithComponent(cfg.Logger, "security"),
	}, nil
}

// Initialize wires observers, registers the maintenance schedule, starts
// the session sweep and the background processor, and runs an initial
// health check. A second call is an error.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return auth.NewError(auth.CodeConfigurationError, "security manager already initialized")
	}
	m.initialized = true
	m.mu.Unlock()

	// Sessions track lifecycle and validation outcomes; the facade's own
	// observer feeds metrics and the audit trail.
	m.lifecycle.AddObserver(m.sessions)
	m.lifecycle.AddObserver(&lifecycleRecorder{m: m})
	m.validation.AddObserver(m.sessions)
	m.validation.AddObserver(&validationRecorder{m: m})

	m.registerMaintenance()

	m.sessions.SetConnectionGauge(func(transport string, delta int) {
		ctx := context.Background()
		if delta > 0 {
			m.metrics.IncrementActiveConnections(ctx, transport)
		} else {
			m.metrics.DecrementActiveConnections(ctx, transport)
		}
	})

	if err := m.sessions.Start(ctx); err != nil {
		return err
	}
	if err := m.background.Start(ctx); err != nil {
		m.sessions.Stop()
		return err
	}

	health := m.PerformHealthCheck(ctx)
	if !health.Store {
		m.Shutdown(ctx)
		return auth.NewError(auth.CodeDatabaseError, "token store is unreachable")
	}
	if !health.Provider {
		// The store is authoritative; a flapping authorization server only
		// degrades refreshes, so startup proceeds.
		m.logger.Warn("authorization server unreachable at startup")
	}

	if restored, err := m.sessions.PerformAutoRecovery(ctx); err != nil {
		m.logger.Warn("session auto-recovery failed", logging.Err(err))
	} else if restored > 0 {
		m.logger.Info("sessions restored at startup", slog.Int("count", restored))
	}

	m.logger.Info("trust layer initialized")
	return nil
}

// Shutdown stops the subsystems in reverse order: background processor
// first so no maintenance task races the stopping lifecycle manager.
func (m *Manager) Shutdown(ctx context.Context) {
	m.background.Stop()
	m.sessions.Stop()
	m.lifecycle.Stop()
	m.logger.Info("trust layer stopped")
}

// registerMaintenance binds the recurring maintenance tasks. The
// background processor is the single scheduler for all of them.
func (m *Manager) registerMaintenance() {
	m.background.RegisterHandler(background.TaskCleanupExpired, m.runCleanup)
	m.background.RegisterHandler(background.TaskRefreshTokens, m.runRefreshScan)
	m.background.RegisterHandler(background.TaskValidateSessions, m.runValidateSessions)
	m.background.RegisterHandler(background.TaskHealthCheck, m.runHealthCheck)
	m.background.RegisterHandler(background.TaskSecurityAudit, m.runAudit)

	specs := []background.Recurring{
		{Type: background.TaskCleanupExpired, Interval: CleanupInterval, Priority: cleanupPriority},
		{Type: background.TaskRefreshTokens, Interval: RefreshScanInterval, Priority: refreshScanPriority},
		{Type: background.TaskHealthCheck, Interval: HealthCheckInterval, Priority: healthCheckPriority},
		{Type: background.TaskSecurityAudit, Interval: AuditInterval, Priority: auditPriority},
	}
	for _, spec := range specs {
		// Intervals are compile-time constants, registration cannot fail.
		_ = m.background.RegisterRecurring(spec)
	}
}

func (m *Manager) runCleanup(ctx context.Context, task *background.Task) error {
	start := m.clock.Now()
	result, err := m.vault.CleanupExpired(ctx)
	m.metrics.RecordBackgroundTask(ctx, string(task.Type),
		instrumentation.ResultFromError(err), m.clock.Now().Sub(start))
	if err != nil {
		return err
	}
	m.metrics.RecordCleanup(ctx, result.ExpiredCount)
	if result.ExpiredCount > 0 {
		m.audit.LogEvent(&instrumentation.SecurityEvent{
			Type:     instrumentation.EventCleanupCompleted,
			Success:  true,
			Count:    result.ExpiredCount,
			Duration: result.ProcessingTime,
			Time:     m.clock.Now(),
		})
	}
	return nil
}

func (m *Manager) runRefreshScan(ctx context.Context, task *background.Task) error {
	start := m.clock.Now()
	m.lifecycle.ScanOnce(ctx, refreshScanBatchSize)
	m.metrics.RecordBackgroundTask(ctx, string(task.Type),
		instrumentation.StatusSuccess, m.clock.Now().Sub(start))
	return nil
}

// runValidateSessions has no recurring schedule; it runs on demand via
// ForceMaintenance when cached sessions are suspected stale.
func (m *Manager) runValidateSessions(ctx context.Context, task *background.Task) error {
	start := m.clock.Now()
	checked, dropped := m.sessions.RevalidateSessions(ctx)
	m.metrics.RecordBackgroundTask(ctx, string(task.Type),
		instrumentation.StatusSuccess, m.clock.Now().Sub(start))
	if dropped > 0 {
		m.logger.Info("session validation task evicted sessions",
			slog.Int("checked", checked), slog.Int("dropped", dropped))
	}
	return nil
}

func (m *Manager) runHealthCheck(ctx context.Context, task *background.Task) error {
	start := m.clock.Now()
	health := m.PerformHealthCheck(ctx)
	m.metrics.RecordBackgroundTask(ctx, string(task.Type),
		instrumentation.StatusSuccess, m.clock.Now().Sub(start))
	if !health.Healthy {
		m.logger.Warn("health check degraded",
			slog.Bool("store", health.Store), slog.Bool("provider", health.Provider))
	}
	return nil
}

// runAudit writes a periodic snapshot of the trust layer to the audit
// trail so long-lived deployments have a heartbeat in the log.
func (m *Manager) runAudit(ctx context.Context, task *background.Task) error {
	stats := m.validation.Stats()
	m.logger.Info("security audit snapshot",
		slog.Int64("validations", stats.Total),
		slog.Int64("validation_failures", stats.Failed),
		slog.Int64("refreshes", stats.Refreshed),
		slog.Int("sessions", m.sessions.SessionCount()),
		slog.Int("connections", m.sessions.ConnectionCount()),
		slog.Int("queue_depth", m.background.QueueDepth()))
	m.metrics.RecordBackgroundTask(ctx, string(task.Type), instrumentation.StatusSuccess, 0)
	return nil
}

// StoreUserTokens persists a token set and builds the user's session.
func (m *Manager) StoreUserTokens(ctx context.Context, userID string, set *auth.TokenSet) auth.StoreResult {
	result := m.vault.StoreTokens(ctx, userID, set)
	if result.Err != nil {
		m.audit.LogEvent(&instrumentation.SecurityEvent{
			Type:      instrumentation.EventTokensStored,
			UserID:    userID,
			ErrorCode: string(result.Err.Code),
			Success:   false,
			Time:      m.clock.Now(),
		})
		return result
	}

	if _, serr := m.sessions.CreateSession(ctx, userID); serr != nil {
		m.logger.Warn("failed to build session for stored tokens",
			logging.UserHash(userID), logging.Err(serr))
	} else {
		m.metrics.IncrementActiveSessions(ctx)
	}

	m.audit.LogEvent(&instrumentation.SecurityEvent{
		Type:    instrumentation.EventTokensStored,
		UserID:  userID,
		Success: true,
		Time:    m.clock.Now(),
	})
	return result
}

// ValidateUserToken runs the full validation pipeline.
func (m *Manager) ValidateUserToken(ctx context.Context, req validation.Request) validation.Result {
	start := m.clock.Now()
	result := m.validation.Validate(ctx, req)
	m.metrics.RecordValidation(ctx,
		instrumentation.NormalizeErrorCode(result.Code), m.clock.Now().Sub(start))
	if result.Introspection != nil {
		m.metrics.RecordIntrospection(ctx, instrumentation.StatusSuccess)
	}
	return result
}

// QuickValidateToken runs only the hash validation step.
func (m *Manager) QuickValidateToken(ctx context.Context, userID, accessToken string) validation.Result {
	start := m.clock.Now()
	result := m.validation.QuickValidate(ctx, userID, accessToken)
	m.metrics.RecordValidation(ctx,
		instrumentation.NormalizeErrorCode(result.Code), m.clock.Now().Sub(start))
	return result
}

// RecoverUserSession restores a session, refreshing expired tokens.
func (m *Manager) RecoverUserSession(ctx context.Context, userID, accessToken string) (*session.Session, *auth.SecurityError) {
	return m.sessions.RecoverSession(ctx, userID, accessToken)
}

// InvalidateUserSession drops the session, record and connections.
func (m *Manager) InvalidateUserSession(ctx context.Context, userID string) *auth.SecurityError {
	serr := m.sessions.InvalidateSession(ctx, userID)
	if serr == nil {
		m.metrics.DecrementActiveSessions(ctx)
		m.audit.LogEvent(&instrumentation.SecurityEvent{
			Type:    instrumentation.EventSessionInvalidated,
			UserID:  userID,
			Success: true,
			Time:    m.clock.Now(),
		})
	}
	return serr
}

// ForceRefresh refreshes a user's tokens immediately, bypassing backoff.
func (m *Manager) ForceRefresh(ctx context.Context, userID string) auth.RefreshResult {
	return m.lifecycle.ForceRefresh(ctx, userID)
}

// ForceMaintenance enqueues a maintenance task at maximum priority.
func (m *Manager) ForceMaintenance(taskType background.TaskType) error {
	return m.background.ForceExecute(taskType, nil)
}

// Metrics exposes the recorder for transport-level instrumentation.
func (m *Manager) Metrics() *instrumentation.Metrics {
	return m.metrics
}

// Sessions exposes the session manager for transport integration.
func (m *Manager) Sessions() *session.Manager {
	return m.sessions
}

// PerformHealthCheck probes the store and the authorization server.
func (m *Manager) PerformHealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Sessions:  m.sessions.SessionCount(),
		QueueLen:  m.background.QueueDepth(),
		CheckedAt: m.clock.Now(),
	}
	if err := m.vault.Ping(ctx); err != nil {
		m.logger.Warn("token store ping failed", logging.Err(err))
	} else {
		status.Store = true
	}
	if err := m.provider.Ping(ctx); err != nil {
		m.logger.Warn("authorization server ping failed", logging.Err(err))
	} else {
		status.Provider = true
	}
	status.Healthy = status.Store && status.Provider
	return status
}

// lifecycleRecorder feeds refresh outcomes into metrics and the audit
// trail. Session state is handled by the session manager's own observer.
type lifecycleRecorder struct {
	m *Manager
}

func (r *lifecycleRecorder) TokenRefreshed(userID string, set *auth.TokenSet) {
	ctx := context.Background()
	r.m.metrics.RecordRefresh(ctx, instrumentation.RefreshResultSuccess, 0)
	r.m.audit.LogEvent(&instrumentation.SecurityEvent{
		Type:    instrumentation.EventTokenRefreshed,
		UserID:  userID,
		Success: true,
		Time:    r.m.clock.Now(),
	})
}

func (r *lifecycleRecorder) RefreshFailed(userID string, err *auth.SecurityError) {
	ctx := context.Background()
	r.m.metrics.RecordRefresh(ctx, instrumentation.RefreshResultFailure, 0)
	r.m.audit.LogEvent(&instrumentation.SecurityEvent{
		Type:      instrumentation.EventRefreshFailed,
		UserID:    userID,
		ErrorCode: string(err.Code),
		Success:   false,
		Time:      r.m.clock.Now(),
	})
}

func (r *lifecycleRecorder) ReauthRequired(userID string) {
	r.m.audit.LogEvent(&instrumentation.SecurityEvent{
		Type:    instrumentation.EventReauthRequired,
		UserID:  userID,
		Success: false,
		Detail:  "refresh retry budget exhausted",
		Time:    r.m.clock.Now(),
	})
}

// validationRecorder audits validation failures.
type validationRecorder struct {
	m *Manager
}

func (r *validationRecorder) ValidationFailed(userID string, code auth.ErrorCode) {
	r.m.audit.LogEvent(&instrumentation.SecurityEvent{
		Type:      instrumentation.EventValidationFailed,
		UserID:    userID,
		ErrorCode: string(code),
		Success:   false,
		Time:      r.m.clock.Now(),
	})
}
