package validation

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/clock"
	"github.com/guardpost/guardpost/internal/lifecycle"
	"github.com/guardpost/guardpost/internal/logging"
	"github.com/guardpost/guardpost/internal/oauth"
	"github.com/guardpost/guardpost/internal/tokenstore"
)

// Introspection policy defaults.
const (
	// DefaultIntrospectionExpiryWindow triggers introspection when less
	// than this much lifetime remains.
	DefaultIntrospectionExpiryWindow = 5 * time.Minute

	// DefaultIntrospectionMaxAge triggers introspection for sessions
	// older than this.
	DefaultIntrospectionMaxAge = 1 * time.Hour

	// DefaultIntrospectionSampleRate randomly samples this fraction of
	// validations for introspection.
	DefaultIntrospectionSampleRate = 0.05
)

// Observer receives validation notifications.
type Observer interface {
	// ValidationFailed fires when a validation attempt fails.
	ValidationFailed(userID string, code auth.ErrorCode)
}

// Request describes one validation call.
type Request struct {
	UserID         string
	AccessToken    string
	RequiredScopes []string

	// AllowExpiredWithRefresh permits one inline refresh attempt when the
	// stored record has expired, re-validating with the new token.
	AllowExpiredWithRefresh bool
}

// Result is the enhanced outcome of the full pipeline.
type Result struct {
	Valid         bool
	Code          auth.ErrorCode
	Err           *auth.SecurityError
	Context       *auth.OAuthContext
	Record        *tokenstore.Record
	Refreshed     bool
	Introspection *oauth.Introspection
	MissingScopes []string
}

// Stats are the service's running counters. Latency is a moving average
// over all validations.
type Stats struct {
	Total              int64
	Succeeded          int64
	Failed             int64
	Expired            int64
	Refreshed          int64
	IntrospectionCalls int64
	AvgLatency         time.Duration
}

// Config holds validation service configuration.
type Config struct {
	IntrospectionExpiryWindow time.Duration
	IntrospectionMaxAge       time.Duration
	IntrospectionSampleRate   float64

	// Sample overrides the random source for the introspection sample
	// (tests). Must return values in [0,1).
	Sample func() float64

	// Clock overrides the time source (tests).
	Clock clock.Clock

	// Logger for structured logging (optional).
	Logger *slog.Logger
}

// Service runs the validation pipeline.
type Service struct {
	vault     *tokenstore.Vault
	lifecycle *lifecycle.Manager
	provider  oauth.Provider
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	stats     Stats
	observers []Observer
}

// NewService creates a validation service.
func NewService(vault *tokenstore.Vault, lc *lifecycle.Manager, provider oauth.Provider, cfg Config) (*Service, error) {
	if vault == nil || lc == nil {
		return nil, auth.NewError(auth.CodeConfigurationError, "token vault and lifecycle manager are required")
	}
	if cfg.IntrospectionExpiryWindow <= 0 {
		cfg.IntrospectionExpiryWindow = DefaultIntrospectionExpiryWindow
	}
	if cfg.IntrospectionMaxAge <= 0 {
		cfg.IntrospectionMaxAge = DefaultIntrospectionMaxAge
	}
	if cfg.IntrospectionSampleRate <= 0 {
		cfg.IntrospectionSampleRate = DefaultIntrospectionSampleRate
	}
	if cfg.Sample == nil {
		cfg.Sample = rand.Float64
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		vault:     vault,
		lifecycle: lc,
		provider:  provider,
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    logging.WithComponent(cfg.Logger, "validation"),
	}, nil
}

// AddObserver registers a validation observer.
func (s *Service) AddObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *Service) notifyFailure(userID string, code auth.ErrorCode) {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, obs := range observers {
		obs.ValidationFailed(userID, code)
	}
}

// Validate runs the full pipeline for one request.
func (s *Service) Validate(ctx context.Context, req Request) Result {
	start := s.clock.Now()
	result := s.validate(ctx, req)
	s.recordStats(result, s.clock.Now().Sub(start))
	if !result.Valid {
		s.notifyFailure(req.UserID, result.Code)
	}
	return result
}

func (s *Service) validate(ctx context.Context, req Request) Result {
	// Step 1: hash validation, with one inline refresh for expired
	// tokens when the caller allows it.
	accessToken := req.AccessToken
	outcome := s.vault.ValidateToken(ctx, req.UserID, accessToken)
	refreshed := false

	if !outcome.Valid && outcome.Code == auth.CodeTokenExpired {
		s.countExpired()
		if !req.AllowExpiredWithRefresh {
			return Result{Code: outcome.Code, Err: outcome.Err, Record: outcome.Record}
		}

		refreshResult := s.lifecycle.RefreshIfNeeded(ctx, req.UserID)
		if !refreshResult.Success || refreshResult.Tokens == nil {
			err := refreshResult.Err
			if err == nil {
				err = auth.NewError(auth.CodeRefreshFailed, "token refresh did not produce new tokens")
			}
			return Result{
				Code: auth.CodeRefreshFailed,
				Err:  &auth.SecurityError{Code: auth.CodeRefreshFailed, Message: err.Message, RetryAfter: refreshResult.RetryAfter},
			}
		}

		refreshed = true
		accessToken = refreshResult.Tokens.AccessToken
		outcome = s.vault.ValidateToken(ctx, req.UserID, accessToken)
	}

	if !outcome.Valid {
		return Result{Code: outcome.Code, Err: outcome.Err, Record: outcome.Record, Refreshed: refreshed}
	}

	rec := outcome.Record
	oauthCtx := rec.OAuthContext()

	// Step 2: every required scope must be present.
	if len(req.RequiredScopes) > 0 {
		if missing := oauthCtx.MissingScopes(req.RequiredScopes); len(missing) > 0 {
			return Result{
				Code:          auth.CodeInsufficientScope,
				Err:           auth.NewError(auth.CodeInsufficientScope, "required scopes not granted"),
				Record:        rec,
				Refreshed:     refreshed,
				MissingScopes: missing,
			}
		}
	}

	// Step 3: conditional external introspection, fail-open on errors.
	var introspection *oauth.Introspection
	if s.shouldIntrospect(rec) {
		introspection = s.introspect(ctx, req.UserID, accessToken)
		if introspection != nil && !introspection.Active {
			return Result{
				Code:          auth.CodeTokenInactive,
				Err:           auth.NewError(auth.CodeTokenInactive, "authorization server reports token inactive"),
				Record:        rec,
				Refreshed:     refreshed,
				Introspection: introspection,
			}
		}
	}

	// Step 4: schedule a proactive refresh without delaying the response.
	if outcome.RequiresRefresh {
		go func() {
			// Detached from the request context on purpose; the refresh
			// outlives the response.
			s.lifecycle.RefreshIfNeeded(context.Background(), req.UserID)
		}()
	}

	return Result{
		Valid:         true,
		Context:       oauthCtx,
		Record:        rec,
		Refreshed:     refreshed,
		Introspection: introspection,
	}
}

// QuickValidate performs hash validation only, for call sites that cannot
// afford scope checks or introspection latency.
func (s *Service) QuickValidate(ctx context.Context, userID, accessToken string) Result {
	start := s.clock.Now()
	outcome := s.vault.ValidateToken(ctx, userID, accessToken)

	var result Result
	if outcome.Valid {
		result = Result{Valid: true, Context: outcome.Record.OAuthContext(), Record: outcome.Record}
	} else {
		if outcome.Code == auth.CodeTokenExpired {
			s.countExpired()
		}
		result = Result{Code: outcome.Code, Err: outcome.Err, Record: outcome.Record}
	}
	s.recordStats(result, s.clock.Now().Sub(start))
	if !result.Valid {
		s.notifyFailure(userID, result.Code)
	}
	return result
}

// shouldIntrospect applies the three-part policy: near expiry, old
// session, or a random sample.
func (s *Service) shouldIntrospect(rec *tokenstore.Record) bool {
	if s.provider == nil {
		return false
	}
	now := s.clock.Now()
	if rec.ExpiresAt.Sub(now) < s.cfg.IntrospectionExpiryWindow {
		return true
	}
	if now.Sub(rec.CreatedAt) > s.cfg.IntrospectionMaxAge {
		return true
	}
	return s.cfg.Sample() < s.cfg.IntrospectionSampleRate
}

// introspect calls the authorization server. A transport failure is
// logged and treated as active so a flaky collaborator does not produce
// false negatives.
func (s *Service) introspect(ctx context.Context, userID, accessToken string) *oauth.Introspection {
	s.mu.Lock()
	s.stats.IntrospectionCalls++
	s.mu.Unlock()

	result, err := s.provider.IntrospectToken(ctx, accessToken)
	if err != nil {
		s.logger.Warn("introspection failed, assuming token active",
			logging.UserHash(userID), logging.Err(err))
		return &oauth.Introspection{Active: true}
	}
	return result
}

func (s *Service) countExpired() {
	s.mu.Lock()
	s.stats.Expired++
	s.mu.Unlock()
}

func (s *Service) recordStats(result Result, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Total++
	if result.Valid {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
	}
	if result.Refreshed {
		s.stats.Refreshed++
	}
	// Cumulative moving average.
	s.stats.AvgLatency += (latency - s.stats.AvgLatency) / time.Duration(s.stats.Total)
}

// Stats returns a snapshot of the running counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
