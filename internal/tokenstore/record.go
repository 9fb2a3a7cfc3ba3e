package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/guardpost/guardpost/internal/auth"
)

// ErrNotFound is returned by Store implementations when no record exists
// for the requested user.
var ErrNotFound = errors.New("token record not found")

// Record is the persisted token material for one user. Exactly one live
// record exists per user; writes are upserts keyed by UserID.
//
// AccessTokenHash and RefreshTokenHash are one-way hashes used to validate
// presented tokens. EncryptedRefreshToken is the separately protected,
// reversible copy of the refresh token needed to drive the refresh grant;
// the hash alone cannot support refresh.
type Record struct {
	UserID                string
	AccessTokenHash       string
	RefreshTokenHash      string
	EncryptedRefreshToken string
	IssuedAt              time.Time
	ExpiresAt             time.Time
	Scopes                []string
	Subscription          auth.SubscriptionLevel
	EncryptedMetadata     string
	FailureCount          int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsExpired reports whether the record's access token has expired at now.
func (r *Record) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// RequiresRefresh reports whether the remaining-lifetime fraction has
// crossed below 1-threshold. An expired record never requires refresh
// through this path; it is handled by the expired flow instead.
func (r *Record) RequiresRefresh(now time.Time, threshold float64) bool {
	if r.IsExpired(now) {
		return false
	}
	lifetime := r.ExpiresAt.Sub(r.IssuedAt)
	if lifetime <= 0 {
		return false
	}
	remaining := r.ExpiresAt.Sub(now)
	return float64(remaining)/float64(lifetime) < 1-threshold
}

// OAuthContext derives the request-facing identity from the record.
func (r *Record) OAuthContext() *auth.OAuthContext {
	scopes := make([]string, len(r.Scopes))
	copy(scopes, r.Scopes)
	return &auth.OAuthContext{
		UserID:       r.UserID,
		Scopes:       scopes,
		Subscription: r.Subscription,
		ExpiresAt:    r.ExpiresAt,
	}
}

// Clone returns a deep copy of the record so callers cannot mutate the
// store's canonical state.
func (r *Record) Clone() *Record {
	dup := *r
	dup.Scopes = make([]string, len(r.Scopes))
	copy(dup.Scopes, r.Scopes)
	return &dup
}

// Store is the repository persisting one Record per user.
type Store interface {
	// Upsert inserts or replaces the record for its UserID.
	Upsert(ctx context.Context, rec *Record) error

	// Get loads the record for a user. Returns ErrNotFound if absent.
	Get(ctx context.Context, userID string) (*Record, error)

	// Delete removes the record for a user. Deleting an absent record is
	// not an error.
	Delete(ctx context.Context, userID string) error

	// DeleteExpired removes every record with expiresAt <= now and returns
	// the number deleted. Idempotent.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// ListDueForRefresh returns records whose remaining-lifetime fraction
	// has crossed the refresh threshold but are not yet expired.
	ListDueForRefresh(ctx context.Context, now time.Time, threshold float64) ([]*Record, error)

	// ListActive returns all records not yet expired with a failure count
	// below the given ceiling. Used by startup auto-recovery.
	ListActive(ctx context.Context, now time.Time, maxFailures int) ([]*Record, error)

	// IncrementFailure bumps the failure counter and returns the new value.
	IncrementFailure(ctx context.Context, userID string) (int, error)

	// Touch updates the record's updated_at timestamp.
	Touch(ctx context.Context, userID string, now time.Time) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the storage handle.
	Close()
}
