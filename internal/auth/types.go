package auth

import "time"

// SubscriptionLevel is the product tier recorded with a user's tokens.
type SubscriptionLevel string

const (
	SubscriptionFree SubscriptionLevel = "free"
	SubscriptionPlus SubscriptionLevel = "plus"
	SubscriptionPro  SubscriptionLevel = "pro"
)

// Valid reports whether the level is one of the known tiers.
func (l SubscriptionLevel) Valid() bool {
	switch l {
	case SubscriptionFree, SubscriptionPlus, SubscriptionPro:
		return true
	}
	return false
}

// AuthState describes the authentication state of a cached session.
type AuthState string

const (
	StateAuthenticated AuthState = "authenticated"
	StateExpired       AuthState = "expired"
	StateRefreshFailed AuthState = "refresh_failed"
	StateInvalid       AuthState = "invalid"
)

// TokenSet is the raw token material received from the authorization
// server. It only exists in memory while being stored or refreshed; the
// persisted record never contains raw tokens.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	Subscription SubscriptionLevel
}

// OAuthContext is the validated identity attached to an inbound request.
type OAuthContext struct {
	UserID       string
	Scopes       []string
	Subscription SubscriptionLevel
	ExpiresAt    time.Time
}

// HasScope reports whether the context carries the given scope.
func (c *OAuthContext) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// MissingScopes returns the required scopes not present in the context.
func (c *OAuthContext) MissingScopes(required []string) []string {
	var missing []string
	for _, r := range required {
		if !c.HasScope(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// StoreResult is returned by token storage operations.
type StoreResult struct {
	Success   bool
	SessionID string
	Err       *SecurityError
}

// RefreshResult is returned by refresh attempts.
type RefreshResult struct {
	Success bool
	// AlreadyInProgress is set when another caller held the in-flight
	// marker for the same user and this caller shared its outcome instead
	// of starting a second network call.
	AlreadyInProgress bool
	// Skipped is set when the stored record was still fresh and no
	// refresh was needed.
	Skipped bool
	// RetryAfter is non-zero when backoff has not elapsed yet.
	RetryAfter time.Duration
	Tokens     *TokenSet
	Err        *SecurityError
}

// CleanupResult is returned by bulk expiry sweeps.
type CleanupResult struct {
	ExpiredCount   int
	ProcessingTime time.Duration
}
