package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/clock"
	"github.com/guardpost/guardpost/internal/logging"
)

// Default configuration values for the vault.
const (
	DefaultRefreshThreshold = 0.75
	DefaultMaxFailureCount  = 5
	suffixLength            = 4
)

// Config holds vault configuration.
type Config struct {
	// EncryptionSecret seals metadata and the refresh token at rest.
	// Must be at least MinSecretLength bytes.
	EncryptionSecret []byte

	// HashCost is the bcrypt cost factor for token hashes.
	// Default: bcrypt.DefaultCost.
	HashCost int

	// RefreshThreshold is the fraction of a token's lifetime that must
	// remain before it is considered fresh. Default: 0.75.
	RefreshThreshold float64

	// MaxFailureCount is the failure ceiling beyond which a record's
	// session is considered invalid. Default: 5.
	MaxFailureCount int

	// Clock overrides the time source (tests). Default: real clock.
	Clock clock.Clock

	// Logger for structured logging (optional).
	Logger *slog.Logger
}

// Vault composes the repository with hashing and encryption into the
// token storage operations the rest of the trust layer calls.
type Vault struct {
	store     Store
	cipher    *Cipher
	hasher    *TokenHasher
	threshold float64
	maxFail   int
	clock     clock.Clock
	logger    *slog.Logger
}

// recordMetadata is the small blob sealed into EncryptedMetadata. The
// truncated token suffixes exist for support/debugging correlation only.
type recordMetadata struct {
	Subscription  auth.SubscriptionLevel `json:"subscription"`
	AccessSuffix  string                 `json:"access_suffix"`
	RefreshSuffix string                 `json:"refresh_suffix"`
}

// NewVault creates a vault over the given repository.
// A short encryption secret is a construction-time error; everything else
// gets defaults.
func NewVault(store Store, cfg Config) (*Vault, error) {
	if store == nil {
		return nil, auth.NewError(auth.CodeConfigurationError, "token store is required")
	}
	cipher, err := NewCipher(cfg.EncryptionSecret)
	if err != nil {
		return nil, err
	}
	if cfg.RefreshThreshold <= 0 || cfg.RefreshThreshold >= 1 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.MaxFailureCount <= 0 {
		cfg.MaxFailureCount = DefaultMaxFailureCount
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Vault{
		store:     store,
		cipher:    cipher,
		hasher:    NewTokenHasher(cfg.HashCost),
		threshold: cfg.RefreshThreshold,
		maxFail:   cfg.MaxFailureCount,
		clock:     cfg.Clock,
		logger:    logging.WithComponent(cfg.Logger, "tokenstore"),
	}, nil
}

// RefreshThreshold returns the configured refresh threshold.
func (v *Vault) RefreshThreshold() float64 { return v.threshold }

// MaxFailureCount returns the configured failure ceiling.
func (v *Vault) MaxFailureCount() int { return v.maxFail }

// StoreTokens hashes and encrypts the token set and upserts the record.
// The failure counter resets to zero on every successful store.
func (v *Vault) StoreTokens(ctx context.Context, userID string, set *auth.TokenSet) auth.StoreResult {
	if userID == "" || set == nil || set.AccessToken == "" {
		return auth.StoreResult{Err: auth.NewError(auth.CodeValidationError, "user ID and access token are required")}
	}

	now := v.clock.Now()

	accessHash, err := v.hasher.Hash(set.AccessToken)
	if err != nil {
		return auth.StoreResult{Err: auth.WrapError(auth.CodeValidationError, "failed to hash access token", err)}
	}
	refreshHash, err := v.hasher.Hash(set.RefreshToken)
	if err != nil {
		return auth.StoreResult{Err: auth.WrapError(auth.CodeValidationError, "failed to hash refresh token", err)}
	}
	sealedRefresh, err := v.cipher.Seal([]byte(set.RefreshToken))
	if err != nil {
		return auth.StoreResult{Err: auth.WrapError(auth.CodeValidationError, "failed to seal refresh token", err)}
	}

	meta := recordMetadata{
		Subscription:  set.Subscription,
		AccessSuffix:  tokenSuffix(set.AccessToken),
		RefreshSuffix: tokenSuffix(set.RefreshToken),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return auth.StoreResult{Err: auth.WrapError(auth.CodeValidationError, "failed to marshal metadata", err)}
	}
	sealedMeta, err := v.cipher.Seal(metaJSON)
	if err != nil {
		return auth.StoreResult{Err: auth.WrapError(auth.CodeValidationError, "failed to seal metadata", err)}
	}

	subscription := set.Subscription
	if !subscription.Valid() {
		subscription = auth.SubscriptionFree
	}

	createdAt := now
	if existing, err := v.store.Get(ctx, userID); err == nil {
		createdAt = existing.CreatedAt
	}

	rec := &Record{
		UserID:                userID,
		AccessTokenHash:       accessHash,
		RefreshTokenHash:      refreshHash,
		EncryptedRefreshToken: sealedRefresh,
		IssuedAt:              now,
		ExpiresAt:             set.ExpiresAt,
		Scopes:                append([]string(nil), set.Scopes...),
		Subscription:          subscription,
		EncryptedMetadata:     sealedMeta,
		FailureCount:          0,
		CreatedAt:             createdAt,
		UpdatedAt:             now,
	}

	if err := v.store.Upsert(ctx, rec); err != nil {
		v.logger.Error("failed to persist token record", logging.UserHash(userID), logging.Err(err))
		return auth.StoreResult{Err: auth.WrapError(auth.CodeDatabaseError, "failed to persist token record", err)}
	}

	v.logger.Debug("tokens stored",
		logging.UserHash(userID),
		slog.Time("expires_at", set.ExpiresAt),
		slog.String("access_token", logging.SanitizeToken(set.AccessToken)))

	return auth.StoreResult{Success: true, SessionID: uuid.NewString()}
}

// Outcome is the result of a hash validation against the stored record.
type Outcome struct {
	Valid           bool
	Code            auth.ErrorCode
	Err             *auth.SecurityError
	Record          *Record
	IsExpired       bool
	RequiresRefresh bool
}

// ValidateToken validates a presented access token against the stored
// record: absent record, expired record, then hash comparison, in that
// order. On match it computes whether a proactive refresh is due.
func (v *Vault) ValidateToken(ctx context.Context, userID, accessToken string) Outcome {
	rec, err := v.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Outcome{Code: auth.CodeSessionNotFound,
				Err: auth.NewError(auth.CodeSessionNotFound, "no token record for user")}
		}
		return Outcome{Code: auth.CodeDatabaseError,
			Err: auth.WrapError(auth.CodeDatabaseError, "failed to load token record", err)}
	}

	now := v.clock.Now()
	if rec.IsExpired(now) {
		return Outcome{Code: auth.CodeTokenExpired, Record: rec, IsExpired: true,
			Err: auth.NewError(auth.CodeTokenExpired, "access token has expired")}
	}

	if !v.hasher.Compare(rec.AccessTokenHash, accessToken) {
		return Outcome{Code: auth.CodeTokenInvalid, Record: rec,
			Err: auth.NewError(auth.CodeTokenInvalid, "access token does not match stored hash")}
	}

	return Outcome{
		Valid:           true,
		Record:          rec,
		RequiresRefresh: rec.RequiresRefresh(now, v.threshold),
	}
}

// SessionsRequiringRefresh returns records due for proactive refresh.
func (v *Vault) SessionsRequiringRefresh(ctx context.Context) ([]*Record, error) {
	return v.store.ListDueForRefresh(ctx, v.clock.Now(), v.threshold)
}

// RecoverableSessions returns unexpired records below the failure ceiling,
// for startup auto-recovery.
func (v *Vault) RecoverableSessions(ctx context.Context) ([]*Record, error) {
	return v.store.ListActive(ctx, v.clock.Now(), v.maxFail)
}

// CleanupExpired deletes all expired records. A second call with no new
// expirations deletes zero.
func (v *Vault) CleanupExpired(ctx context.Context) (auth.CleanupResult, error) {
	start := v.clock.Now()
	deleted, err := v.store.DeleteExpired(ctx, start)
	if err != nil {
		return auth.CleanupResult{}, fmt.Errorf("cleanup expired tokens: %w", err)
	}
	result := auth.CleanupResult{
		ExpiredCount:   deleted,
		ProcessingTime: v.clock.Now().Sub(start),
	}
	if deleted > 0 {
		v.logger.Info("expired token records removed", slog.Int("count", deleted))
	}
	return result, nil
}

// GetRecord loads the record for a user.
func (v *Vault) GetRecord(ctx context.Context, userID string) (*Record, error) {
	return v.store.Get(ctx, userID)
}

// DeleteRecord removes the record for a user (explicit invalidation).
func (v *Vault) DeleteRecord(ctx context.Context, userID string) error {
	return v.store.Delete(ctx, userID)
}

// RecordFailure increments the persisted failure counter.
func (v *Vault) RecordFailure(ctx context.Context, userID string) (int, error) {
	return v.store.IncrementFailure(ctx, userID)
}

// Touch updates the record's activity timestamp.
func (v *Vault) Touch(ctx context.Context, userID string) error {
	return v.store.Touch(ctx, userID, v.clock.Now())
}

// RefreshTokenFor unseals the stored refresh token so the refresh grant
// can be driven from storage.
func (v *Vault) RefreshTokenFor(rec *Record) (string, error) {
	plaintext, err := v.cipher.Open(rec.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}
	return string(plaintext), nil
}

// Metadata unseals the record's metadata blob.
func (v *Vault) Metadata(rec *Record) (map[string]string, error) {
	plaintext, err := v.cipher.Open(rec.EncryptedMetadata)
	if err != nil {
		return nil, fmt.Errorf("unseal metadata: %w", err)
	}
	var meta recordMetadata
	if err := json.Unmarshal(plaintext, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return map[string]string{
		"subscription":   string(meta.Subscription),
		"access_suffix":  meta.AccessSuffix,
		"refresh_suffix": meta.RefreshSuffix,
	}, nil
}

// Ping reports storage reachability.
func (v *Vault) Ping(ctx context.Context) error {
	return v.store.Ping(ctx)
}

// tokenSuffix returns the last few characters of a token for debugging
// correlation. Short tokens yield an empty suffix rather than leaking a
// large fraction of the secret.
func tokenSuffix(token string) string {
	if len(token) <= suffixLength*2 {
		return ""
	}
	return token[len(token)-suffixLength:]
}
