package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/clock"
)

func newTestVault(t *testing.T, fake *clock.Fake) *Vault {
	t.Helper()
	cfg := Config{
		EncryptionSecret: testSecret(),
		HashCost:         4, // minimum cost keeps tests fast
	}
	if fake != nil {
		cfg.Clock = fake
	}
	vault, err := NewVault(NewMemory(), cfg)
	require.NoError(t, err)
	return vault
}

func TestNewVaultRequiresSecret(t *testing.T) {
	_, err := NewVault(NewMemory(), Config{EncryptionSecret: []byte("short")})
	require.Error(t, err)

	var secErr *auth.SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, auth.CodeConfigurationError, secErr.Code)
}

func TestStoreThenValidateRoundTrip(t *testing.T) {
	vault := newTestVault(t, nil)
	ctx := context.Background()

	result := vault.StoreTokens(ctx, "alice", &auth.TokenSet{
		AccessToken:  "access-token-alice-12345",
		RefreshToken: "refresh-token-alice-12345",
		ExpiresAt:    time.Now().Add(time.Hour),
		Scopes:       []string{"content:read"},
		Subscription: auth.SubscriptionPlus,
	})
	require.Nil(t, result.Err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.SessionID)

	outcome := vault.ValidateToken(ctx, "alice", "access-token-alice-12345")
	assert.True(t, outcome.Valid)
	assert.False(t, outcome.IsExpired)
	require.NotNil(t, outcome.Record)
	assert.True(t, outcome.Record.ExpiresAt.After(time.Now()))
	assert.Equal(t, auth.SubscriptionPlus, outcome.Record.Subscription)
}

func TestValidateTokenUnknownUser(t *testing.T) {
	vault := newTestVault(t, nil)

	outcome := vault.ValidateToken(context.Background(), "nobody", "whatever")
	assert.False(t, outcome.Valid)
	assert.Equal(t, auth.CodeSessionNotFound, outcome.Code)
}

func TestValidateTokenExpired(t *testing.T) {
	vault := newTestVault(t, nil)
	ctx := context.Background()

	result := vault.StoreTokens(ctx, "bob", &auth.TokenSet{
		AccessToken:  "access-token-bob-12345",
		RefreshToken: "refresh-token-bob-12345",
		ExpiresAt:    time.Now().Add(-time.Second),
	})
	require.Nil(t, result.Err)

	outcome := vault.ValidateToken(ctx, "bob", "access-token-bob-12345")
	assert.False(t, outcome.Valid)
	assert.True(t, outcome.IsExpired)
	assert.Equal(t, auth.CodeTokenExpired, outcome.Code)
}

func TestValidateTokenWrongToken(t *testing.T) {
	vault := newTestVault(t, nil)
	ctx := context.Background()

	result := vault.StoreTokens(ctx, "carol", &auth.TokenSet{
		AccessToken:  "access-token-carol-12345",
		RefreshToken: "refresh-token-carol-12345",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.Nil(t, result.Err)

	outcome := vault.ValidateToken(ctx, "carol", "forged-token")
	assert.False(t, outcome.Valid)
	assert.Equal(t, auth.CodeTokenInvalid, outcome.Code)
}

func TestRequiresRefreshBoundary(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	vault := newTestVault(t, fake)
	ctx := context.Background()

	// One hour lifetime with threshold 0.75: refresh becomes due once less
	// than 15 minutes remain.
	result := vault.StoreTokens(ctx, "dave", &auth.TokenSet{
		AccessToken:  "access-token-dave-12345",
		RefreshToken: "refresh-token-dave-12345",
		ExpiresAt:    start.Add(time.Hour),
	})
	require.Nil(t, result.Err)

	outcome := vault.ValidateToken(ctx, "dave", "access-token-dave-12345")
	require.True(t, outcome.Valid)
	assert.False(t, outcome.RequiresRefresh)

	fake.Advance(46 * time.Minute) // 14 minutes remain
	outcome = vault.ValidateToken(ctx, "dave", "access-token-dave-12345")
	require.True(t, outcome.Valid)
	assert.True(t, outcome.RequiresRefresh)

	fake.Advance(14 * time.Minute) // expiresAt == now
	outcome = vault.ValidateToken(ctx, "dave", "access-token-dave-12345")
	assert.False(t, outcome.Valid)
	assert.True(t, outcome.IsExpired)
}

func TestStoreTokensResetsFailureCount(t *testing.T) {
	vault := newTestVault(t, nil)
	ctx := context.Background()

	set := &auth.TokenSet{
		AccessToken:  "access-token-erin-12345",
		RefreshToken: "refresh-token-erin-12345",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.Nil(t, vault.StoreTokens(ctx, "erin", set).Err)

	count, err := vault.RecordFailure(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Nil(t, vault.StoreTokens(ctx, "erin", set).Err)
	rec, err := vault.GetRecord(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.FailureCount)
}

func TestStoreTokensPreservesCreatedAt(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	vault := newTestVault(t, fake)
	ctx := context.Background()

	set := &auth.TokenSet{
		AccessToken:  "access-token-frank-12345",
		RefreshToken: "refresh-token-frank-12345",
		ExpiresAt:    start.Add(time.Hour),
	}
	require.Nil(t, vault.StoreTokens(ctx, "frank", set).Err)

	fake.Advance(10 * time.Minute)
	set.ExpiresAt = fake.Now().Add(time.Hour)
	require.Nil(t, vault.StoreTokens(ctx, "frank", set).Err)

	rec, err := vault.GetRecord(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, start, rec.CreatedAt)
	assert.Equal(t, fake.Now(), rec.UpdatedAt)
}

func TestCleanupExpiredIdempotent(t *testing.T) {
	vault := newTestVault(t, nil)
	ctx := context.Background()

	require.Nil(t, vault.StoreTokens(ctx, "expired-user", &auth.TokenSet{
		AccessToken:  "access-token-expired-123",
		RefreshToken: "refresh-token-expired-123",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}).Err)
	require.Nil(t, vault.StoreTokens(ctx, "live-user", &auth.TokenSet{
		AccessToken:  "access-token-live-12345",
		RefreshToken: "refresh-token-live-12345",
		ExpiresAt:    time.Now().Add(time.Hour),
	}).Err)

	first, err := vault.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ExpiredCount)

	second, err := vault.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ExpiredCount)
}

func TestSessionsRequiringRefresh(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)
	vault := newTestVault(t, fake)
	ctx := context.Background()

	require.Nil(t, vault.StoreTokens(ctx, "due-user", &auth.TokenSet{
		AccessToken:  "access-token-due-12345",
		RefreshToken: "refresh-token-due-12345",
		ExpiresAt:    start.Add(time.Hour),
	}).Err)

	due, err := vault.SessionsRequiringRefresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	fake.Advance(50 * time.Minute)
	due, err = vault.SessionsRequiringRefresh(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due-user", due[0].UserID)
}

func TestRefreshTokenRecoverable(t *testing.T) {
	vault := newTestVault(t, nil)
	ctx := context.Background()

	require.Nil(t, vault.StoreTokens(ctx, "grace", &auth.TokenSet{
		AccessToken:  "access-token-grace-12345",
		RefreshToken: "refresh-token-grace-12345",
		ExpiresAt:    time.Now().Add(time.Hour),
	}).Err)

	rec, err := vault.GetRecord(ctx, "grace")
	require.NoError(t, err)
	assert.NotContains(t, rec.EncryptedRefreshToken, "refresh-token-grace")

	raw, err := vault.RefreshTokenFor(rec)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-grace-12345", raw)
}

func TestMetadataRoundTrip(t *testing.T) {
	vault := newTestVault(t, nil)
	ctx := context.Background()

	require.Nil(t, vault.StoreTokens(ctx, "heidi", &auth.TokenSet{
		AccessToken:  "access-token-heidi-12345",
		RefreshToken: "refresh-token-heidi-12345",
		ExpiresAt:    time.Now().Add(time.Hour),
		Subscription: auth.SubscriptionPro,
	}).Err)

	rec, err := vault.GetRecord(ctx, "heidi")
	require.NoError(t, err)

	meta, err := vault.Metadata(rec)
	require.NoError(t, err)
	assert.Equal(t, "pro", meta["subscription"])
	assert.Equal(t, "2345", meta["access_suffix"])
}
