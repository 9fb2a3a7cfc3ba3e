package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardpost/guardpost/internal/auth"
	"github.com/guardpost/guardpost/internal/clock"
	"github.com/guardpost/guardpost/internal/lifecycle"
	"github.com/guardpost/guardpost/internal/oauth"
	"github.com/guardpost/guardpost/internal/tokenstore"
)

type fakeProvider struct {
	refreshCalls atomic.Int64
	refreshErr   error
	now          func() time.Time
}

func (f *fakeProvider) RefreshToken(_ context.Context, refreshToken string) (*auth.TokenSet, error) {
	f.refreshCalls.Add(1)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	now := time.Now()
	if f.now != nil {
		now = f.now()
	}
	return &auth.TokenSet{
		AccessToken:  "refreshed-access-token",
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(time.Hour),
	}, nil
}

func (f *fakeProvider) IntrospectToken(context.Context, string) (*oauth.Introspection, error) {
	return &oauth.Introspection{Active: true}, nil
}

func (f *fakeProvider) Ping(context.Context) error { return nil }

func newTestManager(t *testing.T, fake *clock.Fake, provider *fakeProvider) (*Manager, *tokenstore.Vault) {
	t.Helper()
	cfg := tokenstore.Config{
		EncryptionSecret: []byte("0123456789abcdef0123456789abcdef"),
		HashCost:         4,
	}
	if fake != nil {
		cfg.Clock = fake
		provider.now = fake.Now
	}
	vault, err := tokenstore.NewVault(tokenstore.NewMemory(), cfg)
	require.NoError(t, err)

	lcCfg := lifecycle.Config{}
	if fake != nil {
		lcCfg.Clock = fake
	}
	lc, err := lifecycle.NewManager(vault, provider, lcCfg)
	require.NoError(t, err)

	mCfg := Config{}
	if fake != nil {
		mCfg.Clock = fake
	}
	manager, err := NewManager(vault, lc, mCfg)
	require.NoError(t, err)
	return manager, vault
}

func storeUser(t *testing.T, vault *tokenstore.Vault, userID string, expiresAt time.Time) string {
	t.Helper()
	token := "access-token-" + userID + "-0123"
	result := vault.StoreTokens(context.Background(), userID, &auth.TokenSet{
		AccessToken:  token,
		RefreshToken: "refresh-token-" + userID + "-0123",
		ExpiresAt:    expiresAt,
		Scopes:       []string{"read"},
	})
	require.Nil(t, result.Err)
	return token
}

func TestCreateAndGetSession(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	storeUser(t, vault, "alice", time.Now().Add(time.Hour))

	sess, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)
	assert.Equal(t, auth.StateAuthenticated, sess.State)
	assert.NotEmpty(t, sess.ID)

	got, ok := m.GetSession("alice")
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCreateSessionUnknownUser(t *testing.T) {
	m, _ := newTestManager(t, nil, &fakeProvider{})

	_, serr := m.CreateSession(context.Background(), "nobody")
	require.NotNil(t, serr)
	assert.Equal(t, auth.CodeSessionNotFound, serr.Code)
}

func TestValidateSessionRefreshesCache(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	token := storeUser(t, vault, "alice", time.Now().Add(time.Hour))

	sess, serr := m.ValidateSession(context.Background(), "alice", token)
	require.Nil(t, serr)
	assert.Equal(t, auth.StateAuthenticated, sess.State)

	_, serr = m.ValidateSession(context.Background(), "alice", "wrong-token-value")
	require.NotNil(t, serr)

	got, ok := m.GetSession("alice")
	require.True(t, ok)
	assert.Equal(t, auth.StateInvalid, got.State)
}

func TestRecoverSessionWithCurrentToken(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	token := storeUser(t, vault, "alice", time.Now().Add(time.Hour))

	sess, serr := m.RecoverSession(context.Background(), "alice", token)
	require.Nil(t, serr)
	assert.Equal(t, auth.StateAuthenticated, sess.State)
}

func TestRecoverSessionReturnsFreshCachedSession(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	token := storeUser(t, vault, "alice", time.Now().Add(time.Hour))

	first, serr := m.RecoverSession(context.Background(), "alice", token)
	require.Nil(t, serr)

	// An authenticated, unexpired cache entry short-circuits recovery;
	// the presented token is only checked against the store on a miss.
	second, serr := m.RecoverSession(context.Background(), "alice", "a-token-never-hashed")
	require.Nil(t, serr)
	assert.Equal(t, first.ID, second.ID)
}

func TestRecoverSessionRefreshesExpiredToken(t *testing.T) {
	fake := clock.NewFake(time.Now())
	provider := &fakeProvider{}
	m, vault := newTestManager(t, fake, provider)
	token := storeUser(t, vault, "alice", fake.Now().Add(time.Hour))

	fake.Advance(2 * time.Hour)

	sess, serr := m.RecoverSession(context.Background(), "alice", token)
	require.Nil(t, serr)
	assert.Equal(t, auth.StateAuthenticated, sess.State)
	assert.True(t, sess.ExpiresAt.After(fake.Now()), "recovered session must not be stale")
	assert.Equal(t, int64(1), provider.refreshCalls.Load())
}

func TestRecoverSessionRefreshFailure(t *testing.T) {
	fake := clock.NewFake(time.Now())
	provider := &fakeProvider{refreshErr: errors.New("server says no")}
	m, vault := newTestManager(t, fake, provider)
	token := storeUser(t, vault, "alice", fake.Now().Add(time.Hour))

	_, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)

	fake.Advance(2 * time.Hour)

	_, serr = m.RecoverSession(context.Background(), "alice", token)
	require.NotNil(t, serr)

	got, ok := m.GetSession("alice")
	require.True(t, ok)
	assert.Equal(t, auth.StateRefreshFailed, got.State)
}

func TestRecoverSessionUnknownUser(t *testing.T) {
	m, _ := newTestManager(t, nil, &fakeProvider{})

	_, serr := m.RecoverSession(context.Background(), "nobody", "whatever")
	require.NotNil(t, serr)
	assert.Equal(t, auth.CodeSessionNotFound, serr.Code)
}

func TestInvalidateSessionClosesConnections(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	storeUser(t, vault, "alice", time.Now().Add(time.Hour))
	_, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)

	m.RegisterConnection("alice", "streamable-http")
	m.RegisterConnection("alice", "sse")
	m.RegisterConnection("bob", "stdio")

	require.Nil(t, m.InvalidateSession(context.Background(), "alice"))

	_, ok := m.GetSession("alice")
	assert.False(t, ok)
	assert.Empty(t, m.ConnectionsForUser("alice"))
	assert.Len(t, m.ConnectionsForUser("bob"), 1)

	// The record is gone too.
	_, err := vault.GetRecord(context.Background(), "alice")
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
}

func TestConnectionLifecycle(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	storeUser(t, vault, "alice", time.Now().Add(time.Hour))

	conn := m.RegisterConnection("alice", "sse")
	assert.Equal(t, 1, m.ConnectionCount())

	require.Nil(t, m.UpdateActivity(context.Background(), conn.ID))
	serr := m.UpdateActivity(context.Background(), "no-such-connection")
	require.NotNil(t, serr)

	m.CloseConnection(conn.ID)
	assert.Equal(t, 0, m.ConnectionCount())
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, vault := newTestManager(t, fake, &fakeProvider{})
	storeUser(t, vault, "alice", fake.Now().Add(2*time.Hour))
	storeUser(t, vault, "bob", fake.Now().Add(2*time.Hour))

	_, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)
	idle := m.RegisterConnection("alice", "sse")

	fake.Advance(20 * time.Minute)

	_, serr = m.CreateSession(context.Background(), "bob")
	require.Nil(t, serr)
	active := m.RegisterConnection("bob", "sse")

	fake.Advance(15 * time.Minute)

	sessions, connections := m.SweepIdle()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 1, connections)

	_, ok := m.GetSession("bob")
	assert.True(t, ok)
	assert.Empty(t, m.ConnectionsForUser(idle.UserID))
	assert.Len(t, m.ConnectionsForUser(active.UserID), 1)
}

func TestSweepEvictsExpiredSessions(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, vault := newTestManager(t, fake, &fakeProvider{})
	storeUser(t, vault, "alice", fake.Now().Add(time.Minute))
	_, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)

	fake.Advance(2 * time.Minute)

	sessions, _ := m.SweepIdle()
	assert.Equal(t, 1, sessions)
}

func TestRevalidateSessionsEvictsOrphans(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	storeUser(t, vault, "alice", time.Now().Add(time.Hour))
	storeUser(t, vault, "bob", time.Now().Add(time.Hour))
	_, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)
	_, serr = m.CreateSession(context.Background(), "bob")
	require.Nil(t, serr)
	m.RegisterConnection("bob", "sse")

	// Bob's record disappears behind the cache's back.
	require.NoError(t, vault.DeleteRecord(context.Background(), "bob"))

	checked, dropped := m.RevalidateSessions(context.Background())
	assert.Equal(t, 2, checked)
	assert.Equal(t, 1, dropped)

	_, ok := m.GetSession("bob")
	assert.False(t, ok)
	assert.Empty(t, m.ConnectionsForUser("bob"))
	got, ok := m.GetSession("alice")
	require.True(t, ok)
	assert.Equal(t, auth.StateAuthenticated, got.State)
}

func TestRevalidateSessionsMarksExpired(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, vault := newTestManager(t, fake, &fakeProvider{})
	storeUser(t, vault, "alice", fake.Now().Add(time.Minute))
	_, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)

	fake.Advance(2 * time.Minute)

	checked, dropped := m.RevalidateSessions(context.Background())
	assert.Equal(t, 1, checked)
	assert.Equal(t, 0, dropped)
	got, ok := m.GetSession("alice")
	require.True(t, ok)
	assert.Equal(t, auth.StateExpired, got.State)
}

func TestPerformAutoRecovery(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	storeUser(t, vault, "alice", time.Now().Add(time.Hour))
	storeUser(t, vault, "bob", time.Now().Add(time.Hour))

	count, err := m.PerformAutoRecovery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, m.SessionCount())
}

func TestObserverCallbacks(t *testing.T) {
	m, vault := newTestManager(t, nil, &fakeProvider{})
	storeUser(t, vault, "alice", time.Now().Add(time.Hour))
	_, serr := m.CreateSession(context.Background(), "alice")
	require.Nil(t, serr)
	m.RegisterConnection("alice", "sse")

	newExpiry := time.Now().Add(3 * time.Hour)
	m.TokenRefreshed("alice", &auth.TokenSet{AccessToken: "new", ExpiresAt: newExpiry})
	got, _ := m.GetSession("alice")
	assert.Equal(t, newExpiry, got.ExpiresAt)

	m.RefreshFailed("alice", auth.NewError(auth.CodeRefreshFailed, "nope"))
	got, _ = m.GetSession("alice")
	assert.Equal(t, auth.StateRefreshFailed, got.State)

	m.ReauthRequired("alice")
	got, _ = m.GetSession("alice")
	assert.Equal(t, auth.StateInvalid, got.State)
	assert.Equal(t, 0, m.ConnectionCount())
}
