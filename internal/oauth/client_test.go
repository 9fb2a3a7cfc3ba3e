package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresTokenURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "content:read content:write",
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		ClientID:     "guardpost",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	})
	require.NoError(t, err)

	set, err := client.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", set.AccessToken)
	assert.Equal(t, "new-refresh", set.RefreshToken)
	assert.Equal(t, []string{"content:read", "content:write"}, set.Scopes)
	assert.True(t, set.ExpiresAt.After(time.Now()))
}

func TestRefreshTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{TokenURL: srv.URL})
	require.NoError(t, err)

	set, err := client.RefreshToken(context.Background(), "keep-me")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", set.RefreshToken)
}

func TestRefreshTokenEmpty(t *testing.T) {
	client, err := NewClient(Config{TokenURL: "http://localhost:0"})
	require.NoError(t, err)

	_, err = client.RefreshToken(context.Background(), "")
	assert.Error(t, err)
}

func TestIntrospectToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "guardpost", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "some-access-token", r.Form.Get("token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": true,
			"sub":    "alice",
			"scope":  "content:read",
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		ClientID:         "guardpost",
		ClientSecret:     "secret",
		TokenURL:         srv.URL,
		IntrospectionURL: srv.URL,
	})
	require.NoError(t, err)

	result, err := client.IntrospectToken(context.Background(), "some-access-token")
	require.NoError(t, err)
	assert.True(t, result.Active)
	assert.Equal(t, "alice", result.UserID)
	assert.Equal(t, []string{"content:read"}, result.Scopes)
}

func TestIntrospectTokenInactive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
	}))
	defer srv.Close()

	client, err := NewClient(Config{TokenURL: srv.URL, IntrospectionURL: srv.URL})
	require.NoError(t, err)

	result, err := client.IntrospectToken(context.Background(), "revoked")
	require.NoError(t, err)
	assert.False(t, result.Active)
}

func TestIntrospectTokenNotConfigured(t *testing.T) {
	client, err := NewClient(Config{TokenURL: "http://localhost:0"})
	require.NoError(t, err)

	_, err = client.IntrospectToken(context.Background(), "token")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Even an error status means the server is reachable.
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	client, err := NewClient(Config{TokenURL: srv.URL})
	require.NoError(t, err)
	assert.NoError(t, client.Ping(context.Background()))

	srv.Close()
	assert.Error(t, client.Ping(context.Background()))
}
