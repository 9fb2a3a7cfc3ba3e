package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/guardpost/guardpost/internal/auth"
)

// DefaultRequestTimeout bounds a single call to the authorization server.
const DefaultRequestTimeout = 10 * time.Second

// Introspection is the authorization server's answer about a token's
// liveness, independent of locally cached expiry.
type Introspection struct {
	Active    bool
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// Provider is the injected capability the trust layer depends on.
type Provider interface {
	// RefreshToken exchanges a refresh token for a new token set.
	RefreshToken(ctx context.Context, refreshToken string) (*auth.TokenSet, error)

	// IntrospectToken asks whether an access token is currently active.
	IntrospectToken(ctx context.Context, accessToken string) (*Introspection, error)

	// Ping reports whether the authorization server is reachable.
	Ping(ctx context.Context) error
}

// Config holds the endpoints and credentials for the authorization server.
type Config struct {
	// ClientID and ClientSecret authenticate guardpost itself against the
	// authorization server.
	ClientID     string
	ClientSecret string

	// TokenURL is the token endpoint used for refresh grants.
	TokenURL string

	// IntrospectionURL is the RFC 7662 introspection endpoint.
	IntrospectionURL string

	// RequestTimeout bounds each network call. Default: 10s.
	RequestTimeout time.Duration

	// HTTPClient overrides the default HTTP client (for tests or custom
	// transports with logging/metrics).
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger
}

// Client implements Provider over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an authorization server client.
// Returns an error if the token endpoint is missing.
func NewClient(cfg Config) (*Client, error) {
	if cfg.TokenURL == "" {
		return nil, auth.NewError(auth.CodeConfigurationError, "token endpoint URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}, nil
}

// RefreshToken exchanges a refresh token for a new token set using the
// standard refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*auth.TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	conf := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	// A token with only a refresh token forces the source to hit the
	// token endpoint immediately.
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	set := &auth.TokenSet{
		AccessToken:  newToken.AccessToken,
		RefreshToken: newToken.RefreshToken,
		ExpiresAt:    newToken.Expiry,
	}
	// Servers that do not rotate refresh tokens omit the field; keep the
	// one we already hold.
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	if scope := newToken.Extra("scope"); scope != nil {
		if s, ok := scope.(string); ok && s != "" {
			set.Scopes = strings.Fields(s)
		}
	}

	return set, nil
}

// introspectionResponse is the RFC 7662 wire format.
type introspectionResponse struct {
	Active    bool   `json:"active"`
	Sub       string `json:"sub,omitempty"`
	Username  string `json:"username,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// IntrospectToken posts the token to the introspection endpoint with client
// basic authentication.
func (c *Client) IntrospectToken(ctx context.Context, accessToken string) (*Introspection, error) {
	if c.cfg.IntrospectionURL == "" {
		return nil, auth.NewError(auth.CodeConfigurationError, "introspection endpoint not configured")
	}

	form := url.Values{}
	form.Set("token", accessToken)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned status %d", resp.StatusCode)
	}

	var wire introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}

	result := &Introspection{
		Active: wire.Active,
		UserID: wire.Sub,
	}
	if result.UserID == "" {
		result.UserID = wire.Username
	}
	if wire.Scope != "" {
		result.Scopes = strings.Fields(wire.Scope)
	}
	if wire.ExpiresAt > 0 {
		result.ExpiresAt = time.Unix(wire.ExpiresAt, 0)
	}
	return result, nil
}

// Ping issues a HEAD request against the token endpoint to check
// reachability. Any HTTP response counts as reachable; only transport
// errors are failures.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.TokenURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authorization server unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
