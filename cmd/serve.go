package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/guardpost/guardpost/internal/background"
	"github.com/guardpost/guardpost/internal/instrumentation"
	"github.com/guardpost/guardpost/internal/lifecycle"
	"github.com/guardpost/guardpost/internal/oauth"
	"github.com/guardpost/guardpost/internal/security"
	"github.com/guardpost/guardpost/internal/server"
	"github.com/guardpost/guardpost/internal/session"
	"github.com/guardpost/guardpost/internal/tokenstore"
	"github.com/guardpost/guardpost/internal/validation"
)

// StorageConfig selects the token store backend.
type StorageConfig struct {
	// Type is "memory" or "postgres".
	Type string

	// DatabaseURL is the pgx connection string (postgres only).
	DatabaseURL string
}

// ProviderConfig holds the authorization server endpoints guardpost
// talks to for refresh grants and introspection.
type ProviderConfig struct {
	ClientID         string
	ClientSecret     string
	TokenURL         string
	IntrospectionURL string
}

// MetricsConfig holds configuration for the metrics server.
type MetricsConfig struct {
	// Enabled determines whether to start the metrics server (default: true)
	Enabled bool

	// Addr is the address for the metrics server (e.g., ":9090")
	Addr string
}

func newServeCmd() *cobra.Command {
	var (
		debugMode      bool
		transport      string
		httpAddr       string
		baseURL        string
		encryptionKey  string
		storageType    string
		databaseURL    string
		clientID       string
		clientSecret   string
		tokenURL       string
		introspectURL  string
		requiredScopes string
		rateLimitRate  int
		rateLimitBurst int
		trustProxy     bool
		metricsEnabled bool
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the trust daemon",
		Long: `Start the guardpost trust daemon: an MCP gateway that validates bearer
tokens against its own token store, refreshes them against the upstream
authorization server before they expire, and tracks the sessions and
connections behind them.

Supports multiple transport types:
  - stdio: Standard input/output (development only, no token validation)
  - streamable-http: Streamable HTTP transport
  - sse: Server-Sent Events transport

Token Storage:
  By default records live in memory and are lost on restart. For
  production, use --storage-type postgres with --database-url or the
  DATABASE_URL env var.

Encryption:
  Refresh tokens are encrypted at rest. The key is required:
    --encryption-key (32 bytes, base64 encoded)
    OR GUARDPOST_ENCRYPTION_KEY env var
  Generate one with: guardpost keygen

Authorization Server:
  Refresh grants and introspection need the upstream endpoints:
    --oauth-token-url and --oauth-introspection-url
    --oauth-client-id and --oauth-client-secret
    OR the matching OAUTH_* env vars.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A .env file is optional; flags and real env vars win.
			_ = godotenv.Load()

			loadServeEnvVars(cmd, &storageType, &databaseURL, &clientID,
				&clientSecret, &tokenURL, &introspectURL, &baseURL)

			if encryptionKey == "" {
				encryptionKey = os.Getenv("GUARDPOST_ENCRYPTION_KEY")
			}
			if requiredScopes == "" {
				requiredScopes = os.Getenv("GUARDPOST_REQUIRED_SCOPES")
			}
			if encryptionKey == "" {
				return fmt.Errorf("encryption key is required (use --encryption-key or GUARDPOST_ENCRYPTION_KEY; generate with: guardpost keygen)")
			}
			keyBytes, err := base64.StdEncoding.DecodeString(encryptionKey)
			if err != nil {
				return fmt.Errorf("invalid encryption key (must be base64 encoded): %w", err)
			}
			if len(keyBytes) != 32 {
				return fmt.Errorf("encryption key must be exactly 32 bytes (got %d bytes)", len(keyBytes))
			}

			if !cmd.Flags().Changed("metrics-addr") {
				if addr := os.Getenv("METRICS_ADDR"); addr != "" {
					metricsAddr = addr
				}
			}
			if !cmd.Flags().Changed("metrics-enabled") {
				if v := os.Getenv("METRICS_ENABLED"); v != "" {
					if parsed, perr := strconv.ParseBool(v); perr == nil {
						metricsEnabled = parsed
					}
				}
			}

			return runServe(serveOptions{
				Debug:     debugMode,
				Transport: transport,
				HTTPAddr:  httpAddr,
				BaseURL:   baseURL,
				Key:       keyBytes,
				Storage:   StorageConfig{Type: storageType, DatabaseURL: databaseURL},
				Provider: ProviderConfig{
					ClientID:         clientID,
					ClientSecret:     clientSecret,
					TokenURL:         tokenURL,
					IntrospectionURL: introspectURL,
				},
				RequiredScopes: parseCommaSeparatedList(requiredScopes),
				RateLimitRate:  rateLimitRate,
				RateLimitBurst: rateLimitBurst,
				TrustProxy:     trustProxy,
				Metrics:        MetricsConfig{Enabled: metricsEnabled, Addr: metricsAddr},
			})
		},
	}

	cmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type: stdio, streamable-http or sse")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP server address (for HTTP transports)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public base URL (HTTP transports only). Required for deployed instances. Can also use GUARDPOST_BASE_URL env var. Example: https://gw.example.com")
	cmd.Flags().StringVar(&encryptionKey, "encryption-key", "", "AES-256 key for refresh token encryption at rest (32 bytes, base64 encoded). REQUIRED. Can also use GUARDPOST_ENCRYPTION_KEY env var. Generate with: guardpost keygen")
	cmd.Flags().StringVar(&storageType, "storage-type", "memory", "Token store backend: memory or postgres. Can also use GUARDPOST_STORAGE_TYPE env var.")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (postgres storage only). Can also use DATABASE_URL env var.")
	cmd.Flags().StringVar(&clientID, "oauth-client-id", "", "OAuth client ID guardpost uses against the authorization server. Can also use OAUTH_CLIENT_ID env var.")
	cmd.Flags().StringVar(&clientSecret, "oauth-client-secret", "", "OAuth client secret. Can also use OAUTH_CLIENT_SECRET env var.")
	cmd.Flags().StringVar(&tokenURL, "oauth-token-url", "", "Authorization server token endpoint for refresh grants. Can also use OAUTH_TOKEN_URL env var.")
	cmd.Flags().StringVar(&introspectURL, "oauth-introspection-url", "", "RFC 7662 introspection endpoint. Optional; without it validation relies on local state alone. Can also use OAUTH_INTROSPECTION_URL env var.")
	cmd.Flags().StringVar(&requiredScopes, "required-scopes", "", "Scopes every request must carry, comma-separated (e.g. read,write). Can also use GUARDPOST_REQUIRED_SCOPES env var.")
	cmd.Flags().IntVar(&rateLimitRate, "rate-limit-rate", 10, "Requests per second allowed per client IP (HTTP transports). 0 disables rate limiting.")
	cmd.Flags().IntVar(&rateLimitBurst, "rate-limit-burst", 20, "Burst size for the per-client rate limiter")
	cmd.Flags().BoolVar(&trustProxy, "trust-proxy", false, "Trust X-Forwarded-For headers for client identification (only behind a trusted proxy)")
	cmd.Flags().BoolVar(&metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

type serveOptions struct {
	Debug          bool
	Transport      string
	HTTPAddr       string
	BaseURL        string
	Key            []byte
	Storage        StorageConfig
	Provider       ProviderConfig
	RequiredScopes []string
	RateLimitRate  int
	RateLimitBurst int
	TrustProxy     bool
	Metrics        MetricsConfig
}

func runServe(opts serveOptions) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	setupLogging(opts.Debug, opts.Transport)

	if opts.Provider.TokenURL == "" {
		return fmt.Errorf("the authorization server token endpoint is required (use --oauth-token-url or OAUTH_TOKEN_URL)")
	}

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	instrProvider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		if err := instrProvider.Shutdown(shutdownCtx); err != nil {
			if opts.Transport != "stdio" {
				log.Printf("Error during instrumentation shutdown: %v", err)
			}
		}
	}()

	// Start metrics server if enabled and not in stdio mode
	var metricsServer *server.MetricsServer
	if opts.Transport != "stdio" && opts.Metrics.Enabled && instrProvider.Enabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    opts.Metrics.Addr,
			Enabled:                 true,
			InstrumentationProvider: instrProvider,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}

		// Use ready channel to confirm metrics server started successfully
		metricsReady := make(chan struct{})
		metricsErr := make(chan error, 1)
		go func() {
			if err := metricsServer.StartWithReadySignal(metricsReady); err != nil && err != http.ErrServerClosed {
				metricsErr <- err
			}
			close(metricsErr)
		}()

		select {
		case <-metricsReady:
			log.Printf("Metrics server started on %s", metricsServer.Addr())
		case err := <-metricsErr:
			return fmt.Errorf("metrics server failed to start: %w", err)
		case <-time.After(5 * time.Second):
			return fmt.Errorf("metrics server startup timed out")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error during metrics server shutdown: %v", err)
			}
		}()
	}

	// Token store backend
	var store tokenstore.Store
	switch opts.Storage.Type {
	case "", "memory":
		store = tokenstore.NewMemory()
		if opts.Transport != "stdio" {
			log.Println("Using in-memory token store; records are lost on restart")
		}
	case "postgres":
		if opts.Storage.DatabaseURL == "" {
			return fmt.Errorf("postgres storage requires --database-url or DATABASE_URL")
		}
		pg, err := tokenstore.NewPostgres(shutdownCtx, opts.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pg.Close()
		store = pg
	default:
		return fmt.Errorf("unsupported storage type: %s (supported: memory, postgres)", opts.Storage.Type)
	}

	sec, err := buildTrustLayer(store, opts.Key, opts.Provider, instrProvider, instrConfig)
	if err != nil {
		return err
	}

	if err := sec.Initialize(shutdownCtx); err != nil {
		return fmt.Errorf("failed to initialize trust layer: %w", err)
	}

	serverContext := server.NewServerContext(shutdownCtx, sec)
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			if opts.Transport != "stdio" {
				log.Printf("Error during server context shutdown: %v", err)
			}
		}
	}()

	mcpSrv := mcpserver.NewMCPServer("guardpost", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
	)

	switch opts.Transport {
	case "stdio":
		return runStdioServer(mcpSrv)
	case "streamable-http", "sse":
		return runTrustHTTPServer(mcpSrv, serverContext, shutdownCtx, opts)
	default:
		return fmt.Errorf("unsupported transport type: %s (supported: stdio, streamable-http, sse)", opts.Transport)
	}
}

// buildTrustLayer constructs the subsystems bottom-up and hands them to
// the facade.
func buildTrustLayer(store tokenstore.Store, key []byte, providerCfg ProviderConfig, instrProvider *instrumentation.Provider, instrConfig instrumentation.Config) (*security.Manager, error) {
	vault, err := tokenstore.NewVault(store, tokenstore.Config{
		EncryptionSecret: key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token vault: %w", err)
	}

	provider, err := oauth.NewClient(oauth.Config{
		ClientID:         providerCfg.ClientID,
		ClientSecret:     providerCfg.ClientSecret,
		TokenURL:         providerCfg.TokenURL,
		IntrospectionURL: providerCfg.IntrospectionURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization server client: %w", err)
	}

	lc, err := lifecycle.NewManager(vault, provider, lifecycle.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle manager: %w", err)
	}

	svc, err := validation.NewService(vault, lc, provider, validation.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create validation service: %w", err)
	}

	sessions, err := session.NewManager(vault, lc, session.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	processor, err := background.NewProcessor(background.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create background processor: %w", err)
	}

	deps := security.Deps{
		Vault:      vault,
		Lifecycle:  lc,
		Validation: svc,
		Sessions:   sessions,
		Background: processor,
		Provider:   provider,
	}
	if instrProvider.Enabled() {
		deps.Metrics = instrProvider.Metrics()
		deps.Audit = instrumentation.NewAuditLoggerWithConfig(nil, instrConfig.AuditLogging)
	}

	sec, err := security.NewManager(deps, security.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create security manager: %w", err)
	}
	return sec, nil
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runTrustHTTPServer(mcpSrv *mcpserver.MCPServer, sc *server.ServerContext, ctx context.Context, opts serveOptions) error {
	baseURL := opts.BaseURL
	if baseURL == "" {
		// Fall back to auto-detection for local development
		baseURL = fmt.Sprintf("http://%s", opts.HTTPAddr)
		if opts.HTTPAddr[0] == ':' {
			baseURL = fmt.Sprintf("http://localhost%s", opts.HTTPAddr)
		}
		log.Printf("No base URL configured, using auto-detected: %s", baseURL)
		log.Printf("For deployed instances, set --base-url flag or GUARDPOST_BASE_URL env var")
	} else {
		log.Printf("Using configured base URL: %s", baseURL)
	}

	trustServer, err := server.NewTrustHTTPServer(mcpSrv, sc, server.TrustHTTPServerConfig{
		BaseURL:        baseURL,
		Transport:      opts.Transport,
		RequiredScopes: opts.RequiredScopes,
		RateLimitRate:  opts.RateLimitRate,
		RateLimitBurst: opts.RateLimitBurst,
		TrustProxy:     opts.TrustProxy,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	fmt.Printf("guardpost trust daemon starting on %s (%s transport)\n", opts.HTTPAddr, opts.Transport)
	if opts.Transport == "sse" {
		fmt.Printf("  SSE endpoints: /sse, /message\n")
	} else {
		fmt.Printf("  HTTP endpoint: /mcp\n")
	}
	fmt.Printf("  Health endpoints: /healthz, /readyz, /healthz/detailed\n")
	if opts.Metrics.Enabled {
		fmt.Printf("  Metrics endpoint: %s/metrics\n", opts.Metrics.Addr)
	}
	fmt.Println("\nClients must present a bearer token known to the token store.")
	fmt.Printf("The first request per token also needs the %s header.\n", server.UserHeader)

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := trustServer.Start(opts.HTTPAddr); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Println("Shutdown signal received, stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := trustServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
		fmt.Println("HTTP server stopped normally")
	}

	fmt.Println("HTTP server gracefully stopped")
	return nil
}

// setupLogging configures the default slog logger. Stdio transport logs
// to stderr so protocol traffic on stdout stays clean.
func setupLogging(debug bool, transport string) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if transport == "stdio" && !debug {
		// Quiet down startup noise on stdio
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	}
	slog.SetDefault(slog.New(handler))
}

// loadServeEnvVars fills unset flags from environment variables.
// Environment variables only override flag values when the flag was not
// explicitly set.
func loadServeEnvVars(cmd *cobra.Command, storageType, databaseURL, clientID, clientSecret, tokenURL, introspectURL, baseURL *string) {
	if !cmd.Flags().Changed("storage-type") {
		if v := os.Getenv("GUARDPOST_STORAGE_TYPE"); v != "" {
			*storageType = v
		}
	}
	if !cmd.Flags().Changed("database-url") {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			*databaseURL = v
		}
	}
	if *clientID == "" {
		*clientID = os.Getenv("OAUTH_CLIENT_ID")
	}
	if *clientSecret == "" {
		*clientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	}
	if *tokenURL == "" {
		*tokenURL = os.Getenv("OAUTH_TOKEN_URL")
	}
	if *introspectURL == "" {
		*introspectURL = os.Getenv("OAUTH_INTROSPECTION_URL")
	}
	if *baseURL == "" {
		*baseURL = os.Getenv("GUARDPOST_BASE_URL")
	}
}

// parseCommaSeparatedList parses a comma-separated string into a slice,
// trimming whitespace from each element and filtering out empty strings.
// Returns nil if the input is empty or contains only whitespace/commas.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
