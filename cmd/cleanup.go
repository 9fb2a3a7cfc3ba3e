package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/guardpost/guardpost/internal/tokenstore"
)

func newCleanupCmd() *cobra.Command {
	var (
		databaseURL   string
		encryptionKey string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired token records from the store",
		Long: `Connect to the token store and delete every record whose token expired
and has no refresh token to recover it with. Intended for cron or as a
one-shot maintenance pass; a running daemon does this on its own
schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
			if databaseURL == "" {
				return fmt.Errorf("cleanup needs the postgres store (use --database-url or DATABASE_URL)")
			}
			if encryptionKey == "" {
				encryptionKey = os.Getenv("GUARDPOST_ENCRYPTION_KEY")
			}
			if encryptionKey == "" {
				return fmt.Errorf("encryption key is required (use --encryption-key or GUARDPOST_ENCRYPTION_KEY)")
			}
			keyBytes, err := base64.StdEncoding.DecodeString(encryptionKey)
			if err != nil {
				return fmt.Errorf("invalid encryption key (must be base64 encoded): %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			pg, err := tokenstore.NewPostgres(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer pg.Close()

			vault, err := tokenstore.NewVault(pg, tokenstore.Config{
				EncryptionSecret: keyBytes,
			})
			if err != nil {
				return fmt.Errorf("failed to create token vault: %w", err)
			}

			result, err := vault.CleanupExpired(ctx)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}

			log.Printf("Removed %d expired token records in %s",
				result.ExpiredCount, result.ProcessingTime.Truncate(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string. Can also use DATABASE_URL env var.")
	cmd.Flags().StringVar(&encryptionKey, "encryption-key", "", "AES-256 key (base64). Can also use GUARDPOST_ENCRYPTION_KEY env var.")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout for the cleanup pass")
	return cmd
}
