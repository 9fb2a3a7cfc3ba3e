package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an encryption key for token storage",
		Long: `Generate a random 32-byte AES-256 key, base64 encoded, suitable for
--encryption-key or the GUARDPOST_ENCRYPTION_KEY env var.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Println(base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
