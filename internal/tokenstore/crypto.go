package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"

	"github.com/guardpost/guardpost/internal/auth"
)

// MinSecretLength is the minimum length of the configured encryption
// secret. The AES-256 key is derived from it with sha256.
const MinSecretLength = 32

// DefaultHashCost is the bcrypt cost factor used for token hashes.
// Cost 10 keeps single validations around tens of milliseconds.
const DefaultHashCost = bcrypt.DefaultCost

// Cipher seals small blobs with AES-256-GCM.
//
// Security properties:
//   - AES-256 provides strong confidentiality
//   - GCM mode provides both encryption and authentication (AEAD)
//   - Random nonce for each encryption (never reused)
type Cipher struct {
	key []byte
}

// NewCipher derives an AES-256 key from the configured secret.
// The secret must be at least MinSecretLength bytes; a short secret is a
// construction-time configuration error.
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) < MinSecretLength {
		return nil, auth.NewError(auth.CodeConfigurationError,
			fmt.Sprintf("encryption secret must be at least %d bytes, got %d", MinSecretLength, len(secret)))
	}
	key := sha256.Sum256(secret)
	return &Cipher{key: key[:]}, nil
}

// Seal encrypts plaintext and returns base64-encoded nonce || ciphertext || tag.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	// Nonce must be unique for each encryption with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a blob produced by Seal, verifying the authentication tag.
func (c *Cipher) Open(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// GenerateSecret generates a random 32-byte encryption secret.
// Call this once and store the secret securely; it must stay stable across
// restarts or persisted records become unreadable.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, MinSecretLength)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, nil
}

// TokenHasher produces and verifies slow one-way token hashes.
type TokenHasher struct {
	cost int
}

// NewTokenHasher creates a hasher with the given bcrypt cost factor.
// Costs outside bcrypt's supported range fall back to DefaultHashCost.
func NewTokenHasher(cost int) *TokenHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultHashCost
	}
	return &TokenHasher{cost: cost}
}

// Hash returns a bcrypt hash of the token. Tokens are pre-digested with
// sha256 because bcrypt only consumes the first 72 bytes of its input and
// access tokens routinely exceed that.
func (h *TokenHasher) Hash(token string) (string, error) {
	digest := sha256.Sum256([]byte(token))
	hash, err := bcrypt.GenerateFromPassword(digest[:], h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// Compare reports whether the presented token matches the stored hash.
// bcrypt's comparison is constant-time over the digest.
func (h *TokenHasher) Compare(hash, token string) bool {
	digest := sha256.Sum256([]byte(token))
	return bcrypt.CompareHashAndPassword([]byte(hash), digest[:]) == nil
}
