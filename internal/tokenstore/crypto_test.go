package tokenstore

import (
	"bytes"
	"strings"
	"testing"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestNewCipherShortSecret(t *testing.T) {
	_, err := NewCipher([]byte("too short"))
	if err == nil {
		t.Fatal("NewCipher() with short secret should return error")
	}

	_, err = NewCipher(nil)
	if err == nil {
		t.Fatal("NewCipher() with nil secret should return error")
	}
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher(testSecret())
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	plaintext := []byte(`{"subscription":"pro"}`)
	sealed, err := cipher.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "pro") {
		t.Error("Seal() output contains plaintext")
	}

	opened, err := cipher.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestCipherNonceUnique(t *testing.T) {
	cipher, err := NewCipher(testSecret())
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	a, err := cipher.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	b, err := cipher.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if a == b {
		t.Error("two Seal() calls produced identical ciphertext; nonce reuse")
	}
}

func TestCipherTamperDetection(t *testing.T) {
	cipher, err := NewCipher(testSecret())
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	sealed, err := cipher.Seal([]byte("authentic"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	// Flip a character in the base64 payload.
	tampered := []byte(sealed)
	if tampered[len(tampered)-5] == 'A' {
		tampered[len(tampered)-5] = 'B'
	} else {
		tampered[len(tampered)-5] = 'A'
	}

	if _, err := cipher.Open(string(tampered)); err == nil {
		t.Error("Open() accepted tampered ciphertext")
	}
}

func TestCipherWrongKey(t *testing.T) {
	a, err := NewCipher(testSecret())
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	b, err := NewCipher([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	sealed, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Error("Open() with wrong key should fail")
	}
}

func TestTokenHasher(t *testing.T) {
	hasher := NewTokenHasher(4) // minimum cost keeps the test fast

	hash, err := hasher.Hash("my-access-token")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if strings.Contains(hash, "my-access-token") {
		t.Error("Hash() output contains the raw token")
	}

	if !hasher.Compare(hash, "my-access-token") {
		t.Error("Compare() rejected the correct token")
	}
	if hasher.Compare(hash, "some-other-token") {
		t.Error("Compare() accepted a wrong token")
	}
}

func TestTokenHasherLongToken(t *testing.T) {
	// bcrypt truncates at 72 bytes; the sha256 pre-digest must make long
	// tokens distinguishable past that point.
	hasher := NewTokenHasher(4)

	prefix := strings.Repeat("x", 80)
	hash, err := hasher.Hash(prefix + "a")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if hasher.Compare(hash, prefix+"b") {
		t.Error("Compare() accepted a token differing only past 72 bytes")
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if len(a) != MinSecretLength {
		t.Errorf("GenerateSecret() length = %d, want %d", len(a), MinSecretLength)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("GenerateSecret() returned identical secrets")
	}
}
