package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Iterations is the default iteration count for key derivation from
// low-entropy secrets such as PINs.
const PBKDF2Iterations = 10000

// SaltSize is the default salt length in bytes.
const SaltSize = 16

// DeriveKey derives a 32-byte AES key from a secret and salt using
// PBKDF2-HMAC-SHA256. Deterministic for the same inputs, so a key
// encryption key can be re-derived across process restarts.
func DeriveKey(secret, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = PBKDF2Iterations
	}
	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New)
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("cryptox: failed to read random bytes: %w", err)
	}
	return buf, nil
}

// RandomKey returns a fresh random AES-256 key.
func RandomKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// Token size constants (in bytes before encoding).
const (
	// TokenSize128 provides 128 bits of entropy (22 chars base64url).
	TokenSize128 = 16
	// TokenSize256 provides 256 bits of entropy (43 chars base64url).
	TokenSize256 = 32
	// TokenSize512 provides 512 bits of entropy (86 chars base64url).
	TokenSize512 = 64
)

// GenerateToken creates a cryptographically secure random token of the
// specified byte length, returned base64url-encoded without padding.
// Used for OAuth state values, PKCE verifiers and storage record keys.
func GenerateToken(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("cryptox: token size must be positive, got %d", size)
	}
	buf, err := RandomBytes(size)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Fingerprint returns a deterministic SHA-256 digest of data, encoded
// base64url without padding. Lookup keys derived this way leak nothing
// about the fingerprinted value.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// FingerprintHex returns a deterministic SHA-256 digest of data as lowercase
// hex. Used for on-disk file names where base64's case sensitivity would be
// a hazard on case-insensitive filesystems.
func FingerprintHex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
