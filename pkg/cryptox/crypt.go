// Package cryptox provides the symmetric crypto, key derivation and secret
// handling primitives used by the keystore, credential store and local
// authenticators.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes used throughout the SDK.
const KeySize = 32

var (
	ErrCiphertextTooShort = errors.New("cryptox: ciphertext too short")
	ErrInvalidKeySize     = errors.New("cryptox: key must be 32 bytes")
)

// Encrypt encrypts plaintext under key using AES-256-GCM.
// The output format is: [12-byte nonce][encrypted data][16-byte auth tag]
// A fresh random nonce is used per call, so two encryptions of the same
// plaintext never produce the same ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext and auth tag to the nonce
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt. Tampered or truncated input
// fails authentication and returns an error, never partial plaintext.
func Decrypt(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptox: decryption failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// ConstantTimeEqual compares two byte slices in time dependent only on the
// slice lengths.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b with zeros. Used to drop key material eagerly from
// memory when a keystore is unloaded.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
