package oauth

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/openidm/mobileauth/pkg/cryptox"
)

// pkceVerifierBytes is the entropy behind the code verifier. 64 bytes
// encodes to 86 characters, inside the 43..128 range RFC 7636 allows.
const pkceVerifierBytes = 64

// PKCE holds the proof-key material for one authorization-code attempt
// (RFC 7636, S256 only).
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a fresh verifier/challenge pair.
func NewPKCE() (*PKCE, error) {
	raw, err := cryptox.RandomBytes(pkceVerifierBytes)
	if err != nil {
		return nil, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    "S256",
	}, nil
}

// newState generates the per-attempt CSRF state value.
func newState() (string, error) {
	return cryptox.GenerateToken(cryptox.TokenSize128)
}
