// Package devicekey manages the client's own signing keypair, used to
// authenticate at the token endpoint with a signed JWT (private_key_jwt)
// instead of a shared secret. Keys are generated on first use and persist
// encrypted through secure storage, so the registered key survives
// restarts.
package devicekey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/keystore"
	"github.com/openidm/mobileauth/pkg/oauth"
)

// Supported signing algorithms for new keys.
const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
	AlgEdDSA = "EdDSA"
)

const rsaKeyBits = 2048

// Key is a device signing keypair bound to one client id.
type Key struct {
	kid     string
	alg     string
	private crypto.Signer
}

func (k *Key) KeyID() string     { return k.kid }
func (k *Key) Algorithm() string { return k.alg }

// Private returns the private key in the shape the jwt library signs with.
func (k *Key) Private() crypto.PrivateKey { return k.private }

func (k *Key) SigningMethod() jwt.SigningMethod {
	return jwt.GetSigningMethod(k.alg)
}

// AssertionGrant builds the token-endpoint grant that authenticates with
// this key.
func (k *Key) AssertionGrant(cfg oauth.ClientConfig) (*oauth.ClientAssertionGrant, error) {
	return oauth.NewClientAssertionGrant(cfg, k.SigningMethod(), k.private, k.kid)
}

// PublicJWK exports the public half for registration with the provider.
func (k *Key) PublicJWK() (oauth.JWK, error) {
	jwk := oauth.JWK{Use: "sig", Alg: k.alg, Kid: k.kid}

	switch pub := k.private.Public().(type) {
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		e := make([]byte, 0, 4)
		for v := pub.E; v > 0; v >>= 8 {
			e = append([]byte{byte(v)}, e...)
		}
		jwk.E = base64.RawURLEncoding.EncodeToString(e)

	case *ecdsa.PublicKey:
		jwk.Kty = "EC"
		jwk.Crv = "P-256"
		jwk.X = base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32)))
		jwk.Y = base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32)))

	case ed25519.PublicKey:
		jwk.Kty = "OKP"
		jwk.Crv = "Ed25519"
		jwk.X = base64.RawURLEncoding.EncodeToString(pub)

	default:
		return oauth.JWK{}, errx.Newf(errx.CodeInternalError, "internal_error", "unsupported public key type %T", pub)
	}
	return jwk, nil
}

// PublicJWKS wraps the public key as a one-key set, the shape the
// registration endpoint accepts.
func (k *Key) PublicJWKS() (*oauth.JWKS, error) {
	jwk, err := k.PublicJWK()
	if err != nil {
		return nil, err
	}
	return &oauth.JWKS{Keys: []oauth.JWK{jwk}}, nil
}

// keyRecord is the persisted form: algorithm plus the PKCS#8 private key.
// The surrounding blob is encrypted by secure storage.
type keyRecord struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Key []byte `json:"key"`
}

// Manager loads and generates device keys, one per client id.
type Manager struct {
	storage *keystore.SecureStorage
}

func NewManager(storage *keystore.SecureStorage) (*Manager, error) {
	if storage == nil {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_required", "secure storage is required")
	}
	return &Manager{storage: storage}, nil
}

func dataID(clientID string) string { return "devicekey:" + clientID }

// Key returns the signing key for clientID, generating and persisting one
// with the given algorithm when none exists yet. A stored key keeps its
// original algorithm.
func (m *Manager) Key(clientID, alg string) (*Key, error) {
	if clientID == "" {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_required", "client id is required")
	}

	data, err := m.storage.Data(dataID(clientID))
	if err == nil {
		var rec keyRecord
		if jerr := json.Unmarshal(data, &rec); jerr == nil {
			return keyFromRecord(rec)
		}
		// Undecodable record: fall through and regenerate.
	} else if !errors.Is(err, keystore.ErrNotFound) {
		return nil, err
	}

	return m.generate(clientID, alg)
}

// Rotate discards any stored key for clientID and generates a fresh one.
// The provider must learn the new public key before the next assertion.
func (m *Manager) Rotate(clientID, alg string) (*Key, error) {
	if clientID == "" {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_required", "client id is required")
	}
	return m.generate(clientID, alg)
}

// Delete removes the stored key for clientID. Missing keys are a no-op.
func (m *Manager) Delete(clientID string) error {
	return m.storage.Delete(dataID(clientID))
}

func (m *Manager) generate(clientID, alg string) (*Key, error) {
	signer, err := newKeyPair(alg)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "encode private key", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "encode public key", err)
	}

	rec := keyRecord{
		Kid: cryptox.FingerprintHex(pubDER)[:16],
		Alg: alg,
		Key: der,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "encode key record", err)
	}
	if err := m.storage.Save(dataID(clientID), data); err != nil {
		return nil, err
	}
	return &Key{kid: rec.Kid, alg: alg, private: signer}, nil
}

func newKeyPair(alg string) (crypto.Signer, error) {
	switch alg {
	case AlgRS256:
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "generate rsa key", err)
		}
		return key, nil
	case AlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "generate ec key", err)
		}
		return key, nil
	case AlgEdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "generate ed25519 key", err)
		}
		return key, nil
	}
	return nil, errx.Newf(errx.CodeInvalidInput, "invalid_input", "unsupported signing algorithm %q", alg)
}

func keyFromRecord(rec keyRecord) (*Key, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(rec.Key)
	if err != nil {
		return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "decode private key", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, errx.Newf(errx.CodeInternalError, "internal_error", "stored key type %T cannot sign", parsed)
	}
	return &Key{kid: rec.Kid, alg: rec.Alg, private: signer}, nil
}
