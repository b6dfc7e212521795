package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openidm/mobileauth/pkg/errx"
)

// JWK is a public key in JSON Web Key format (RFC 7517), covering the RSA,
// OKP/Ed25519 and EC/P-256 shapes providers publish for signing keys.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// OKP / EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS is a JSON Web Key Set (RFC 7517).
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicKey materializes the JWK into a crypto public key.
func (j JWK) PublicKey() (any, error) {
	switch j.Kty {
	case "RSA":
		nb, err := base64.RawURLEncoding.DecodeString(j.N)
		if err != nil {
			return nil, fmt.Errorf("oauth: decode RSA modulus: %w", err)
		}
		eb, err := base64.RawURLEncoding.DecodeString(j.E)
		if err != nil {
			return nil, fmt.Errorf("oauth: decode RSA exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(nb),
			E: int(new(big.Int).SetBytes(eb).Int64()),
		}, nil

	case "OKP":
		if j.Crv != "Ed25519" {
			return nil, fmt.Errorf("oauth: unsupported OKP curve %q", j.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("oauth: decode Ed25519 key: %w", err)
		}
		if len(xb) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("oauth: invalid Ed25519 key size %d", len(xb))
		}
		return ed25519.PublicKey(xb), nil

	case "EC":
		if j.Crv != "P-256" {
			return nil, fmt.Errorf("oauth: unsupported EC curve %q", j.Crv)
		}
		xb, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("oauth: decode EC x: %w", err)
		}
		yb, err := base64.RawURLEncoding.DecodeString(j.Y)
		if err != nil {
			return nil, fmt.Errorf("oauth: decode EC y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xb),
			Y:     new(big.Int).SetBytes(yb),
		}, nil
	}
	return nil, fmt.Errorf("oauth: unsupported kty %q", j.Kty)
}

// FetchJWKS downloads and decodes the provider's signing keys.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURI string) (*JWKS, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, errx.Wrap(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "build jwks request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errx.Wrap(errx.CodeCouldNotConnect, "could_not_connect", "fetch jwks", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errx.Newf(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "jwks request returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errx.Wrap(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "read jwks", err)
	}
	var set JWKS
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, errx.Wrap(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "decode jwks", err)
	}
	return &set, nil
}

// Keyfunc builds a jwt key resolver over the set. Tokens with a kid header
// get the matching key; without one, the first signing-capable key wins.
func (s *JWKS) Keyfunc() jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range s.Keys {
			if k.Use == "enc" {
				continue
			}
			if kid != "" && k.Kid != kid {
				continue
			}
			return k.PublicKey()
		}
		return nil, fmt.Errorf("oauth: no jwks key for kid %q", kid)
	}
}

// IDTokenClaims are the OIDC core claims this client checks and surfaces.
type IDTokenClaims struct {
	Subject string `json:"sub"`
	Nonce   string `json:"nonce,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IDTokenValidator verifies ID tokens against the provider's issuer,
// this client's id and the published signing keys.
type IDTokenValidator struct {
	Issuer   string
	ClientID string
	Keys     jwt.Keyfunc
	Leeway   time.Duration
}

// Validate parses and verifies an ID token. nonce, when non-empty, must
// match the token's nonce claim exactly.
func (v *IDTokenValidator) Validate(raw, nonce string) (*IDTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.Issuer),
		jwt.WithAudience(v.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.Leeway),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "EdDSA"}),
	}

	var claims IDTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, v.Keys, opts...)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, errx.Wrap(errx.CodeOpenIDTokenParsingFailed, "openid_token_parsing_failed", "parse id token", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, errx.Wrap(errx.CodeOpenIDSignatureInvalid, "openid_signature_invalid", "id token signature invalid", err)
	default:
		return nil, errx.Wrap(errx.CodeOpenIDTokenInvalid, "openid_token_invalid", "id token claims invalid", err)
	}

	if claims.Subject == "" {
		return nil, errx.New(errx.CodeOpenIDTokenInvalid, "openid_token_invalid", "id token carries no subject")
	}
	if nonce != "" && claims.Nonce != nonce {
		return nil, errx.New(errx.CodeOpenIDTokenInvalid, "openid_token_invalid", "id token nonce does not match request")
	}
	return &claims, nil
}
