package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/openidm/mobileauth/pkg/errx"
)

func TestDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/openid-configuration", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Discovery{
			Issuer:                "https://idp.example.com",
			AuthorizationEndpoint: "https://idp.example.com/oauth2/authorize",
			TokenEndpoint:         "https://idp.example.com/oauth2/token",
			JWKSURI:               "https://idp.example.com/oauth2/jwks",
		})
	}))
	defer srv.Close()

	d, err := Discover(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "https://idp.example.com", d.Issuer)
	require.Equal(t, "https://idp.example.com/oauth2/token", d.TokenEndpoint)

	var cfg ClientConfig
	require.NoError(t, d.ApplyTo(&cfg))
	require.Equal(t, "https://idp.example.com/oauth2/authorize", cfg.AuthorizationEndpoint.String())
}

func TestDiscover_MissingEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "https://idp.example.com"})
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	require.True(t, errx.HasCode(err, errx.CodeOpenIDConfigurationFailed))
}

func TestDiscover_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(nil))
	srv.Close()

	_, err := Discover(context.Background(), nil, srv.URL)
	require.True(t, errx.HasCode(err, errx.CodeCouldNotConnect))
}

func mintIDToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "key-1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newValidator(t *testing.T, key *rsa.PrivateKey) *IDTokenValidator {
	t.Helper()
	set := &JWKS{Keys: []JWK{newRSAJWK(t, "key-1", &key.PublicKey)}}
	return &IDTokenValidator{
		Issuer:   "https://idp.example.com",
		ClientID: "mobile-app",
		Keys:     set.Keyfunc(),
		Leeway:   time.Minute,
	}
}

func newRSAJWK(t *testing.T, kid string, pub *rsa.PublicKey) JWK {
	t.Helper()
	// Marshal through the JSON shape the provider would publish.
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64RawURL(pub.N.Bytes()),
		E:   base64RawURL([]byte{1, 0, 1}),
	}
}

func TestIDTokenValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newValidator(t, key)

	now := time.Now()
	raw := mintIDToken(t, key, jwt.MapClaims{
		"iss":   "https://idp.example.com",
		"aud":   "mobile-app",
		"sub":   "user-1",
		"nonce": "nonce-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})

	claims, err := v.Validate(raw, "nonce-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "nonce-1", claims.Nonce)
}

func TestIDTokenValidator_Rejections(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newValidator(t, key)
	now := time.Now()

	base := func(mut func(jwt.MapClaims)) string {
		claims := jwt.MapClaims{
			"iss":   "https://idp.example.com",
			"aud":   "mobile-app",
			"sub":   "user-1",
			"nonce": "nonce-1",
			"exp":   now.Add(time.Hour).Unix(),
		}
		mut(claims)
		return mintIDToken(t, key, claims)
	}

	t.Run("expired", func(t *testing.T) {
		raw := base(func(c jwt.MapClaims) { c["exp"] = now.Add(-2 * time.Hour).Unix() })
		_, err := v.Validate(raw, "nonce-1")
		require.True(t, errx.HasCode(err, errx.CodeOpenIDTokenInvalid))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		raw := base(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })
		_, err := v.Validate(raw, "nonce-1")
		require.True(t, errx.HasCode(err, errx.CodeOpenIDTokenInvalid))
	})

	t.Run("wrong audience", func(t *testing.T) {
		raw := base(func(c jwt.MapClaims) { c["aud"] = "other-app" })
		_, err := v.Validate(raw, "nonce-1")
		require.True(t, errx.HasCode(err, errx.CodeOpenIDTokenInvalid))
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		raw := base(func(c jwt.MapClaims) {})
		_, err := v.Validate(raw, "different-nonce")
		require.True(t, errx.HasCode(err, errx.CodeOpenIDTokenInvalid))
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		raw := mintIDToken(t, other, jwt.MapClaims{
			"iss": "https://idp.example.com",
			"aud": "mobile-app",
			"sub": "user-1",
			"exp": now.Add(time.Hour).Unix(),
		})
		_, err = v.Validate(raw, "")
		require.True(t, errx.HasCode(err, errx.CodeOpenIDSignatureInvalid))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Validate("not.a.jwt", "")
		require.True(t, errx.HasCode(err, errx.CodeOpenIDTokenParsingFailed))
	})
}

func TestClientAssertionGrant(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := testConfig(t)
	g, err := NewClientAssertionGrant(cfg, jwt.SigningMethodRS256, key, "key-1")
	require.NoError(t, err)

	data, ok := g.BackChannelRequest()
	require.True(t, ok)
	require.Equal(t, "client_credentials", data.Get("grant_type"))
	require.Equal(t, clientAssertionType, data.Get("client_assertion_type"))

	// The assertion must verify against the client's key and carry the
	// token endpoint as audience.
	tok, err := jwt.Parse(data.Get("client_assertion"), func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	claims := tok.Claims.(jwt.MapClaims)
	require.Equal(t, "mobile-app", claims["iss"])
	require.Equal(t, "mobile-app", claims["sub"])
	require.Equal(t, cfg.TokenEndpoint.String(), claims["aud"])
	require.NotEmpty(t, claims["jti"])
}

func TestRegisterClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer reg-token", r.Header.Get("Authorization"))

		var req RegistrationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "mobile-app", req.ClientName)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(RegistrationResponse{
			ClientID:                "generated-client",
			ClientSecret:            "generated-secret",
			RegistrationAccessToken: "rat-1",
		})
	}))
	defer srv.Close()

	token := RegistrationToken{Value: "reg-token", ExpiresAt: time.Now().Add(time.Hour)}
	resp, err := RegisterClient(context.Background(), srv.Client(), srv.URL+"/register", token, RegistrationRequest{
		ClientName:   "mobile-app",
		RedirectURIs: []string{"app://callback"},
	})
	require.NoError(t, err)
	require.Equal(t, "generated-client", resp.ClientID)
	require.Equal(t, "generated-secret", resp.ClientSecret)
}

func TestRegisterClient_ExpiredToken(t *testing.T) {
	token := RegistrationToken{Value: "reg-token", ExpiresAt: time.Now().Add(-time.Minute)}
	_, err := RegisterClient(context.Background(), nil, "https://idp.example.com/register", token, RegistrationRequest{})
	require.True(t, errx.HasCode(err, errx.CodeClientRegistrationTokenMissing))
}

func TestRegistrationToken_Valid(t *testing.T) {
	now := time.Now()
	require.False(t, RegistrationToken{}.Valid(now))
	require.True(t, RegistrationToken{Value: "t"}.Valid(now))
	require.True(t, RegistrationToken{Value: "t", ExpiresAt: now.Add(time.Second)}.Valid(now))
	require.False(t, RegistrationToken{Value: "t", ExpiresAt: now}.Valid(now))
}

func base64RawURL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
