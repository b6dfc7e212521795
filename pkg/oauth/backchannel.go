package oauth

import (
	"crypto"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/idx"
)

// clientAssertionType is the assertion type URN for JWT client
// authentication (RFC 7523).
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ResourceOwnerGrant exchanges the user's own credentials for tokens
// (RFC 6749 §4.3). Back channel only.
type ResourceOwnerGrant struct {
	cfg      ClientConfig
	username string
	password string
}

func NewResourceOwnerGrant(cfg ClientConfig, username, password string) *ResourceOwnerGrant {
	return &ResourceOwnerGrant{cfg: cfg, username: username, password: password}
}

func (g *ResourceOwnerGrant) Type() GrantType                       { return GrantResourceOwner }
func (g *ResourceOwnerGrant) FrontChannelRequest() (*url.URL, bool) { return nil, false }

func (g *ResourceOwnerGrant) ProcessRedirect(string) (*TokenResponse, error) {
	return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "resource owner grant has no front channel")
}

func (g *ResourceOwnerGrant) BackChannelRequest() (url.Values, bool) {
	data := url.Values{
		"grant_type": {"password"},
		"username":   {g.username},
		"password":   {g.password},
		"client_id":  {g.cfg.ClientID},
	}
	if g.cfg.ClientSecret != "" {
		data.Set("client_secret", g.cfg.ClientSecret)
	}
	if s := g.cfg.scope(); s != "" {
		data.Set("scope", s)
	}
	return data, true
}

func (g *ResourceOwnerGrant) ProcessTokenResponse(status int, body []byte) (*TokenResponse, error) {
	return ParseTokenResponse(status, body)
}

// ClientCredentialsGrant authenticates the client as itself (RFC 6749
// §4.4). Requires a confidential client.
type ClientCredentialsGrant struct {
	cfg ClientConfig
}

func NewClientCredentialsGrant(cfg ClientConfig) (*ClientCredentialsGrant, error) {
	if cfg.ClientSecret == "" {
		return nil, errx.New(errx.CodeOAuthClientSecretRequired, "client_secret_required", "client credentials grant needs a confidential client")
	}
	return &ClientCredentialsGrant{cfg: cfg}, nil
}

func (g *ClientCredentialsGrant) Type() GrantType                       { return GrantClientCredentials }
func (g *ClientCredentialsGrant) FrontChannelRequest() (*url.URL, bool) { return nil, false }

func (g *ClientCredentialsGrant) ProcessRedirect(string) (*TokenResponse, error) {
	return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "client credentials grant has no front channel")
}

func (g *ClientCredentialsGrant) BackChannelRequest() (url.Values, bool) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
	}
	if s := g.cfg.scope(); s != "" {
		data.Set("scope", s)
	}
	return data, true
}

func (g *ClientCredentialsGrant) ProcessTokenResponse(status int, body []byte) (*TokenResponse, error) {
	return ParseTokenResponse(status, body)
}

// RefreshTokenGrant trades a refresh token for a fresh token set (RFC 6749
// §6).
type RefreshTokenGrant struct {
	cfg          ClientConfig
	refreshToken string
}

func NewRefreshTokenGrant(cfg ClientConfig, refreshToken string) (*RefreshTokenGrant, error) {
	if refreshToken == "" {
		return nil, errx.New(errx.CodeOAuthInvalidGrant, "invalid_grant", "no refresh token available")
	}
	return &RefreshTokenGrant{cfg: cfg, refreshToken: refreshToken}, nil
}

func (g *RefreshTokenGrant) Type() GrantType                       { return GrantRefreshToken }
func (g *RefreshTokenGrant) FrontChannelRequest() (*url.URL, bool) { return nil, false }

func (g *RefreshTokenGrant) ProcessRedirect(string) (*TokenResponse, error) {
	return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "refresh grant has no front channel")
}

func (g *RefreshTokenGrant) BackChannelRequest() (url.Values, bool) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {g.refreshToken},
		"client_id":     {g.cfg.ClientID},
	}
	if g.cfg.ClientSecret != "" {
		data.Set("client_secret", g.cfg.ClientSecret)
	}
	if s := g.cfg.scope(); s != "" {
		data.Set("scope", s)
	}
	return data, true
}

func (g *RefreshTokenGrant) ProcessTokenResponse(status int, body []byte) (*TokenResponse, error) {
	return ParseTokenResponse(status, body)
}

// ClientAssertionGrant authenticates the client with a signed JWT instead
// of a shared secret (RFC 7523). The assertion is minted fresh for each
// back-channel request.
type ClientAssertionGrant struct {
	cfg           ClientConfig
	signingMethod jwt.SigningMethod
	signingKey    crypto.PrivateKey
	keyID         string
	assertionTTL  time.Duration
	now           func() time.Time
}

func NewClientAssertionGrant(cfg ClientConfig, method jwt.SigningMethod, key crypto.PrivateKey, keyID string) (*ClientAssertionGrant, error) {
	if method == nil || key == nil {
		return nil, errx.New(errx.CodeOAuthClientAssertionInvalid, "client_assertion_invalid", "assertion grant needs a signing method and key")
	}
	return &ClientAssertionGrant{
		cfg:           cfg,
		signingMethod: method,
		signingKey:    key,
		keyID:         keyID,
		assertionTTL:  5 * time.Minute,
		now:           time.Now,
	}, nil
}

func (g *ClientAssertionGrant) Type() GrantType                       { return GrantClientAssertion }
func (g *ClientAssertionGrant) FrontChannelRequest() (*url.URL, bool) { return nil, false }

func (g *ClientAssertionGrant) ProcessRedirect(string) (*TokenResponse, error) {
	return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "assertion grant has no front channel")
}

// mintAssertion signs the RFC 7523 client authentication JWT: issuer and
// subject are the client id, audience is the token endpoint.
func (g *ClientAssertionGrant) mintAssertion() (string, error) {
	now := g.now()
	claims := jwt.MapClaims{
		"iss": g.cfg.ClientID,
		"sub": g.cfg.ClientID,
		"aud": g.cfg.TokenEndpoint.String(),
		"jti": idx.New().String(),
		"iat": now.Unix(),
		"exp": now.Add(g.assertionTTL).Unix(),
	}
	tok := jwt.NewWithClaims(g.signingMethod, claims)
	if g.keyID != "" {
		tok.Header["kid"] = g.keyID
	}
	signed, err := tok.SignedString(g.signingKey)
	if err != nil {
		return "", errx.Wrap(errx.CodeOAuthClientAssertionInvalid, "client_assertion_invalid", "sign client assertion", err)
	}
	return signed, nil
}

func (g *ClientAssertionGrant) BackChannelRequest() (url.Values, bool) {
	assertion, err := g.mintAssertion()
	if err != nil {
		return nil, false
	}
	data := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {g.cfg.ClientID},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}
	if s := g.cfg.scope(); s != "" {
		data.Set("scope", s)
	}
	return data, true
}

func (g *ClientAssertionGrant) ProcessTokenResponse(status int, body []byte) (*TokenResponse, error) {
	return ParseTokenResponse(status, body)
}
