package oauth

import (
	"net/url"
	"strings"

	"github.com/openidm/mobileauth/pkg/errx"
)

// AuthorizationCodeGrant drives the authorization-code grant, with PKCE
// when the client config enables it and an OIDC nonce when requested.
type AuthorizationCodeGrant struct {
	cfg   ClientConfig
	state string
	nonce string
	pkce  *PKCE
	code  string
}

// NewAuthorizationCodeGrant builds a single-use authorization-code attempt.
// nonce may be empty for plain OAuth2 clients.
func NewAuthorizationCodeGrant(cfg ClientConfig, nonce string) (*AuthorizationCodeGrant, error) {
	state, err := newState()
	if err != nil {
		return nil, err
	}
	g := &AuthorizationCodeGrant{cfg: cfg, state: state, nonce: nonce}
	if cfg.EnablePKCE {
		if g.pkce, err = NewPKCE(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *AuthorizationCodeGrant) Type() GrantType { return GrantAuthorizationCode }

// State exposes the per-attempt CSRF value, e.g. for logging correlation.
func (g *AuthorizationCodeGrant) State() string { return g.state }

func (g *AuthorizationCodeGrant) FrontChannelRequest() (*url.URL, bool) {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {g.cfg.ClientID},
		"state":         {g.state},
	}
	if g.cfg.RedirectURI != nil {
		q.Set("redirect_uri", g.cfg.RedirectURI.String())
	}
	if s := g.cfg.scope(); s != "" {
		q.Set("scope", s)
	}
	if g.nonce != "" {
		q.Set("nonce", g.nonce)
	}
	if g.pkce != nil {
		q.Set("code_challenge", g.pkce.Challenge)
		q.Set("code_challenge_method", g.pkce.Method)
	}

	u := *g.cfg.AuthorizationEndpoint
	u.RawQuery = q.Encode()
	return &u, true
}

// ProcessRedirect validates the state and extracts the authorization code.
// A state mismatch fails before anything server-supplied is trusted, and
// the back channel stays unarmed.
func (g *AuthorizationCodeGrant) ProcessRedirect(raw string) (*TokenResponse, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errx.Wrap(errx.CodeOAuthFailed, "oauth_failed", "parse redirect", err)
	}
	q := u.Query()

	if q.Get("state") != g.state {
		return nil, errx.New(errx.CodeOAuthStateInvalid, "oauth_state_invalid", "redirect state does not match request")
	}
	if errCode := q.Get("error"); errCode != "" {
		return nil, mapProtocolError(errCode, q.Get("error_description"), q.Get("error_uri"))
	}
	code := q.Get("code")
	if code == "" {
		return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "redirect carries no authorization code")
	}
	g.code = code
	return nil, nil
}

func (g *AuthorizationCodeGrant) BackChannelRequest() (url.Values, bool) {
	if g.code == "" {
		return nil, false
	}
	data := url.Values{
		"grant_type": {"authorization_code"},
		"code":       {g.code},
		"client_id":  {g.cfg.ClientID},
	}
	if g.cfg.RedirectURI != nil {
		data.Set("redirect_uri", g.cfg.RedirectURI.String())
	}
	if g.cfg.ClientSecret != "" {
		data.Set("client_secret", g.cfg.ClientSecret)
	}
	if g.pkce != nil {
		data.Set("code_verifier", g.pkce.Verifier)
	}
	return data, true
}

func (g *AuthorizationCodeGrant) ProcessTokenResponse(status int, body []byte) (*TokenResponse, error) {
	return ParseTokenResponse(status, body)
}

// ImplicitGrant drives the implicit grant. Tokens arrive on the front
// channel in the redirect fragment; there is no back channel.
type ImplicitGrant struct {
	cfg   ClientConfig
	state string
}

func NewImplicitGrant(cfg ClientConfig) (*ImplicitGrant, error) {
	state, err := newState()
	if err != nil {
		return nil, err
	}
	return &ImplicitGrant{cfg: cfg, state: state}, nil
}

func (g *ImplicitGrant) Type() GrantType { return GrantImplicit }

func (g *ImplicitGrant) FrontChannelRequest() (*url.URL, bool) {
	q := url.Values{
		"response_type": {"token"},
		"client_id":     {g.cfg.ClientID},
		"state":         {g.state},
	}
	if g.cfg.RedirectURI != nil {
		q.Set("redirect_uri", g.cfg.RedirectURI.String())
	}
	if s := g.cfg.scope(); s != "" {
		q.Set("scope", s)
	}

	u := *g.cfg.AuthorizationEndpoint
	u.RawQuery = q.Encode()
	return &u, true
}

// ProcessRedirect reads tokens from the fragment only. Query parameters are
// ignored: an access token in the query is a server bug this client must
// not accept.
func (g *ImplicitGrant) ProcessRedirect(raw string) (*TokenResponse, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errx.Wrap(errx.CodeOAuthFailed, "oauth_failed", "parse redirect", err)
	}
	frag, err := url.ParseQuery(strings.TrimPrefix(u.Fragment, "#"))
	if err != nil {
		return nil, errx.Wrap(errx.CodeOAuthFailed, "oauth_failed", "parse redirect fragment", err)
	}

	if frag.Get("state") != g.state {
		return nil, errx.New(errx.CodeOAuthStateInvalid, "oauth_state_invalid", "redirect state does not match request")
	}
	if errCode := frag.Get("error"); errCode != "" {
		return nil, mapProtocolError(errCode, frag.Get("error_description"), frag.Get("error_uri"))
	}

	tr := &TokenResponse{
		AccessToken: frag.Get("access_token"),
		TokenType:   frag.Get("token_type"),
		Scope:       frag.Get("scope"),
	}
	if tr.AccessToken == "" {
		return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "redirect fragment carries no access token")
	}
	if v := frag.Get("expires_in"); v != "" {
		tr.ExpiresIn = parseExpiresIn(v)
	}
	return tr, nil
}

func (g *ImplicitGrant) BackChannelRequest() (url.Values, bool) { return nil, false }

func (g *ImplicitGrant) ProcessTokenResponse(status int, body []byte) (*TokenResponse, error) {
	return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "implicit grant has no back channel")
}

func parseExpiresIn(v string) int64 {
	var n int64
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
