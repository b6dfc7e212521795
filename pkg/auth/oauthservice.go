package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/devicekey"
	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/oauth"
)

// Token names used inside an AuthenticationContext.
const (
	TokenNameAccess  = "access_token"
	TokenNameID      = "id_token"
	TokenNameRefresh = "refresh_token"
)

// OAuthService drives an OAuth2 grant to a context: front channel through
// a browser challenge, back channel through the connection handler. The
// OpenID Connect variant additionally validates the ID token against the
// discovered issuer keys.
type OAuthService struct {
	env    *env
	scheme Scheme
	log    *slog.Logger

	// validator is set for OpenID Connect after Setup fetched the JWKS.
	validator *oauth.IDTokenValidator
	nonce     string

	// keys signs client assertions; required for that grant only.
	keys *devicekey.Manager
}

func newOAuthService(e *env, scheme Scheme, validator *oauth.IDTokenValidator, keys *devicekey.Manager) *OAuthService {
	return &OAuthService{
		env:       e,
		scheme:    scheme,
		validator: validator,
		keys:      keys,
		log:       slog.Default().With("service", "oauth"),
	}
}

func (s *OAuthService) Scheme() Scheme { return s.scheme }

func (s *OAuthService) IsInputRequired(req *Request) bool {
	if s.env.cfg.OAuth.GrantType != oauth.GrantResourceOwner {
		return false
	}
	return req.Username == "" || req.Password == ""
}

func (s *OAuthService) Authenticate(ctx context.Context, req *Request) (*AuthenticationContext, error) {
	cfg := s.env.cfg.OAuth

	grant, userName, err := s.buildGrant(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.env.checkMaxRetry(ctx, req.IdentityDomain, userName); err != nil {
		return nil, err
	}

	actx := NewContext(s.env.cfg, userName, time.Now())

	if front, ok := grant.FrontChannelRequest(); ok {
		ct := ChallengeEmbeddedBrowser
		if s.env.cfg.BrowserMode == BrowserExternal {
			ct = ChallengeExternalBrowser
		}
		resp, err := s.env.raise(ctx, newChallenge(ct, map[string]string{FieldLoadURL: front.String()}))
		if err != nil {
			return nil, err
		}
		actx.AddVisitedURL(front.String())

		tokens, err := grant.ProcessRedirect(resp.RedirectURL)
		if err != nil {
			if errx.HasCode(err, errx.CodeOAuthStateInvalid) {
				s.log.WarnContext(ctx, "redirect state mismatch, back channel not invoked")
			}
			return nil, err
		}
		actx.AddVisitedURL(resp.RedirectURL)
		if tokens != nil {
			// Implicit: tokens came off the fragment, no back channel.
			return s.finish(ctx, actx, req, userName, tokens)
		}
	}

	data, ok := grant.BackChannelRequest()
	if !ok {
		return nil, errx.New(errx.CodeOAuthFailed, "oauth_failed", "grant produced no back channel request")
	}
	status, body, cookies, err := s.env.conn.PostForm(ctx, cfg.TokenEndpoint, data)
	if err != nil {
		return nil, err
	}
	tokens, err := grant.ProcessTokenResponse(status, body)
	if err != nil {
		if isCredentialFailure(err) && userName != "" {
			return nil, s.env.recordAuthFailure(ctx, req.IdentityDomain, userName, err)
		}
		return nil, err
	}
	actx.AddCookies(cookies)
	return s.finish(ctx, actx, req, userName, tokens)
}

// isCredentialFailure reports token-endpoint rejections caused by the
// resource owner's credentials, the ones that count toward lockout.
func isCredentialFailure(err error) bool {
	return errx.HasCode(err, errx.CodeOAuthInvalidGrant) || errx.HasCode(err, errx.CodeOAuthAccessDenied)
}

func (s *OAuthService) buildGrant(ctx context.Context, req *Request) (oauth.Grant, string, error) {
	cfg := s.env.cfg.OAuth
	cc := cfg.ClientConfig()

	switch cfg.GrantType {
	case oauth.GrantAuthorizationCode:
		if s.scheme == SchemeOpenIDConnect {
			nonce, err := cryptox.GenerateToken(cryptox.TokenSize128)
			if err != nil {
				return nil, "", err
			}
			s.nonce = nonce
		}
		g, err := oauth.NewAuthorizationCodeGrant(cc, s.nonce)
		return g, "", err

	case oauth.GrantImplicit:
		g, err := oauth.NewImplicitGrant(cc)
		return g, "", err

	case oauth.GrantResourceOwner:
		username, masked, _, err := s.env.collectCredentials(ctx, req)
		if err != nil {
			return nil, "", err
		}
		password, err := unmaskSecret(masked)
		if err != nil {
			return nil, "", err
		}
		return oauth.NewResourceOwnerGrant(cc, username, password), username, nil

	case oauth.GrantClientCredentials:
		g, err := oauth.NewClientCredentialsGrant(cc)
		return g, "", err

	case oauth.GrantRefreshToken:
		g, err := oauth.NewRefreshTokenGrant(cc, req.RefreshToken)
		return g, "", err

	case oauth.GrantClientAssertion:
		if s.keys == nil {
			return nil, "", errx.New(errx.CodeOAuthSetupFailed, "oauth_setup_failed", "no device keys for client assertion")
		}
		key, err := s.keys.Key(cfg.ClientID, devicekey.AlgES256)
		if err != nil {
			return nil, "", err
		}
		g, err := key.AssertionGrant(cc)
		return g, "", err

	default:
		return nil, "", errx.Newf(errx.CodeOAuthUnsupportedGrantType, "unsupported_grant_type", "grant type %s is not supported by this service", cfg.GrantType)
	}
}

// finish validates the ID token for OIDC, stores tokens on the context and
// clears the failure counter.
func (s *OAuthService) finish(ctx context.Context, actx *AuthenticationContext, req *Request, userName string, tokens *oauth.TokenResponse) (*AuthenticationContext, error) {
	now := time.Now()

	if s.scheme == SchemeOpenIDConnect {
		if tokens.IDToken == "" {
			return nil, errx.New(errx.CodeOpenIDTokenInvalid, "openid_token_invalid", "token response carries no id token")
		}
		if s.validator == nil {
			return nil, errx.New(errx.CodeSetupNotInvoked, "setup_not_invoked", "openid setup has not run")
		}
		claims, err := s.validator.Validate(tokens.IDToken, s.nonce)
		if err != nil {
			return nil, err
		}
		userName = claims.Subject
		actx.mu.Lock()
		actx.userName = claims.Subject
		actx.mu.Unlock()
		actx.AddToken(Token{
			Name:      TokenNameID,
			Value:     tokens.IDToken,
			IssuedAt:  now,
			ExpiresIn: time.Until(claims.ExpiresAt.Time),
			Type:      "JWT",
		})
	}

	actx.AddToken(Token{
		Name:         TokenNameAccess,
		Scopes:       s.env.cfg.OAuth.Scopes,
		Value:        tokens.AccessToken,
		IssuedAt:     now,
		ExpiresIn:    time.Duration(tokens.ExpiresIn) * time.Second,
		RefreshValue: tokens.RefreshToken,
		Type:         tokens.TokenType,
	})

	if userName != "" {
		if err := s.env.resetRetryCount(ctx, req.IdentityDomain, userName); err != nil {
			return nil, err
		}
	}
	s.log.InfoContext(ctx, "authentication complete", "grant", s.env.cfg.OAuth.GrantType.String(), "user", userName)
	return actx, nil
}

// EnsureValidForScopes refreshes the context's access token when the
// requested scopes are not covered by a currently valid token. Refresh is
// serialized per context and re-checks under the lock, so concurrent
// callers trigger at most one token-endpoint call.
func (s *OAuthService) EnsureValidForScopes(ctx context.Context, actx *AuthenticationContext, scopes []string) error {
	if actx.ValidForScopes(scopes, time.Now()) {
		return nil
	}

	actx.refreshMu.Lock()
	defer actx.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if actx.ValidForScopes(scopes, time.Now()) {
		return nil
	}
	if !actx.Valid(time.Now()) {
		return errx.New(errx.CodeUserNotAuthenticated, "user_not_authenticated", "session expired")
	}

	refresh := actx.RefreshTokenValue()
	grant, err := oauth.NewRefreshTokenGrant(s.env.cfg.OAuth.ClientConfig(), refresh)
	if err != nil {
		return err
	}
	data, _ := grant.BackChannelRequest()
	status, body, _, err := s.env.conn.PostForm(ctx, s.env.cfg.OAuth.TokenEndpoint, data)
	if err != nil {
		return err
	}
	tokens, err := grant.ProcessTokenResponse(status, body)
	if err != nil {
		return err
	}

	newRefresh := tokens.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	actx.AddToken(Token{
		Name:         TokenNameAccess,
		Scopes:       s.env.cfg.OAuth.Scopes,
		Value:        tokens.AccessToken,
		IssuedAt:     time.Now(),
		ExpiresIn:    time.Duration(tokens.ExpiresIn) * time.Second,
		RefreshValue: newRefresh,
		Type:         tokens.TokenType,
	})
	s.log.DebugContext(ctx, "access token refreshed")
	return nil
}
