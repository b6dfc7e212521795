package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/devicekey"
	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/oauth"
)

// MobileSecurityService is the SDK façade: one configured scheme, one
// in-flight attempt, persistence of the resulting session, logout.
type MobileSecurityService struct {
	cfg        *Config
	conn       *ConnectionHandler
	store      *credstore.Store
	certs      CertificateProvider
	handler    ChallengeHandler
	deviceKeys *devicekey.Manager
	log        *slog.Logger

	mu        sync.Mutex
	setupDone bool
	manager   *Manager
	service   Service
	oauthSvc  *OAuthService
	current   *AuthenticationContext
}

// NewMobileSecurityService wires the façade. certs may be nil unless the
// scheme is client certificate.
func NewMobileSecurityService(cfg *Config, conn *ConnectionHandler, store *credstore.Store, certs CertificateProvider, handler ChallengeHandler) (*MobileSecurityService, error) {
	if cfg == nil {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_cannot_be_nil", "configuration is required")
	}
	if handler == nil {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_cannot_be_nil", "challenge handler is required")
	}
	if store == nil {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_cannot_be_nil", "credential store is required")
	}
	if conn == nil {
		conn = NewConnectionHandler(nil, 0)
	}
	m := &MobileSecurityService{
		cfg:     cfg,
		conn:    conn,
		store:   store,
		certs:   certs,
		handler: handler,
		log:     slog.Default().With("component", "mss", "scheme", cfg.Scheme.String()),
	}
	return m, nil
}

// UseDeviceKeys supplies the signing-key manager the client-assertion
// grant authenticates with. Call before Setup; the client-assertion grant
// cannot be set up without one.
func (m *MobileSecurityService) UseDeviceKeys(keys *devicekey.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceKeys = keys
}

// Setup finishes initialization: OIDC discovery and signing-key fetch for
// the OpenID Connect scheme, service construction for all schemes. Must be
// called before StartAuthentication.
func (m *MobileSecurityService) Setup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setupDone {
		return nil
	}

	var validator *oauth.IDTokenValidator
	if m.cfg.Scheme == SchemeOpenIDConnect {
		disc, err := oauth.Discover(ctx, m.conn.client, m.cfg.OAuth.DiscoveryURL.String())
		if err != nil {
			return errx.Wrap(errx.CodeSetupFailed, "setup_failed", "openid discovery", err)
		}
		cc := m.cfg.OAuth.ClientConfig()
		if err := disc.ApplyTo(&cc); err != nil {
			return err
		}
		m.cfg.OAuth.AuthorizationEndpoint = cc.AuthorizationEndpoint
		m.cfg.OAuth.TokenEndpoint = cc.TokenEndpoint

		if disc.JWKSURI != "" {
			set, err := oauth.FetchJWKS(ctx, m.conn.client, disc.JWKSURI)
			if err != nil {
				return errx.Wrap(errx.CodeSetupFailed, "setup_failed", "fetch signing keys", err)
			}
			validator = &oauth.IDTokenValidator{
				Issuer:   disc.Issuer,
				ClientID: m.cfg.OAuth.ClientID,
				Keys:     set.Keyfunc(),
				Leeway:   time.Minute,
			}
		}
	}

	e := &env{cfg: m.cfg, conn: m.conn, store: m.store}

	switch m.cfg.Scheme {
	case SchemeHTTPBasic:
		m.service = newBasicService(e)
	case SchemeFederated:
		m.service = newFedAuthService(e)
	case SchemeClientCert:
		m.service = newClientCertService(e, m.certs)
	case SchemeOAuth, SchemeOpenIDConnect:
		if m.cfg.OAuth.GrantType == oauth.GrantClientAssertion && m.deviceKeys == nil {
			return errx.New(errx.CodeOAuthSetupFailed, "oauth_setup_failed", "client assertion grant needs device keys, call UseDeviceKeys first")
		}
		m.oauthSvc = newOAuthService(e, m.cfg.Scheme, validator, m.deviceKeys)
		m.service = m.oauthSvc
	default:
		return errx.New(errx.CodeInvalidServerType, "invalid_server_type", "no service for configured scheme")
	}

	m.manager = NewManager(m.service, m.handler)
	e.raise = m.manager.raise
	m.conn.setTrustPrompter(m.trustPrompter(e))
	m.setupDone = true
	m.log.InfoContext(ctx, "setup complete")
	return nil
}

// trustPrompter routes TLS trust decisions through the challenge channel.
func (m *MobileSecurityService) trustPrompter(e *env) trustPrompter {
	return func(ctx context.Context, fields map[string]string) (bool, error) {
		resp, err := e.raise(ctx, newChallenge(ChallengeServerTrust, fields))
		if err != nil {
			return false, err
		}
		return resp.Accept, nil
	}
}

// StartAuthentication runs one authentication attempt. While one attempt
// is in flight any further call fails with the login-in-progress code. On
// success the context is persisted; the application arms its timers with
// StartTimers once it has a timeout callback to hand over.
func (m *MobileSecurityService) StartAuthentication(ctx context.Context, req *Request) (*AuthenticationContext, error) {
	m.mu.Lock()
	if !m.setupDone {
		m.mu.Unlock()
		return nil, errx.New(errx.CodeSetupNotInvoked, "setup_not_invoked", "call Setup before authenticating")
	}
	mgr := m.manager
	m.mu.Unlock()

	if req == nil {
		req = &Request{}
	}

	// Silent re-login from a persisted, still-valid session, unless forced.
	if !req.ForceAuth && req.Username != "" {
		if actx := m.restoreContext(ctx, req); actx != nil {
			m.log.InfoContext(ctx, "resumed persisted session", "user", actx.UserName())
			return actx, nil
		}
	}

	actx, err := mgr.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = actx
	m.mu.Unlock()

	if err := m.persistContext(ctx, actx); err != nil {
		m.log.WarnContext(ctx, "persist session failed", "err", err)
	}
	return actx, nil
}

func (m *MobileSecurityService) restoreContext(ctx context.Context, req *Request) *AuthenticationContext {
	key := AuthKey(m.cfg.AppName, m.cfg.Scheme, req.IdentityDomain, req.Username)
	data, err := m.store.Context(ctx, key)
	if err != nil {
		return nil
	}
	actx, err := DeserializeContext(data)
	if err != nil || !actx.Valid(time.Now()) {
		return nil
	}
	m.mu.Lock()
	m.current = actx
	m.mu.Unlock()
	return actx
}

func (m *MobileSecurityService) persistContext(ctx context.Context, actx *AuthenticationContext) error {
	data, err := actx.Serialize()
	if err != nil {
		return err
	}
	key := AuthKey(m.cfg.AppName, m.cfg.Scheme, actx.IdentityDomain(), actx.UserName())
	return m.store.SaveContext(ctx, key, data)
}

// CancelAuthentication aborts the in-flight attempt, releasing any flow
// blocked on a challenge with a cancelled outcome. Idempotent; safe from
// any goroutine; a no-op when nothing is in flight.
func (m *MobileSecurityService) CancelAuthentication() {
	m.mu.Lock()
	mgr := m.manager
	m.mu.Unlock()
	if mgr != nil {
		mgr.Cancel()
	}
}

// CurrentContext returns the live session, if any.
func (m *MobileSecurityService) CurrentContext() *AuthenticationContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RefreshForScopes refreshes the current session's access token when the
// requested scopes are not covered. OAuth-family schemes only.
func (m *MobileSecurityService) RefreshForScopes(ctx context.Context, scopes []string) error {
	m.mu.Lock()
	svc := m.oauthSvc
	actx := m.current
	m.mu.Unlock()
	if svc == nil {
		return errx.New(errx.CodeInvalidAuthScheme, "invalid_auth_scheme", "token refresh needs an oauth scheme")
	}
	if actx == nil {
		return errx.New(errx.CodeUserNotAuthenticated, "user_not_authenticated", "no session")
	}
	if err := svc.EnsureValidForScopes(ctx, actx, scopes); err != nil {
		return err
	}
	return m.persistContext(ctx, actx)
}

// LogoutOptions tunes Logout behavior.
type LogoutOptions struct {
	// KeepLocalState opts out of clearing the persisted session and
	// remembered credentials.
	KeepLocalState bool
}

// Logout ends the session. The remote logout call is best-effort: local
// state is cleared and timers stopped even when the server is unreachable,
// unless the caller opted out.
func (m *MobileSecurityService) Logout(ctx context.Context, opts LogoutOptions) error {
	m.mu.Lock()
	actx := m.current
	m.current = nil
	m.mu.Unlock()

	var remoteErr error
	if target := m.logoutURL(); target != nil {
		resp, err := m.conn.Get(ctx, target, "", "")
		if err != nil {
			remoteErr = errx.Wrap(errx.CodeLogoutFailed, "logout_failed", "remote logout", err)
		} else {
			resp.Body.Close()
			if resp.StatusCode >= http.StatusBadRequest {
				remoteErr = errx.Newf(errx.CodeLogoutFailed, "logout_failed", "remote logout returned status %d", resp.StatusCode)
			}
		}
	}

	if actx != nil {
		if !opts.KeepLocalState {
			key := AuthKey(m.cfg.AppName, m.cfg.Scheme, actx.IdentityDomain(), actx.UserName())
			if err := m.store.DeleteContext(ctx, key); err != nil && !errors.Is(err, credstore.ErrNotFound) {
				m.log.WarnContext(ctx, "clear persisted session failed", "err", err)
			}
			credKey := RememberCredKey(m.cfg.AppName, m.cfg.Scheme, actx.IdentityDomain(), actx.UserName())
			if err := m.store.DeleteCredential(ctx, credKey); err != nil {
				m.log.WarnContext(ctx, "clear remembered credential failed", "err", err)
			}
		}
		actx.Invalidate()
	}

	if remoteErr != nil {
		m.log.WarnContext(ctx, "logout finished with remote failure", "err", remoteErr)
	} else {
		m.log.InfoContext(ctx, "logout complete")
	}
	return remoteErr
}

func (m *MobileSecurityService) logoutURL() *url.URL {
	switch m.cfg.Scheme {
	case SchemeHTTPBasic:
		return m.cfg.Basic.LogoutURL
	case SchemeFederated:
		return m.cfg.FedAuth.LogoutURL
	case SchemeClientCert:
		return m.cfg.ClientCert.LogoutURL
	case SchemeOAuth, SchemeOpenIDConnect:
		return m.cfg.OAuth.LogoutURL
	}
	return nil
}

// RememberCredential persists a credential for the auto-login preference,
// honoring the remember-credentials configuration flag.
func (m *MobileSecurityService) RememberCredential(ctx context.Context, username, password, identityDomain string) error {
	if !m.cfg.RememberCreds {
		return errx.New(errx.CodeInvalidInput, "invalid_input", "remembering credentials is disabled by configuration")
	}
	key := RememberCredKey(m.cfg.AppName, m.cfg.Scheme, identityDomain, username)
	return m.store.SaveCredential(ctx, key, credstore.Credential{
		Username: username,
		Password: password,
		Tenant:   identityDomain,
	})
}

// RememberedCredential loads a previously remembered credential.
func (m *MobileSecurityService) RememberedCredential(ctx context.Context, username, identityDomain string) (credstore.Credential, error) {
	key := RememberCredKey(m.cfg.AppName, m.cfg.Scheme, identityDomain, username)
	return m.store.Credential(ctx, key)
}

// ResetMaxRetryCount clears the persistent failure counter for an
// identity, re-enabling attempts after a max-retries lockout.
func (m *MobileSecurityService) ResetMaxRetryCount(ctx context.Context, identityDomain, username string) error {
	return m.store.ResetFailures(ctx, MaxRetryKey(m.cfg.AppName, m.cfg.Scheme, identityDomain, username))
}
