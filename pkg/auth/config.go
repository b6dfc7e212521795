// Package auth is the authentication engine: per-scheme services driving
// OAuth2/OIDC grants, HTTP Basic, federated and client-certificate
// exchanges into an AuthenticationContext with session and idle timers,
// fronted by the MobileSecurityService façade.
package auth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/oauth"
)

// Scheme selects the authentication service driving an attempt.
type Scheme int

const (
	SchemeHTTPBasic Scheme = iota + 1
	SchemeFederated
	SchemeOAuth
	SchemeOpenIDConnect
	SchemeClientCert
)

var schemeNames = map[Scheme]string{
	SchemeHTTPBasic:     "HTTPBasicAuthentication",
	SchemeFederated:     "FederatedAuthentication",
	SchemeOAuth:         "OAuthAuthentication",
	SchemeOpenIDConnect: "OpenIDConnect10",
	SchemeClientCert:    "ClientCertAuthentication",
}

func (s Scheme) String() string {
	if n, ok := schemeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// ConnectivityMode selects how Basic authentication treats the network.
type ConnectivityMode int

const (
	// ConnectivityAuto tries online and falls back to offline verification
	// when the server is unreachable.
	ConnectivityAuto ConnectivityMode = iota
	ConnectivityOnline
	ConnectivityOffline
)

// BrowserMode selects how OAuth front-channel requests reach the user.
type BrowserMode int

const (
	BrowserEmbedded BrowserMode = iota
	BrowserExternal
)

// Property keys accepted by NewConfig. The setup property map is the
// inbound configuration interface of the SDK.
const (
	PropAppName                 = "AppName"
	PropAuthServerType          = "AuthServerType"
	PropLoginURL                = "LoginURL"
	PropLogoutURL               = "LogoutURL"
	PropLoginSuccessURL         = "LoginSuccessURL"
	PropLoginFailureURL         = "LoginFailureURL"
	PropSessionTimeout          = "SessionTimeOutValue"
	PropIdleTimeout             = "IdleTimeOutValue"
	PropPercentageToIdleTimeout = "PercentageToIdleTimeout"
	PropMaxLoginAttempts        = "MaxLoginAttempts"
	PropIdentityDomain          = "IdentityDomain"
	PropConnectivityMode        = "ConnectivityMode"
	PropOfflineAuthAllowed      = "OfflineAuthAllowed"
	PropRememberCredentials     = "RememberCredentialsAllowed"
	PropAutoLogin               = "AutoLoginAllowed"
	PropBrowserMode             = "BrowserMode"
	PropOAuthClientID           = "OAuthClientID"
	PropOAuthClientSecret       = "OAuthClientSecret"
	PropOAuthAuthorizationGrant = "OAuthAuthorizationGrantType"
	PropOAuthAuthorizationURL   = "OAuthAuthorizationEndpoint"
	PropOAuthTokenURL           = "OAuthTokenEndpoint"
	PropOAuthRedirectURL        = "OAuthRedirectEndpoint"
	PropOAuthScope              = "OAuthScope"
	PropOAuthEnablePKCE         = "OAuthEnablePKCE"
	PropOpenIDDiscoveryURL      = "OpenIDConnectDiscoveryURL"
)

// Config is the validated, immutable configuration for one
// MobileSecurityService. Exactly one scheme sub-config is non-nil.
type Config struct {
	AppName          string
	Scheme           Scheme
	IdentityDomain   string
	SessionTimeout   time.Duration
	IdleTimeout      time.Duration
	AdvanceNotifyPct int
	MaxLoginAttempts int
	ConnectivityMode ConnectivityMode
	BrowserMode      BrowserMode
	OfflineAuth      bool
	RememberCreds    bool
	AutoLogin        bool

	Basic      *BasicConfig
	FedAuth    *FedAuthConfig
	OAuth      *OAuthConfig
	ClientCert *ClientCertConfig
}

// BasicConfig configures the HTTP Basic scheme.
type BasicConfig struct {
	LoginURL  *url.URL
	LogoutURL *url.URL
}

// FedAuthConfig configures the federated (web SSO) scheme. Completion is
// detected by URL transition against the success and failure URLs.
type FedAuthConfig struct {
	LoginURL        *url.URL
	LogoutURL       *url.URL
	LoginSuccessURL *url.URL
	LoginFailureURL *url.URL
}

// OAuthConfig configures the OAuth and OpenID Connect schemes.
type OAuthConfig struct {
	GrantType             oauth.GrantType
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint *url.URL
	TokenEndpoint         *url.URL
	RedirectURI           *url.URL
	LogoutURL             *url.URL
	Scopes                []string
	EnablePKCE            bool

	// OpenID Connect only.
	DiscoveryURL *url.URL
}

// ClientCertConfig configures the client-certificate scheme.
type ClientCertConfig struct {
	LoginURL  *url.URL
	LogoutURL *url.URL
}

// ClientConfig converts the scheme config into the grant-layer client
// config.
func (c *OAuthConfig) ClientConfig() oauth.ClientConfig {
	return oauth.ClientConfig{
		ClientID:              c.ClientID,
		ClientSecret:          c.ClientSecret,
		AuthorizationEndpoint: c.AuthorizationEndpoint,
		TokenEndpoint:         c.TokenEndpoint,
		RedirectURI:           c.RedirectURI,
		Scopes:                c.Scopes,
		EnablePKCE:            c.EnablePKCE,
	}
}

// NewConfig validates a setup property map into a Config. Validation is
// fail-fast: the first violated rule decides the error, and no partially
// constructed Config is ever returned.
func NewConfig(props map[string]any) (*Config, error) {
	appName, _ := propString(props, PropAppName)
	if strings.TrimSpace(appName) == "" {
		return nil, errx.New(errx.CodeInvalidAppName, "invalid_app_name", "application name is required")
	}

	schemeRaw, ok := propString(props, PropAuthServerType)
	if !ok {
		return nil, errx.New(errx.CodeInvalidAuthScheme, "invalid_auth_scheme", "authentication server type is required")
	}
	scheme, err := parseScheme(schemeRaw)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppName:          appName,
		Scheme:           scheme,
		SessionTimeout:   0,
		AdvanceNotifyPct: 0,
		MaxLoginAttempts: 3,
	}
	cfg.IdentityDomain, _ = propString(props, PropIdentityDomain)

	if v, ok := propInt(props, PropSessionTimeout); ok {
		if v < 0 {
			return nil, errx.New(errx.CodeInvalidSessionTimeout, "invalid_session_timeout", "session timeout must not be negative")
		}
		cfg.SessionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := propInt(props, PropIdleTimeout); ok {
		if v < 0 {
			return nil, errx.New(errx.CodeInvalidIdleTimeout, "invalid_idle_timeout", "idle timeout must not be negative")
		}
		cfg.IdleTimeout = time.Duration(v) * time.Second
	}
	if v, ok := propInt(props, PropPercentageToIdleTimeout); ok {
		if v < 0 || v > 100 {
			return nil, errx.New(errx.CodeOutOfRange, "out_of_range", "idle timeout percentage must be within 0..100")
		}
		cfg.AdvanceNotifyPct = v
	}
	if v, ok := propInt(props, PropMaxLoginAttempts); ok {
		if v < 1 {
			return nil, errx.New(errx.CodeOutOfRange, "out_of_range", "max login attempts must be at least 1")
		}
		cfg.MaxLoginAttempts = v
	}
	if v, ok := propString(props, PropConnectivityMode); ok {
		switch strings.ToLower(v) {
		case "auto":
			cfg.ConnectivityMode = ConnectivityAuto
		case "online":
			cfg.ConnectivityMode = ConnectivityOnline
		case "offline":
			cfg.ConnectivityMode = ConnectivityOffline
		default:
			return nil, errx.Newf(errx.CodeInvalidInput, "invalid_input", "unknown connectivity mode %q", v)
		}
	}
	if v, ok := propString(props, PropBrowserMode); ok {
		switch strings.ToLower(v) {
		case "embedded":
			cfg.BrowserMode = BrowserEmbedded
		case "external":
			cfg.BrowserMode = BrowserExternal
		default:
			return nil, errx.Newf(errx.CodeInvalidInput, "invalid_input", "unknown browser mode %q", v)
		}
	}
	cfg.OfflineAuth, _ = propBool(props, PropOfflineAuthAllowed)
	cfg.RememberCreds, _ = propBool(props, PropRememberCredentials)
	cfg.AutoLogin, _ = propBool(props, PropAutoLogin)

	switch scheme {
	case SchemeHTTPBasic:
		basic := &BasicConfig{}
		if basic.LoginURL, err = requireURL(props, PropLoginURL, errx.CodeInvalidBasicAuthURL); err != nil {
			return nil, err
		}
		if basic.LogoutURL, err = optionalURL(props, PropLogoutURL); err != nil {
			return nil, err
		}
		cfg.Basic = basic

	case SchemeFederated:
		fed := &FedAuthConfig{}
		if fed.LoginURL, err = requireURL(props, PropLoginURL, errx.CodeNonCompliantURI); err != nil {
			return nil, err
		}
		if fed.LoginSuccessURL, err = requireURL(props, PropLoginSuccessURL, errx.CodeNonCompliantURI); err != nil {
			return nil, err
		}
		if fed.LoginFailureURL, err = requireURL(props, PropLoginFailureURL, errx.CodeNonCompliantURI); err != nil {
			return nil, err
		}
		if fed.LogoutURL, err = optionalURL(props, PropLogoutURL); err != nil {
			return nil, err
		}
		cfg.FedAuth = fed

	case SchemeOAuth, SchemeOpenIDConnect:
		oc, err := parseOAuthConfig(props, scheme)
		if err != nil {
			return nil, err
		}
		cfg.OAuth = oc

	case SchemeClientCert:
		cc := &ClientCertConfig{}
		if cc.LoginURL, err = requireURL(props, PropLoginURL, errx.CodeNonCompliantURI); err != nil {
			return nil, err
		}
		if cc.LogoutURL, err = optionalURL(props, PropLogoutURL); err != nil {
			return nil, err
		}
		cfg.ClientCert = cc
	}

	return cfg, nil
}

func parseScheme(raw string) (Scheme, error) {
	for s, n := range schemeNames {
		if strings.EqualFold(n, raw) {
			return s, nil
		}
	}
	return 0, errx.Newf(errx.CodeInvalidServerType, "invalid_server_type", "unknown authentication server type %q", raw)
}

func parseOAuthConfig(props map[string]any, scheme Scheme) (*OAuthConfig, error) {
	oc := &OAuthConfig{GrantType: oauth.GrantAuthorizationCode}

	var ok bool
	if oc.ClientID, ok = propString(props, PropOAuthClientID); !ok || oc.ClientID == "" {
		return nil, errx.New(errx.CodeOAuthSetupFailed, "oauth_setup_failed", "client id is required")
	}
	oc.ClientSecret, _ = propString(props, PropOAuthClientSecret)

	if raw, ok := propString(props, PropOAuthAuthorizationGrant); ok {
		gt, err := oauth.ParseGrantType(raw)
		if err != nil {
			return nil, errx.Wrap(errx.CodeOAuthSetupFailed, "oauth_setup_failed", "invalid grant type", err)
		}
		// Registration is a provisioning call (RegisterClient), not a way
		// to authenticate a user or client.
		if gt == oauth.GrantClientRegistration {
			return nil, errx.New(errx.CodeOAuthUnsupportedGrantType, "unsupported_grant_type", "client registration is not an authentication grant")
		}
		oc.GrantType = gt
	}

	var err error
	if oc.AuthorizationEndpoint, err = optionalURL(props, PropOAuthAuthorizationURL); err != nil {
		return nil, err
	}
	if oc.TokenEndpoint, err = optionalURL(props, PropOAuthTokenURL); err != nil {
		return nil, err
	}
	if oc.RedirectURI, err = optionalURL(props, PropOAuthRedirectURL); err != nil {
		return nil, err
	}
	if oc.LogoutURL, err = optionalURL(props, PropLogoutURL); err != nil {
		return nil, err
	}
	if oc.DiscoveryURL, err = optionalURL(props, PropOpenIDDiscoveryURL); err != nil {
		return nil, err
	}
	if raw, ok := propString(props, PropOAuthScope); ok {
		oc.Scopes = strings.Fields(raw)
	}
	oc.EnablePKCE, _ = propBool(props, PropOAuthEnablePKCE)

	if scheme == SchemeOpenIDConnect {
		if oc.DiscoveryURL == nil {
			return nil, errx.New(errx.CodeOpenIDConfigurationFailed, "openid_configuration_failed", "discovery url is required for openid connect")
		}
	} else if oc.TokenEndpoint == nil {
		return nil, errx.New(errx.CodeOAuthSetupFailed, "oauth_setup_failed", "token endpoint is required")
	}
	needsFrontChannel := oc.GrantType == oauth.GrantAuthorizationCode || oc.GrantType == oauth.GrantImplicit
	if needsFrontChannel && scheme == SchemeOAuth && oc.AuthorizationEndpoint == nil {
		return nil, errx.New(errx.CodeOAuthSetupFailed, "oauth_setup_failed", "authorization endpoint is required")
	}
	return oc, nil
}

func propString(props map[string]any, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func propInt(props map[string]any, key string) (int, bool) {
	switch v := props[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func propBool(props map[string]any, key string) (bool, bool) {
	switch v := props[key].(type) {
	case bool:
		return v, true
	case string:
		return strings.EqualFold(v, "true"), true
	}
	return false, false
}

func requireURL(props map[string]any, key string, code errx.Code) (*url.URL, error) {
	raw, ok := propString(props, key)
	if !ok || raw == "" {
		return nil, errx.Newf(code, "invalid_url", "%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil, errx.Newf(code, "invalid_url", "%s is not a valid absolute url", key)
	}
	return u, nil
}

func optionalURL(props map[string]any, key string) (*url.URL, error) {
	raw, ok := propString(props, key)
	if !ok || raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil, errx.Newf(errx.CodeNonCompliantURI, "non_compliant_uri", "%s is not a valid absolute url", key)
	}
	return u, nil
}
