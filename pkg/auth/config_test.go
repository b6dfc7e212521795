package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/oauth"
)

func basicProps() map[string]any {
	return map[string]any{
		PropAppName:        "demo",
		PropAuthServerType: "HTTPBasicAuthentication",
		PropLoginURL:       "https://login.example.com/auth",
		PropSessionTimeout: 3600,
		PropIdleTimeout:    300,
	}
}

func TestNewConfig_Basic(t *testing.T) {
	cfg, err := NewConfig(basicProps())
	require.NoError(t, err)
	require.Equal(t, SchemeHTTPBasic, cfg.Scheme)
	require.Equal(t, time.Hour, cfg.SessionTimeout)
	require.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	require.NotNil(t, cfg.Basic)
	require.Equal(t, "https://login.example.com/auth", cfg.Basic.LoginURL.String())
}

func TestNewConfig_FailFast(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(map[string]any)
		want   errx.Code
	}{
		"missing app name": {
			mutate: func(p map[string]any) { delete(p, PropAppName) },
			want:   errx.CodeInvalidAppName,
		},
		"blank app name": {
			mutate: func(p map[string]any) { p[PropAppName] = "  " },
			want:   errx.CodeInvalidAppName,
		},
		"unknown server type": {
			mutate: func(p map[string]any) { p[PropAuthServerType] = "KerberosAuthentication" },
			want:   errx.CodeInvalidServerType,
		},
		"negative session timeout": {
			mutate: func(p map[string]any) { p[PropSessionTimeout] = -1 },
			want:   errx.CodeInvalidSessionTimeout,
		},
		"negative idle timeout": {
			mutate: func(p map[string]any) { p[PropIdleTimeout] = -5 },
			want:   errx.CodeInvalidIdleTimeout,
		},
		"percentage above 100": {
			mutate: func(p map[string]any) { p[PropPercentageToIdleTimeout] = 150 },
			want:   errx.CodeOutOfRange,
		},
		"zero max attempts": {
			mutate: func(p map[string]any) { p[PropMaxLoginAttempts] = 0 },
			want:   errx.CodeOutOfRange,
		},
		"missing login url": {
			mutate: func(p map[string]any) { delete(p, PropLoginURL) },
			want:   errx.CodeInvalidBasicAuthURL,
		},
		"relative login url": {
			mutate: func(p map[string]any) { p[PropLoginURL] = "/auth" },
			want:   errx.CodeInvalidBasicAuthURL,
		},
	} {
		t.Run(name, func(t *testing.T) {
			props := basicProps()
			tc.mutate(props)
			_, err := NewConfig(props)
			require.True(t, errx.HasCode(err, tc.want), "got %v", err)
		})
	}
}

func TestNewConfig_OAuth(t *testing.T) {
	cfg, err := NewConfig(map[string]any{
		PropAppName:                 "demo",
		PropAuthServerType:          "OAuthAuthentication",
		PropOAuthClientID:           "mobile-app",
		PropOAuthAuthorizationGrant: "authorization_code",
		PropOAuthAuthorizationURL:   "https://idp.example.com/authorize",
		PropOAuthTokenURL:           "https://idp.example.com/token",
		PropOAuthRedirectURL:        "app://callback",
		PropOAuthScope:              "openid profile",
		PropOAuthEnablePKCE:         true,
	})
	require.NoError(t, err)
	require.Equal(t, oauth.GrantAuthorizationCode, cfg.OAuth.GrantType)
	require.Equal(t, []string{"openid", "profile"}, cfg.OAuth.Scopes)
	require.True(t, cfg.OAuth.EnablePKCE)
}

func TestNewConfig_RegistrationGrantRejected(t *testing.T) {
	_, err := NewConfig(map[string]any{
		PropAppName:                 "demo",
		PropAuthServerType:          "OAuthAuthentication",
		PropOAuthClientID:           "mobile-app",
		PropOAuthAuthorizationGrant: "client_registration",
		PropOAuthTokenURL:           "https://idp.example.com/token",
	})
	require.True(t, errx.HasCode(err, errx.CodeOAuthUnsupportedGrantType), "got %v", err)
}

func TestNewConfig_OAuthMissingEndpoints(t *testing.T) {
	_, err := NewConfig(map[string]any{
		PropAppName:        "demo",
		PropAuthServerType: "OAuthAuthentication",
		PropOAuthClientID:  "mobile-app",
	})
	require.True(t, errx.HasCode(err, errx.CodeOAuthSetupFailed))
}

func TestNewConfig_OpenIDNeedsDiscovery(t *testing.T) {
	_, err := NewConfig(map[string]any{
		PropAppName:        "demo",
		PropAuthServerType: "OpenIDConnect10",
		PropOAuthClientID:  "mobile-app",
	})
	require.True(t, errx.HasCode(err, errx.CodeOpenIDConfigurationFailed))
}

func TestNewConfig_Federated(t *testing.T) {
	cfg, err := NewConfig(map[string]any{
		PropAppName:         "demo",
		PropAuthServerType:  "FederatedAuthentication",
		PropLoginURL:        "https://sso.example.com/login",
		PropLoginSuccessURL: "https://sso.example.com/done",
		PropLoginFailureURL: "https://sso.example.com/failed",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.FedAuth)

	_, err = NewConfig(map[string]any{
		PropAppName:        "demo",
		PropAuthServerType: "FederatedAuthentication",
		PropLoginURL:       "https://sso.example.com/login",
	})
	require.True(t, errx.HasCode(err, errx.CodeNonCompliantURI))
}

func TestDerivedKeys(t *testing.T) {
	k1 := AuthKey("demo", SchemeHTTPBasic, "acme", "alex")
	k2 := AuthKey("demo", SchemeHTTPBasic, "acme", "alex")
	require.Equal(t, k1, k2)

	// Different purposes and different identities never collide.
	require.NotEqual(t, k1, OfflineAuthKey("demo", SchemeHTTPBasic, "acme", "alex"))
	require.NotEqual(t, k1, AuthKey("demo", SchemeHTTPBasic, "acme", "sam"))
	require.NotEqual(t, k1, AuthKey("demo", SchemeOAuth, "acme", "alex"))

	// Keys never contain the raw identity.
	require.NotContains(t, k1, "alex")
	require.NotContains(t, k1, "acme")
}
