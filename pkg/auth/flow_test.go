package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/devicekey"
	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/keystore"
)

func newFlowStore(t *testing.T) *credstore.Store {
	t.Helper()
	key, err := cryptox.RandomKey()
	require.NoError(t, err)
	store, err := credstore.NewStore(filepath.Join(t.TempDir(), "credstore.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.ApplyMigrations())
	return store
}

// promptCreds responds to username/password challenges with fixed values
// and accepts everything else.
func promptCreds(username, password string) ChallengeHandler {
	return ChallengeHandlerFunc(func(c *Challenge) {
		switch c.Type {
		case ChallengeUsernamePassword:
			c.Respond(ChallengeResponse{Username: username, Password: password})
		case ChallengeServerTrust:
			c.Respond(ChallengeResponse{Accept: true})
		default:
			c.Cancel()
		}
	})
}

func basicServer(t *testing.T, username, password string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != username || p != password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "session-1"})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBasicMSS(t *testing.T, loginURL string, handler ChallengeHandler) *MobileSecurityService {
	t.Helper()
	cfg, err := NewConfig(map[string]any{
		PropAppName:            "demo",
		PropAuthServerType:     "HTTPBasicAuthentication",
		PropLoginURL:           loginURL,
		PropSessionTimeout:     3600,
		PropIdleTimeout:        300,
		PropMaxLoginAttempts:   3,
		PropOfflineAuthAllowed: true,
	})
	require.NoError(t, err)

	mss, err := NewMobileSecurityService(cfg, NewConnectionHandler(nil, 0), newFlowStore(t), nil, handler)
	require.NoError(t, err)
	require.NoError(t, mss.Setup(context.Background()))
	return mss
}

func TestBasicFlow_Success(t *testing.T) {
	srv := basicServer(t, "alex", "pw1")
	mss := newBasicMSS(t, srv.URL+"/auth", promptCreds("alex", "pw1"))

	actx, err := mss.StartAuthentication(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, "alex", actx.UserName())
	require.True(t, actx.Valid(time.Now()))
	require.Len(t, actx.Cookies(), 1)
	require.Contains(t, actx.VisitedURLs(), srv.URL+"/auth")
}

func TestBasicFlow_InvalidCredentials(t *testing.T) {
	srv := basicServer(t, "alex", "pw1")
	mss := newBasicMSS(t, srv.URL+"/auth", promptCreds("alex", "wrong"))

	_, err := mss.StartAuthentication(context.Background(), &Request{})
	require.True(t, errx.HasCode(err, errx.CodeInvalidCredentials))
	require.True(t, errx.IsRecoverable(err))
}

func TestBasicFlow_MaxRetriesThenReset(t *testing.T) {
	srv := basicServer(t, "alex", "pw1")
	mss := newBasicMSS(t, srv.URL+"/auth", promptCreds("alex", "wrong"))
	ctx := context.Background()

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = mss.StartAuthentication(ctx, &Request{})
		require.Error(t, lastErr)
	}
	require.True(t, errx.HasCode(lastErr, errx.CodeMaxRetriesReached))

	// Locked out even with correct credentials now supplied.
	_, err := mss.StartAuthentication(ctx, &Request{Username: "alex", Password: "pw1", ForceAuth: true})
	require.True(t, errx.HasCode(err, errx.CodeMaxRetriesReached))

	require.NoError(t, mss.ResetMaxRetryCount(ctx, "", "alex"))
	_, err = mss.StartAuthentication(ctx, &Request{Username: "alex", Password: "pw1", ForceAuth: true})
	require.NoError(t, err)
}

func TestBasicFlow_OfflineFallback(t *testing.T) {
	srv := basicServer(t, "alex", "pw1")
	mss := newBasicMSS(t, srv.URL+"/auth", promptCreds("alex", "pw1"))
	ctx := context.Background()

	// First login online stores the offline verifier.
	_, err := mss.StartAuthentication(ctx, &Request{})
	require.NoError(t, err)

	// Server gone; auto mode falls back to the stored verifier.
	srv.Close()
	actx, err := mss.StartAuthentication(ctx, &Request{Username: "alex", Password: "pw1", ForceAuth: true})
	require.NoError(t, err)
	require.Equal(t, "alex", actx.UserName())

	// Wrong password fails offline too.
	_, err = mss.StartAuthentication(ctx, &Request{Username: "alex", Password: "nope", ForceAuth: true})
	require.True(t, errx.HasCode(err, errx.CodeInvalidCredentials))
}

func TestStartAuthentication_LoginInProgress(t *testing.T) {
	srv := basicServer(t, "alex", "pw1")

	release := make(chan struct{})
	var held atomic.Pointer[Challenge]
	handler := ChallengeHandlerFunc(func(c *Challenge) {
		held.Store(c)
		<-release
		c.Respond(ChallengeResponse{Username: "alex", Password: "pw1"})
	})
	mss := newBasicMSS(t, srv.URL+"/auth", handler)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := mss.StartAuthentication(ctx, &Request{})
		first <- err
	}()

	// Wait until the first attempt is blocked on its challenge; any
	// attempt started now must be rejected.
	require.Eventually(t, func() bool { return held.Load() != nil }, time.Second, time.Millisecond)
	_, err := mss.StartAuthentication(ctx, &Request{})
	require.True(t, errx.HasCode(err, errx.CodeLoginInProgress))

	close(release)
	require.NoError(t, <-first)
}

func TestCancelAuthentication_ReleasesChallenge(t *testing.T) {
	srv := basicServer(t, "alex", "pw1")

	var held atomic.Pointer[Challenge]
	handler := ChallengeHandlerFunc(func(c *Challenge) {
		// Never respond; the flow stays blocked until cancelled.
		held.Store(c)
	})
	mss := newBasicMSS(t, srv.URL+"/auth", handler)

	done := make(chan error, 1)
	go func() {
		_, err := mss.StartAuthentication(context.Background(), &Request{})
		done <- err
	}()

	require.Eventually(t, func() bool { return held.Load() != nil }, time.Second, time.Millisecond)
	mss.CancelAuthentication()

	select {
	case err := <-done:
		require.True(t, errx.IsCancelled(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not release the blocked flow")
	}

	// Idempotent after completion.
	mss.CancelAuthentication()
	mss.CancelAuthentication()
}

func TestStartAuthentication_BeforeSetup(t *testing.T) {
	cfg, err := NewConfig(basicProps())
	require.NoError(t, err)
	mss, err := NewMobileSecurityService(cfg, nil, newFlowStore(t), nil, promptCreds("a", "b"))
	require.NoError(t, err)

	_, err = mss.StartAuthentication(context.Background(), &Request{})
	require.True(t, errx.HasCode(err, errx.CodeSetupNotInvoked))
}

func TestFedAuthFlow(t *testing.T) {
	store := newFlowStore(t)
	cfg, err := NewConfig(map[string]any{
		PropAppName:         "demo",
		PropAuthServerType:  "FederatedAuthentication",
		PropLoginURL:        "https://sso.example.com/login",
		PropLoginSuccessURL: "https://sso.example.com/done",
		PropLoginFailureURL: "https://sso.example.com/failed",
		PropSessionTimeout:  3600,
	})
	require.NoError(t, err)

	t.Run("success url", func(t *testing.T) {
		handler := ChallengeHandlerFunc(func(c *Challenge) {
			require.Equal(t, ChallengeEmbeddedBrowser, c.Type)
			require.Equal(t, "https://sso.example.com/login", c.Fields[FieldLoadURL])
			c.Respond(ChallengeResponse{RedirectURL: "https://sso.example.com/done?ticket=t1", Username: "alex"})
		})
		mss, err := NewMobileSecurityService(cfg, nil, store, nil, handler)
		require.NoError(t, err)
		require.NoError(t, mss.Setup(context.Background()))

		actx, err := mss.StartAuthentication(context.Background(), &Request{})
		require.NoError(t, err)
		require.Contains(t, actx.VisitedURLs(), "https://sso.example.com/done?ticket=t1")
	})

	t.Run("failure url", func(t *testing.T) {
		handler := ChallengeHandlerFunc(func(c *Challenge) {
			c.Respond(ChallengeResponse{RedirectURL: "https://sso.example.com/failed?reason=denied"})
		})
		mss, err := NewMobileSecurityService(cfg, nil, store, nil, handler)
		require.NoError(t, err)
		require.NoError(t, mss.Setup(context.Background()))

		_, err = mss.StartAuthentication(context.Background(), &Request{})
		require.True(t, errx.HasCode(err, errx.CodeAuthenticationFailed))
	})

	t.Run("unexpected url abandoned", func(t *testing.T) {
		handler := ChallengeHandlerFunc(func(c *Challenge) {
			switch c.Type {
			case ChallengeEmbeddedBrowser:
				c.Respond(ChallengeResponse{RedirectURL: "https://elsewhere.example.com/"})
			case ChallengeInvalidRedirect:
				require.Equal(t, "https://elsewhere.example.com/", c.Fields[FieldRedirectURL])
				c.Respond(ChallengeResponse{Accept: false})
			default:
				c.Cancel()
			}
		})
		mss, err := NewMobileSecurityService(cfg, nil, store, nil, handler)
		require.NoError(t, err)
		require.NoError(t, mss.Setup(context.Background()))

		_, err = mss.StartAuthentication(context.Background(), &Request{})
		require.True(t, errx.HasCode(err, errx.CodeInvalidRedirectCancel))
		require.True(t, errx.IsCancelled(err))
	})

	t.Run("unexpected url continued", func(t *testing.T) {
		// First landing is off-script; once the application accepts, the
		// browser continues from there and reaches the success URL.
		var browserLoads []string
		handler := ChallengeHandlerFunc(func(c *Challenge) {
			switch c.Type {
			case ChallengeEmbeddedBrowser:
				browserLoads = append(browserLoads, c.Fields[FieldLoadURL])
				if len(browserLoads) == 1 {
					c.Respond(ChallengeResponse{RedirectURL: "https://sso.example.com/interstitial"})
					return
				}
				c.Respond(ChallengeResponse{RedirectURL: "https://sso.example.com/done?ticket=t2", Username: "alex"})
			case ChallengeInvalidRedirect:
				c.Respond(ChallengeResponse{Accept: true})
			default:
				c.Cancel()
			}
		})
		mss, err := NewMobileSecurityService(cfg, nil, store, nil, handler)
		require.NoError(t, err)
		require.NoError(t, mss.Setup(context.Background()))

		actx, err := mss.StartAuthentication(context.Background(), &Request{})
		require.NoError(t, err)
		require.Equal(t, []string{
			"https://sso.example.com/login",
			"https://sso.example.com/interstitial",
		}, browserLoads)
		require.Contains(t, actx.VisitedURLs(), "https://sso.example.com/interstitial")
		require.Contains(t, actx.VisitedURLs(), "https://sso.example.com/done?ticket=t2")
	})
}

func tokenServer(t *testing.T, checkForm func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if checkForm != nil {
			checkForm(r)
		}
		if r.PostForm.Get("grant_type") == "password" && r.PostForm.Get("password") != "pw1" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-" + r.PostForm.Get("grant_type"),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-1",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOAuthMSS(t *testing.T, tokenURL, grantType string, handler ChallengeHandler) *MobileSecurityService {
	t.Helper()
	cfg, err := NewConfig(map[string]any{
		PropAppName:                 "demo",
		PropAuthServerType:          "OAuthAuthentication",
		PropOAuthClientID:           "mobile-app",
		PropOAuthAuthorizationGrant: grantType,
		PropOAuthTokenURL:           tokenURL,
		PropOAuthScope:              "read write",
		PropSessionTimeout:          3600,
		PropMaxLoginAttempts:        3,
	})
	require.NoError(t, err)

	mss, err := NewMobileSecurityService(cfg, NewConnectionHandler(nil, 0), newFlowStore(t), nil, handler)
	require.NoError(t, err)
	require.NoError(t, mss.Setup(context.Background()))
	return mss
}

func TestOAuthResourceOwnerFlow(t *testing.T) {
	srv := tokenServer(t, func(r *http.Request) {
		require.Equal(t, "mobile-app", r.PostForm.Get("client_id"))
	})
	mss := newOAuthMSS(t, srv.URL+"/token", "resource_owner", promptCreds("alex", "pw1"))

	actx, err := mss.StartAuthentication(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, "alex", actx.UserName())

	tok, ok := actx.Token(TokenNameAccess)
	require.True(t, ok)
	require.Equal(t, "at-password", tok.Value)
	require.Equal(t, "rt-1", tok.RefreshValue)
	require.True(t, actx.ValidForScopes([]string{"read"}, time.Now()))
}

func TestOAuthResourceOwner_BadPasswordCountsRetry(t *testing.T) {
	srv := tokenServer(t, nil)
	mss := newOAuthMSS(t, srv.URL+"/token", "resource_owner", promptCreds("alex", "wrong"))
	ctx := context.Background()

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = mss.StartAuthentication(ctx, &Request{})
		require.Error(t, lastErr)
	}
	require.True(t, errx.HasCode(lastErr, errx.CodeMaxRetriesReached))
}

func TestOAuthClientCredentialsFlow(t *testing.T) {
	srv := tokenServer(t, func(r *http.Request) {
		require.Equal(t, "s3cret", r.PostForm.Get("client_secret"))
	})
	cfg, err := NewConfig(map[string]any{
		PropAppName:                 "demo",
		PropAuthServerType:          "OAuthAuthentication",
		PropOAuthClientID:           "mobile-app",
		PropOAuthClientSecret:       "s3cret",
		PropOAuthAuthorizationGrant: "client_credentials",
		PropOAuthTokenURL:           srv.URL + "/token",
	})
	require.NoError(t, err)
	mss, err := NewMobileSecurityService(cfg, NewConnectionHandler(nil, 0), newFlowStore(t), nil, promptCreds("", ""))
	require.NoError(t, err)
	require.NoError(t, mss.Setup(context.Background()))

	actx, err := mss.StartAuthentication(context.Background(), &Request{})
	require.NoError(t, err)
	tok, ok := actx.Token(TokenNameAccess)
	require.True(t, ok)
	require.Equal(t, "at-client_credentials", tok.Value)
}

func newDeviceKeys(t *testing.T) *devicekey.Manager {
	t.Helper()
	km, err := keystore.NewManager(t.TempDir())
	require.NoError(t, err)
	ks, err := km.CreateKeyStore("device", []byte("kek"))
	require.NoError(t, err)
	storage, err := keystore.NewSecureStorage(t.TempDir(), ks)
	require.NoError(t, err)
	m, err := devicekey.NewManager(storage)
	require.NoError(t, err)
	return m
}

func clientAssertionConfig(t *testing.T, tokenURL string) *Config {
	t.Helper()
	cfg, err := NewConfig(map[string]any{
		PropAppName:                 "demo",
		PropAuthServerType:          "OAuthAuthentication",
		PropOAuthClientID:           "mobile-app",
		PropOAuthAuthorizationGrant: "client_assertion",
		PropOAuthTokenURL:           tokenURL,
	})
	require.NoError(t, err)
	return cfg
}

func TestOAuthClientAssertionFlow(t *testing.T) {
	srv := tokenServer(t, func(r *http.Request) {
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "urn:ietf:params:oauth:client-assertion-type:jwt-bearer", r.PostForm.Get("client_assertion_type"))
		require.NotEmpty(t, r.PostForm.Get("client_assertion"))
	})
	mss, err := NewMobileSecurityService(clientAssertionConfig(t, srv.URL+"/token"), NewConnectionHandler(nil, 0), newFlowStore(t), nil, promptCreds("", ""))
	require.NoError(t, err)
	mss.UseDeviceKeys(newDeviceKeys(t))
	require.NoError(t, mss.Setup(context.Background()))

	actx, err := mss.StartAuthentication(context.Background(), &Request{})
	require.NoError(t, err)
	tok, ok := actx.Token(TokenNameAccess)
	require.True(t, ok)
	require.Equal(t, "at-client_credentials", tok.Value)
}

func TestOAuthClientAssertion_SetupNeedsDeviceKeys(t *testing.T) {
	srv := tokenServer(t, nil)
	mss, err := NewMobileSecurityService(clientAssertionConfig(t, srv.URL+"/token"), NewConnectionHandler(nil, 0), newFlowStore(t), nil, promptCreds("", ""))
	require.NoError(t, err)

	err = mss.Setup(context.Background())
	require.True(t, errx.HasCode(err, errx.CodeOAuthSetupFailed), "got %v", err)
}

func TestOAuthAuthorizationCodeFlow(t *testing.T) {
	srv := tokenServer(t, func(r *http.Request) {
		if r.PostForm.Get("grant_type") == "authorization_code" {
			require.Equal(t, "ABC123", r.PostForm.Get("code"))
			require.NotEmpty(t, r.PostForm.Get("code_verifier"))
		}
	})

	handler := ChallengeHandlerFunc(func(c *Challenge) {
		require.Equal(t, ChallengeEmbeddedBrowser, c.Type)
		// Simulate the browser landing back on the redirect URI with the
		// code and the state the request carried.
		u, err := url.Parse(c.Fields[FieldLoadURL])
		if err != nil {
			c.Cancel()
			return
		}
		state := u.Query().Get("state")
		c.Respond(ChallengeResponse{RedirectURL: "app://callback?code=ABC123&state=" + state})
	})

	cfg, err := NewConfig(map[string]any{
		PropAppName:                 "demo",
		PropAuthServerType:          "OAuthAuthentication",
		PropOAuthClientID:           "mobile-app",
		PropOAuthAuthorizationGrant: "authorization_code",
		PropOAuthAuthorizationURL:   "https://idp.example.com/authorize",
		PropOAuthTokenURL:           srv.URL + "/token",
		PropOAuthRedirectURL:        "app://callback",
		PropOAuthEnablePKCE:         true,
	})
	require.NoError(t, err)
	mss, err := NewMobileSecurityService(cfg, NewConnectionHandler(nil, 0), newFlowStore(t), nil, handler)
	require.NoError(t, err)
	require.NoError(t, mss.Setup(context.Background()))

	actx, err := mss.StartAuthentication(context.Background(), &Request{})
	require.NoError(t, err)
	tok, ok := actx.Token(TokenNameAccess)
	require.True(t, ok)
	require.Equal(t, "at-authorization_code", tok.Value)
}

func TestRefreshForScopes_SingleFlight(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("grant_type") == "refresh_token" {
			tokenCalls.Add(1)
			require.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-fresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-2",
		})
	}))
	t.Cleanup(srv.Close)

	mss := newOAuthMSS(t, srv.URL+"/token", "resource_owner", promptCreds("alex", "pw1"))
	ctx := context.Background()
	actx, err := mss.StartAuthentication(ctx, &Request{})
	require.NoError(t, err)

	// Expire the access token but keep the session alive.
	actx.AddToken(Token{
		Name:         TokenNameAccess,
		Scopes:       []string{"read", "write"},
		Value:        "at-stale",
		IssuedAt:     time.Now().Add(-2 * time.Hour),
		ExpiresIn:    time.Hour,
		RefreshValue: "rt-1",
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, mss.RefreshForScopes(ctx, []string{"read"}))
		}()
	}
	wg.Wait()

	// Concurrent callers coalesce into one refresh.
	require.Equal(t, int32(1), tokenCalls.Load())
	tok, ok := actx.Token(TokenNameAccess)
	require.True(t, ok)
	require.Equal(t, "at-fresh", tok.Value)
	require.Equal(t, "rt-2", tok.RefreshValue)
}

func TestLogout_ClearsLocalStateDespiteRemoteFailure(t *testing.T) {
	authSrv := basicServer(t, "alex", "pw1")

	// Logout endpoint that always fails.
	logoutSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(logoutSrv.Close)

	store := newFlowStore(t)
	cfg, err := NewConfig(map[string]any{
		PropAppName:        "demo",
		PropAuthServerType: "HTTPBasicAuthentication",
		PropLoginURL:       authSrv.URL + "/auth",
		PropLogoutURL:      logoutSrv.URL + "/logout",
		PropSessionTimeout: 3600,
	})
	require.NoError(t, err)
	mss, err := NewMobileSecurityService(cfg, NewConnectionHandler(nil, 0), store, nil, promptCreds("alex", "pw1"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mss.Setup(ctx))

	actx, err := mss.StartAuthentication(ctx, &Request{})
	require.NoError(t, err)

	err = mss.Logout(ctx, LogoutOptions{})
	require.True(t, errx.HasCode(err, errx.CodeLogoutFailed))

	// Local state is gone regardless.
	require.Nil(t, mss.CurrentContext())
	require.False(t, actx.Valid(time.Now()))
	key := AuthKey("demo", SchemeHTTPBasic, "", "alex")
	_, err = store.Context(ctx, key)
	require.ErrorIs(t, err, credstore.ErrNotFound)
}
