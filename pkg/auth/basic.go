package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/errx"
)

func maskSecret(secret string) (string, error) {
	masked, err := cryptox.MaskPassword(secret)
	if err != nil {
		return "", errx.Wrap(errx.CodeInternalError, "internal_error", "mask secret", err)
	}
	return masked, nil
}

func unmaskSecret(masked string) (string, error) {
	secret, err := cryptox.UnmaskPassword(masked)
	if err != nil {
		return "", errx.Wrap(errx.CodeInternalError, "internal_error", "unmask secret", err)
	}
	return secret, nil
}

// BasicService authenticates against an HTTP Basic protected endpoint,
// with an offline fallback verifying a previously stored credential hash
// when the connectivity mode allows it.
type BasicService struct {
	env *env
	log *slog.Logger
}

func newBasicService(e *env) *BasicService {
	return &BasicService{env: e, log: slog.Default().With("service", "basic")}
}

func (s *BasicService) Scheme() Scheme { return SchemeHTTPBasic }

func (s *BasicService) IsInputRequired(req *Request) bool {
	return req.Username == "" || req.Password == ""
}

func (s *BasicService) Authenticate(ctx context.Context, req *Request) (*AuthenticationContext, error) {
	username, masked, domain, err := s.env.collectCredentials(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.env.checkMaxRetry(ctx, domain, username); err != nil {
		return nil, err
	}

	mode := req.ConnectivityMode
	if mode == ConnectivityAuto {
		mode = s.env.cfg.ConnectivityMode
	}

	switch mode {
	case ConnectivityOffline:
		return s.authenticateOffline(ctx, username, masked, domain)
	case ConnectivityOnline:
		return s.authenticateOnline(ctx, username, masked, domain)
	default:
		actx, err := s.authenticateOnline(ctx, username, masked, domain)
		if err != nil && errx.HasCode(err, errx.CodeCouldNotConnect) && s.env.cfg.OfflineAuth {
			s.log.InfoContext(ctx, "server unreachable, trying offline verification", "user", username)
			return s.authenticateOffline(ctx, username, masked, domain)
		}
		return actx, err
	}
}

func (s *BasicService) authenticateOnline(ctx context.Context, username, masked, domain string) (*AuthenticationContext, error) {
	password, err := unmaskSecret(masked)
	if err != nil {
		return nil, err
	}

	resp, err := s.env.conn.Get(ctx, s.env.cfg.Basic.LoginURL, username, password)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		cause := errx.New(errx.CodeInvalidCredentials, "invalid_credentials", "username or password incorrect")
		return nil, s.env.recordAuthFailure(ctx, domain, username, cause)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, errx.Newf(errx.CodeAuthenticationFailed, "authentication_failed", "login endpoint returned status %d", resp.StatusCode)
	}

	if err := s.env.resetRetryCount(ctx, domain, username); err != nil {
		return nil, err
	}
	if s.env.cfg.OfflineAuth {
		if err := s.storeOfflineVerifier(ctx, username, password, domain); err != nil {
			return nil, err
		}
	}

	actx := NewContext(s.env.cfg, username, time.Now())
	actx.mu.Lock()
	actx.identityDomain = domain
	actx.mu.Unlock()
	actx.AddVisitedURL(s.env.cfg.Basic.LoginURL.String())
	actx.AddCookies(resp.Cookies())
	return actx, nil
}

// authenticateOffline verifies against the hash stored on the last online
// success. No verifier means offline login is impossible.
func (s *BasicService) authenticateOffline(ctx context.Context, username, masked, domain string) (*AuthenticationContext, error) {
	key := OfflineAuthKey(s.env.cfg.AppName, s.env.cfg.Scheme, domain, username)
	verifier, err := s.env.store.Preference(ctx, key)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, errx.New(errx.CodeUserNotAuthenticated, "user_not_authenticated", "no offline credential available")
		}
		return nil, err
	}

	password, err := unmaskSecret(masked)
	if err != nil {
		return nil, err
	}
	if err := cryptox.VerifySecret(password, verifier); err != nil {
		if !errors.Is(err, cryptox.ErrSecretMismatch) {
			return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "verify offline credential", err)
		}
		cause := errx.New(errx.CodeInvalidCredentials, "invalid_credentials", "username or password incorrect")
		return nil, s.env.recordAuthFailure(ctx, domain, username, cause)
	}

	if err := s.env.resetRetryCount(ctx, domain, username); err != nil {
		return nil, err
	}
	actx := NewContext(s.env.cfg, username, time.Now())
	actx.mu.Lock()
	actx.identityDomain = domain
	actx.mu.Unlock()
	return actx, nil
}

func (s *BasicService) storeOfflineVerifier(ctx context.Context, username, password, domain string) error {
	hash, err := cryptox.HashSecret(password)
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "hash offline credential", err)
	}
	key := OfflineAuthKey(s.env.cfg.AppName, s.env.cfg.Scheme, domain, username)
	return s.env.store.SetPreference(ctx, key, hash)
}
