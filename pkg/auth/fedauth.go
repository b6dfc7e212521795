package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/openidm/mobileauth/pkg/errx"
)

// FedAuthService drives a federated (web SSO) login: the application loads
// the login URL in an embedded browser and reports the URL it lands on.
// Completion is decided by URL-transition matching against the configured
// success and failure URLs, never by response-body inspection.
type FedAuthService struct {
	env *env
	log *slog.Logger
}

func newFedAuthService(e *env) *FedAuthService {
	return &FedAuthService{env: e, log: slog.Default().With("service", "fedauth")}
}

func (s *FedAuthService) Scheme() Scheme { return SchemeFederated }

// IsInputRequired is always false: the hosted login page collects the
// credentials.
func (s *FedAuthService) IsInputRequired(*Request) bool { return false }

func (s *FedAuthService) Authenticate(ctx context.Context, req *Request) (*AuthenticationContext, error) {
	cfg := s.env.cfg.FedAuth

	var visited []string
	loadURL := cfg.LoginURL.String()
	for {
		fields := map[string]string{FieldLoadURL: loadURL}
		resp, err := s.env.raise(ctx, newChallenge(ChallengeEmbeddedBrowser, fields))
		if err != nil {
			return nil, err
		}
		if resp.RedirectURL == "" {
			return nil, errx.New(errx.CodeAuthenticationFailed, "authentication_failed", "browser reported no final url")
		}
		visited = append(visited, loadURL)

		switch {
		case matchesURL(resp.RedirectURL, cfg.LoginSuccessURL.String()):
			actx := NewContext(s.env.cfg, resp.Username, time.Now())
			for _, u := range visited {
				actx.AddVisitedURL(u)
			}
			actx.AddVisitedURL(resp.RedirectURL)
			return actx, nil

		case matchesURL(resp.RedirectURL, cfg.LoginFailureURL.String()):
			return nil, errx.New(errx.CodeAuthenticationFailed, "authentication_failed", "login failed")

		default:
			// Landing outside the configured URLs is the application's
			// call: continue the login from there, or abandon it.
			s.log.WarnContext(ctx, "browser landed on unexpected url", "url", resp.RedirectURL)
			ans, err := s.env.raise(ctx, newChallenge(ChallengeInvalidRedirect, map[string]string{FieldRedirectURL: resp.RedirectURL}))
			if err != nil {
				return nil, err
			}
			if !ans.Accept {
				return nil, errx.New(errx.CodeInvalidRedirectCancel, "invalid_redirect_cancelled", "login abandoned on unexpected redirect")
			}
			loadURL = resp.RedirectURL
		}
	}
}

// matchesURL compares by prefix: the landing url may carry extra query
// parameters appended by the identity provider.
func matchesURL(landed, configured string) bool {
	return strings.HasPrefix(landed, configured)
}
