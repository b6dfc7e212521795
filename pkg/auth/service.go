package auth

import (
	"context"

	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/errx"
)

// Request carries the per-attempt parameters for one authentication.
type Request struct {
	ConnectivityMode ConnectivityMode
	IdentityDomain   string
	ForceAuth        bool

	// Username and Password may pre-supply credentials, skipping the
	// username/password challenge.
	Username string
	Password string

	// RefreshToken feeds the refresh-token grant for silent re-auth.
	RefreshToken string
}

// Service is one per-scheme authentication engine. Authenticate drives a
// single attempt to a context or an error; challenges are raised through
// the environment the service was built with.
type Service interface {
	Scheme() Scheme

	// IsInputRequired reports whether the attempt needs user-supplied
	// fields before it can proceed without a challenge.
	IsInputRequired(req *Request) bool

	Authenticate(ctx context.Context, req *Request) (*AuthenticationContext, error)
}

// env is the shared machinery a service runs against: transport, durable
// store, and the challenge rendezvous into the application.
type env struct {
	cfg   *Config
	conn  *ConnectionHandler
	store *credstore.Store

	// raise delivers a challenge to the application and blocks until it
	// completes. Wired by the Manager.
	raise func(ctx context.Context, c *Challenge) (ChallengeResponse, error)
}

// retryCounterKey derives the persistent failure-counter key for an
// attempt's identity.
func (e *env) retryCounterKey(identityDomain, username string) string {
	return MaxRetryKey(e.cfg.AppName, e.cfg.Scheme, identityDomain, username)
}

// checkMaxRetry fails the attempt up front once the persistent counter has
// hit the configured limit. Terminal until ResetMaxRetryCount.
func (e *env) checkMaxRetry(ctx context.Context, identityDomain, username string) error {
	n, err := e.store.Failures(ctx, e.retryCounterKey(identityDomain, username))
	if err != nil {
		return err
	}
	if n >= e.cfg.MaxLoginAttempts {
		return errx.New(errx.CodeMaxRetriesReached, "max_retries_reached", "maximum login attempts reached")
	}
	return nil
}

// recordAuthFailure bumps the counter and converts the failure into the
// terminal max-retries error when the limit is hit.
func (e *env) recordAuthFailure(ctx context.Context, identityDomain, username string, cause error) error {
	n, err := e.store.IncrementFailures(ctx, e.retryCounterKey(identityDomain, username))
	if err != nil {
		return err
	}
	if n >= e.cfg.MaxLoginAttempts {
		return errx.Wrap(errx.CodeMaxRetriesReached, "max_retries_reached", "maximum login attempts reached", cause)
	}
	return cause
}

func (e *env) resetRetryCount(ctx context.Context, identityDomain, username string) error {
	return e.store.ResetFailures(ctx, e.retryCounterKey(identityDomain, username))
}

// collectCredentials resolves username/password for the attempt: from the
// request when pre-supplied, otherwise via a username/password challenge.
// The password is returned masked; unmask at the point of use.
func (e *env) collectCredentials(ctx context.Context, req *Request) (username, maskedPassword, domain string, err error) {
	domain = req.IdentityDomain
	if domain == "" {
		domain = e.cfg.IdentityDomain
	}

	if req.Username != "" && req.Password != "" {
		masked, merr := maskSecret(req.Password)
		if merr != nil {
			return "", "", "", merr
		}
		return req.Username, masked, domain, nil
	}

	fields := map[string]string{FieldIdentityDomain: domain}
	if req.Username != "" {
		fields[FieldUsername] = req.Username
	}
	resp, err := e.raise(ctx, newChallenge(ChallengeUsernamePassword, fields))
	if err != nil {
		return "", "", "", err
	}
	if resp.Username == "" {
		return "", "", "", errx.New(errx.CodeUsernameRequired, "username_required", "username is required")
	}
	if resp.Password == "" {
		return "", "", "", errx.New(errx.CodePasswordRequired, "password_required", "password is required")
	}
	if resp.IdentityDomain != "" {
		domain = resp.IdentityDomain
	}
	masked, err := maskSecret(resp.Password)
	if err != nil {
		return "", "", "", err
	}
	return resp.Username, masked, domain, nil
}
