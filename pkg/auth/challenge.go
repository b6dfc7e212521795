package auth

import (
	"context"
	"sync"

	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/idx"
)

// ChallengeType tags what decision a challenge asks the application for.
type ChallengeType int

const (
	ChallengeUsernamePassword ChallengeType = iota + 1
	ChallengeServerTrust
	ChallengeClientCert
	ChallengeEmbeddedBrowser
	ChallengeExternalBrowser
	ChallengeInvalidRedirect
)

func (t ChallengeType) String() string {
	switch t {
	case ChallengeUsernamePassword:
		return "username_password"
	case ChallengeServerTrust:
		return "server_trust"
	case ChallengeClientCert:
		return "client_cert"
	case ChallengeEmbeddedBrowser:
		return "embedded_browser"
	case ChallengeExternalBrowser:
		return "external_browser"
	case ChallengeInvalidRedirect:
		return "invalid_redirect"
	}
	return "unknown"
}

// Well-known keys in a challenge's Fields map.
const (
	FieldUsername       = "username"
	FieldIdentityDomain = "identity_domain"
	FieldLoadURL        = "load_url"
	FieldRedirectURL    = "redirect_url"
	FieldCertSubject    = "cert_subject"
	FieldCertIssuer     = "cert_issuer"
	FieldFailureCount   = "failure_count"
)

// ChallengeResponse is the application's answer to a challenge. Only the
// fields the challenge type asks for are read.
type ChallengeResponse struct {
	Username       string
	Password       string
	IdentityDomain string

	// RedirectURL is the final URL an embedded/external browser landed on.
	RedirectURL string

	// Accept is the trust decision for server-trust and invalid-redirect
	// challenges.
	Accept bool

	// CertificateRef selects the client certificate to present.
	CertificateRef string
}

// Challenge is a suspension point in an authentication flow: the flow
// goroutine blocks until the application responds or cancels. Respond and
// Cancel are at-most-once between them; later calls are no-ops.
type Challenge struct {
	ID     idx.ID
	Type   ChallengeType
	Fields map[string]string

	once sync.Once
	done chan challengeOutcome
}

type challengeOutcome struct {
	response  ChallengeResponse
	cancelled bool
}

func newChallenge(t ChallengeType, fields map[string]string) *Challenge {
	if fields == nil {
		fields = map[string]string{}
	}
	return &Challenge{
		ID:     idx.New(),
		Type:   t,
		Fields: fields,
		done:   make(chan challengeOutcome, 1),
	}
}

// Respond completes the challenge with the application's answer. Returns
// false if the challenge was already completed.
func (c *Challenge) Respond(r ChallengeResponse) bool {
	delivered := false
	c.once.Do(func() {
		c.done <- challengeOutcome{response: r}
		delivered = true
	})
	return delivered
}

// Cancel completes the challenge with a cancellation. Returns false if the
// challenge was already completed.
func (c *Challenge) Cancel() bool {
	delivered := false
	c.once.Do(func() {
		c.done <- challengeOutcome{cancelled: true}
		delivered = true
	})
	return delivered
}

// await blocks the flow goroutine until the challenge completes or ctx is
// done. Never call this on the goroutine that must answer the challenge.
func (c *Challenge) await(ctx context.Context) (ChallengeResponse, error) {
	select {
	case out := <-c.done:
		if out.cancelled {
			return ChallengeResponse{}, errx.New(errx.CodeUserCancelled, "user_cancelled", "challenge cancelled")
		}
		return out.response, nil
	case <-ctx.Done():
		// Tie off the challenge so a late Respond is a no-op.
		c.Cancel()
		return ChallengeResponse{}, errx.Wrap(errx.CodeUserCancelled, "user_cancelled", "authentication cancelled", ctx.Err())
	}
}

// ChallengeHandler receives challenges from in-flight authentication. The
// handler runs on its own goroutine and may respond inline or hand the
// challenge to UI code; the flow stays blocked until Respond or Cancel.
type ChallengeHandler interface {
	Handle(*Challenge)
}

// ChallengeHandlerFunc adapts a function to ChallengeHandler.
type ChallengeHandlerFunc func(*Challenge)

func (f ChallengeHandlerFunc) Handle(c *Challenge) { f(c) }
