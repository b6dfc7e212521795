package auth

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/openidm/mobileauth/pkg/errx"
)

// CertificateProvider resolves a selectable client identity by reference.
// The reference is what the application shows the user and hands back in
// the challenge response.
type CertificateProvider interface {
	// References lists the selectable certificate references.
	References() []string
	// Certificate resolves a reference into a TLS client identity.
	Certificate(ref string) (tls.Certificate, error)
}

// ClientCertService authenticates with a TLS client certificate chosen by
// the user through a challenge. Completion is exactly-once even when the
// TLS layer asks for the certificate more than once during a handshake.
type ClientCertService struct {
	env   *env
	certs CertificateProvider
	log   *slog.Logger
}

func newClientCertService(e *env, certs CertificateProvider) *ClientCertService {
	return &ClientCertService{env: e, certs: certs, log: slog.Default().With("service", "clientcert")}
}

func (s *ClientCertService) Scheme() Scheme { return SchemeClientCert }

// IsInputRequired is false: the certificate selection happens through a
// challenge, not pre-supplied request fields.
func (s *ClientCertService) IsInputRequired(*Request) bool { return false }

func (s *ClientCertService) Authenticate(ctx context.Context, req *Request) (*AuthenticationContext, error) {
	if s.certs == nil {
		return nil, errx.New(errx.CodeInvalidClientCert, "invalid_client_cert", "no certificate provider configured")
	}
	refs := s.certs.References()
	if len(refs) == 0 {
		return nil, errx.New(errx.CodeInvalidClientCert, "invalid_client_cert", "no client certificates available")
	}

	fields := map[string]string{FieldLoadURL: s.env.cfg.ClientCert.LoginURL.String()}
	for i, ref := range refs {
		fields["cert_ref_"+strconv.Itoa(i)] = ref
	}
	resp, err := s.env.raise(ctx, newChallenge(ChallengeClientCert, fields))
	if err != nil {
		return nil, err
	}
	cert, err := s.certs.Certificate(resp.CertificateRef)
	if err != nil {
		return nil, errx.Wrap(errx.CodeInvalidClientCert, "invalid_client_cert", "resolve selected certificate", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.env.cfg.ClientCert.LoginURL.String(), nil)
	if err != nil {
		return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "build request", err)
	}

	// The login goes through the connection handler so a TLS verification
	// failure raises a server-trust challenge instead of failing terminal.
	// The handshake may call for the certificate repeatedly; the selected
	// identity is served every time but the challenge fired exactly once.
	var served sync.Once
	httpResp, err := s.env.conn.DoWithClientCert(httpReq, func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		served.Do(func() {
			s.log.DebugContext(ctx, "presenting client certificate", "ref", resp.CertificateRef)
		})
		return &cert, nil
	})
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, errx.Newf(errx.CodeAuthenticationFailed, "authentication_failed", "login endpoint returned status %d", httpResp.StatusCode)
	}

	actx := NewContext(s.env.cfg, req.Username, time.Now())
	actx.AddVisitedURL(s.env.cfg.ClientCert.LoginURL.String())
	actx.AddCookies(httpResp.Cookies())
	return actx, nil
}
