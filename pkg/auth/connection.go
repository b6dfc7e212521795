package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/openidm/mobileauth/pkg/certx"
	"github.com/openidm/mobileauth/pkg/errx"
)

// trustPrompter raises a server-trust challenge and reports the decision.
// The Manager wires this to the application's challenge handler.
type trustPrompter func(ctx context.Context, fields map[string]string) (accepted bool, err error)

// ConnectionHandler performs the SDK's HTTP exchanges: per-host request
// pacing, cookie capture, and an accept/reject server-trust decision by
// the user instead of a terminal error on TLS failures.
type ConnectionHandler struct {
	client *http.Client
	log    *slog.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// trust is consulted on TLS verification failures. Nil means fail.
	trust trustPrompter

	// trustedHosts are hosts the user accepted for this process lifetime.
	trustedMu    sync.Mutex
	trustedHosts map[string]bool
}

// NewConnectionHandler builds a handler over client. requestsPerSec <= 0
// disables pacing.
func NewConnectionHandler(client *http.Client, requestsPerSec float64) *ConnectionHandler {
	if client == nil {
		client = &http.Client{}
	}
	limit := rate.Inf
	burst := 1
	if requestsPerSec > 0 {
		limit = rate.Limit(requestsPerSec)
		burst = int(requestsPerSec) + 1
	}
	return &ConnectionHandler{
		client:       client,
		log:          slog.Default().With("component", "connection"),
		limit:        limit,
		burst:        burst,
		limiters:     make(map[string]*rate.Limiter),
		trustedHosts: make(map[string]bool),
	}
}

func (h *ConnectionHandler) setTrustPrompter(p trustPrompter) { h.trust = p }

func (h *ConnectionHandler) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = l
	}
	return l
}

// clientCertFunc supplies the client identity presented during a TLS
// handshake that asks for one.
type clientCertFunc func(*tls.CertificateRequestInfo) (*tls.Certificate, error)

// Do paces and performs one request. A TLS verification failure raises a
// server-trust challenge; on accept the request is retried once against
// the now-trusted host.
func (h *ConnectionHandler) Do(req *http.Request) (*http.Response, error) {
	return h.do(req, nil)
}

// DoWithClientCert performs req presenting a client certificate during the
// handshake, with the same pacing and server-trust handling as Do.
func (h *ConnectionHandler) DoWithClientCert(req *http.Request, getCert clientCertFunc) (*http.Response, error) {
	return h.do(req, getCert)
}

func (h *ConnectionHandler) do(req *http.Request, getCert clientCertFunc) (*http.Response, error) {
	ctx := req.Context()
	if err := h.limiterFor(req.URL.Host).Wait(ctx); err != nil {
		return nil, errx.Wrap(errx.CodeUserCancelled, "user_cancelled", "request cancelled while pacing", err)
	}

	resp, err := h.doOnce(req, getCert)
	if err == nil {
		return resp, nil
	}

	var certErr error
	if !isTLSTrustFailure(err, &certErr) || h.trust == nil {
		return nil, h.mapTransportErr(err)
	}

	fields := map[string]string{FieldLoadURL: req.URL.String()}
	if info := certInfoFromErr(certErr); info != nil {
		fields[FieldCertSubject] = info.Subject
		fields[FieldCertIssuer] = info.Issuer
	}
	accepted, terr := h.trust(ctx, fields)
	if terr != nil {
		return nil, terr
	}
	if !accepted {
		return nil, errx.New(errx.CodeCertificateRejected, "certificate_rejected", "server certificate rejected by user")
	}

	h.trustedMu.Lock()
	h.trustedHosts[req.URL.Host] = true
	h.trustedMu.Unlock()
	h.log.WarnContext(ctx, "server trust accepted by user", "host", req.URL.Host)

	retry := req.Clone(ctx)
	return h.doTrusted(retry, getCert)
}

func (h *ConnectionHandler) doOnce(req *http.Request, getCert clientCertFunc) (*http.Response, error) {
	h.trustedMu.Lock()
	trusted := h.trustedHosts[req.URL.Host]
	h.trustedMu.Unlock()
	if trusted {
		return h.doTrusted(req, getCert)
	}
	if getCert == nil {
		return h.client.Do(req)
	}
	client := *h.client
	client.Transport = h.cloneTransport(getCert, false)
	return client.Do(req)
}

// doTrusted performs the request skipping server verification, for hosts
// the user explicitly accepted.
func (h *ConnectionHandler) doTrusted(req *http.Request, getCert clientCertFunc) (*http.Response, error) {
	client := *h.client
	client.Transport = h.cloneTransport(getCert, true)
	resp, err := client.Do(req)
	if err != nil {
		return nil, h.mapTransportErr(err)
	}
	return resp, nil
}

// cloneTransport derives a per-attempt transport from the client's,
// optionally presenting a client certificate and skipping server
// verification.
func (h *ConnectionHandler) cloneTransport(getCert clientCertFunc, insecure bool) *http.Transport {
	transport, _ := h.client.Transport.(*http.Transport)
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport)
	}
	clone := transport.Clone()
	if clone.TLSClientConfig == nil {
		clone.TLSClientConfig = &tls.Config{}
	}
	clone.TLSClientConfig.GetClientCertificate = getCert
	clone.TLSClientConfig.InsecureSkipVerify = insecure
	return clone
}

func (h *ConnectionHandler) mapTransportErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errx.Wrap(errx.CodeUserCancelled, "user_cancelled", "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errx.Wrap(errx.CodeConnectionTimeout, "connection_timeout", "request timed out", err)
	default:
		var dummy error
		if isTLSTrustFailure(err, &dummy) {
			return errx.Wrap(errx.CodeTLSFailure, "tls_failure", "server certificate not trusted", err)
		}
		return errx.Wrap(errx.CodeCouldNotConnect, "could_not_connect", "request failed", err)
	}
}

// PostForm posts a urlencoded form and returns the status with the full
// body, the shape grant back channels consume.
func (h *ConnectionHandler) PostForm(ctx context.Context, target *url.URL, data url.Values) (int, []byte, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(data.Encode()))
	if err != nil {
		return 0, nil, nil, errx.Wrap(errx.CodeInternalError, "internal_error", "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, errx.Wrap(errx.CodeCouldNotConnect, "could_not_connect", "read response", err)
	}
	return resp.StatusCode, body, resp.Cookies(), nil
}

// Get performs a GET with optional basic-auth credentials.
func (h *ConnectionHandler) Get(ctx context.Context, target *url.URL, username, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errx.Wrap(errx.CodeInternalError, "internal_error", "build request", err)
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	return h.Do(req)
}

func isTLSTrustFailure(err error, out *error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		*out = certErr
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		*out = unknownAuthority
		return true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		*out = hostname
		return true
	}
	var expired x509.CertificateInvalidError
	if errors.As(err, &expired) {
		*out = expired
		return true
	}
	return false
}

// certInfoFromErr extracts display fields for the offending certificate,
// when the verification error carries it.
func certInfoFromErr(err error) *certx.Info {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) && len(certErr.UnverifiedCertificates) > 0 {
		info := certx.FromCertificate(certErr.UnverifiedCertificates[0])
		return &info
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) && hostname.Certificate != nil {
		info := certx.FromCertificate(hostname.Certificate)
		return &info
	}
	return nil
}
