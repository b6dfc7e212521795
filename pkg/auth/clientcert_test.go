package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openidm/mobileauth/pkg/errx"
)

type fakeCertProvider struct {
	refs map[string]tls.Certificate
}

func (p *fakeCertProvider) References() []string {
	refs := make([]string, 0, len(p.refs))
	for ref := range p.refs {
		refs = append(refs, ref)
	}
	return refs
}

func (p *fakeCertProvider) Certificate(ref string) (tls.Certificate, error) {
	cert, ok := p.refs[ref]
	if !ok {
		return tls.Certificate{}, fmt.Errorf("unknown reference %q", ref)
	}
	return cert, nil
}

func selfSignedClientCert(t *testing.T, commonName string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// mutualTLSServer demands a client certificate on every handshake and
// records the common name it was presented.
func mutualTLSServer(t *testing.T, sawCN *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		sawCN.Store(r.TLS.PeerCertificates[0].Subject.CommonName)
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "session-1"})
		w.WriteHeader(http.StatusOK)
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func newClientCertMSS(t *testing.T, loginURL string, certs CertificateProvider, handler ChallengeHandler) *MobileSecurityService {
	t.Helper()
	cfg, err := NewConfig(map[string]any{
		PropAppName:        "demo",
		PropAuthServerType: "ClientCertAuthentication",
		PropLoginURL:       loginURL,
		PropSessionTimeout: 3600,
		PropIdleTimeout:    300,
	})
	require.NoError(t, err)

	mss, err := NewMobileSecurityService(cfg, NewConnectionHandler(nil, 0), newFlowStore(t), certs, handler)
	require.NoError(t, err)
	require.NoError(t, mss.Setup(context.Background()))
	return mss
}

// certAndTrustHandler selects the given certificate reference and answers
// the server-trust prompt, counting how often each challenge fired.
func certAndTrustHandler(ref string, acceptTrust bool, certFired, trustFired *atomic.Int32) ChallengeHandler {
	return ChallengeHandlerFunc(func(c *Challenge) {
		switch c.Type {
		case ChallengeClientCert:
			certFired.Add(1)
			c.Respond(ChallengeResponse{CertificateRef: ref})
		case ChallengeServerTrust:
			trustFired.Add(1)
			c.Respond(ChallengeResponse{Accept: acceptTrust})
		default:
			c.Cancel()
		}
	})
}

func TestClientCertFlow_TrustAcceptedAndCertPresented(t *testing.T) {
	var sawCN atomic.Value
	srv := mutualTLSServer(t, &sawCN)
	provider := &fakeCertProvider{refs: map[string]tls.Certificate{
		"corp": selfSignedClientCert(t, "device-1"),
	}}

	var certFired, trustFired atomic.Int32
	mss := newClientCertMSS(t, srv.URL+"/auth", provider, certAndTrustHandler("corp", true, &certFired, &trustFired))

	actx, err := mss.StartAuthentication(context.Background(), &Request{Username: "alex"})
	require.NoError(t, err)
	require.Equal(t, "alex", actx.UserName())
	require.Len(t, actx.Cookies(), 1)
	require.Contains(t, actx.VisitedURLs(), srv.URL+"/auth")

	// The self-signed server certificate fails verification, so the login
	// raises a trust prompt and, once accepted, completes the handshake
	// with the selected client identity.
	require.Equal(t, int32(1), certFired.Load())
	require.Equal(t, int32(1), trustFired.Load())
	require.Equal(t, "device-1", sawCN.Load())
}

func TestClientCertFlow_TrustRejected(t *testing.T) {
	var sawCN atomic.Value
	srv := mutualTLSServer(t, &sawCN)
	provider := &fakeCertProvider{refs: map[string]tls.Certificate{
		"corp": selfSignedClientCert(t, "device-1"),
	}}

	var certFired, trustFired atomic.Int32
	mss := newClientCertMSS(t, srv.URL+"/auth", provider, certAndTrustHandler("corp", false, &certFired, &trustFired))

	_, err := mss.StartAuthentication(context.Background(), &Request{})
	require.True(t, errx.HasCode(err, errx.CodeCertificateRejected), "got %v", err)
	require.Equal(t, int32(1), trustFired.Load())
	require.Nil(t, sawCN.Load())
}

func TestClientCertFlow_NoCertificatesAvailable(t *testing.T) {
	var sawCN atomic.Value
	srv := mutualTLSServer(t, &sawCN)

	var certFired, trustFired atomic.Int32
	mss := newClientCertMSS(t, srv.URL+"/auth", &fakeCertProvider{}, certAndTrustHandler("corp", true, &certFired, &trustFired))

	_, err := mss.StartAuthentication(context.Background(), &Request{})
	require.True(t, errx.HasCode(err, errx.CodeInvalidClientCert), "got %v", err)
	require.Equal(t, int32(0), certFired.Load())
}
