package certx_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/openidm/mobileauth/pkg/certx"
	"github.com/stretchr/testify/require"
)

func selfSignedDER(t *testing.T, notBefore, notAfter time.Time) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(0xABCD),
		Subject:      pkix.Name{CommonName: "login.example.com", Organization: []string{"Example"}},
		Issuer:       pkix.Name{CommonName: "Example Root"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func TestParseDER(t *testing.T) {
	now := time.Now()
	der := selfSignedDER(t, now.Add(-time.Hour), now.Add(time.Hour))

	info, err := certx.Parse(der)
	require.NoError(t, err)
	require.Contains(t, info.Subject, "login.example.com")
	require.Equal(t, "abcd", info.SerialNumber)
	require.True(t, info.ValidAt(now))
	require.False(t, info.ValidAt(now.Add(2*time.Hour)))
	require.False(t, info.ValidAt(now.Add(-2*time.Hour)))
}

func TestParsePEM(t *testing.T) {
	now := time.Now()
	der := selfSignedDER(t, now.Add(-time.Hour), now.Add(time.Hour))
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	info, err := certx.Parse(pemBytes)
	require.NoError(t, err)
	require.Contains(t, info.Subject, "login.example.com")
}

func TestParseGarbage(t *testing.T) {
	_, err := certx.Parse([]byte("garbage"))
	require.ErrorIs(t, err, certx.ErrNotACertificate)

	wrongPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}})
	_, err = certx.Parse(wrongPEM)
	require.ErrorIs(t, err, certx.ErrNotACertificate)
}
