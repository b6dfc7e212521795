// Package certx derives display information from X.509 certificates for
// trust-decision challenges.
package certx

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"time"
)

var ErrNotACertificate = errors.New("certx: input is not a certificate")

// Info holds the read-only display fields of a certificate. It is derived
// on demand from the raw certificate and never mutated.
type Info struct {
	Subject      string
	Issuer       string
	NotBefore    time.Time
	NotAfter     time.Time
	SerialNumber string // lowercase hex
	IsCA         bool
}

// Parse accepts a DER- or PEM-encoded certificate and returns its display
// information.
func Parse(data []byte) (Info, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return Info{}, ErrNotACertificate
		}
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Info{}, ErrNotACertificate
	}
	return fromCertificate(cert), nil
}

// FromCertificate returns the display information of an already parsed
// certificate, e.g. one received during a TLS handshake.
func FromCertificate(cert *x509.Certificate) Info {
	return fromCertificate(cert)
}

func fromCertificate(cert *x509.Certificate) Info {
	return Info{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		SerialNumber: hex.EncodeToString(cert.SerialNumber.Bytes()),
		IsCA:         cert.IsCA,
	}
}

// ValidAt reports whether the certificate validity window covers t.
func (i Info) ValidAt(t time.Time) bool {
	return !t.Before(i.NotBefore) && !t.After(i.NotAfter)
}
