// Package otpx wraps one-time-password generation and validation
// (RFC 4226 HOTP, RFC 6238 TOTP) for server-directed step-up challenges.
package otpx

import (
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

const defaultPeriod = 30

// Enrollment holds a freshly generated shared secret and its provisioning
// URL (otpauth://) for display to the user.
type Enrollment struct {
	Secret  string
	URL     string
	Issuer  string
	Account string
}

// GenerateTOTP creates a new TOTP shared secret for the given account.
func GenerateTOTP(issuer, account string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      defaultPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("otpx: failed to generate TOTP key: %w", err)
	}
	return Enrollment{
		Secret:  key.Secret(),
		URL:     key.URL(),
		Issuer:  issuer,
		Account: account,
	}, nil
}

// ValidateTOTP checks a 6-digit time-based code against the shared secret,
// allowing the library's default clock-skew window.
func ValidateTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}

// GenerateHOTP produces the counter-based code for the given base32 secret
// and counter value.
func GenerateHOTP(secret string, counter uint64) (string, error) {
	code, err := hotp.GenerateCode(secret, counter)
	if err != nil {
		return "", fmt.Errorf("otpx: failed to generate HOTP code: %w", err)
	}
	return code, nil
}

// ValidateHOTP checks a counter-based code. The caller owns counter
// advancement; a valid code must never be accepted twice for the same
// counter value.
func ValidateHOTP(code, secret string, counter uint64) bool {
	ok, err := hotp.ValidateCustom(code, counter, secret, hotp.ValidateOpts{
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
