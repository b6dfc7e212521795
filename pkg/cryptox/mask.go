package cryptox

import (
	"encoding/base64"
	"errors"
)

// Password masking is reversible in-memory obfuscation, not encryption: it
// keeps plaintext passwords out of memory snapshots and log captures while
// a flow is in flight. Durable storage always goes through Encrypt.

const maskPadSize = 32

var errMalformedMask = errors.New("cryptox: malformed masked value")

func rawStdEncode(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

func rawStdDecode(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }

// MaskPassword obfuscates a password with a fresh random pad. The result
// holds the pad and the XORed bytes, so UnmaskPassword can reverse it
// without any shared state.
func MaskPassword(password string) (string, error) {
	pad, err := RandomBytes(maskPadSize)
	if err != nil {
		return "", err
	}

	plain := []byte(password)
	out := make([]byte, maskPadSize+len(plain))
	copy(out, pad)
	for i, b := range plain {
		out[maskPadSize+i] = b ^ pad[i%maskPadSize]
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// UnmaskPassword reverses MaskPassword.
func UnmaskPassword(masked string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(masked)
	if err != nil {
		return "", errMalformedMask
	}
	if len(raw) < maskPadSize {
		return "", errMalformedMask
	}

	pad, body := raw[:maskPadSize], raw[maskPadSize:]
	plain := make([]byte, len(body))
	for i, b := range body {
		plain[i] = b ^ pad[i%maskPadSize]
	}
	return string(plain), nil
}
