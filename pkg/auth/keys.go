package auth

import (
	"strings"

	"github.com/openidm/mobileauth/pkg/cryptox"
)

// Storage lookup keys are deterministic digests of (appName, scheme,
// identityDomain, username): stable across restarts, and never exposing
// the inputs on disk.
func derivedKey(purpose, appName string, scheme Scheme, identityDomain, username string) string {
	parts := []string{purpose, appName, scheme.String(), identityDomain, username}
	return cryptox.FingerprintHex([]byte(strings.Join(parts, "\x1f")))
}

// AuthKey locates the persisted AuthenticationContext.
func AuthKey(appName string, scheme Scheme, identityDomain, username string) string {
	return derivedKey("auth", appName, scheme, identityDomain, username)
}

// OfflineAuthKey locates the offline credential verifier.
func OfflineAuthKey(appName string, scheme Scheme, identityDomain, username string) string {
	return derivedKey("offline", appName, scheme, identityDomain, username)
}

// RememberCredKey locates the remembered-credential record.
func RememberCredKey(appName string, scheme Scheme, identityDomain, username string) string {
	return derivedKey("remember", appName, scheme, identityDomain, username)
}

// MaxRetryKey locates the persistent failure counter.
func MaxRetryKey(appName string, scheme Scheme, identityDomain, username string) string {
	return derivedKey("retry", appName, scheme, identityDomain, username)
}
