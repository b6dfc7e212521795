// Package errx defines the stable error codes surfaced by the SDK.
//
// Every public entry point that can fail reports an *errx.Error carrying a
// numeric code that is stable across releases and a message key suitable for
// localization. Callers are expected to branch on codes (errx.HasCode) rather
// than on message text.
package errx

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error code.
type Code int

// Setup and transport errors.
const (
	CodeConnectionTimeout      Code = 1
	CodeSetupNotInvoked        Code = 4
	CodeSetupFailed            Code = 5
	CodeInternalError          Code = 9
	CodeInvalidAuthScheme      Code = 14
	CodeCouldNotConnect        Code = 10001
	CodeTLSFailure             Code = 10002
	CodeCertificateNotTrusted  Code = 3
	CodeCertificateRejected    Code = 10422
	CodeInvalidClientCert      Code = 51
	CodeInvalidRedirectTarget  Code = 300
	CodeInvalidRedirectCancel  Code = 301
	CodeNotFound               Code = 404
	CodeNonCompliantURI        Code = 400
	CodeInvalidBasicAuthURL    Code = 20001
)

// Authentication and policy errors.
const (
	CodeAuthenticationFailed     Code = 10408
	CodeUserNotAuthenticated     Code = 10023
	CodeUserCancelled            Code = 10029
	CodeLoginInProgress          Code = 10044
	CodeLogoutInProgress         Code = 10043
	CodeLogoutFailed             Code = 10035
	CodeUsernameRequired         Code = 10036
	CodeIdentityDomainRequired   Code = 10037
	CodePasswordRequired         Code = 10039
	CodeInvalidCredentials       Code = 10003
	CodeInvalidChallengeResponse Code = 10045
	CodeMaxRetriesReached        Code = 10418
	CodeOutOfRange               Code = 10403
	CodeInvalidAppName           Code = 10100
	CodeInvalidServerType        Code = 10115
	CodeInvalidSessionTimeout    Code = 10103
	CodeInvalidIdleTimeout       Code = 10104
	CodeWebViewRequired          Code = 10417
	CodeInvalidState             Code = 10427
	CodeValueCannotBeNil         Code = 10406
	CodeInvalidInput             Code = 10502
)

// Crypto and secure-storage errors.
const (
	CodeKeyIsNil              Code = 10501
	CodeUnsupportedAlgorithm  Code = 10507
	CodeUnsupportedKeySize    Code = 10508
	CodeInvalidKEK            Code = 10525
	CodeStorageItemNotFound   Code = 10523
	CodeStorageItemExists     Code = 10528
	CodeStorageSystemError    Code = 10522
	CodeLocalAuthRequired     Code = 10534
	CodeKeyUnwrapFailed       Code = 10535
	CodeAuthDataNotSet        Code = 10540
)

// OAuth2 protocol errors (40xxx range).
const (
	CodeOAuthFailed                 Code = 40200
	CodeOAuthContextInvalid         Code = 40201
	CodeOAuthStateInvalid           Code = 40220
	CodeOAuthInvalidRequest         Code = 40230
	CodeOAuthAccessDenied           Code = 40231
	CodeOAuthInvalidScope           Code = 40232
	CodeOAuthServerError            Code = 40233
	CodeOAuthTemporarilyUnavailable Code = 40234
	CodeOAuthUnsupportedGrantType   Code = 40238
	CodeOAuthInvalidClient          Code = 40239
	CodeOAuthInvalidGrant           Code = 40240
	CodeOAuthClientSecretRequired   Code = 40241
	CodeOAuthSetupFailed            Code = 40242
	CodeOAuthUnsupportedResponse    Code = 40001
	CodeOAuthUnauthorizedClient     Code = 40002
	CodeOAuthClientAssertionInvalid Code = 40213
)

// OpenID Connect and dynamic client registration errors (50xxx range).
const (
	CodeOpenIDConfigurationFailed Code = 50200
	CodeOpenIDDiscoveryFailed     Code = 50201
	CodeOpenIDAuthFailed          Code = 50202
	CodeOpenIDTokenParsingFailed  Code = 50203
	CodeOpenIDTokenInvalid        Code = 50204
	CodeOpenIDSignatureInvalid    Code = 50205

	CodeClientRegistrationFailed       Code = 50300
	CodeClientRegistrationNoToken      Code = 50301
	CodeClientRegistrationParseFailed  Code = 50302
	CodeClientRegistrationBadEndpoint  Code = 50303
	CodeClientRegistrationTokenMissing Code = 50304
)

// Error is the error type surfaced by the SDK. It pairs a stable numeric
// code with a localizable message key and an optional wrapped cause.
type Error struct {
	Code Code
	Key  string // localizable message key, e.g. "oauth_state_invalid"
	Msg  string // developer-facing default message
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two *Errors by code alone, so callers can compare
// against a sentinel like errx.New(errx.CodeUserCancelled, ...).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New creates an Error with the given code, message key and default message.
func New(code Code, key, msg string) *Error {
	return &Error{Code: code, Key: key, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, key, format string, args ...any) *Error {
	return &Error{Code: code, Key: key, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping a cause.
func Wrap(code Code, key, msg string, err error) *Error {
	return &Error{Code: code, Key: key, Msg: msg, Err: err}
}

// CodeOf extracts the code from err, or 0 if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsCancelled reports whether err represents a user-initiated cancellation.
// Cancellation is a distinct outcome from failure: callers must not surface
// error UI for it.
func IsCancelled(err error) bool {
	c := CodeOf(err)
	return c == CodeUserCancelled || c == CodeInvalidRedirectCancel
}

// recoverable is the set of codes after which a fresh attempt with corrected
// input may succeed without any reset action by the application.
var recoverable = map[Code]struct{}{
	CodeUsernameRequired:       {},
	CodePasswordRequired:       {},
	CodeIdentityDomainRequired: {},
	CodeInvalidCredentials:     {},
	CodeCouldNotConnect:        {},
}

// IsRecoverable reports whether the failure is worth retrying with new user
// input. Policy errors (max retries, login in progress) are never recoverable.
func IsRecoverable(err error) bool {
	_, ok := recoverable[CodeOf(err)]
	return ok
}
