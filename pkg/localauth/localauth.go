// Package localauth implements device-local authenticators (PIN, biometric)
// that gate access to a per-authenticator key store. Enrollment, retry
// counting and instance registration persist across restarts through the
// credential store.
package localauth

import (
	"context"

	"github.com/openidm/mobileauth/pkg/errx"
)

// Authenticator is a local authentication method bound to one enrolled
// instance. Auth data is the local secret (a PIN, or the OS biometric
// binding); authenticating with it unlocks the instance's key store.
type Authenticator interface {
	// SetAuthData enrolls the authenticator with a fresh secret. Enrolling
	// an already-enrolled instance fails.
	SetAuthData(ctx context.Context, secret string) error

	// UpdateAuthData replaces the secret, re-keying the underlying key
	// store so previously protected material stays accessible.
	UpdateAuthData(ctx context.Context, oldSecret, newSecret string) error

	// DeleteAuthData removes enrollment and destroys the key store. The
	// current secret is required.
	DeleteAuthData(ctx context.Context, secret string) error

	// Authenticate verifies the secret and unlocks the key store. Failed
	// attempts count toward the lockout limit; reaching it destroys the
	// enrollment.
	Authenticate(ctx context.Context, secret string) error

	// IsAuthDataSet reports whether the instance is enrolled.
	IsAuthDataSet(ctx context.Context) (bool, error)

	// IsAuthenticated reports whether Authenticate succeeded since the
	// last Invalidate.
	IsAuthenticated() bool

	// Invalidate drops the authenticated state and unloads key material
	// from memory. Enrollment is untouched.
	Invalidate()
}

var (
	// ErrAuthDataNotSet reports an operation that needs enrollment on an
	// unenrolled instance.
	ErrAuthDataNotSet = errx.New(errx.CodeAuthDataNotSet, "auth_data_not_set", "authenticator is not enrolled")

	// ErrAuthDataSet reports enrollment of an already-enrolled instance.
	ErrAuthDataSet = errx.New(errx.CodeStorageItemExists, "auth_data_set", "authenticator is already enrolled")

	// ErrMaxRetriesReached reports a lockout. The enrollment and its key
	// store have been destroyed.
	ErrMaxRetriesReached = errx.New(errx.CodeMaxRetriesReached, "max_retries_reached", "too many failed attempts, enrollment destroyed")

	// ErrNotAuthenticated reports key-store access before a successful
	// Authenticate.
	ErrNotAuthenticated = errx.New(errx.CodeUserNotAuthenticated, "user_not_authenticated", "authenticate first")
)

// DefaultMaxRetries is the lockout limit used when an authenticator is
// built without an explicit one.
const DefaultMaxRetries = 5
