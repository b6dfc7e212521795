package localauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/keystore"
)

// BiometricGate prompts the platform biometric sensor and returns nil when
// the user passes. ErrGateUnavailable means the sensor cannot be used right
// now (no hardware, not enrolled with the OS, temporarily disabled) and the
// fallback authenticator, when configured, should take over.
type BiometricGate func(ctx context.Context, prompt string) error

// ErrGateUnavailable is returned by a BiometricGate when the sensor cannot
// be consulted at all, as opposed to the user failing the prompt.
var ErrGateUnavailable = errors.New("localauth: biometric gate unavailable")

// BiometricAuthenticator gates a key store behind a platform biometric
// prompt. The KEK is random, generated at enrollment and kept sealed in the
// credential store; it is only released after the gate passes. A fallback
// authenticator (typically a PIN) can be configured for when the gate is
// unavailable.
type BiometricAuthenticator struct {
	instanceID string
	keys       *keystore.Manager
	store      *credstore.Store
	gate       BiometricGate
	fallback   Authenticator
	prompt     string
	maxRetries int
	log        *slog.Logger

	mu            sync.Mutex
	authenticated bool
	unlocked      *keystore.KeyStore
}

// NewBiometricAuthenticator builds a biometric authenticator. fallback may
// be nil; gate must not be.
func NewBiometricAuthenticator(instanceID string, keys *keystore.Manager, store *credstore.Store, gate BiometricGate, fallback Authenticator, maxRetries int) *BiometricAuthenticator {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &BiometricAuthenticator{
		instanceID: instanceID,
		keys:       keys,
		store:      store,
		gate:       gate,
		fallback:   fallback,
		prompt:     "Unlock your credentials",
		maxRetries: maxRetries,
		log:        slog.Default().With("authenticator", "biometric", "instance", instanceID),
	}
}

// SetPrompt overrides the text shown by the biometric prompt.
func (b *BiometricAuthenticator) SetPrompt(prompt string) { b.prompt = prompt }

func (b *BiometricAuthenticator) kekKey() string     { return "localauth:bio:" + b.instanceID }
func (b *BiometricAuthenticator) counterKey() string { return "localauth:retry:" + b.instanceID }

// SetAuthData enrolls the authenticator. The secret argument is unused; the
// binding is to the platform sensor, proven by passing the gate once.
func (b *BiometricAuthenticator) SetAuthData(ctx context.Context, _ string) error {
	if set, err := b.IsAuthDataSet(ctx); err != nil {
		return err
	} else if set {
		return ErrAuthDataSet
	}
	if err := b.passGate(ctx); err != nil {
		return err
	}

	kek, err := cryptox.RandomKey()
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "generate kek", err)
	}
	defer cryptox.Zeroize(kek)

	ks, err := b.keys.CreateKeyStore(b.instanceID, kek)
	if err != nil {
		return err
	}
	ks.UnloadKeys()

	if err := b.store.SaveContext(ctx, b.kekKey(), kek); err != nil {
		_ = b.keys.DestroyKeyStore(b.instanceID)
		return err
	}
	if err := b.store.ResetFailures(ctx, b.counterKey()); err != nil {
		return err
	}

	b.log.InfoContext(ctx, "biometric enrolled")
	return nil
}

// UpdateAuthData rotates the sealed KEK. Both secret arguments are unused.
func (b *BiometricAuthenticator) UpdateAuthData(ctx context.Context, _, _ string) error {
	oldKEK, err := b.loadKEK(ctx)
	if err != nil {
		return err
	}
	defer cryptox.Zeroize(oldKEK)

	if err := b.passGate(ctx); err != nil {
		return err
	}

	newKEK, err := cryptox.RandomKey()
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "generate kek", err)
	}
	defer cryptox.Zeroize(newKEK)

	if err := b.keys.UpdateKeyEncryptionKey(b.instanceID, oldKEK, newKEK); err != nil {
		return err
	}
	if err := b.store.SaveContext(ctx, b.kekKey(), newKEK); err != nil {
		return err
	}
	b.Invalidate()
	b.log.InfoContext(ctx, "biometric kek rotated")
	return nil
}

// DeleteAuthData removes enrollment after the gate passes. The secret
// argument is unused.
func (b *BiometricAuthenticator) DeleteAuthData(ctx context.Context, _ string) error {
	if _, err := b.loadKEK(ctx); err != nil {
		return err
	}
	if err := b.passGate(ctx); err != nil {
		return err
	}
	if err := b.wipe(ctx); err != nil {
		return err
	}
	b.log.InfoContext(ctx, "biometric enrollment deleted")
	return nil
}

// Authenticate consults the gate and unlocks the key store. When the gate
// is unavailable and a fallback is configured, the fallback authenticates
// with the supplied secret instead.
func (b *BiometricAuthenticator) Authenticate(ctx context.Context, secret string) error {
	kek, err := b.loadKEK(ctx)
	if err != nil {
		return err
	}
	defer cryptox.Zeroize(kek)

	if err := b.gate(ctx, b.prompt); err != nil {
		if errors.Is(err, ErrGateUnavailable) && b.fallback != nil {
			b.log.DebugContext(ctx, "gate unavailable, using fallback")
			return b.fallback.Authenticate(ctx, secret)
		}
		if errors.Is(err, context.Canceled) || errx.IsCancelled(err) {
			return errx.Wrap(errx.CodeUserCancelled, "user_cancelled", "biometric prompt cancelled", err)
		}
		return b.recordFailure(ctx, err)
	}

	ks, err := b.keys.KeyStore(b.instanceID, kek)
	if err != nil {
		return err
	}
	if err := b.store.ResetFailures(ctx, b.counterKey()); err != nil {
		ks.UnloadKeys()
		return err
	}

	b.mu.Lock()
	if b.unlocked != nil {
		b.unlocked.UnloadKeys()
	}
	b.unlocked = ks
	b.authenticated = true
	b.mu.Unlock()

	b.log.DebugContext(ctx, "biometric authenticated")
	return nil
}

func (b *BiometricAuthenticator) passGate(ctx context.Context) error {
	if err := b.gate(ctx, b.prompt); err != nil {
		if errors.Is(err, context.Canceled) {
			return errx.Wrap(errx.CodeUserCancelled, "user_cancelled", "biometric prompt cancelled", err)
		}
		return errx.Wrap(errx.CodeAuthenticationFailed, "authentication_failed", "biometric prompt failed", err)
	}
	return nil
}

func (b *BiometricAuthenticator) recordFailure(ctx context.Context, cause error) error {
	n, err := b.store.IncrementFailures(ctx, b.counterKey())
	if err != nil {
		return err
	}
	if n >= b.maxRetries {
		b.log.WarnContext(ctx, "biometric lockout, wiping enrollment", "failures", n)
		if err := b.wipe(ctx); err != nil {
			return err
		}
		return ErrMaxRetriesReached
	}
	return errx.Wrap(errx.CodeAuthenticationFailed, "authentication_failed", "biometric prompt failed", cause)
}

func (b *BiometricAuthenticator) wipe(ctx context.Context) error {
	b.Invalidate()
	if err := b.keys.DestroyKeyStore(b.instanceID); err != nil {
		return err
	}
	if err := b.store.DeleteContext(ctx, b.kekKey()); err != nil {
		return err
	}
	return b.store.ResetFailures(ctx, b.counterKey())
}

func (b *BiometricAuthenticator) loadKEK(ctx context.Context) ([]byte, error) {
	kek, err := b.store.Context(ctx, b.kekKey())
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, ErrAuthDataNotSet
		}
		return nil, err
	}
	return kek, nil
}

// IsAuthDataSet reports whether the authenticator is enrolled.
func (b *BiometricAuthenticator) IsAuthDataSet(ctx context.Context) (bool, error) {
	_, err := b.store.Context(ctx, b.kekKey())
	if errors.Is(err, credstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsAuthenticated reports whether the key store is currently unlocked.
func (b *BiometricAuthenticator) IsAuthenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

// Invalidate unloads key material and drops the authenticated state.
func (b *BiometricAuthenticator) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unlocked != nil {
		b.unlocked.UnloadKeys()
		b.unlocked = nil
	}
	b.authenticated = false
}

// KeyStore returns the unlocked key store. It fails before a successful
// Authenticate or after Invalidate.
func (b *BiometricAuthenticator) KeyStore() (*keystore.KeyStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.authenticated || b.unlocked == nil {
		return nil, ErrNotAuthenticated
	}
	return b.unlocked, nil
}
