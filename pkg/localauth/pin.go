package localauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/keystore"
)

// PinAuthenticator gates a key store behind a numeric or alphanumeric PIN.
// Validation data is an Argon2id hash; the key store KEK is derived from
// the PIN with PBKDF2 over a per-instance salt, so the keys are only
// recoverable while the PIN is presented.
type PinAuthenticator struct {
	instanceID string
	keys       *keystore.Manager
	store      *credstore.Store
	maxRetries int
	log        *slog.Logger

	mu            sync.Mutex
	authenticated bool
	unlocked      *keystore.KeyStore
}

// pinRecord is the persisted validation data. It holds no key material.
type pinRecord struct {
	Hash    string `json:"hash"`
	KDFSalt string `json:"kdf_salt"`
}

// NewPinAuthenticator builds a PIN authenticator for one enrolled instance.
// maxRetries <= 0 selects DefaultMaxRetries.
func NewPinAuthenticator(instanceID string, keys *keystore.Manager, store *credstore.Store, maxRetries int) *PinAuthenticator {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &PinAuthenticator{
		instanceID: instanceID,
		keys:       keys,
		store:      store,
		maxRetries: maxRetries,
		log:        slog.Default().With("authenticator", "pin", "instance", instanceID),
	}
}

func (p *PinAuthenticator) recordKey() string  { return "localauth:pin:" + p.instanceID }
func (p *PinAuthenticator) counterKey() string { return "localauth:retry:" + p.instanceID }

func (p *PinAuthenticator) loadRecord(ctx context.Context) (pinRecord, error) {
	raw, err := p.store.Preference(ctx, p.recordKey())
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return pinRecord{}, ErrAuthDataNotSet
		}
		return pinRecord{}, err
	}
	var rec pinRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return pinRecord{}, ErrAuthDataNotSet
	}
	return rec, nil
}

func (p *PinAuthenticator) saveRecord(ctx context.Context, rec pinRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "encode validation data", err)
	}
	return p.store.SetPreference(ctx, p.recordKey(), string(raw))
}

func (p *PinAuthenticator) kekFor(pin string, rec pinRecord) ([]byte, error) {
	salt, err := base64.RawURLEncoding.DecodeString(rec.KDFSalt)
	if err != nil {
		return nil, ErrAuthDataNotSet
	}
	return cryptox.DeriveKey([]byte(pin), salt, cryptox.PBKDF2Iterations), nil
}

// SetAuthData enrolls the PIN and creates the backing key store.
func (p *PinAuthenticator) SetAuthData(ctx context.Context, pin string) error {
	if pin == "" {
		return errx.New(errx.CodePasswordRequired, "password_required", "pin must not be empty")
	}
	if set, err := p.IsAuthDataSet(ctx); err != nil {
		return err
	} else if set {
		return ErrAuthDataSet
	}

	hash, err := cryptox.HashSecret(pin)
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "hash pin", err)
	}
	salt, err := cryptox.RandomBytes(cryptox.SaltSize)
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "generate salt", err)
	}
	rec := pinRecord{Hash: hash, KDFSalt: base64.RawURLEncoding.EncodeToString(salt)}

	kek := cryptox.DeriveKey([]byte(pin), salt, cryptox.PBKDF2Iterations)
	defer cryptox.Zeroize(kek)

	ks, err := p.keys.CreateKeyStore(p.instanceID, kek)
	if err != nil {
		return err
	}
	ks.UnloadKeys()

	if err := p.saveRecord(ctx, rec); err != nil {
		// Roll the key store back so a retry starts clean.
		_ = p.keys.DestroyKeyStore(p.instanceID)
		return err
	}
	if err := p.store.ResetFailures(ctx, p.counterKey()); err != nil {
		return err
	}

	p.log.InfoContext(ctx, "pin enrolled")
	return nil
}

// Authenticate verifies the PIN and unlocks the key store. On the final
// allowed failure the enrollment is wiped and ErrMaxRetriesReached is
// returned.
func (p *PinAuthenticator) Authenticate(ctx context.Context, pin string) error {
	rec, err := p.loadRecord(ctx)
	if err != nil {
		return err
	}

	if err := cryptox.VerifySecret(pin, rec.Hash); err != nil {
		if !errors.Is(err, cryptox.ErrSecretMismatch) {
			return errx.Wrap(errx.CodeInternalError, "internal_error", "verify pin", err)
		}
		return p.recordFailure(ctx)
	}

	kek, err := p.kekFor(pin, rec)
	if err != nil {
		return err
	}
	defer cryptox.Zeroize(kek)

	ks, err := p.keys.KeyStore(p.instanceID, kek)
	if err != nil {
		return err
	}
	if err := p.store.ResetFailures(ctx, p.counterKey()); err != nil {
		ks.UnloadKeys()
		return err
	}

	p.mu.Lock()
	if p.unlocked != nil {
		p.unlocked.UnloadKeys()
	}
	p.unlocked = ks
	p.authenticated = true
	p.mu.Unlock()

	p.log.DebugContext(ctx, "pin authenticated")
	return nil
}

func (p *PinAuthenticator) recordFailure(ctx context.Context) error {
	n, err := p.store.IncrementFailures(ctx, p.counterKey())
	if err != nil {
		return err
	}
	if n >= p.maxRetries {
		p.log.WarnContext(ctx, "pin lockout, wiping enrollment", "failures", n)
		if err := p.wipe(ctx); err != nil {
			return err
		}
		return ErrMaxRetriesReached
	}
	p.log.DebugContext(ctx, "pin attempt failed", "failures", n, "max", p.maxRetries)
	return errx.New(errx.CodeAuthenticationFailed, "authentication_failed", "pin does not match")
}

// wipe destroys enrollment after a lockout: key store, validation data and
// counter all go.
func (p *PinAuthenticator) wipe(ctx context.Context) error {
	p.Invalidate()
	if err := p.keys.DestroyKeyStore(p.instanceID); err != nil {
		return err
	}
	if err := p.store.DeletePreference(ctx, p.recordKey()); err != nil {
		return err
	}
	return p.store.ResetFailures(ctx, p.counterKey())
}

// UpdateAuthData changes the PIN, re-wrapping the key store under a KEK
// derived from the new PIN. Protected material survives the change.
func (p *PinAuthenticator) UpdateAuthData(ctx context.Context, oldPIN, newPIN string) error {
	if newPIN == "" {
		return errx.New(errx.CodePasswordRequired, "password_required", "pin must not be empty")
	}
	rec, err := p.loadRecord(ctx)
	if err != nil {
		return err
	}
	if err := cryptox.VerifySecret(oldPIN, rec.Hash); err != nil {
		if !errors.Is(err, cryptox.ErrSecretMismatch) {
			return errx.Wrap(errx.CodeInternalError, "internal_error", "verify pin", err)
		}
		return p.recordFailure(ctx)
	}

	oldKEK, err := p.kekFor(oldPIN, rec)
	if err != nil {
		return err
	}
	defer cryptox.Zeroize(oldKEK)

	newHash, err := cryptox.HashSecret(newPIN)
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "hash pin", err)
	}
	newSalt, err := cryptox.RandomBytes(cryptox.SaltSize)
	if err != nil {
		return errx.Wrap(errx.CodeInternalError, "internal_error", "generate salt", err)
	}
	newKEK := cryptox.DeriveKey([]byte(newPIN), newSalt, cryptox.PBKDF2Iterations)
	defer cryptox.Zeroize(newKEK)

	if err := p.keys.UpdateKeyEncryptionKey(p.instanceID, oldKEK, newKEK); err != nil {
		return err
	}
	newRec := pinRecord{Hash: newHash, KDFSalt: base64.RawURLEncoding.EncodeToString(newSalt)}
	if err := p.saveRecord(ctx, newRec); err != nil {
		return err
	}
	if err := p.store.ResetFailures(ctx, p.counterKey()); err != nil {
		return err
	}

	// Any handle unlocked under the old KEK is stale.
	p.Invalidate()
	p.log.InfoContext(ctx, "pin updated")
	return nil
}

// DeleteAuthData removes enrollment. The current PIN is required.
func (p *PinAuthenticator) DeleteAuthData(ctx context.Context, pin string) error {
	rec, err := p.loadRecord(ctx)
	if err != nil {
		return err
	}
	if err := cryptox.VerifySecret(pin, rec.Hash); err != nil {
		if !errors.Is(err, cryptox.ErrSecretMismatch) {
			return errx.Wrap(errx.CodeInternalError, "internal_error", "verify pin", err)
		}
		return p.recordFailure(ctx)
	}
	if err := p.wipe(ctx); err != nil {
		return err
	}
	p.log.InfoContext(ctx, "pin enrollment deleted")
	return nil
}

// IsAuthDataSet reports whether a PIN is enrolled.
func (p *PinAuthenticator) IsAuthDataSet(ctx context.Context) (bool, error) {
	_, err := p.loadRecord(ctx)
	if errors.Is(err, ErrAuthDataNotSet) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsAuthenticated reports whether the key store is currently unlocked.
func (p *PinAuthenticator) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

// Invalidate unloads key material and drops the authenticated state.
func (p *PinAuthenticator) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unlocked != nil {
		p.unlocked.UnloadKeys()
		p.unlocked = nil
	}
	p.authenticated = false
}

// KeyStore returns the unlocked key store. It fails before a successful
// Authenticate or after Invalidate.
func (p *PinAuthenticator) KeyStore() (*keystore.KeyStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authenticated || p.unlocked == nil {
		return nil, ErrNotAuthenticated
	}
	return p.unlocked, nil
}
