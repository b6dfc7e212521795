// Package keystore implements encrypted-at-rest key storage. A Manager owns
// a directory of key stores; every store's named keys are wrapped under a
// caller-supplied key encryption key (KEK) and only usable after the KEK has
// been verified.
package keystore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/errx"
)

// DefaultKeyID names the key every store is created with.
const DefaultKeyID = "default"

var (
	// ErrNotFound reports a missing key store or key.
	ErrNotFound = errx.New(errx.CodeStorageItemNotFound, "storage_item_not_found", "item not found")
	// ErrAlreadyExists reports an attempt to create a store that exists.
	ErrAlreadyExists = errx.New(errx.CodeStorageItemExists, "storage_item_exists", "item already exists")
	// ErrInvalidKEK reports a failed KEK verification. No key material is
	// returned alongside it, partial or otherwise.
	ErrInvalidKEK = errx.New(errx.CodeInvalidKEK, "invalid_kek", "key encryption key is invalid")
	// ErrKeysUnloaded reports use of a store after UnloadKeys.
	ErrKeysUnloaded = errx.New(errx.CodeKeyIsNil, "keys_unloaded", "key material has been unloaded")
)

// Manager creates, opens, rotates and deletes key stores under a base
// directory. Construct one per process and share it by reference.
type Manager struct {
	dir string
}

// NewManager ensures the base directory exists and returns a Manager.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_required", "keystore directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errx.Wrap(errx.CodeStorageSystemError, "storage_system_error", "failed to create keystore directory", err)
	}
	return &Manager{dir: dir}, nil
}

// storeFile derives the on-disk file name from a one-way hash of the store
// id so directory listings leak nothing about store identifiers.
func (m *Manager) storeFile(id string) string {
	return filepath.Join(m.dir, cryptox.FingerprintHex([]byte("keystore:"+id)))
}

// envelope is the persisted form of a key store.
type envelope struct {
	Version     int               `json:"version"`      // KEK version, bumped on rotation
	CheckHash   string            `json:"check_hash"`   // fingerprint of the KEK check value
	CheckSealed string            `json:"check_sealed"` // check value encrypted under the KEK
	Keys        map[string]string `json:"keys"`         // keyID -> key wrapped under the KEK
}

// deriveKEK normalizes caller-supplied KEK material of any length into an
// AES-256 key.
func deriveKEK(kek []byte) []byte {
	sum := sha256.Sum256(kek)
	return sum[:]
}

// CreateKeyStore creates a new store protected by kek, containing a fresh
// default key. Fails if the store already exists.
func (m *Manager) CreateKeyStore(id string, kek []byte) (*KeyStore, error) {
	if id == "" || len(kek) == 0 {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_required", "store id and kek are required")
	}
	path := m.storeFile(id)
	if _, err := os.Stat(path); err == nil {
		return nil, ErrAlreadyExists
	}

	wrapKey := deriveKEK(kek)

	check, err := cryptox.RandomBytes(cryptox.KeySize)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	sealedCheck, err := cryptox.Encrypt(wrapKey, check)
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	defaultKey, err := cryptox.RandomKey()
	if err != nil {
		return nil, wrapStorageErr(err)
	}

	ks := &KeyStore{
		id:          id,
		path:        path,
		wrapKey:     wrapKey,
		version:     1,
		keys:        map[string][]byte{DefaultKeyID: defaultKey},
		loaded:      true,
		checkHash:   cryptox.Fingerprint(check),
		checkSealed: sealedCheck,
	}
	if err := ks.persist(); err != nil {
		return nil, err
	}
	return ks, nil
}

// KeyStore opens an existing store. A wrong KEK fails with ErrInvalidKEK
// before any key is unwrapped.
func (m *Manager) KeyStore(id string, kek []byte) (*KeyStore, error) {
	env, err := m.readEnvelope(id)
	if err != nil {
		return nil, err
	}

	wrapKey := deriveKEK(kek)
	if err := verifyKEK(env, wrapKey); err != nil {
		return nil, err
	}

	keys := make(map[string][]byte, len(env.Keys))
	for keyID, wrapped := range env.Keys {
		raw, err := base64.StdEncoding.DecodeString(wrapped)
		if err != nil {
			return nil, ErrNotFound
		}
		key, err := cryptox.Decrypt(wrapKey, raw)
		if err != nil {
			// The envelope validated against the KEK, so a failing key
			// unwrap means on-disk corruption.
			return nil, errx.Wrap(errx.CodeKeyUnwrapFailed, "key_unwrap_failed", "failed to unwrap stored key", err)
		}
		keys[keyID] = key
	}

	sealedCheck, _ := base64.StdEncoding.DecodeString(env.CheckSealed)
	return &KeyStore{
		id:          id,
		path:        m.storeFile(id),
		wrapKey:     wrapKey,
		version:     env.Version,
		keys:        keys,
		loaded:      true,
		checkHash:   env.CheckHash,
		checkSealed: sealedCheck,
	}, nil
}

// DeleteKeyStore removes a store after verifying the KEK.
func (m *Manager) DeleteKeyStore(id string, kek []byte) error {
	env, err := m.readEnvelope(id)
	if err != nil {
		return err
	}
	if err := verifyKEK(env, deriveKEK(kek)); err != nil {
		return err
	}
	if err := os.Remove(m.storeFile(id)); err != nil {
		return wrapStorageErr(err)
	}
	return nil
}

// DestroyKeyStore removes a store without verifying the KEK. Callers use it
// to wipe enrollment after a lockout, when the KEK is no longer obtainable.
// A missing store is a no-op.
func (m *Manager) DestroyKeyStore(id string) error {
	if err := os.Remove(m.storeFile(id)); err != nil && !os.IsNotExist(err) {
		return wrapStorageErr(err)
	}
	return nil
}

// UpdateKeyEncryptionKey re-wraps every key in the store under a new KEK and
// bumps the KEK version. The store content is unchanged; rotation is
// all-or-nothing through an atomic file replace.
func (m *Manager) UpdateKeyEncryptionKey(id string, oldKEK, newKEK []byte) error {
	ks, err := m.KeyStore(id, oldKEK)
	if err != nil {
		return err
	}
	defer ks.UnloadKeys()

	check, err := cryptox.RandomBytes(cryptox.KeySize)
	if err != nil {
		return wrapStorageErr(err)
	}
	newWrap := deriveKEK(newKEK)
	sealedCheck, err := cryptox.Encrypt(newWrap, check)
	if err != nil {
		return wrapStorageErr(err)
	}

	ks.mu.Lock()
	ks.wrapKey = newWrap
	ks.version++
	ks.checkHash = cryptox.Fingerprint(check)
	ks.checkSealed = sealedCheck
	ks.mu.Unlock()

	return ks.persist()
}

func (m *Manager) readEnvelope(id string) (*envelope, error) {
	data, err := os.ReadFile(m.storeFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, wrapStorageErr(err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Corrupt store reads as missing rather than crashing the flow.
		return nil, ErrNotFound
	}
	return &env, nil
}

// verifyKEK checks the KEK against the store's sealed check value. The
// final comparison is constant time in the check length.
func verifyKEK(env *envelope, wrapKey []byte) error {
	sealed, err := base64.StdEncoding.DecodeString(env.CheckSealed)
	if err != nil {
		return ErrNotFound
	}
	check, err := cryptox.Decrypt(wrapKey, sealed)
	if err != nil {
		return ErrInvalidKEK
	}
	if !cryptox.ConstantTimeEqual([]byte(cryptox.Fingerprint(check)), []byte(env.CheckHash)) {
		return ErrInvalidKEK
	}
	return nil
}

func wrapStorageErr(err error) error {
	return errx.Wrap(errx.CodeStorageSystemError, "storage_system_error", "keystore operation failed", err)
}

// KeyStore holds a set of named symmetric keys unwrapped in memory. The
// in-memory material is the most sensitive resource in the SDK: UnloadKeys
// drops it eagerly and LoadKeys re-derives it from the KEK.
type KeyStore struct {
	id   string
	path string

	mu          sync.RWMutex
	wrapKey     []byte
	version     int
	keys        map[string][]byte
	loaded      bool
	checkHash   string
	checkSealed []byte
}

// ID returns the store identifier.
func (ks *KeyStore) ID() string { return ks.id }

// KEKVersion returns the current KEK version, starting at 1 and incremented
// by every rotation.
func (ks *KeyStore) KEKVersion() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.version
}

// DefaultKey returns the store's default key.
func (ks *KeyStore) DefaultKey() ([]byte, error) {
	return ks.Key(DefaultKeyID)
}

// Key returns the named key. The returned slice is a copy; mutating it does
// not affect the store.
func (ks *KeyStore) Key(keyID string) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.loaded {
		return nil, ErrKeysUnloaded
	}
	key, ok := ks.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// CreateKey generates and persists a new named key. Fails if the id is
// already in use.
func (ks *KeyStore) CreateKey(keyID string) ([]byte, error) {
	ks.mu.Lock()
	if !ks.loaded {
		ks.mu.Unlock()
		return nil, ErrKeysUnloaded
	}
	if _, ok := ks.keys[keyID]; ok {
		ks.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	key, err := cryptox.RandomKey()
	if err != nil {
		ks.mu.Unlock()
		return nil, wrapStorageErr(err)
	}
	ks.keys[keyID] = key
	ks.mu.Unlock()

	if err := ks.persist(); err != nil {
		return nil, err
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// DeleteKey removes a named key. The default key cannot be deleted.
func (ks *KeyStore) DeleteKey(keyID string) error {
	if keyID == DefaultKeyID {
		return errx.New(errx.CodeInvalidInput, "invalid_input", "default key cannot be deleted")
	}
	ks.mu.Lock()
	if !ks.loaded {
		ks.mu.Unlock()
		return ErrKeysUnloaded
	}
	if _, ok := ks.keys[keyID]; !ok {
		ks.mu.Unlock()
		return ErrNotFound
	}
	cryptox.Zeroize(ks.keys[keyID])
	delete(ks.keys, keyID)
	ks.mu.Unlock()

	return ks.persist()
}

// UnloadKeys zeroizes and drops the in-memory key material, e.g. when the
// application moves to the background. The on-disk store is untouched.
func (ks *KeyStore) UnloadKeys() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, key := range ks.keys {
		cryptox.Zeroize(key)
	}
	cryptox.Zeroize(ks.wrapKey)
	ks.keys = nil
	ks.wrapKey = nil
	ks.loaded = false
}

// LoadKeys re-reads and unwraps the key material using kek. It restores a
// store after UnloadKeys without any other caller interaction.
func (ks *KeyStore) LoadKeys(kek []byte) error {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return wrapStorageErr(err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ErrNotFound
	}

	wrapKey := deriveKEK(kek)
	if err := verifyKEK(&env, wrapKey); err != nil {
		return err
	}

	keys := make(map[string][]byte, len(env.Keys))
	for keyID, wrapped := range env.Keys {
		raw, err := base64.StdEncoding.DecodeString(wrapped)
		if err != nil {
			return ErrNotFound
		}
		key, err := cryptox.Decrypt(wrapKey, raw)
		if err != nil {
			return errx.Wrap(errx.CodeKeyUnwrapFailed, "key_unwrap_failed", "failed to unwrap stored key", err)
		}
		keys[keyID] = key
	}

	sealed, _ := base64.StdEncoding.DecodeString(env.CheckSealed)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.wrapKey = wrapKey
	ks.version = env.Version
	ks.keys = keys
	ks.loaded = true
	ks.checkHash = env.CheckHash
	ks.checkSealed = sealed
	return nil
}

// persist writes the wrapped store atomically (temp file + rename) so a
// crash mid-write never leaves a half-updated store.
func (ks *KeyStore) persist() error {
	ks.mu.RLock()
	if !ks.loaded {
		ks.mu.RUnlock()
		return ErrKeysUnloaded
	}
	env := envelope{
		Version:     ks.version,
		CheckHash:   ks.checkHash,
		CheckSealed: base64.StdEncoding.EncodeToString(ks.checkSealed),
		Keys:        make(map[string]string, len(ks.keys)),
	}
	var wrapErr error
	for keyID, key := range ks.keys {
		wrapped, err := cryptox.Encrypt(ks.wrapKey, key)
		if err != nil {
			wrapErr = err
			break
		}
		env.Keys[keyID] = base64.StdEncoding.EncodeToString(wrapped)
	}
	ks.mu.RUnlock()
	if wrapErr != nil {
		return wrapStorageErr(wrapErr)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return wrapStorageErr(err)
	}

	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wrapStorageErr(err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		_ = os.Remove(tmp)
		return wrapStorageErr(err)
	}
	return nil
}
