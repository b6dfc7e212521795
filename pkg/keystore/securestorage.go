package keystore

import (
	"os"
	"path/filepath"

	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/errx"
)

// SecureStorage stores opaque encrypted blobs keyed by a data id. Payloads
// are encrypted under a named key from the backing KeyStore; on-disk file
// names are one-way hashes of the data id so the directory leaks no stored
// identifiers.
type SecureStorage struct {
	dir   string
	store *KeyStore
	keyID string
}

// NewSecureStorage creates blob storage under dir, encrypting with the
// default key of ks.
func NewSecureStorage(dir string, ks *KeyStore) (*SecureStorage, error) {
	return NewSecureStorageWithKey(dir, ks, DefaultKeyID)
}

// NewSecureStorageWithKey creates blob storage encrypting with the named
// key of ks.
func NewSecureStorageWithKey(dir string, ks *KeyStore, keyID string) (*SecureStorage, error) {
	if ks == nil {
		return nil, errx.New(errx.CodeValueCannotBeNil, "value_required", "keystore is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, wrapStorageErr(err)
	}
	return &SecureStorage{dir: dir, store: ks, keyID: keyID}, nil
}

func (s *SecureStorage) blobFile(dataID string) string {
	return filepath.Join(s.dir, cryptox.FingerprintHex([]byte(s.store.ID()+":"+dataID)))
}

// Save encrypts and stores data under dataID, replacing any previous value.
func (s *SecureStorage) Save(dataID string, data []byte) error {
	if dataID == "" {
		return errx.New(errx.CodeValueCannotBeNil, "value_required", "data id is required")
	}
	key, err := s.store.Key(s.keyID)
	if err != nil {
		return err
	}
	defer cryptox.Zeroize(key)

	sealed, err := cryptox.Encrypt(key, data)
	if err != nil {
		return wrapStorageErr(err)
	}

	path := s.blobFile(dataID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return wrapStorageErr(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return wrapStorageErr(err)
	}
	return nil
}

// Data returns the decrypted blob for dataID. A missing or undecipherable
// blob reports ErrNotFound.
func (s *SecureStorage) Data(dataID string) ([]byte, error) {
	key, err := s.store.Key(s.keyID)
	if err != nil {
		return nil, err
	}
	defer cryptox.Zeroize(key)

	sealed, err := os.ReadFile(s.blobFile(dataID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, wrapStorageErr(err)
	}

	data, err := cryptox.Decrypt(key, sealed)
	if err != nil {
		// Corruption is indistinguishable from absence to callers.
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete removes the blob for dataID. Deleting a missing blob is a no-op.
func (s *SecureStorage) Delete(dataID string) error {
	err := os.Remove(s.blobFile(dataID))
	if err != nil && !os.IsNotExist(err) {
		return wrapStorageErr(err)
	}
	return nil
}
