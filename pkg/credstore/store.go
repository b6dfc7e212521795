// Package credstore is the durable credential store: usernames, encrypted
// passwords, serialized authentication contexts, remembered-credential
// preferences, retry counters and the local-authenticator instance registry.
// It stands in for the platform keychain, backed by SQLite.
package credstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/openidm/mobileauth/pkg/credstore/migrations"
	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/errx"
)

// ErrNotFound reports a missing record. Corrupt records also report
// ErrNotFound: a store that cannot be decrypted or decoded must never crash
// an authentication flow.
var ErrNotFound = errx.New(errx.CodeStorageItemNotFound, "storage_item_not_found", "item not found")

// Store is the SQLite-backed credential store. Sensitive columns are
// encrypted under sealKey before they reach the database, so the database
// file alone discloses nothing.
type Store struct {
	db      *sql.DB
	sealKey []byte
}

// NewStore opens (creating if needed) the store at dsn. sealKey is the
// 32-byte encryption key protecting sensitive columns, normally a named key
// from a keystore.KeyStore.
func NewStore(dsn string, sealKey []byte) (*Store, error) {
	if len(sealKey) != cryptox.KeySize {
		return nil, errx.New(errx.CodeInvalidInput, "invalid_input", "seal key must be 32 bytes")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, wrapStoreErr(err)
	}

	key := make([]byte, len(sealKey))
	copy(key, sealKey)
	return &Store{db: db, sealKey: key}, nil
}

func (s *Store) Close() error {
	cryptox.Zeroize(s.sealKey)
	return s.db.Close()
}

// ApplyMigrations applies any pending schema migrations using the embedded
// migration files compiled into the binary.
func (s *Store) ApplyMigrations() error {
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return wrapStoreErr(err)
	}

	src, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return wrapStoreErr(err)
	}

	instance, err := migrate.NewWithInstance("iofs", src, "", driver)
	if err != nil {
		return wrapStoreErr(err)
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return wrapStoreErr(err)
	}
	return nil
}

// withTx executes fn within a transaction, handling commit/rollback.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr(err)
	}
	defer func() {
		_ = tx.Rollback() // safe after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	sealed, err := cryptox.Encrypt(s.sealKey, plaintext)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return sealed, nil
}

func (s *Store) unseal(sealed []byte) ([]byte, error) {
	plaintext, err := cryptox.Decrypt(s.sealKey, sealed)
	if err != nil {
		return nil, ErrNotFound
	}
	return plaintext, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return wrapStoreErr(err)
}

func wrapStoreErr(err error) error {
	return errx.Wrap(errx.CodeStorageSystemError, "storage_system_error", "credential store operation failed", err)
}
