package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Credential is a stored username/password pair with its multi-tenant
// discriminator and free-form properties.
type Credential struct {
	Username   string
	Password   string
	Tenant     string
	Properties map[string]string
}

// SaveCredential stores or replaces the credential under key. The password
// is encrypted before it reaches the database.
func (s *Store) SaveCredential(ctx context.Context, key string, cred Credential) error {
	sealed, err := s.seal([]byte(cred.Password))
	if err != nil {
		return err
	}

	props := cred.Properties
	if props == nil {
		props = map[string]string{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return wrapStoreErr(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (cred_key, username, password_sealed, tenant, properties, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cred_key) DO UPDATE SET
			username = excluded.username,
			password_sealed = excluded.password_sealed,
			tenant = excluded.tenant,
			properties = excluded.properties,
			updated_at = excluded.updated_at`,
		key, cred.Username, sealed, cred.Tenant, string(propsJSON), time.Now().UTC())
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Credential returns the credential stored under key.
func (s *Store) Credential(ctx context.Context, key string) (Credential, error) {
	var (
		cred   Credential
		sealed []byte
		props  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_sealed, tenant, properties
		FROM credentials WHERE cred_key = ?`, key).
		Scan(&cred.Username, &sealed, &cred.Tenant, &props)
	if err != nil {
		return Credential{}, mapNotFound(err)
	}

	password, err := s.unseal(sealed)
	if err != nil {
		return Credential{}, err
	}
	cred.Password = string(password)

	if err := json.Unmarshal([]byte(props), &cred.Properties); err != nil {
		// Corrupt properties degrade to an empty set, not a failure.
		cred.Properties = map[string]string{}
	}
	return cred, nil
}

// DeleteCredential removes the credential under key. Missing keys are a
// no-op.
func (s *Store) DeleteCredential(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE cred_key = ?`, key); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// SaveContext stores an opaque serialized authentication context under key,
// encrypted at rest.
func (s *Store) SaveContext(ctx context.Context, key string, payload []byte) error {
	sealed, err := s.seal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (ctx_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ctx_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		key, sealed, time.Now().UTC())
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Context returns the serialized authentication context stored under key.
func (s *Store) Context(ctx context.Context, key string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM contexts WHERE ctx_key = ?`, key).Scan(&sealed)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return s.unseal(sealed)
}

// DeleteContext removes the serialized context under key.
func (s *Store) DeleteContext(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE ctx_key = ?`, key); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// SetPreference stores a preference value, e.g. a remembered-credential
// flag set.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (pref_key, pref_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pref_key) DO UPDATE SET
			pref_value = excluded.pref_value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Preference returns a stored preference value.
func (s *Store) Preference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT pref_value FROM preferences WHERE pref_key = ?`, key).Scan(&value)
	if err != nil {
		return "", mapNotFound(err)
	}
	return value, nil
}

// DeletePreference removes a preference.
func (s *Store) DeletePreference(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE pref_key = ?`, key); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Failures returns the persisted failure count for a retry-counter key.
// A missing counter reads as zero.
func (s *Store) Failures(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT failures FROM retry_counters WHERE counter_key = ?`, key).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, wrapStoreErr(err)
	}
	return n, nil
}

// IncrementFailures adds one to the failure count and returns the new value.
func (s *Store) IncrementFailures(ctx context.Context, key string) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO retry_counters (counter_key, failures, updated_at)
			VALUES (?, 1, ?)
			ON CONFLICT(counter_key) DO UPDATE SET
				failures = failures + 1,
				updated_at = excluded.updated_at`,
			key, time.Now().UTC())
		if err != nil {
			return wrapStoreErr(err)
		}
		return tx.QueryRowContext(ctx, `SELECT failures FROM retry_counters WHERE counter_key = ?`, key).Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ResetFailures clears the failure count for a retry-counter key.
func (s *Store) ResetFailures(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_counters WHERE counter_key = ?`, key); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}
