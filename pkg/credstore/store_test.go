package credstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openidm/mobileauth/pkg/cryptox"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	key, err := cryptox.RandomKey()
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "credstore.db")
	store, err := NewStore(dsn, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.ApplyMigrations())
	return store
}

func TestNewStore_RejectsShortKey(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "x.db"), []byte("short"))
	require.Error(t, err)
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.ApplyMigrations())
}

func TestCredential_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := Credential{
		Username: "kmaryam",
		Password: "hunter2!",
		Tenant:   "acme",
		Properties: map[string]string{
			"auto_login": "true",
		},
	}
	require.NoError(t, store.SaveCredential(ctx, "server1:remembered", in))

	out, err := store.Credential(ctx, "server1:remembered")
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestCredential_PasswordEncryptedAtRest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCredential(ctx, "k", Credential{Username: "u", Password: "supersecret"}))

	var sealed []byte
	err := store.db.QueryRowContext(ctx, `SELECT password_sealed FROM credentials WHERE cred_key = ?`, "k").Scan(&sealed)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "supersecret")
}

func TestCredential_Replace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCredential(ctx, "k", Credential{Username: "old", Password: "p1"}))
	require.NoError(t, store.SaveCredential(ctx, "k", Credential{Username: "new", Password: "p2"}))

	out, err := store.Credential(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "new", out.Username)
	require.Equal(t, "p2", out.Password)
}

func TestCredential_Missing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Credential(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCredential_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCredential(ctx, "k", Credential{Username: "u", Password: "p"}))
	require.NoError(t, store.DeleteCredential(ctx, "k"))

	_, err := store.Credential(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, store.DeleteCredential(ctx, "k"))
}

func TestCredential_CorruptRowReadsAsNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCredential(ctx, "k", Credential{Username: "u", Password: "p"}))

	_, err := store.db.ExecContext(ctx, `UPDATE credentials SET password_sealed = ? WHERE cred_key = ?`, []byte("garbage"), "k")
	require.NoError(t, err)

	_, err = store.Credential(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContext_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"tokens":{"openid":"abc"}}`)
	require.NoError(t, store.SaveContext(ctx, "server1", payload))

	got, err := store.Context(ctx, "server1")
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, store.DeleteContext(ctx, "server1"))
	_, err = store.Context(ctx, "server1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPreference_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPreference(ctx, "remember_creds", "true"))

	v, err := store.Preference(ctx, "remember_creds")
	require.NoError(t, err)
	require.Equal(t, "true", v)

	require.NoError(t, store.SetPreference(ctx, "remember_creds", "false"))
	v, err = store.Preference(ctx, "remember_creds")
	require.NoError(t, err)
	require.Equal(t, "false", v)

	require.NoError(t, store.DeletePreference(ctx, "remember_creds"))
	_, err = store.Preference(ctx, "remember_creds")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetryCounter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n, err := store.Failures(ctx, "pin")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = store.IncrementFailures(ctx, "pin")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = store.IncrementFailures(ctx, "pin")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, store.ResetFailures(ctx, "pin"))

	n, err = store.Failures(ctx, "pin")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInstances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RegisterInstance(ctx, AuthenticatorInstance{ID: "pin-1", Name: "pin", Enabled: true}))
	require.NoError(t, store.RegisterInstance(ctx, AuthenticatorInstance{ID: "bio-1", Name: "biometric", Enabled: false}))

	inst, err := store.Instance(ctx, "pin-1")
	require.NoError(t, err)
	require.Equal(t, "pin", inst.Name)
	require.True(t, inst.Enabled)

	all, err := store.Instances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, store.SetInstanceEnabled(ctx, "bio-1", true))
	inst, err = store.Instance(ctx, "bio-1")
	require.NoError(t, err)
	require.True(t, inst.Enabled)

	require.ErrorIs(t, store.SetInstanceEnabled(ctx, "nope", true), ErrNotFound)

	require.NoError(t, store.DeleteInstance(ctx, "pin-1"))
	_, err = store.Instance(ctx, "pin-1")
	require.ErrorIs(t, err, ErrNotFound)
}
