package credstore

import (
	"context"
	"time"
)

// AuthenticatorInstance is a registered local authenticator, keyed by its
// instance id. Name identifies the authenticator factory that created it.
type AuthenticatorInstance struct {
	ID      string
	Name    string
	Enabled bool
}

// RegisterInstance stores or replaces an authenticator instance record.
func (s *Store) RegisterInstance(ctx context.Context, inst AuthenticatorInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authenticator_instances (instance_id, authenticator_name, enabled, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			authenticator_name = excluded.authenticator_name,
			enabled = excluded.enabled`,
		inst.ID, inst.Name, inst.Enabled, time.Now().UTC())
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Instance returns a registered authenticator instance by id.
func (s *Store) Instance(ctx context.Context, id string) (AuthenticatorInstance, error) {
	var inst AuthenticatorInstance
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, authenticator_name, enabled
		FROM authenticator_instances WHERE instance_id = ?`, id).
		Scan(&inst.ID, &inst.Name, &inst.Enabled)
	if err != nil {
		return AuthenticatorInstance{}, mapNotFound(err)
	}
	return inst, nil
}

// Instances lists all registered authenticator instances in creation order.
func (s *Store) Instances(ctx context.Context) ([]AuthenticatorInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, authenticator_name, enabled
		FROM authenticator_instances ORDER BY created_at, instance_id`)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []AuthenticatorInstance
	for rows.Next() {
		var inst AuthenticatorInstance
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Enabled); err != nil {
			return nil, wrapStoreErr(err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(err)
	}
	return out, nil
}

// SetInstanceEnabled flips the enabled flag on a registered instance.
func (s *Store) SetInstanceEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authenticator_instances SET enabled = ? WHERE instance_id = ?`, enabled, id)
	if err != nil {
		return wrapStoreErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInstance removes a registered authenticator instance. Missing ids
// are a no-op.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM authenticator_instances WHERE instance_id = ?`, id); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}
