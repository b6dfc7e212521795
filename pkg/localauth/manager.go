package localauth

import (
	"context"
	"errors"
	"sync"

	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/errx"
	"github.com/openidm/mobileauth/pkg/idx"
)

// Factory builds an Authenticator bound to an instance id. Factories are
// registered by name; the name is persisted with each instance so the same
// authenticator type is rebuilt after a restart.
type Factory func(instanceID string) Authenticator

var (
	// ErrUnknownAuthenticator reports an instance whose factory name has no
	// registration.
	ErrUnknownAuthenticator = errx.New(errx.CodeInvalidAuthScheme, "unknown_authenticator", "no factory registered for authenticator")

	// ErrInstanceDisabled reports a lookup of a disabled instance.
	ErrInstanceDisabled = errx.New(errx.CodeLocalAuthRequired, "instance_disabled", "authenticator instance is disabled")

	// ErrInstanceNotFound reports a lookup of an unregistered instance id.
	ErrInstanceNotFound = errx.New(errx.CodeStorageItemNotFound, "instance_not_found", "authenticator instance not registered")
)

// Manager registers local authenticator instances and rebuilds them from
// the credential store across process restarts.
type Manager struct {
	store *credstore.Store

	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Authenticator
}

// NewManager builds a Manager over the given credential store.
func NewManager(store *credstore.Store) *Manager {
	return &Manager{
		store:     store,
		factories: make(map[string]Factory),
		cache:     make(map[string]Authenticator),
	}
}

// RegisterFactory makes an authenticator type available under name.
// Re-registering a name replaces the factory.
func (m *Manager) RegisterFactory(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// CreateInstance registers a new enabled instance of the named authenticator
// type and returns its id with the built authenticator.
func (m *Manager) CreateInstance(ctx context.Context, name string) (string, Authenticator, error) {
	m.mu.Lock()
	f, ok := m.factories[name]
	m.mu.Unlock()
	if !ok {
		return "", nil, ErrUnknownAuthenticator
	}

	id := idx.New().String()
	if err := m.store.RegisterInstance(ctx, credstore.AuthenticatorInstance{
		ID:      id,
		Name:    name,
		Enabled: true,
	}); err != nil {
		return "", nil, err
	}

	a := f(id)
	m.mu.Lock()
	m.cache[id] = a
	m.mu.Unlock()
	return id, a, nil
}

// Instance returns the authenticator for a registered instance id,
// rebuilding it through its factory when not cached. Disabled instances are
// not returned.
func (m *Manager) Instance(ctx context.Context, id string) (Authenticator, error) {
	rec, err := m.store.Instance(ctx, id)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	if !rec.Enabled {
		return nil, ErrInstanceDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.cache[id]; ok {
		return a, nil
	}
	f, ok := m.factories[rec.Name]
	if !ok {
		return nil, ErrUnknownAuthenticator
	}
	a := f(id)
	m.cache[id] = a
	return a, nil
}

// Instances lists all registered instances, enabled or not.
func (m *Manager) Instances(ctx context.Context) ([]credstore.AuthenticatorInstance, error) {
	return m.store.Instances(ctx)
}

// SetEnabled flips the enabled flag on an instance. Disabling also
// invalidates any live authenticator for it.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := m.store.SetInstanceEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return ErrInstanceNotFound
		}
		return err
	}
	if !enabled {
		m.mu.Lock()
		a := m.cache[id]
		m.mu.Unlock()
		if a != nil {
			a.Invalidate()
		}
	}
	return nil
}

// DeleteInstance removes the registration and invalidates any live
// authenticator. Enrolled auth data is the caller's to delete first, via
// Authenticator.DeleteAuthData.
func (m *Manager) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	a := m.cache[id]
	delete(m.cache, id)
	m.mu.Unlock()
	if a != nil {
		a.Invalidate()
	}
	return m.store.DeleteInstance(ctx, id)
}
