// Package registry binds client endpoints to unique display names.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/store"
)

var (
	ErrNameTaken         = errors.New("name already registered")
	ErrCapacityExceeded  = errors.New("too many active sessions")
	ErrAlreadyRegistered = errors.New("endpoint already registered")
	ErrInvalidName       = errors.New("name must not be empty")
)

// DefaultMaxSessions is the session cap used when none is configured.
const DefaultMaxSessions = 22

// Registry is the session table kept in the shared store.
type Registry struct {
	store       store.Store
	maxSessions int
}

func New(s store.Store, maxSessions int) *Registry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Registry{store: s, maxSessions: maxSessions}
}

// Register binds name to endpoint. The uniqueness and capacity checks and the
// insert run in one store transaction.
func (r *Registry) Register(ctx context.Context, name, endpoint string) error {
	if name == "" {
		return ErrInvalidName
	}
	st, err := r.store.Update(ctx, func(st *store.State) error {
		if _, ok := st.Nicknames[name]; ok {
			return ErrNameTaken
		}
		if _, ok := st.Endpoints[endpoint]; ok {
			return ErrAlreadyRegistered
		}
		if len(st.Nicknames) >= r.maxSessions {
			return ErrCapacityExceeded
		}
		st.Nicknames[name] = endpoint
		st.Endpoints[endpoint] = name
		return nil
	})
	if err != nil {
		return fmt.Errorf("register %q: %w", name, err)
	}
	obs.ActiveSessions.Set(float64(len(st.Nicknames)))
	return nil
}

// LookupByEndpoint returns the name bound to endpoint, if any.
func (r *Registry) LookupByEndpoint(ctx context.Context, endpoint string) (string, bool, error) {
	st, err := r.store.Snapshot(ctx)
	if err != nil {
		return "", false, err
	}
	name, ok := st.Endpoints[endpoint]
	return name, ok, nil
}

// IsActive reports whether name belongs to a live session.
func (r *Registry) IsActive(ctx context.Context, name string) (bool, error) {
	st, err := r.store.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	_, ok := st.Nicknames[name]
	return ok, nil
}

// Unregister removes name and its endpoint. Unknown names are a no-op.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	st, err := r.store.Update(ctx, func(st *store.State) error {
		endpoint, ok := st.Nicknames[name]
		if !ok {
			return nil
		}
		delete(st.Nicknames, name)
		if st.Endpoints[endpoint] == name {
			delete(st.Endpoints, endpoint)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregister %q: %w", name, err)
	}
	obs.ActiveSessions.Set(float64(len(st.Nicknames)))
	return nil
}

// List returns the name -> endpoint table.
func (r *Registry) List(ctx context.Context) (map[string]string, error) {
	st, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return st.Nicknames, nil
}
