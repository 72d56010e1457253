package carrier

import (
	"fmt"
	"sync"

	"github.com/ilsys/asap/internal/index"
	"github.com/ilsys/asap/internal/transmit"
	"github.com/ilsys/asap/internal/types"
)

// Factory builds the hook pair for one contact from its profile.
type Factory func(env *Env, profile *Profile) (index.Hooks, transmit.Hooks)

// Registry resolves a contact's configured hook id to its hook
// implementations. Profiles are loaded at startup; the handler field of
// a profile selects the factory, defaulting to the generic one.
type Registry struct {
	env *Env

	mu        sync.RWMutex
	factories map[string]Factory
	profiles  map[string]*Profile
}

// NewRegistry returns a registry with the built-in handlers registered.
func NewRegistry(env *Env, profiles map[string]*Profile) *Registry {
	r := &Registry{
		env:       env,
		factories: make(map[string]Factory),
		profiles:  profiles,
	}
	if r.profiles == nil {
		r.profiles = make(map[string]*Profile)
	}
	r.Register("generic", func(env *Env, p *Profile) (index.Hooks, transmit.Hooks) {
		g := NewGeneric(env, p)
		return g, g
	})
	r.Register("zipcase", func(env *Env, p *Profile) (index.Hooks, transmit.Hooks) {
		z := NewZipCase(env, p)
		return z, z
	})
	r.Register("pickup", func(env *Env, p *Profile) (index.Hooks, transmit.Hooks) {
		pk := NewPickup(env, p)
		return pk, pk
	})
	r.Register("emailv2", func(env *Env, p *Profile) (index.Hooks, transmit.Hooks) {
		e := NewEmailV2(env, p)
		return e, e
	})
	return r
}

// Register binds a handler id to a factory. Later registrations win, so
// deployments can swap a built-in.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// HooksFor returns the hook pair for the contact. A contact with no
// hook id, or one whose profile is absent, gets the pass-through hooks.
func (r *Registry) HooksFor(contact *types.Contact) (index.Hooks, transmit.Hooks, error) {
	if contact.HookID == "" {
		return index.NopHooks{}, transmit.NopHooks{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[contact.HookID]
	if !ok {
		return index.NopHooks{}, transmit.NopHooks{}, nil
	}
	handler := profile.Handler
	if handler == "" {
		handler = "generic"
	}
	factory, ok := r.factories[handler]
	if !ok {
		return nil, nil, fmt.Errorf("contact %s: unknown carrier handler %q", contact.ContactID, handler)
	}
	idxHooks, txHooks := factory(r.env, profile)
	return idxHooks, txHooks, nil
}

// ProfileFor returns the contact's carrier profile, or nil when the
// contact has no hook binding or the profile is absent.
func (r *Registry) ProfileFor(contact *types.Contact) *Profile {
	if contact.HookID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[contact.HookID]
}
