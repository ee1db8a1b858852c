// Package registry maps capability ids to handler factories.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"underwriter/internal/stage"
)

var ErrUnknownCapability = errors.New("unknown capability")

// Factory builds a fresh handler for each invocation so no state is shared
// across runs.
type Factory func() stage.Handler

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	if id == "" || f == nil {
		panic("registry: empty id or nil factory")
	}
	r.mu.Lock()
	r.factories[id] = f
	r.mu.Unlock()
}

// Resolve returns a new handler for id.
func (r *Registry) Resolve(id string) (stage.Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, id)
	}
	return f(), nil
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate reports every id without a registered factory.
func (r *Registry) Validate(ids []string) error {
	var errs []error
	for _, id := range ids {
		if !r.Has(id) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownCapability, id))
		}
	}
	return errors.Join(errs...)
}
