package jobstatus

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader reads the status reference table.
type Loader interface {
	LoadStatusNames(ctx context.Context) (map[Status]string, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (map[Status]string, error)

// LoadStatusNames implements Loader.
func (f LoaderFunc) LoadStatusNames(ctx context.Context) (map[Status]string, error) {
	return f(ctx)
}

// Registry is a lazily loaded, read-only view of the status reference table.
//
// The table is read on first use and cached for the life of the Registry.
// Reload is the only refresh path; nothing invalidates the cache implicitly.
type Registry struct {
	loader Loader

	mu     sync.RWMutex
	names  map[Status]string
	loaded bool

	group singleflight.Group
}

// NewRegistry creates a Registry backed by loader.
func NewRegistry(loader Loader) *Registry {
	return &Registry{loader: loader}
}

// NameOf returns the display name for code. The second return is false when
// the code is unknown or the reference table could not be loaded.
func (r *Registry) NameOf(ctx context.Context, code Status) (string, bool) {
	if err := r.ensureLoaded(ctx); err != nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[code]
	return name, ok
}

// Names returns a copy of the loaded mapping.
func (r *Registry) Names(ctx context.Context) (map[Status]string, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]string, len(r.names))
	for k, v := range r.names {
		out[k] = v
	}
	return out, nil
}

// Reload re-reads the reference table and swaps the cached mapping.
func (r *Registry) Reload(ctx context.Context) error {
	names, err := r.load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.names = names
	r.loaded = true
	r.mu.Unlock()
	return nil
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	_, err, _ := r.group.Do("load", func() (any, error) {
		r.mu.RLock()
		done := r.loaded
		r.mu.RUnlock()
		if done {
			return nil, nil
		}
		return nil, r.Reload(ctx)
	})
	return err
}

func (r *Registry) load(ctx context.Context) (map[Status]string, error) {
	if r == nil || r.loader == nil {
		return nil, fmt.Errorf("status registry has no loader")
	}
	names, err := r.loader.LoadStatusNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("load job status names: %w", err)
	}
	if names == nil {
		names = map[Status]string{}
	}
	return names, nil
}
