// Package registry is the process-wide directory of bus handles, keyed by bus id.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/morezero/kiwibus/pkg/bus"
)

const logPrefix = "registry:registry"

// Registry maps bus ids to live handles. Callers look handles up by id and
// never hold on to them across lifecycle changes. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]bus.Handle
	debug   atomic.Bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]bus.Handle)}
}

// Add stores h under its own id, replacing any handle registered with the same id.
func (r *Registry) Add(h bus.Handle) {
	if h == nil {
		return
	}
	id := h.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.handles[id]; ok && prev != h {
		slog.Warn(fmt.Sprintf("%s - Replacing bus handle id=%s", logPrefix, id))
	}
	r.handles[id] = h
	slog.Debug(fmt.Sprintf("%s - Added bus handle id=%s", logPrefix, id))
}

// Remove drops the handle registered under h's id. Removing an absent id is a no-op.
func (r *Registry) Remove(h bus.Handle) {
	if h == nil {
		return
	}
	r.RemoveByID(h.ID())
}

// RemoveByID drops the handle registered under id, if any.
func (r *Registry) RemoveByID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; !ok {
		return
	}
	delete(r.handles, id)
	slog.Debug(fmt.Sprintf("%s - Removed bus handle id=%s", logPrefix, id))
}

// RemoveAll empties the registry without closing the handles.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = make(map[string]bus.Handle)
}

// Get returns the handle registered under id, or nil.
func (r *Registry) Get(id string) bus.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[id]
}

// GetAll returns a copy of the id -> handle map.
func (r *Registry) GetAll() map[string]bus.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bus.Handle, len(r.handles))
	for id, h := range r.handles {
		out[id] = h
	}
	return out
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes and removes every handle, combining close errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]bus.Handle)
	r.mu.Unlock()

	var err error
	for id, h := range handles {
		slog.Info(fmt.Sprintf("%s - Closing bus handle id=%s", logPrefix, id))
		if cerr := h.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s - close %s: %w", logPrefix, id, cerr))
		}
	}
	return err
}

// EnableDebug turns on mirroring of bus traffic to the dispatcher's trace sink.
func (r *Registry) EnableDebug() {
	r.debug.Store(true)
}

// DisableDebug turns mirroring off.
func (r *Registry) DisableDebug() {
	r.debug.Store(false)
}

// IsDebug reports whether debug mirroring is enabled.
func (r *Registry) IsDebug() bool {
	return r.debug.Load()
}
