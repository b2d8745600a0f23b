package channel

import (
	"fmt"
	"sort"
	"sync"

	"onegate/internal/core"
)

// Registry holds the live set of channels, keyed by name.
// Channels can be added, replaced and removed while requests are in flight;
// a request keeps using the channel values it was handed.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Add registers a new channel. Names must be unique.
func (r *Registry) Add(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %q already registered", ch.Name())
	}
	r.channels[ch.Name()] = ch
	return nil
}

// Replace registers ch, returning the channel it displaced, if any.
func (r *Registry) Replace(ch *Channel) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.channels[ch.Name()]
	r.channels[ch.Name()] = ch
	return old
}

// Remove unregisters the named channel and returns it, or nil if not found.
func (r *Registry) Remove(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil
	}
	delete(r.channels, name)
	return ch
}

// Reload swaps the whole channel set and returns the names that are gone.
func (r *Registry) Reload(channels []*Channel) ([]string, error) {
	next := make(map[string]*Channel, len(channels))
	for _, ch := range channels {
		if _, dup := next[ch.Name()]; dup {
			return nil, fmt.Errorf("channel %q defined twice", ch.Name())
		}
		next[ch.Name()] = ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name := range r.channels {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	r.channels = next
	return removed, nil
}

// Get returns the named channel, or nil if not found.
func (r *Registry) Get(name string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[name]
}

// List returns every channel, sorted by name for consistent ordering.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Supports reports whether any registered channel, enabled or not, lists model.
func (r *Registry) Supports(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.Serves(model) {
			return true
		}
	}
	return false
}

// ListModels returns the union of models served by enabled channels, sorted
// by model ID. The first adapter type (by channel name) serving a model is
// reported as its owner.
func (r *Registry) ListModels() []core.Model {
	seen := map[string]core.Model{}
	for _, ch := range r.List() {
		if !ch.Enabled() {
			continue
		}
		for _, id := range ch.Descriptor().SupportedModels {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = core.Model{ID: id, Object: "model", OwnedBy: ch.AdapterType()}
		}
	}

	models := make([]core.Model, 0, len(seen))
	for _, m := range seen {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool {
		return models[i].ID < models[j].ID
	})
	return models
}
