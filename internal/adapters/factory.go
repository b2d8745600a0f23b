// Package adapters holds the registry of adapter types and the helpers
// adapter packages share for decoding their configuration.
package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"onegate/internal/core"
)

// Builder creates an adapter bound to one channel's configuration.
type Builder func(cfg map[string]any) (core.Adapter, error)

// Registration is what an adapter package exports to make itself available.
type Registration struct {
	Descriptor core.Descriptor
	New        Builder
}

// Factory maps adapter type names to their descriptors and builders.
// Registration happens at startup; lookups are safe for concurrent use.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Registration
}

// NewFactory creates an empty adapter factory.
func NewFactory() *Factory {
	return &Factory{builders: make(map[string]Registration)}
}

// Add registers an adapter type. Names are unique; registering the same
// name twice is a programming error.
func (f *Factory) Add(reg Registration) error {
	name := reg.Descriptor.Name
	if name == "" {
		return fmt.Errorf("adapter registration has no name")
	}
	if reg.New == nil {
		return fmt.Errorf("adapter %q has no builder", name)
	}
	if len(reg.Descriptor.SupportedModels) == 0 {
		return fmt.Errorf("adapter %q declares no supported models", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.builders[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	f.builders[name] = reg
	return nil
}

// MustAdd is Add for use during program initialization.
func (f *Factory) MustAdd(regs ...Registration) *Factory {
	for _, reg := range regs {
		if err := f.Add(reg); err != nil {
			panic(err)
		}
	}
	return f
}

// Create instantiates an adapter of the named type.
func (f *Factory) Create(adapterType string, cfg map[string]any) (core.Adapter, error) {
	f.mu.RLock()
	reg, ok := f.builders[adapterType]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter type: %s", adapterType)
	}
	a, err := reg.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", adapterType, err)
	}
	return a, nil
}

// Descriptor returns the capabilities of a registered adapter type.
func (f *Factory) Descriptor(adapterType string) (core.Descriptor, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	reg, ok := f.builders[adapterType]
	return reg.Descriptor, ok
}

// Descriptors returns every registered descriptor ordered by name.
func (f *Factory) Descriptors() []core.Descriptor {
	f.mu.RLock()
	out := make([]core.Descriptor, 0, len(f.builders))
	for _, reg := range f.builders {
		out = append(out, reg.Descriptor)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListRegistered returns the registered adapter type names, sorted.
func (f *Factory) ListRegistered() []string {
	descs := f.Descriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// DecodeConfig copies a channel's free-form configuration into an adapter's
// typed config struct. Field names come from `mapstructure` tags; values
// coming from YAML or env strings are converted where unambiguous.
func DecodeConfig(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid adapter config: %w", err)
	}
	return nil
}
