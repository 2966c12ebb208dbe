package source

import (
	"fmt"
	"sync"

	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// Registry maps canonical source IDs to adapter constructors and caches
// the constructed instances. Every instance is wrapped in the recording
// shim so fetch outcomes are captured uniformly.
type Registry struct {
	clock clock.Clock

	mu            sync.RWMutex
	typeFactories map[types.SourceType]Constructor
	constructors  map[string]Constructor
	descriptors   map[string]types.SourceDescriptor
	rawIDs        map[string]string // canonical -> raw id as registered
	aliases       map[string]string // legacy alias (canonical form) -> canonical id
	adapters      map[string]*Recorded
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Registry{
		clock:         clk,
		typeFactories: make(map[types.SourceType]Constructor),
		constructors:  make(map[string]Constructor),
		descriptors:   make(map[string]types.SourceDescriptor),
		rawIDs:        make(map[string]string),
		aliases:       make(map[string]string),
		adapters:      make(map[string]*Recorded),
	}
}

// RegisterType installs the constructor used for descriptors of the given
// type that carry no per-source constructor.
func (r *Registry) RegisterType(t types.SourceType, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeFactories[t] = ctor
}

// SetAliases installs the legacy alias table. Keys and values are
// canonicalized on installation.
func (r *Registry) SetAliases(aliases map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for alias, target := range aliases {
		r.aliases[types.CanonicalSourceID(alias)] = types.CanonicalSourceID(target)
	}
}

// Register adds a descriptor using the type factory for its source type.
func (r *Registry) Register(desc types.SourceDescriptor) error {
	return r.RegisterWith(desc, nil)
}

// RegisterWith adds a descriptor with an explicit constructor. Registering
// the exact same source ID twice is an error; registering an underscore
// synonym of an existing source is an idempotent no-op.
func (r *Registry) RegisterWith(desc types.SourceDescriptor, ctor Constructor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	raw := desc.SourceID
	canonical := types.CanonicalSourceID(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingRaw, ok := r.rawIDs[canonical]; ok {
		if existingRaw == raw {
			return fmt.Errorf("source %s already registered", raw)
		}
		// Synonym of an existing entry: same canonical form, nothing to do.
		return nil
	}
	if target, ok := r.aliases[canonical]; ok {
		if _, registered := r.rawIDs[target]; registered {
			return nil
		}
	}

	if ctor == nil {
		tf, ok := r.typeFactories[desc.Type]
		if !ok {
			return fmt.Errorf("source %s: no factory for type %q", raw, desc.Type)
		}
		ctor = tf
	}

	desc.SourceID = canonical
	r.rawIDs[canonical] = raw
	r.descriptors[canonical] = desc
	r.constructors[canonical] = ctor
	return nil
}

// Deregister removes a source, closing its adapter if constructed.
func (r *Registry) Deregister(id string) error {
	canonical := r.canonicalLocked(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rawIDs[canonical]; !ok {
		return errors.NewUnknownSource(canonical)
	}
	if rec, ok := r.adapters[canonical]; ok {
		if closer, ok := rec.inner.(Closer); ok {
			_ = closer.Close()
		}
		delete(r.adapters, canonical)
	}
	delete(r.rawIDs, canonical)
	delete(r.descriptors, canonical)
	delete(r.constructors, canonical)
	return nil
}

// Canonical resolves id through underscore rewriting and the alias table.
func (r *Registry) Canonical(id string) string {
	return r.canonicalLocked(id)
}

func (r *Registry) canonicalLocked(id string) string {
	canonical := types.CanonicalSourceID(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[canonical]; ok {
		return target
	}
	return canonical
}

// Resolve returns the recorded adapter and descriptor for id, constructing
// the adapter on first use.
func (r *Registry) Resolve(id string) (*Recorded, types.SourceDescriptor, error) {
	canonical := r.canonicalLocked(id)

	r.mu.RLock()
	desc, ok := r.descriptors[canonical]
	rec := r.adapters[canonical]
	r.mu.RUnlock()
	if !ok {
		return nil, types.SourceDescriptor{}, errors.NewUnknownSource(canonical)
	}
	if rec != nil {
		return rec, desc, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec = r.adapters[canonical]; rec != nil {
		return rec, desc, nil
	}
	adapter, err := r.constructors[canonical](desc)
	if err != nil {
		return nil, types.SourceDescriptor{}, fmt.Errorf("construct adapter %s: %w", canonical, err)
	}
	rec = newRecorded(canonical, adapter, r.clock)
	r.adapters[canonical] = rec
	return rec, desc, nil
}

// Descriptor returns the registered descriptor for id.
func (r *Registry) Descriptor(id string) (types.SourceDescriptor, bool) {
	canonical := r.canonicalLocked(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[canonical]
	return desc, ok
}

// UpdateDescriptor replaces a source's configuration. The new settings
// take effect on the next fetch: the cached adapter instance is discarded.
func (r *Registry) UpdateDescriptor(desc types.SourceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	canonical := r.canonicalLocked(desc.SourceID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rawIDs[canonical]; !ok {
		return errors.NewUnknownSource(canonical)
	}
	desc.SourceID = canonical
	r.descriptors[canonical] = desc
	if rec, ok := r.adapters[canonical]; ok {
		if closer, ok := rec.inner.(Closer); ok {
			_ = closer.Close()
		}
		delete(r.adapters, canonical)
	}
	return nil
}

// Descriptors lists every registered descriptor.
func (r *Registry) Descriptors() []types.SourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SourceDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// ByCategory lists descriptors in the given category.
func (r *Registry) ByCategory(category string) []types.SourceDescriptor {
	return r.filter(func(d types.SourceDescriptor) bool { return d.Category == category })
}

// ByCountry lists descriptors for the given country.
func (r *Registry) ByCountry(country string) []types.SourceDescriptor {
	return r.filter(func(d types.SourceDescriptor) bool { return d.Country == country })
}

// ByLanguage lists descriptors for the given language.
func (r *Registry) ByLanguage(language string) []types.SourceDescriptor {
	return r.filter(func(d types.SourceDescriptor) bool { return d.Language == language })
}

func (r *Registry) filter(keep func(types.SourceDescriptor) bool) []types.SourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.SourceDescriptor
	for _, d := range r.descriptors {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// Close releases every constructed adapter.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, rec := range r.adapters {
		if closer, ok := rec.inner.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close adapter %s: %w", id, err)
			}
		}
	}
	r.adapters = make(map[string]*Recorded)
	return firstErr
}
