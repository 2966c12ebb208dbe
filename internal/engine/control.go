package engine

import (
	"context"

	"github.com/heatlink-project/heatlink/internal/cache"
	"github.com/heatlink-project/heatlink/internal/proxy"
	"github.com/heatlink-project/heatlink/internal/stats"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// Control-plane surface. Transport is the caller's concern; these are
// plain method calls on the engine.

// ListSources returns every registered descriptor.
func (e *Engine) ListSources() []types.SourceDescriptor {
	return e.registry.Descriptors()
}

// SourcesByCategory filters registered sources by category.
func (e *Engine) SourcesByCategory(category string) []types.SourceDescriptor {
	return e.registry.ByCategory(category)
}

// SourcesByCountry filters registered sources by country.
func (e *Engine) SourcesByCountry(country string) []types.SourceDescriptor {
	return e.registry.ByCountry(country)
}

// SourcesByLanguage filters registered sources by language.
func (e *Engine) SourcesByLanguage(language string) []types.SourceDescriptor {
	return e.registry.ByLanguage(language)
}

// Source returns one source's descriptor.
func (e *Engine) Source(sourceID string) (types.SourceDescriptor, bool) {
	return e.registry.Descriptor(sourceID)
}

// SourceStatus returns the cache-side monitoring snapshot.
func (e *Engine) SourceStatus(sourceID string) (cache.Snapshot, bool) {
	return e.cache.Status(e.registry.Canonical(sourceID))
}

// SourceStats returns the live fetch aggregate for one call type.
func (e *Engine) SourceStats(sourceID string, callType types.CallType) (stats.Aggregate, bool) {
	if e.collector == nil {
		return stats.Aggregate{}, false
	}
	return e.collector.Snapshot(e.registry.Canonical(sourceID), callType)
}

// ProxyList returns every proxy with its health state, in selection order.
func (e *Engine) ProxyList() []proxy.Snapshot {
	if e.proxies == nil {
		return nil
	}
	return e.proxies.Snapshots()
}

// ProxyStats returns one proxy's health state.
func (e *Engine) ProxyStats(proxyID string) (proxy.Snapshot, bool) {
	if e.proxies == nil {
		return proxy.Snapshot{}, false
	}
	for _, snap := range e.proxies.Snapshots() {
		if snap.Config.ProxyID == proxyID {
			return snap, true
		}
	}
	return proxy.Snapshot{}, false
}

// RegisterSource adds a source and enrolls it with the scheduler.
func (e *Engine) RegisterSource(desc types.SourceDescriptor) error {
	if err := e.registry.Register(desc); err != nil {
		return err
	}
	if e.sched != nil {
		e.sched.Add(desc)
	}
	return nil
}

// DeregisterSource removes a source, its schedule, and its cache entry.
func (e *Engine) DeregisterSource(ctx context.Context, sourceID string) error {
	canonical := e.registry.Canonical(sourceID)
	if err := e.registry.Deregister(canonical); err != nil {
		return err
	}
	if e.sched != nil {
		e.sched.Remove(canonical)
	}
	e.cache.Clear(ctx, canonical)
	return nil
}

// UpdateSource replaces a source's configuration. The change takes effect
// on the next fetch.
func (e *Engine) UpdateSource(desc types.SourceDescriptor) error {
	return e.registry.UpdateDescriptor(desc)
}

// UpdateProxies replaces the proxy set, keeping health state for
// surviving proxy IDs.
func (e *Engine) UpdateProxies(proxies []proxy.Config) {
	if e.proxies != nil {
		e.proxies.SetProxies(proxies)
	}
}

// Refresh forces a fetch regardless of cache freshness.
func (e *Engine) Refresh(ctx context.Context, sourceID string) ([]types.NewsItem, types.FetchMeta, error) {
	return e.GetNews(ctx, sourceID, Options{ForceRefresh: true})
}
