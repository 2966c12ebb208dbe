package heatlink

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heatlink-project/heatlink/internal/source"
	"github.com/heatlink-project/heatlink/pkg/types"
)

type fixedAdapter struct {
	desc  SourceDescriptor
	items []NewsItem

	mu    sync.Mutex
	calls int
}

func (a *fixedAdapter) Metadata() SourceDescriptor { return a.desc }

func (a *fixedAdapter) Fetch(context.Context, *http.Client) ([]NewsItem, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.items, nil
}

func (a *fixedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type captureEmitter struct {
	mu      sync.Mutex
	batches map[string][]NewsItem
}

func (e *captureEmitter) Emit(_ context.Context, sourceID string, items []NewsItem, _ CallType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batches == nil {
		e.batches = make(map[string][]NewsItem)
	}
	e.batches[sourceID] = append(e.batches[sourceID], items...)
	return nil
}

func (e *captureEmitter) Close() error { return nil }

func demoDescriptor(id string) SourceDescriptor {
	return SourceDescriptor{
		SourceID:       id,
		Name:           "Demo " + id,
		Type:           SourceTypeAPI,
		UpdateInterval: 10 * time.Minute,
		CacheTTL:       time.Minute,
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithoutHealthSweep(), WithJitterSeed(1)}, opts...)
	eng, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNewWithDefaults(t *testing.T) {
	eng := newTestEngine(t)
	assert.Empty(t, eng.Control().ListSources())
}

func TestFetchThroughHandle(t *testing.T) {
	adapter := &fixedAdapter{
		desc:  demoDescriptor("demo"),
		items: []NewsItem{{Title: "hello", URL: "https://example.com/hello"}},
	}
	eng := newTestEngine(t, WithSourceAdapter(adapter.desc, func(types.SourceDescriptor) (source.Adapter, error) {
		return adapter, nil
	}))

	items, meta, err := eng.GetNews(context.Background(), "demo", FetchOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello", items[0].Title)
	assert.False(t, meta.CacheHit)

	// Second call inside the TTL is served from cache.
	_, meta, err = eng.GetNews(context.Background(), "demo", FetchOptions{})
	require.NoError(t, err)
	assert.True(t, meta.CacheHit)
	assert.Equal(t, 1, adapter.callCount())
}

func TestEmitterReceivesCommittedItems(t *testing.T) {
	adapter := &fixedAdapter{
		desc: demoDescriptor("demo"),
		items: []NewsItem{
			{Title: "one", URL: "https://example.com/1"},
			{Title: "two", URL: "https://example.com/2"},
		},
	}
	capture := &captureEmitter{}
	eng := newTestEngine(t,
		WithEmitter(capture),
		WithSourceAdapter(adapter.desc, func(types.SourceDescriptor) (source.Adapter, error) {
			return adapter, nil
		}),
	)

	_, _, err := eng.GetNews(context.Background(), "demo", FetchOptions{})
	require.NoError(t, err)

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.Len(t, capture.batches["demo"], 2)
}

func TestRefreshForcesFetch(t *testing.T) {
	adapter := &fixedAdapter{
		desc:  demoDescriptor("demo"),
		items: []NewsItem{{Title: "fresh", URL: "https://example.com/fresh"}},
	}
	eng := newTestEngine(t, WithSourceAdapter(adapter.desc, func(types.SourceDescriptor) (source.Adapter, error) {
		return adapter, nil
	}))

	_, _, err := eng.GetNews(context.Background(), "demo", FetchOptions{})
	require.NoError(t, err)
	_, meta, err := eng.Refresh(context.Background(), "demo")
	require.NoError(t, err)
	assert.False(t, meta.CacheHit)
	assert.Equal(t, 2, adapter.callCount())
}

func TestNewRejectsInvalidDescriptor(t *testing.T) {
	desc := demoDescriptor("broken")
	desc.Type = "carrier-pigeon"
	_, err := New(WithoutHealthSweep(), WithSource(desc))
	assert.Error(t, err)
}

func TestBadAdapterConfigSurfacesOnFetch(t *testing.T) {
	// Adapter construction is lazy, so a url-less API source registers
	// fine and fails on first use.
	desc := demoDescriptor("broken")
	desc.Config = map[string]any{}
	eng := newTestEngine(t, WithSource(desc))

	_, _, err := eng.GetNews(context.Background(), "broken", FetchOptions{})
	assert.Error(t, err)
}

func TestControlPlaneThroughHandle(t *testing.T) {
	eng := newTestEngine(t)

	desc := demoDescriptor("late")
	desc.Config = map[string]any{
		"url":        "https://late.example.com/items",
		"items_path": ".items[]",
		"fields":     map[string]any{"title": ".title", "url": ".url"},
	}
	require.NoError(t, eng.Control().RegisterSource(desc))
	require.Len(t, eng.Control().ListSources(), 1)

	require.NoError(t, eng.Control().DeregisterSource(context.Background(), "late"))
	assert.Empty(t, eng.Control().ListSources())
}

func TestStartAndCloseLifecycle(t *testing.T) {
	adapter := &fixedAdapter{
		desc:  demoDescriptor("demo"),
		items: []NewsItem{{Title: "x", URL: "https://example.com/x"}},
	}
	eng, err := New(
		WithoutHealthSweep(),
		WithSourceAdapter(adapter.desc, func(types.SourceDescriptor) (source.Adapter, error) {
			return adapter, nil
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	_, _, err = eng.GetNews(ctx, "demo", FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	// Closed engines reject new work.
	_, _, err = eng.GetNews(context.Background(), "demo", FetchOptions{})
	assert.Error(t, err)
}
