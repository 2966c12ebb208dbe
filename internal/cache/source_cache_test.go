package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

func makeItems(prefix string, n int) []types.NewsItem {
	out := make([]types.NewsItem, n)
	for i := 0; i < n; i++ {
		out[i] = types.NewsItem{
			ID:         fmt.Sprintf("%s-%d", prefix, i),
			SourceID:   "demo",
			SourceName: "Demo",
			Title:      fmt.Sprintf("item %d", i),
			URL:        fmt.Sprintf("https://example.com/%s/%d", prefix, i),
		}
	}
	return out
}

func TestLookupMissOnEmptyCache(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)

	items, age, valid := c.Lookup(context.Background(), "demo", time.Minute)
	assert.Nil(t, items)
	assert.Zero(t, age)
	assert.False(t, valid)

	snap, ok := c.Status("demo")
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Misses)
}

func TestUpdateThenLookupRoundTrip(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := NewSourceCache(clk, nil, nil)

	committed := c.Update(context.Background(), "demo", makeItems("a", 3), true, nil, 0, time.Minute)
	require.False(t, committed.Protected)
	require.Len(t, committed.Committed, 3)
	assert.Equal(t, 3, committed.NewItemCount)

	clk.Advance(10 * time.Second)
	items, age, valid := c.Lookup(context.Background(), "demo", time.Minute)
	require.True(t, valid)
	assert.Equal(t, 10*time.Second, age)
	assert.Equal(t, committed.Committed, items)
}

func TestLookupExpiredByTTL(t *testing.T) {
	clk := clockwork.NewFakeClock()
	c := NewSourceCache(clk, nil, nil)

	c.Update(context.Background(), "demo", makeItems("a", 3), true, nil, 0, time.Minute)
	clk.Advance(2 * time.Minute)

	items, _, valid := c.Lookup(context.Background(), "demo", time.Minute)
	assert.False(t, valid)
	// Items are still returned for degraded-mode callers.
	assert.Len(t, items, 3)
}

func TestErrorProtectionKeepsWarmCache(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)
	ctx := context.Background()

	c.Update(ctx, "demo", makeItems("a", 10), true, nil, 0, time.Minute)
	res := c.Update(ctx, "demo", nil, false, errors.NewNetwork("demo", "connection reset"), 0, time.Minute)

	assert.True(t, res.Protected)
	assert.Equal(t, ProtectionError, res.ProtectionKind)
	assert.Len(t, res.Committed, 10)

	snap, _ := c.Status("demo")
	assert.Equal(t, uint64(1), snap.ErrorProtections)
	assert.Contains(t, snap.LastError, "connection reset")
}

func TestFailureOnColdCacheCommitsEmpty(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)
	ctx := context.Background()

	res := c.Update(ctx, "demo", nil, false, errors.NewNetwork("demo", "dns failure"), 0, time.Minute)
	assert.False(t, res.Protected)
	assert.Empty(t, res.Committed)

	_, _, valid := c.Lookup(ctx, "demo", time.Minute)
	assert.False(t, valid)
	snap, _ := c.Status("demo")
	assert.Zero(t, snap.ErrorProtections)
	assert.Contains(t, snap.LastError, "dns failure")
}

func TestEmptyProtection(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)
	ctx := context.Background()

	c.Update(ctx, "demo", makeItems("a", 4), true, nil, 0, time.Minute)
	res := c.Update(ctx, "demo", nil, true, nil, 0, time.Minute)

	assert.True(t, res.Protected)
	assert.Equal(t, ProtectionEmpty, res.ProtectionKind)
	assert.Len(t, res.Committed, 4)
	snap, _ := c.Status("demo")
	assert.Equal(t, uint64(1), snap.EmptyProtections)
}

func TestEmptyCommitAllowedOnColdCache(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)

	res := c.Update(context.Background(), "demo", []types.NewsItem{}, true, nil, 0, time.Minute)
	assert.False(t, res.Protected)
	assert.Empty(t, res.Committed)
}

func TestShrinkProtectionBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		curCount  int
		newCount  int
		protected bool
	}{
		{"at threshold size, no protection", 5, 1, false},
		{"above threshold, steep shrink", 6, 1, true},
		{"above threshold, 33 percent is allowed", 6, 2, false},
		{"large cache shrinks hard", 10, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)
			ctx := context.Background()

			c.Update(ctx, "demo", makeItems("a", tt.curCount), true, nil, 0, time.Minute)
			res := c.Update(ctx, "demo", makeItems("b", tt.newCount), true, nil, 0, time.Minute)

			assert.Equal(t, tt.protected, res.Protected)
			if tt.protected {
				assert.Equal(t, ProtectionShrink, res.ProtectionKind)
				assert.Len(t, res.Committed, tt.curCount)
			} else {
				assert.Len(t, res.Committed, tt.newCount)
			}
		})
	}
}

func TestShrinkRatioOverride(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)
	ctx := context.Background()

	c.Update(ctx, "demo", makeItems("a", 10), true, nil, 0, time.Minute)
	// With a 0.10 ratio, 2 of 10 passes.
	res := c.Update(ctx, "demo", makeItems("b", 2), true, nil, 0.10, time.Minute)
	assert.False(t, res.Protected)
}

func TestNewItemCountOnlyCountsUnseenIDs(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)
	ctx := context.Background()

	first := makeItems("a", 6)
	c.Update(ctx, "demo", first, true, nil, 0, time.Minute)

	// Same 6 items plus 2 new ones.
	next := append(append([]types.NewsItem(nil), first...), makeItems("fresh", 2)...)
	res := c.Update(ctx, "demo", next, true, nil, 0, time.Minute)
	assert.Equal(t, 2, res.NewItemCount)
}

func TestClearDropsEntry(t *testing.T) {
	c := NewSourceCache(clockwork.NewFakeClock(), nil, nil)
	ctx := context.Background()

	c.Update(ctx, "demo", makeItems("a", 3), true, nil, 0, time.Minute)
	c.Clear(ctx, "demo")

	_, ok := c.Status("demo")
	assert.False(t, ok)
}

func TestSharedTierColdStartHydration(t *testing.T) {
	srv := miniredis.RunT(t)
	shared, err := NewRedisCache(RedisConfig{Addr: srv.Addr(), Namespace: "heatlink", DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer shared.Close()

	ctx := context.Background()
	clk := clockwork.NewFakeClock()

	// First process commits items; they land in the shared tier.
	warm := NewSourceCache(clk, shared, nil)
	warm.Update(ctx, "demo", makeItems("a", 5), true, nil, 0, time.Minute)

	// Second process has no in-memory entry and hydrates from Redis.
	cold := NewSourceCache(clk, shared, nil)
	items, _, valid := cold.Lookup(ctx, "demo", time.Minute)
	assert.True(t, valid)
	assert.Len(t, items, 5)
}

func TestSharedTierNotWrittenOnProtectedCommit(t *testing.T) {
	srv := miniredis.RunT(t)
	shared, err := NewRedisCache(RedisConfig{Addr: srv.Addr(), Namespace: "heatlink", DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer shared.Close()

	ctx := context.Background()
	c := NewSourceCache(clockwork.NewFakeClock(), shared, nil)

	c.Update(ctx, "demo", makeItems("a", 10), true, nil, 0, time.Minute)
	before, err := shared.Get(ctx, ItemsKey("demo"))
	require.NoError(t, err)
	require.NotNil(t, before)

	// Shrink-protected commit must not clobber the shared copy.
	c.Update(ctx, "demo", makeItems("b", 1), true, nil, 0, time.Minute)
	after, err := shared.Get(ctx, ItemsKey("demo"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSharedTierStatsSnapshotPublished(t *testing.T) {
	srv := miniredis.RunT(t)
	shared, err := NewRedisCache(RedisConfig{Addr: srv.Addr(), Namespace: "heatlink", DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer shared.Close()

	ctx := context.Background()
	c := NewSourceCache(clockwork.NewFakeClock(), shared, nil)
	c.Update(ctx, "demo", makeItems("a", 4), true, nil, 0, time.Minute)

	payload, err := shared.Get(ctx, StatsKey("demo"))
	require.NoError(t, err)
	require.NotNil(t, payload)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, "demo", snap.SourceID)
	assert.Equal(t, 4, snap.Size)
}
