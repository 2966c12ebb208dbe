// Package cache implements the per-source protection cache and the
// optional shared Redis tier behind it.
//
// The per-source cache is authoritative for protection decisions. The
// shared tier only serves cross-process reuse on cold start and is never
// consulted once a source has an in-memory entry.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/heatlink-project/heatlink/internal/clock"
	pkgcache "github.com/heatlink-project/heatlink/pkg/cache"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// DefaultShrinkRatio is the fraction of the current item count below which
// a successful-but-thin fetch is rejected.
const DefaultShrinkRatio = 0.30

// shrinkMinSize is the entry size above which shrink protection may
// trigger. Small caches are allowed to swing freely.
const shrinkMinSize = 5

// Protection kinds reported by Update.
const (
	ProtectionEmpty  = "empty"
	ProtectionError  = "error"
	ProtectionShrink = "shrink"
)

// Snapshot is a monitoring view of one source's entry.
type Snapshot struct {
	SourceID          string        `json:"source_id"`
	Size              int           `json:"size"`
	FetchedAt         time.Time     `json:"fetched_at"`
	Age               time.Duration `json:"age"`
	LastError         string        `json:"last_error,omitempty"`
	EmptyProtections  uint64        `json:"empty_protection_count"`
	ErrorProtections  uint64        `json:"error_protection_count"`
	ShrinkProtections uint64        `json:"shrink_protection_count"`
	Hits              uint64        `json:"hit_count"`
	Misses            uint64        `json:"miss_count"`
	MaxSizeSeen       int           `json:"max_size_seen"`
}

// UpdateResult describes what Update committed.
type UpdateResult struct {
	// Committed is what callers will observe: either the new items or,
	// when protection triggered, the pre-update items. Never a mixture.
	Committed []types.NewsItem
	// Protected is true when the existing items were kept.
	Protected bool
	// ProtectionKind is one of the Protection* constants, or "".
	ProtectionKind string
	// NewItemCount is how many of the fetched items carried IDs unseen in
	// the prior entry. The scheduler's freshness factor reads this.
	NewItemCount int
}

type entry struct {
	mu                sync.Mutex
	items             []types.NewsItem
	fetchedAt         time.Time
	lastError         string
	emptyProtections  uint64
	errorProtections  uint64
	shrinkProtections uint64
	hits              uint64
	misses            uint64
	maxSizeSeen       int
}

// SourceCache holds one protected entry per canonical source ID.
type SourceCache struct {
	clock  clock.Clock
	shared pkgcache.Cache // optional second tier
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewSourceCache creates the per-source cache. shared may be nil.
func NewSourceCache(clk clock.Clock, shared pkgcache.Cache, logger *slog.Logger) *SourceCache {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceCache{
		clock:   clk,
		shared:  shared,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

func (c *SourceCache) entryFor(sourceID string, create bool) *entry {
	c.mu.RLock()
	e := c.entries[sourceID]
	c.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e = c.entries[sourceID]; e == nil {
		e = &entry{}
		c.entries[sourceID] = e
	}
	return e
}

// Lookup returns the cached items for sourceID along with their age.
// valid is true when an entry exists and its age is within ttl. When the
// in-memory entry is absent entirely, the shared tier is consulted once
// (cold start) and, on a hit, hydrates the entry.
func (c *SourceCache) Lookup(ctx context.Context, sourceID string, ttl time.Duration) (items []types.NewsItem, age time.Duration, valid bool) {
	e := c.entryFor(sourceID, false)
	if e == nil {
		e = c.hydrateFromShared(ctx, sourceID)
	}
	if e == nil {
		e = c.entryFor(sourceID, true)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fetchedAt.IsZero() {
		e.misses++
		return nil, 0, false
	}
	age = c.clock.Since(e.fetchedAt)
	items = append([]types.NewsItem(nil), e.items...)
	if age <= ttl {
		e.hits++
		return items, age, true
	}
	e.misses++
	return items, age, false
}

// Stale returns the current items regardless of TTL, for degraded-mode
// fallbacks (waiter timeouts, failed fetches with a warm cache).
func (c *SourceCache) Stale(sourceID string) ([]types.NewsItem, bool) {
	e := c.entryFor(sourceID, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fetchedAt.IsZero() {
		return nil, false
	}
	return append([]types.NewsItem(nil), e.items...), true
}

// Update runs the protection policy and commits the result. shrinkRatio
// zero means DefaultShrinkRatio; ttl is the shared-tier TTL used when the
// commit replaces the items.
func (c *SourceCache) Update(ctx context.Context, sourceID string, newItems []types.NewsItem, success bool, fetchErr error, shrinkRatio float64, ttl time.Duration) UpdateResult {
	if shrinkRatio <= 0 {
		shrinkRatio = DefaultShrinkRatio
	}
	e := c.entryFor(sourceID, true)

	e.mu.Lock()
	curCount := len(e.items)
	newCount := len(newItems)

	seen := make(map[string]struct{}, curCount)
	for i := range e.items {
		seen[e.items[i].ID] = struct{}{}
	}
	newIDs := 0
	for i := range newItems {
		if _, ok := seen[newItems[i].ID]; !ok {
			newIDs++
		}
	}

	res := UpdateResult{NewItemCount: newIDs}

	switch {
	case !success && curCount > 0:
		e.errorProtections++
		if fetchErr != nil {
			e.lastError = fetchErr.Error()
		}
		res.Protected = true
		res.ProtectionKind = ProtectionError
		res.Committed = append([]types.NewsItem(nil), e.items...)

	case !success:
		// Cold cache and a failed fetch: commit empty, surface the error.
		if fetchErr != nil {
			e.lastError = fetchErr.Error()
		}
		e.items = nil
		res.Committed = nil

	case newCount == 0 && curCount > 0:
		e.emptyProtections++
		e.lastError = ""
		e.fetchedAt = c.clock.Now()
		res.Protected = true
		res.ProtectionKind = ProtectionEmpty
		res.Committed = append([]types.NewsItem(nil), e.items...)

	case curCount > shrinkMinSize && float64(newCount) < shrinkRatio*float64(curCount):
		e.shrinkProtections++
		e.lastError = ""
		e.fetchedAt = c.clock.Now()
		res.Protected = true
		res.ProtectionKind = ProtectionShrink
		res.Committed = append([]types.NewsItem(nil), e.items...)

	default:
		e.items = append([]types.NewsItem(nil), newItems...)
		e.fetchedAt = c.clock.Now()
		e.lastError = ""
		if newCount > e.maxSizeSeen {
			e.maxSizeSeen = newCount
		}
		res.Committed = append([]types.NewsItem(nil), newItems...)
	}
	e.mu.Unlock()

	if c.shared != nil {
		if success && !res.Protected && len(res.Committed) > 0 {
			c.writeShared(ctx, sourceID, res.Committed, ttl)
		}
		c.writeSharedStats(ctx, sourceID, ttl)
	}
	return res
}

// Clear drops a source's entry from both tiers.
func (c *SourceCache) Clear(ctx context.Context, sourceID string) {
	c.mu.Lock()
	delete(c.entries, sourceID)
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.Delete(ctx, ItemsKey(sourceID)); err != nil {
			c.logger.Warn("shared cache delete failed", "source_id", sourceID, "error", err)
		}
		if err := c.shared.Delete(ctx, StatsKey(sourceID)); err != nil {
			c.logger.Warn("shared cache delete failed", "source_id", sourceID, "error", err)
		}
	}
}

// Status returns the monitoring snapshot for sourceID.
func (c *SourceCache) Status(sourceID string) (Snapshot, bool) {
	e := c.entryFor(sourceID, false)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		SourceID:          sourceID,
		Size:              len(e.items),
		FetchedAt:         e.fetchedAt,
		LastError:         e.lastError,
		EmptyProtections:  e.emptyProtections,
		ErrorProtections:  e.errorProtections,
		ShrinkProtections: e.shrinkProtections,
		Hits:              e.hits,
		Misses:            e.misses,
		MaxSizeSeen:       e.maxSizeSeen,
	}
	if !e.fetchedAt.IsZero() {
		snap.Age = c.clock.Since(e.fetchedAt)
	}
	return snap, true
}

// Sources lists every source ID with an in-memory entry.
func (c *SourceCache) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

func (c *SourceCache) writeShared(ctx context.Context, sourceID string, items []types.NewsItem, ttl time.Duration) {
	payload, err := json.Marshal(items)
	if err != nil {
		c.logger.Warn("shared cache marshal failed", "source_id", sourceID, "error", err)
		return
	}
	if err := c.shared.Set(ctx, ItemsKey(sourceID), payload, ttl); err != nil {
		c.logger.Warn("shared cache write failed", "source_id", sourceID, "error", err)
	}
}

// writeSharedStats publishes the monitoring snapshot so other processes
// can read a source's state without holding its cache entry.
func (c *SourceCache) writeSharedStats(ctx context.Context, sourceID string, ttl time.Duration) {
	snap, ok := c.Status(sourceID)
	if !ok {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("shared cache stats marshal failed", "source_id", sourceID, "error", err)
		return
	}
	if err := c.shared.Set(ctx, StatsKey(sourceID), payload, ttl); err != nil {
		c.logger.Warn("shared cache stats write failed", "source_id", sourceID, "error", err)
	}
}

func (c *SourceCache) hydrateFromShared(ctx context.Context, sourceID string) *entry {
	if c.shared == nil {
		return nil
	}
	payload, err := c.shared.Get(ctx, ItemsKey(sourceID))
	if err != nil {
		c.logger.Warn("shared cache read failed", "source_id", sourceID, "error", err)
		return nil
	}
	if payload == nil {
		return nil
	}
	var items []types.NewsItem
	if err := json.Unmarshal(payload, &items); err != nil {
		c.logger.Warn("shared cache payload corrupt", "source_id", sourceID, "error", err)
		return nil
	}
	e := c.entryFor(sourceID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fetchedAt.IsZero() {
		return e // lost the race to a live fetch
	}
	e.items = items
	e.fetchedAt = c.clock.Now()
	if len(items) > e.maxSizeSeen {
		e.maxSizeSeen = len(items)
	}
	c.logger.Debug("hydrated source cache from shared tier", "source_id", sourceID, "items", len(items))
	return e
}

// ItemsKey is the shared-tier key holding a source's serialized items.
func ItemsKey(sourceID string) string { return "source:" + sourceID }

// StatsKey is the shared-tier key holding a source's aggregate snapshot.
func StatsKey(sourceID string) string { return "source:" + sourceID + ":stats" }
