// Package engine orchestrates a fetch end to end: registry resolution,
// cache consultation, single-flight coalescing, proxy selection, adapter
// invocation, protected commit, stats, scheduling feedback, and emission.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heatlink-project/heatlink/internal/cache"
	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/internal/emitter"
	"github.com/heatlink-project/heatlink/internal/httpclient"
	"github.com/heatlink-project/heatlink/internal/observability"
	"github.com/heatlink-project/heatlink/internal/proxy"
	"github.com/heatlink-project/heatlink/internal/resilience"
	"github.com/heatlink-project/heatlink/internal/scheduler"
	"github.com/heatlink-project/heatlink/internal/singleflight"
	"github.com/heatlink-project/heatlink/internal/source"
	"github.com/heatlink-project/heatlink/internal/stats"
	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

const (
	// DefaultFetchDeadline bounds one adapter fetch when the descriptor
	// does not set its own.
	DefaultFetchDeadline = 60 * time.Second
	// DefaultShutdownGrace is how long Close waits for in-flight fetches.
	DefaultShutdownGrace = 30 * time.Second
	// DefaultConcurrency bounds simultaneous leader fetches.
	DefaultConcurrency = 8
)

// ErrShuttingDown rejects new work once Close has begun.
var ErrShuttingDown = errors.NewCanceled("engine")

// Options are caller-side knobs for GetNews.
type Options struct {
	// ForceRefresh bypasses the cache TTL check and always fetches.
	ForceRefresh bool
	// CallType overrides the default (external) attribution.
	CallType types.CallType
}

// Config holds engine-wide defaults.
type Config struct {
	FetchDeadline time.Duration
	ShutdownGrace time.Duration
	Concurrency   int
	MaxItems      int
}

// Engine is the fetch orchestrator.
type Engine struct {
	registry  *source.Registry
	cache     *cache.SourceCache
	proxies   *proxy.Pool
	clients   *httpclient.Factory
	collector *stats.Collector
	sched     *scheduler.Scheduler
	emit      emitter.Emitter
	guard     *singleflight.Guard
	clock     clock.Clock
	logger    *slog.Logger
	sem       *resilience.Semaphore

	fetchDeadline time.Duration
	shutdownGrace time.Duration
	maxItems      int

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// New wires an engine from its collaborators. sched and emit may be nil.
func New(
	registry *source.Registry,
	sourceCache *cache.SourceCache,
	proxies *proxy.Pool,
	clients *httpclient.Factory,
	collector *stats.Collector,
	sched *scheduler.Scheduler,
	emit emitter.Emitter,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = emitter.NewLogEmitter(logger)
	}
	if cfg.FetchDeadline <= 0 {
		cfg.FetchDeadline = DefaultFetchDeadline
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = source.DefaultMaxItems
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry:      registry,
		cache:         sourceCache,
		proxies:       proxies,
		clients:       clients,
		collector:     collector,
		sched:         sched,
		emit:          emit,
		guard:         singleflight.NewGuard(),
		clock:         clk,
		logger:        logger,
		sem:           resilience.NewSemaphore(cfg.Concurrency),
		fetchDeadline: cfg.FetchDeadline,
		shutdownGrace: cfg.ShutdownGrace,
		maxItems:      cfg.MaxItems,
		baseCtx:       baseCtx,
		cancelBase:    cancel,
	}
}

// SetScheduler binds the scheduler after construction. The scheduler
// needs the engine as its dispatcher, so the two are wired in two steps.
func (e *Engine) SetScheduler(s *scheduler.Scheduler) { e.sched = s }

// fetchResult is what a leader hands to every coalesced caller.
type fetchResult struct {
	items []types.NewsItem
	meta  types.FetchMeta
	err   error
}

// GetNews returns a source's items, serving from cache when fresh and
// coalescing concurrent fetches otherwise.
func (e *Engine) GetNews(ctx context.Context, sourceID string, opts Options) ([]types.NewsItem, types.FetchMeta, error) {
	if e.closed.Load() {
		return nil, types.FetchMeta{}, ErrShuttingDown
	}
	canonical := e.registry.Canonical(sourceID)
	desc, ok := e.registry.Descriptor(canonical)
	if !ok {
		return nil, types.FetchMeta{}, errors.NewUnknownSource(canonical)
	}

	if !opts.ForceRefresh {
		if items, age, valid := e.cache.Lookup(ctx, canonical, desc.CacheTTL); valid {
			return items, types.FetchMeta{CacheHit: true, Age: age}, nil
		}
	}

	callType := opts.CallType
	if callType == "" {
		callType = types.CallExternal
	}

	res, err := e.guard.Do(ctx, canonical, func() (any, error) {
		return e.leaderFetch(canonical, callType), nil
	})
	if err != nil {
		// Waiter gave up; the leader keeps running. Serve whatever the
		// cache holds, however old.
		if items, ok := e.cache.Stale(canonical); ok {
			return items, types.FetchMeta{CacheHit: true, ErrorKind: errors.KindInFlightTimeout}, nil
		}
		return nil, types.FetchMeta{}, errors.NewInFlightTimeout(canonical)
	}
	fr := res.Value.(*fetchResult)
	return fr.items, fr.meta, fr.err
}

// FetchSource is the scheduler entrypoint: fetch and commit without
// returning items. It also coalesces with any in-flight GetNews.
func (e *Engine) FetchSource(ctx context.Context, sourceID string, callType types.CallType) error {
	if e.closed.Load() {
		return ErrShuttingDown
	}
	canonical := e.registry.Canonical(sourceID)
	if _, ok := e.registry.Descriptor(canonical); !ok {
		return errors.NewUnknownSource(canonical)
	}
	res, err := e.guard.Do(ctx, canonical, func() (any, error) {
		return e.leaderFetch(canonical, callType), nil
	})
	if err != nil {
		return err
	}
	return res.Value.(*fetchResult).err
}

// FetchAll refreshes every registered source through the fetch
// concurrency bound. With force false, fresh sources are served from
// cache and cause no outbound traffic.
func (e *Engine) FetchAll(ctx context.Context, force bool) map[string][]types.NewsItem {
	descs := e.registry.Descriptors()
	out := make(map[string][]types.NewsItem, len(descs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, desc := range descs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			items, _, err := e.GetNews(ctx, id, Options{ForceRefresh: force})
			if err != nil {
				e.logger.Warn("fetch all: source failed", "source", id, "error", err)
				return
			}
			mu.Lock()
			out[id] = items
			mu.Unlock()
		}(desc.SourceID)
	}
	wg.Wait()
	return out
}

// InFlight reports whether a fetch for sourceID is currently running.
func (e *Engine) InFlight(sourceID string) bool {
	return e.guard.InFlight(e.registry.Canonical(sourceID))
}

// leaderFetch performs one complete fetch cycle. It deliberately runs on
// the engine's own context so caller cancellation never aborts work that
// other waiters and the scheduler benefit from.
func (e *Engine) leaderFetch(canonical string, callType types.CallType) *fetchResult {
	e.wg.Add(1)
	defer e.wg.Done()

	ctx, fetchID := observability.GetOrCreateFetchID(e.baseCtx)
	log := e.logger.With("source", canonical, "fetch_id", fetchID, "call_type", callType)

	if err := e.sem.Acquire(ctx); err != nil {
		return &fetchResult{err: errors.Wrap(canonical, err)}
	}
	defer e.sem.Release()

	rec, desc, err := e.registry.Resolve(canonical)
	if err != nil {
		return &fetchResult{err: errors.Wrap(canonical, err)}
	}

	deadline := desc.FetchDeadline
	if deadline <= 0 {
		deadline = e.fetchDeadline
	}
	fetchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	rawItems, outcome, fetchErr := e.fetchWithProxy(fetchCtx, log, rec, desc)

	var normalized []types.NewsItem
	if fetchErr == nil {
		normalized = source.Normalize(desc, rawItems, e.maxItems)
	}

	res := e.cache.Update(ctx, canonical, normalized, fetchErr == nil, fetchErr, desc.ShrinkRatio, desc.CacheTTL)

	outcome.ItemCount = len(res.Committed)
	outcome.CacheUsed = res.Protected
	outcome.CallType = callType
	if e.collector != nil {
		e.collector.Record(outcome)
	}
	if e.sched != nil {
		e.sched.Observe(canonical, scheduler.Outcome{
			Success:  fetchErr == nil,
			Duration: outcome.Duration,
			NewItems: res.NewItemCount,
		})
	}

	// Only a live commit reaches downstream; protected or failed cycles
	// would re-emit what downstream already has.
	if fetchErr == nil && !res.Protected && len(res.Committed) > 0 {
		if err := e.emit.Emit(ctx, canonical, res.Committed, callType); err != nil {
			log.Warn("emit failed", "error", err)
		}
	}

	meta := types.FetchMeta{ProtectionApplied: res.Protected}
	if fetchErr != nil {
		meta.ErrorKind = errors.KindOf(fetchErr)
		if len(res.Committed) > 0 {
			// Warm cache absorbs the failure; the caller still gets items.
			log.Warn("fetch failed, serving protected cache", "error", fetchErr, "items", len(res.Committed))
			return &fetchResult{items: res.Committed, meta: meta}
		}
		log.Warn("fetch failed with cold cache", "error", fetchErr)
		return &fetchResult{meta: meta, err: fetchErr}
	}

	log.Debug("fetch committed", "items", len(res.Committed), "new_items", res.NewItemCount, "protected", res.Protected)
	return &fetchResult{items: res.Committed, meta: meta}
}

// fetchWithProxy runs the adapter, routing through the proxy pool when
// policy demands and retrying once on the next proxy after a failure.
func (e *Engine) fetchWithProxy(ctx context.Context, log *slog.Logger, rec *source.Recorded, desc types.SourceDescriptor) ([]types.NewsItem, types.StatsOutcome, error) {
	needsProxy := e.proxies != nil && e.proxies.RequiresProxy(primaryURL(desc), desc.Proxy)
	if !needsProxy {
		return rec.FetchRecorded(ctx, e.clients.New(desc, nil))
	}

	exclude := make(map[string]bool, 1)
	var lastItems []types.NewsItem
	var lastOutcome types.StatsOutcome
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		snap := e.proxies.Select(desc.Proxy.Group, exclude)
		if snap == nil {
			if desc.Proxy.AllowFallbackDirect {
				log.Debug("no usable proxy, falling back to direct")
				return rec.FetchRecorded(ctx, e.clients.New(desc, nil))
			}
			if attempt == 0 {
				err := errors.NewProxyUnavailable(desc.SourceID, desc.Proxy.Group)
				return nil, types.StatsOutcome{
					SourceID:     desc.SourceID,
					StartedAt:    e.clock.Now(),
					ErrorKind:    errors.KindProxyUnavailable,
					ErrorMessage: err.Message,
				}, err
			}
			break
		}

		items, outcome, err := rec.FetchRecorded(ctx, e.clients.New(desc, snap.Config.URL()))
		e.proxies.ReportOutcome(snap.Config.ProxyID, err == nil, outcome.Duration)
		if err == nil {
			return items, outcome, nil
		}
		log.Debug("fetch via proxy failed", "proxy", snap.Config.ProxyID, "error", err)
		exclude[snap.Config.ProxyID] = true
		lastItems, lastOutcome, lastErr = items, outcome, err

		// Only transport-level failures justify burning the retry on a
		// different proxy.
		kind := errors.KindOf(err)
		if kind != errors.KindNetwork && kind != errors.KindTimeout && kind != errors.KindProxyUnavailable {
			break
		}
	}
	return lastItems, lastOutcome, lastErr
}

// primaryURL extracts the adapter's main endpoint for the proxy-required
// domain check.
func primaryURL(desc types.SourceDescriptor) string {
	for _, key := range []string{"url", "feed_url"} {
		if v, ok := desc.Config[key].(string); ok && v != "" {
			return v
		}
	}
	return desc.HomeURL
}

// Close stops accepting work and drains in-flight fetches for up to the
// shutdown grace period, then cancels whatever remains.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	timer := e.clock.NewTimer(e.shutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.Chan():
		e.logger.Warn("shutdown grace elapsed, canceling in-flight fetches")
	}
	e.cancelBase()
	return nil
}
