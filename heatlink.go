// Package heatlink provides the source fetch engine as a Go library: a
// registry of pluggable source adapters driven on adaptive schedules,
// coalesced behind a two-tier protected cache, with proxy routing,
// per-source statistics, and downstream emission.
//
// Basic usage:
//
//	eng, err := heatlink.New(
//	    heatlink.WithSource(heatlink.SourceDescriptor{
//	        SourceID:       "hacker-news",
//	        Name:           "Hacker News",
//	        Type:           heatlink.SourceTypeAPI,
//	        UpdateInterval: 10 * time.Minute,
//	        CacheTTL:       10 * time.Minute,
//	        Config: map[string]any{
//	            "url":        "https://hn.example.com/items",
//	            "items_path": ".items[]",
//	            "fields":     map[string]string{"title": ".title", "url": ".url"},
//	        },
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	eng.Start(ctx)
//	items, meta, err := eng.GetNews(ctx, "hacker-news", heatlink.FetchOptions{})
package heatlink

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/heatlink-project/heatlink/internal/cache"
	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/internal/emitter"
	"github.com/heatlink-project/heatlink/internal/engine"
	"github.com/heatlink-project/heatlink/internal/httpclient"
	"github.com/heatlink-project/heatlink/internal/observability"
	"github.com/heatlink-project/heatlink/internal/proxy"
	"github.com/heatlink-project/heatlink/internal/renderer"
	"github.com/heatlink-project/heatlink/internal/scheduler"
	"github.com/heatlink-project/heatlink/internal/source"
	"github.com/heatlink-project/heatlink/internal/source/jsonapi"
	"github.com/heatlink-project/heatlink/internal/source/rss"
	"github.com/heatlink-project/heatlink/internal/source/webpage"
	"github.com/heatlink-project/heatlink/internal/stats"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// Version is the current release.
const Version = "1.0.0"

// Re-export the types callers hold.
type (
	// NewsItem is one fetched story.
	NewsItem = types.NewsItem

	// SourceDescriptor is the static per-source configuration.
	SourceDescriptor = types.SourceDescriptor

	// ProxyPolicy is a source's proxy override.
	ProxyPolicy = types.ProxyPolicy

	// FetchMeta describes how a GetNews call was served.
	FetchMeta = types.FetchMeta

	// FetchOptions are GetNews knobs.
	FetchOptions = engine.Options

	// CallType attributes a fetch to the scheduler or a caller.
	CallType = types.CallType

	// ProxyConfig describes one proxy endpoint.
	ProxyConfig = proxy.Config

	// Adapter is the source adapter contract.
	Adapter = source.Adapter

	// Renderer is the headless rendering capability.
	Renderer = renderer.Renderer
)

// Source type and call type constants.
const (
	SourceTypeAPI = types.SourceTypeAPI
	SourceTypeWeb = types.SourceTypeWeb
	SourceTypeRSS = types.SourceTypeRSS

	CallInternal = types.CallInternal
	CallExternal = types.CallExternal

	ProxyNever      = types.ProxyNever
	ProxyIfRequired = types.ProxyIfRequired
	ProxyAlways     = types.ProxyAlways
)

// Engine is the assembled fetch engine handle.
type Engine struct {
	core      *engine.Engine
	registry  *source.Registry
	sched     *scheduler.Scheduler
	collector *stats.Collector
	pool      *proxy.Pool
	sweeper   *proxy.Sweeper
	renderers *renderer.Pool
	shared    *cache.RedisCache
	sink      stats.Sink
	emit      emitter.Emitter
	logger    *slog.Logger

	cancel context.CancelFunc
}

// New assembles an engine from options.
func New(opts ...Option) (*Engine, error) {
	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	cfg := s.cfg

	logger := s.logger
	if logger == nil {
		logger = observability.NewLogger(observability.LoggerConfig{
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.Format == "json",
		}, os.Stderr)
	}
	clk := s.clock
	if clk == nil {
		clk = clock.NewReal()
	}
	jitter := clock.NewJitterer(s.seed)

	shared := s.sharedCache
	if shared == nil && cfg.Redis.Enabled() {
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("shared cache: %w", err)
		}
		shared = rc
	}

	var sharedTier *cache.RedisCache
	var sourceCache *cache.SourceCache
	if shared != nil {
		sharedTier = shared
		sourceCache = cache.NewSourceCache(clk, shared, logger)
	} else {
		sourceCache = cache.NewSourceCache(clk, nil, logger)
	}

	sink := s.statsSink
	if sink == nil {
		if cfg.Stats.PostgresDSN != "" {
			pg, err := stats.NewPostgresSink(cfg.Stats.PostgresDSN)
			if err != nil {
				return nil, fmt.Errorf("stats sink: %w", err)
			}
			sink = pg
		} else {
			sink = stats.NopSink{}
		}
	}
	statsOpts := []stats.Option{stats.WithFlushInterval(cfg.Stats.FlushInterval)}
	if s.registerer != nil {
		statsOpts = append(statsOpts, stats.WithMetrics(stats.NewMetrics(s.registerer)))
	}
	collector := stats.NewCollector(sink, clk, logger, statsOpts...)

	pool := proxy.NewPool(clk, logger, cfg.Proxies.Endpoints, cfg.Proxies.RequiredDomains)
	if cfg.Proxies.DeadCooldown > 0 {
		pool.SetDeadCooldown(cfg.Proxies.DeadCooldown)
	}
	var sweeper *proxy.Sweeper
	if s.sweepEnabled && len(cfg.Proxies.Endpoints) > 0 {
		sweeper = proxy.NewSweeper(pool, proxy.SweeperConfig{Interval: cfg.Proxies.SweepInterval}, clk, logger)
	}

	var renderers *renderer.Pool
	if s.rendererFn != nil {
		renderers = renderer.NewPool(s.rendererFn, cfg.Renderer.PoolSize, clk, logger)
		if cfg.Renderer.RecycleAfter > 0 {
			renderers.SetRecycleAfter(cfg.Renderer.RecycleAfter)
		}
	}

	registry := source.NewRegistry(clk)
	registry.RegisterType(types.SourceTypeAPI, jsonapi.New)
	registry.RegisterType(types.SourceTypeRSS, rss.New)
	registry.RegisterType(types.SourceTypeWeb, webpage.NewConstructor(renderers))
	for t, ctor := range s.extraTypes {
		registry.RegisterType(t, ctor)
	}
	registry.SetAliases(cfg.Aliases)
	registry.SetAliases(s.aliases)

	emit := s.emit
	if emit == nil {
		switch cfg.Emitter.Kind {
		case "redis-stream":
			if sharedTier == nil {
				return nil, fmt.Errorf("emitter: redis-stream requires a configured redis connection")
			}
			var streamOpts []emitter.StreamOption
			if cfg.Emitter.Stream != "" {
				streamOpts = append(streamOpts, emitter.WithStream(cfg.Emitter.Stream))
			}
			if cfg.Emitter.DedupWindow > 0 {
				streamOpts = append(streamOpts, emitter.WithDedupWindow(cfg.Emitter.DedupWindow))
			}
			if cfg.Emitter.AckWindow > 0 {
				streamOpts = append(streamOpts, emitter.WithAckWindow(cfg.Emitter.AckWindow))
			}
			emit = emitter.NewRedisStreamEmitter(sharedTier.Client(), logger, streamOpts...)
		default:
			emit = emitter.NewLogEmitter(logger)
		}
	}

	factory := httpclient.NewFactory(httpclient.FactoryConfig{
		ConnectTimeout: cfg.HTTP.ConnectTimeout,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		UserAgent:      cfg.HTTP.UserAgent,
		HostRateLimit:  cfg.HTTP.HostRateLimit,
		HostRateBurst:  cfg.HTTP.HostRateBurst,
	})

	core := engine.New(registry, sourceCache, pool, factory, collector, nil, emit, clk, logger, engine.Config{
		FetchDeadline: cfg.Engine.FetchDeadline,
		ShutdownGrace: cfg.Engine.ShutdownGrace,
		Concurrency:   cfg.Engine.Concurrency,
		MaxItems:      cfg.Engine.MaxItemsPerSource,
	})
	sched := scheduler.New(core, clk, jitter, logger, cfg.Engine.Concurrency)
	core.SetScheduler(sched)

	eng := &Engine{
		core:      core,
		registry:  registry,
		sched:     sched,
		collector: collector,
		pool:      pool,
		sweeper:   sweeper,
		renderers: renderers,
		shared:    sharedTier,
		sink:      sink,
		emit:      emit,
		logger:    logger,
	}

	for _, src := range cfg.Sources {
		if err := eng.registerSource(src, nil); err != nil {
			return nil, err
		}
	}
	for _, entry := range s.sources {
		if err := eng.registerSource(entry.desc, entry.ctor); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func (e *Engine) registerSource(desc types.SourceDescriptor, ctor source.Constructor) error {
	if err := e.registry.RegisterWith(desc, ctor); err != nil {
		return fmt.Errorf("register source %s: %w", desc.SourceID, err)
	}
	e.sched.Add(desc)
	return nil
}

// Start launches the background loops: scheduler ticks, stats flushing,
// and proxy health sweeps. Fetching works without Start, but nothing
// refreshes on its own.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.collector.Start(ctx)
	e.sched.Start(ctx)
	if e.sweeper != nil {
		e.sweeper.Start(ctx)
	}
	e.logger.Info("heatlink engine started",
		"version", Version,
		"sources", len(e.registry.Descriptors()),
		"proxies", len(e.pool.Snapshots()),
	)
}

// GetNews returns one source's items; see engine.Options for knobs.
func (e *Engine) GetNews(ctx context.Context, sourceID string, opts FetchOptions) ([]NewsItem, FetchMeta, error) {
	return e.core.GetNews(ctx, sourceID, opts)
}

// FetchSource fetches and commits without returning items.
func (e *Engine) FetchSource(ctx context.Context, sourceID string, callType CallType) error {
	return e.core.FetchSource(ctx, sourceID, callType)
}

// FetchAll refreshes every source, returning whatever succeeded.
func (e *Engine) FetchAll(ctx context.Context, force bool) map[string][]NewsItem {
	return e.core.FetchAll(ctx, force)
}

// Refresh forces a fetch for one source.
func (e *Engine) Refresh(ctx context.Context, sourceID string) ([]NewsItem, FetchMeta, error) {
	return e.core.Refresh(ctx, sourceID)
}

// Control returns the control-plane surface.
func (e *Engine) Control() *engine.Engine { return e.core }

// Close shuts everything down: scheduler, in-flight fetches (bounded by
// the shutdown grace), stats flush, renderers, and connections.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.sched.Stop()
	err := e.core.Close()
	e.collector.Close()
	if e.renderers != nil {
		if cerr := e.renderers.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := e.registry.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.emit.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if closer, ok := e.sink.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if e.shared != nil {
		if cerr := e.shared.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.logger.Info("heatlink engine stopped")
	return err
}
