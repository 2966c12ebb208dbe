package heatlink

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/heatlink-project/heatlink/internal/cache"
	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/internal/config"
	"github.com/heatlink-project/heatlink/internal/emitter"
	"github.com/heatlink-project/heatlink/internal/proxy"
	"github.com/heatlink-project/heatlink/internal/renderer"
	"github.com/heatlink-project/heatlink/internal/source"
	"github.com/heatlink-project/heatlink/internal/stats"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// settings collects everything New needs before wiring.
type settings struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock
	seed   int64

	sources      []sourceEntry
	aliases      map[string]string
	sharedCache  *cache.RedisCache
	statsSink    stats.Sink
	emit         emitter.Emitter
	rendererFn   renderer.Factory
	registerer   prometheus.Registerer
	extraTypes   map[types.SourceType]source.Constructor
	sweepEnabled bool
}

type sourceEntry struct {
	desc types.SourceDescriptor
	ctor source.Constructor
}

func defaultSettings() *settings {
	return &settings{
		cfg:          config.Default(),
		aliases:      map[string]string{},
		extraTypes:   map[types.SourceType]source.Constructor{},
		sweepEnabled: true,
	}
}

// Option configures the engine handle.
type Option func(*settings) error

// WithConfig replaces the whole configuration. Typically loaded through
// config.NewManager.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) error {
		if cfg != nil {
			s.cfg = cfg
		}
		return nil
	}
}

// WithLogger sets the logger. Defaults to slog's text handler at the
// configured level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		s.logger = logger
		return nil
	}
}

// WithClock injects the clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) error {
		s.clock = clk
		return nil
	}
}

// WithJitterSeed fixes the scheduling jitter RNG, for tests.
func WithJitterSeed(seed int64) Option {
	return func(s *settings) error {
		s.seed = seed
		return nil
	}
}

// WithSource registers a source served by its type's adapter family.
func WithSource(desc types.SourceDescriptor) Option {
	return func(s *settings) error {
		s.sources = append(s.sources, sourceEntry{desc: desc})
		return nil
	}
}

// WithSourceAdapter registers a source with a custom adapter constructor.
func WithSourceAdapter(desc types.SourceDescriptor, ctor source.Constructor) Option {
	return func(s *settings) error {
		s.sources = append(s.sources, sourceEntry{desc: desc, ctor: ctor})
		return nil
	}
}

// WithAdapterType installs or overrides an adapter family constructor.
func WithAdapterType(t types.SourceType, ctor source.Constructor) Option {
	return func(s *settings) error {
		s.extraTypes[t] = ctor
		return nil
	}
}

// WithAliases installs legacy source-id aliases.
func WithAliases(aliases map[string]string) Option {
	return func(s *settings) error {
		for k, v := range aliases {
			s.aliases[k] = v
		}
		return nil
	}
}

// WithSharedCache injects an already-connected shared cache tier,
// overriding the redis section of the configuration.
func WithSharedCache(c *cache.RedisCache) Option {
	return func(s *settings) error {
		s.sharedCache = c
		return nil
	}
}

// WithStatsSink overrides the stats sink.
func WithStatsSink(sink stats.Sink) Option {
	return func(s *settings) error {
		s.statsSink = sink
		return nil
	}
}

// WithEmitter overrides the downstream emitter.
func WithEmitter(e emitter.Emitter) Option {
	return func(s *settings) error {
		s.emit = e
		return nil
	}
}

// WithRenderer provides the headless renderer factory. Without it,
// sources requesting rendering fail at adapter construction.
func WithRenderer(f renderer.Factory) Option {
	return func(s *settings) error {
		s.rendererFn = f
		return nil
	}
}

// WithMetrics registers Prometheus instrumentation on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) error {
		s.registerer = reg
		return nil
	}
}

// WithProxies sets the proxy pool endpoints.
func WithProxies(proxies ...proxy.Config) Option {
	return func(s *settings) error {
		s.cfg.Proxies.Endpoints = proxies
		return nil
	}
}

// WithRequiredDomains sets the proxy-required domain list.
func WithRequiredDomains(domains ...string) Option {
	return func(s *settings) error {
		s.cfg.Proxies.RequiredDomains = domains
		return nil
	}
}

// WithoutHealthSweep disables the background proxy prober, for tests.
func WithoutHealthSweep() Option {
	return func(s *settings) error {
		s.sweepEnabled = false
		return nil
	}
}

// WithConcurrency bounds simultaneous fetches.
func WithConcurrency(n int) Option {
	return func(s *settings) error {
		if n > 0 {
			s.cfg.Engine.Concurrency = n
		}
		return nil
	}
}

// WithFetchDeadline sets the default per-fetch deadline.
func WithFetchDeadline(d time.Duration) Option {
	return func(s *settings) error {
		if d > 0 {
			s.cfg.Engine.FetchDeadline = d
		}
		return nil
	}
}

// WithStatsFlushInterval sets the collector flush cadence.
func WithStatsFlushInterval(d time.Duration) Option {
	return func(s *settings) error {
		if d > 0 {
			s.cfg.Stats.FlushInterval = d
		}
		return nil
	}
}
