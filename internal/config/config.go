// Package config loads the engine configuration from YAML with
// environment expansion, HEATLINK_* overrides, and hot reload through
// atomic pointer swaps.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heatlink-project/heatlink/internal/proxy"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// Config is the complete engine configuration.
type Config struct {
	Engine   EngineConfig             `yaml:"engine"`
	HTTP     HTTPConfig               `yaml:"http"`
	Redis    RedisConfig              `yaml:"redis"`
	Stats    StatsConfig              `yaml:"stats"`
	Emitter  EmitterConfig            `yaml:"emitter"`
	Renderer RendererConfig           `yaml:"renderer"`
	Logging  LoggingConfig            `yaml:"logging"`
	Metrics  MetricsConfig            `yaml:"metrics"`
	Proxies  ProxiesConfig            `yaml:"proxies"`
	Sources  []types.SourceDescriptor `yaml:"sources"`
	Aliases  map[string]string        `yaml:"aliases"`
}

// EngineConfig holds fetch orchestration defaults.
type EngineConfig struct {
	FetchDeadline         time.Duration `yaml:"fetch_deadline"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
	Concurrency           int           `yaml:"concurrency"`
	MaxItemsPerSource     int           `yaml:"max_items_per_source"`
	DefaultUpdateInterval time.Duration `yaml:"default_update_interval"`
	DefaultCacheTTL       time.Duration `yaml:"default_cache_ttl"`
}

// HTTPConfig holds outbound client defaults.
type HTTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	UserAgent      string        `yaml:"user_agent"`
	HostRateLimit  float64       `yaml:"host_rate_limit"`
	HostRateBurst  int           `yaml:"host_rate_burst"`
}

// RedisConfig holds the optional shared cache tier and stream emitter
// connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// Enabled reports whether a shared Redis tier is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// StatsConfig holds the collector flush cadence and the optional
// Postgres sink.
type StatsConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
}

// EmitterConfig selects and tunes the downstream emitter.
type EmitterConfig struct {
	// Kind is "redis-stream" or "log". Empty means log.
	Kind        string        `yaml:"kind"`
	Stream      string        `yaml:"stream"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	AckWindow   time.Duration `yaml:"ack_window"`
}

// RendererConfig bounds the headless renderer pool.
type RendererConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	RecycleAfter time.Duration `yaml:"recycle_after"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ProxiesConfig holds the outbound proxy pool.
type ProxiesConfig struct {
	Endpoints       []proxy.Config `yaml:"endpoints"`
	RequiredDomains []string       `yaml:"required_domains"`
	DeadCooldown    time.Duration  `yaml:"dead_cooldown"`
	SweepInterval   time.Duration  `yaml:"sweep_interval"`
}

// Default returns the configuration used when a field is absent from
// the file.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			FetchDeadline:         60 * time.Second,
			ShutdownGrace:         30 * time.Second,
			Concurrency:           8,
			MaxItemsPerSource:     500,
			DefaultUpdateInterval: 10 * time.Minute,
			DefaultCacheTTL:       10 * time.Minute,
		},
		HTTP: HTTPConfig{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
		},
		Stats: StatsConfig{
			FlushInterval: 300 * time.Second,
		},
		Emitter: EmitterConfig{
			Kind: "log",
		},
		Renderer: RendererConfig{
			PoolSize:     2,
			RecycleAfter: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads the YAML file, expanding ${VAR} references and
// applying HEATLINK_* overrides afterwards.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments adjust connection
// endpoints and log verbosity without touching the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HEATLINK_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("HEATLINK_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("HEATLINK_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("HEATLINK_POSTGRES_DSN"); v != "" {
		c.Stats.PostgresDSN = v
	}
	if v := os.Getenv("HEATLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HEATLINK_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.Concurrency = n
		}
	}
	if v := os.Getenv("HEATLINK_USER_AGENT"); v != "" {
		c.HTTP.UserAgent = v
	}
}

// applySourceDefaults fills per-source intervals left at zero.
func (c *Config) applySourceDefaults() {
	for i := range c.Sources {
		if c.Sources[i].UpdateInterval == 0 {
			c.Sources[i].UpdateInterval = c.Engine.DefaultUpdateInterval
		}
		if c.Sources[i].CacheTTL == 0 {
			c.Sources[i].CacheTTL = c.Engine.DefaultCacheTTL
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be positive")
	}
	if c.Engine.FetchDeadline <= 0 {
		return fmt.Errorf("engine.fetch_deadline must be positive")
	}
	if c.Engine.MaxItemsPerSource <= 0 {
		return fmt.Errorf("engine.max_items_per_source must be positive")
	}
	switch c.Emitter.Kind {
	case "", "log", "redis-stream":
	default:
		return fmt.Errorf("emitter.kind %q not supported", c.Emitter.Kind)
	}
	if c.Emitter.Kind == "redis-stream" && !c.Redis.Enabled() {
		return fmt.Errorf("emitter.kind redis-stream requires redis.addr")
	}
	seen := make(map[string]string, len(c.Sources))
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		canonical := types.CanonicalSourceID(c.Sources[i].SourceID)
		if prev, ok := seen[canonical]; ok && prev == c.Sources[i].SourceID {
			return fmt.Errorf("sources[%d]: duplicate source_id %q", i, prev)
		}
		seen[canonical] = c.Sources[i].SourceID
	}
	for i, p := range c.Proxies.Endpoints {
		if p.ProxyID == "" {
			return fmt.Errorf("proxies.endpoints[%d]: proxy_id is required", i)
		}
		switch p.Protocol {
		case "socks5", "http", "https":
		default:
			return fmt.Errorf("proxies.endpoints[%d] %q: protocol %q not supported", i, p.ProxyID, p.Protocol)
		}
		if p.Host == "" || p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("proxies.endpoints[%d] %q: invalid host/port", i, p.ProxyID)
		}
	}
	return nil
}
