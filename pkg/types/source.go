package types

import (
	"fmt"
	"strings"
	"time"
)

// SourceType identifies which adapter family serves a source.
type SourceType string

const (
	SourceTypeAPI SourceType = "api"
	SourceTypeWeb SourceType = "web"
	SourceTypeRSS SourceType = "rss"
)

// ProxyMode controls whether a source's outbound requests go through the
// proxy pool.
type ProxyMode string

const (
	// ProxyNever disables proxying regardless of the domain list.
	ProxyNever ProxyMode = "never"
	// ProxyIfRequired defers to the pool's proxy-required domain list.
	ProxyIfRequired ProxyMode = "if-required"
	// ProxyAlways forces every request through the pool.
	ProxyAlways ProxyMode = "always"
)

// ProxyPolicy is the per-source proxy selection override.
type ProxyPolicy struct {
	Mode                ProxyMode `json:"mode" yaml:"mode"`
	Group               string    `json:"group,omitempty" yaml:"group"`
	AllowFallbackDirect bool      `json:"allow_fallback_direct,omitempty" yaml:"allow_fallback_direct"`
}

// SourceDescriptor is the static per-source configuration record.
// Adapter-specific settings live in Config; each adapter parses them into
// its own typed config at construction.
type SourceDescriptor struct {
	SourceID        string         `json:"source_id" yaml:"source_id"`
	Name            string         `json:"name" yaml:"name"`
	HomeURL         string         `json:"home_url,omitempty" yaml:"home_url"`
	Type            SourceType     `json:"type" yaml:"type"`
	Category        string         `json:"category,omitempty" yaml:"category"`
	Country         string         `json:"country,omitempty" yaml:"country"`
	Language        string         `json:"language,omitempty" yaml:"language"`
	Priority        int            `json:"priority,omitempty" yaml:"priority"`
	Config          map[string]any `json:"config,omitempty" yaml:"config"`
	UpdateInterval  time.Duration  `json:"update_interval" yaml:"update_interval"`
	CacheTTL        time.Duration  `json:"cache_ttl" yaml:"cache_ttl"`
	AdaptiveEnabled bool           `json:"adaptive_enabled" yaml:"adaptive_enabled"`
	Proxy           ProxyPolicy    `json:"proxy,omitempty" yaml:"proxy"`

	// FetchDeadline bounds a single adapter fetch. Zero means the engine
	// default (60s).
	FetchDeadline time.Duration `json:"fetch_deadline,omitempty" yaml:"fetch_deadline"`
	// ShrinkRatio overrides the cache shrink-protection threshold.
	// Zero means the engine default (0.30).
	ShrinkRatio float64 `json:"shrink_ratio,omitempty" yaml:"shrink_ratio"`
	// InsecureSkipTLSVerify disables TLS verification for this source.
	InsecureSkipTLSVerify bool `json:"insecure_skip_tls_verify,omitempty" yaml:"insecure_skip_tls_verify"`
	// UserAgent overrides the engine's default user agent.
	UserAgent string `json:"user_agent,omitempty" yaml:"user_agent"`
}

const (
	MinUpdateInterval = time.Minute
	MinCacheTTL       = 30 * time.Second
)

// Validate checks the descriptor's interval constraints and identifier form.
func (d *SourceDescriptor) Validate() error {
	if d.SourceID == "" {
		return fmt.Errorf("source descriptor: missing source_id")
	}
	if d.Name == "" {
		return fmt.Errorf("source %s: missing name", d.SourceID)
	}
	switch d.Type {
	case SourceTypeAPI, SourceTypeWeb, SourceTypeRSS:
	default:
		return fmt.Errorf("source %s: invalid type %q", d.SourceID, d.Type)
	}
	if d.UpdateInterval < MinUpdateInterval {
		return fmt.Errorf("source %s: update_interval %v below minimum %v", d.SourceID, d.UpdateInterval, MinUpdateInterval)
	}
	if d.CacheTTL < MinCacheTTL {
		return fmt.Errorf("source %s: cache_ttl %v below minimum %v", d.SourceID, d.CacheTTL, MinCacheTTL)
	}
	if d.CacheTTL > 2*d.UpdateInterval {
		return fmt.Errorf("source %s: cache_ttl %v exceeds 2x update_interval %v", d.SourceID, d.CacheTTL, d.UpdateInterval)
	}
	switch d.Proxy.Mode {
	case "", ProxyNever, ProxyIfRequired, ProxyAlways:
	default:
		return fmt.Errorf("source %s: invalid proxy mode %q", d.SourceID, d.Proxy.Mode)
	}
	return nil
}

// CanonicalSourceID rewrites a source identifier to its hyphen-canonical
// form: lowercase ASCII with every underscore replaced by a hyphen. All
// stored state (cache keys, stats keys, emitter calls) uses this form.
func CanonicalSourceID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.ReplaceAll(id, "_", "-")
}
