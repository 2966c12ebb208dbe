// Package proxy implements the ordered outbound proxy pool: domain-based
// routing policy, health tracking, and failover selection.
package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// Status is a proxy's health state.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDead     Status = "dead"
)

// statusRank orders statuses for selection: healthy first, dead last.
func statusRank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnknown:
		return 2
	default:
		return 3
	}
}

const (
	// ewmaAlpha weighs new latency samples into the moving average.
	ewmaAlpha = 0.25
	// deadThreshold is the consecutive-failure count that kills a proxy.
	deadThreshold = 5
	// DefaultDeadCooldown is how long a dead proxy rests before re-probe.
	DefaultDeadCooldown = 10 * time.Minute
)

// Config describes one proxy endpoint.
type Config struct {
	ProxyID        string `yaml:"proxy_id" json:"proxy_id"`
	Protocol       string `yaml:"protocol" json:"protocol"` // socks5, http, https
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	Username       string `yaml:"username,omitempty" json:"username,omitempty"`
	Password       string `yaml:"password,omitempty" json:"-"`
	Group          string `yaml:"group,omitempty" json:"group,omitempty"`
	Priority       int    `yaml:"priority,omitempty" json:"priority"`
	HealthCheckURL string `yaml:"health_check_url,omitempty" json:"health_check_url,omitempty"`
}

// URL renders the proxy endpoint for http.Transport.Proxy.
func (c Config) URL() *url.URL {
	u := &url.URL{
		Scheme: c.Protocol,
		Host:   net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port)),
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u
}

// Snapshot is a monitoring view of one proxy.
type Snapshot struct {
	Config              Config        `json:"config"`
	Status              Status        `json:"status"`
	LastCheckAt         time.Time     `json:"last_check_at"`
	LatencyEWMA         time.Duration `json:"latency_ewma"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

type proxyState struct {
	cfg                 Config
	status              Status
	lastCheckAt         time.Time
	latencyEWMAms       float64
	consecutiveFailures int
	deadSince           time.Time
}

// Pool holds the proxy set, the proxy-required domain list, and per-proxy
// health state. Selection reads a consistent snapshot under the lock.
type Pool struct {
	clock        clock.Clock
	logger       *slog.Logger
	deadCooldown time.Duration

	mu              sync.RWMutex
	proxies         map[string]*proxyState
	requiredDomains []string
}

// NewPool creates a pool with the given proxies and proxy-required domains.
func NewPool(clk clock.Clock, logger *slog.Logger, proxies []Config, requiredDomains []string) *Pool {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		clock:        clk,
		logger:       logger,
		deadCooldown: DefaultDeadCooldown,
	}
	p.SetProxies(proxies)
	p.SetRequiredDomains(requiredDomains)
	return p
}

// SetProxies replaces the proxy set, keeping health state for proxies whose
// ID survives the update.
func (p *Pool) SetProxies(proxies []Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]*proxyState, len(proxies))
	for _, cfg := range proxies {
		if prev, ok := p.proxies[cfg.ProxyID]; ok {
			prev.cfg = cfg
			next[cfg.ProxyID] = prev
			continue
		}
		next[cfg.ProxyID] = &proxyState{cfg: cfg, status: StatusUnknown}
	}
	p.proxies = next
}

// SetRequiredDomains replaces the proxy-required domain list.
func (p *Pool) SetRequiredDomains(domains []string) {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	p.mu.Lock()
	p.requiredDomains = normalized
	p.mu.Unlock()
}

// RequiresProxy decides whether a request to rawURL must be proxied, given
// the source's policy. The domain list matches on registered label
// boundaries, so "github.com" matches "api.github.com" but not
// "notgithub.com".
func (p *Pool) RequiresProxy(rawURL string, policy types.ProxyPolicy) bool {
	switch policy.Mode {
	case types.ProxyAlways:
		return true
	case types.ProxyNever:
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.requiredDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Select returns the best usable proxy for group, excluding any proxy ID in
// exclude (used for the single failover retry). Group "" draws from the
// whole pool. It returns nil when no proxy with status != dead exists.
func (p *Pool) Select(group string, exclude map[string]bool) *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	candidates := make([]*proxyState, 0, len(p.proxies))
	for _, st := range p.proxies {
		if group != "" && st.cfg.Group != group {
			continue
		}
		if exclude[st.cfg.ProxyID] {
			continue
		}
		// Dead proxies return to unknown after the cooldown.
		if st.status == StatusDead && now.Sub(st.deadSince) >= p.deadCooldown {
			st.status = StatusUnknown
			st.consecutiveFailures = 0
		}
		candidates = append(candidates, st)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := statusRank(a.status), statusRank(b.status); ra != rb {
			return ra < rb
		}
		if a.cfg.Priority != b.cfg.Priority {
			return a.cfg.Priority > b.cfg.Priority
		}
		if a.latencyEWMAms != b.latencyEWMAms {
			return a.latencyEWMAms < b.latencyEWMAms
		}
		return a.cfg.ProxyID < b.cfg.ProxyID
	})

	for _, st := range candidates {
		if st.status != StatusDead {
			snap := snapshotLocked(st)
			return &snap
		}
	}
	return nil
}

// ReportOutcome feeds a probe or fetch result into the health state
// machine and the latency moving average.
func (p *Pool) ReportOutcome(proxyID string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.proxies[proxyID]
	if !ok {
		return
	}
	st.lastCheckAt = p.clock.Now()
	if success {
		st.consecutiveFailures = 0
		if st.status != StatusDead {
			st.status = StatusHealthy
		}
		ms := float64(latency) / float64(time.Millisecond)
		if st.latencyEWMAms == 0 {
			st.latencyEWMAms = ms
		} else {
			st.latencyEWMAms = ewmaAlpha*ms + (1-ewmaAlpha)*st.latencyEWMAms
		}
		return
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= deadThreshold {
		if st.status != StatusDead {
			p.logger.Warn("proxy marked dead", "proxy_id", proxyID, "failures", st.consecutiveFailures)
		}
		st.status = StatusDead
		st.deadSince = p.clock.Now()
		return
	}
	if st.status != StatusDead {
		st.status = StatusDegraded
	}
}

// Snapshots lists all proxies for monitoring, in selection order.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.proxies))
	for _, st := range p.proxies {
		out = append(out, snapshotLocked(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if ra, rb := statusRank(out[i].Status), statusRank(out[j].Status); ra != rb {
			return ra < rb
		}
		if out[i].Config.Priority != out[j].Config.Priority {
			return out[i].Config.Priority > out[j].Config.Priority
		}
		if out[i].LatencyEWMA != out[j].LatencyEWMA {
			return out[i].LatencyEWMA < out[j].LatencyEWMA
		}
		return out[i].Config.ProxyID < out[j].Config.ProxyID
	})
	return out
}

// SetDeadCooldown overrides the revive cooldown (tests).
func (p *Pool) SetDeadCooldown(d time.Duration) {
	p.mu.Lock()
	p.deadCooldown = d
	p.mu.Unlock()
}

func snapshotLocked(st *proxyState) Snapshot {
	return Snapshot{
		Config:              st.cfg,
		Status:              st.status,
		LastCheckAt:         st.lastCheckAt,
		LatencyEWMA:         time.Duration(st.latencyEWMAms * float64(time.Millisecond)),
		ConsecutiveFailures: st.consecutiveFailures,
	}
}
