package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/heatlink-project/heatlink/internal/clock"
)

const (
	defaultSweepInterval = time.Minute
	// probeTimeout bounds one health probe.
	probeTimeout = 5 * time.Second
)

// SweeperConfig controls the background health sweep.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Sweeper probes every proxy's health check URL on an interval and feeds
// the outcomes into the pool's state machine.
type Sweeper struct {
	pool     *Pool
	cfg      SweeperConfig
	clock    clock.Clock
	logger   *slog.Logger
	newProbe func(snap Snapshot) *http.Client
}

// NewSweeper creates a sweeper for pool.
func NewSweeper(pool *Pool, cfg SweeperConfig, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		pool:   pool,
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		newProbe: func(snap Snapshot) *http.Client {
			return &http.Client{
				Timeout: probeTimeout,
				Transport: &http.Transport{
					Proxy: http.ProxyURL(snap.Config.URL()),
				},
			}
		},
	}
}

// Start runs the sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := s.clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		s.sweep(ctx)
		for {
			select {
			case <-ticker.Chan():
				s.sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("proxy sweeper stopped")
				return
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, snap := range s.pool.Snapshots() {
		if ctx.Err() != nil {
			return
		}
		if snap.Status == StatusDead || snap.Config.HealthCheckURL == "" {
			continue
		}
		latency, err := s.probe(ctx, snap)
		if err != nil {
			s.logger.Debug("proxy probe failed", "proxy_id", snap.Config.ProxyID, "error", err)
			s.pool.ReportOutcome(snap.Config.ProxyID, false, 0)
			continue
		}
		s.pool.ReportOutcome(snap.Config.ProxyID, true, latency)
	}
}

func (s *Sweeper) probe(ctx context.Context, snap Snapshot) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, snap.Config.HealthCheckURL, nil)
	if err != nil {
		return 0, err
	}

	start := s.clock.Now()
	resp, err := s.newProbe(snap).Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, &probeStatusError{status: resp.StatusCode}
	}
	return s.clock.Since(start), nil
}

type probeStatusError struct{ status int }

func (e *probeStatusError) Error() string {
	return http.StatusText(e.status)
}
