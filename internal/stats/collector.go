// Package stats keeps per-source fetch statistics: a ring of recent
// outcomes per (source, call type), live aggregates readable without
// locks, and periodic flushing to a pluggable sink.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/pkg/types"
)

const (
	// RingSize is how many outcomes are retained per (source, call type).
	RingSize = 256
	// DefaultFlushInterval is the periodic flush cadence.
	DefaultFlushInterval = 300 * time.Second
)

type series struct {
	mu   sync.Mutex
	ring [RingSize]types.StatsOutcome
	next int
	size int

	// Incremental counters since the last successful flush.
	total   int
	success int
	failed  int

	// Outcomes not yet appended to the sink.
	pending []types.StatsOutcome

	snap atomic.Pointer[Aggregate]
}

// Collector records fetch outcomes and flushes them to a Sink.
type Collector struct {
	sink     Sink
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	metrics  *Metrics

	mu     sync.RWMutex
	series map[string]map[types.CallType]*series

	kick    chan struct{}
	done    chan struct{}
	stop    chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

// Option configures the collector.
type Option func(*Collector)

// WithFlushInterval overrides the periodic flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector builds a collector. Call Start to begin the flush loop.
func NewCollector(sink Sink, clk clock.Clock, logger *slog.Logger, opts ...Option) *Collector {
	if sink == nil {
		sink = NopSink{}
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		sink:     sink,
		clock:    clk,
		logger:   logger,
		interval: DefaultFlushInterval,
		series:   make(map[string]map[types.CallType]*series),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background flush loop.
func (c *Collector) Start(ctx context.Context) {
	if c.started.Swap(true) {
		return
	}
	go c.flushLoop(ctx)
}

// Record stores one outcome and republishes the live aggregate. A failed
// outcome schedules an immediate flush.
func (c *Collector) Record(outcome types.StatsOutcome) {
	outcome.ErrorMessage = types.TruncateError(outcome.ErrorMessage)
	s := c.seriesFor(outcome.SourceID, outcome.CallType)

	s.mu.Lock()
	s.ring[s.next] = outcome
	s.next = (s.next + 1) % RingSize
	if s.size < RingSize {
		s.size++
	}
	s.total++
	if outcome.Success {
		s.success++
	} else {
		s.failed++
	}
	s.pending = append(s.pending, outcome)
	agg := s.aggregateLocked(outcome.SourceID, outcome.CallType)
	s.snap.Store(&agg)
	s.mu.Unlock()

	if c.metrics != nil {
		c.metrics.observe(outcome)
	}
	if !outcome.Success {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns the live aggregate for a (source, call type), or false
// if nothing was recorded yet. Reads never block recorders.
func (c *Collector) Snapshot(sourceID string, callType types.CallType) (Aggregate, bool) {
	c.mu.RLock()
	byType := c.series[sourceID]
	c.mu.RUnlock()
	if byType == nil {
		return Aggregate{}, false
	}
	s, ok := byType[callType]
	if !ok {
		return Aggregate{}, false
	}
	snap := s.snap.Load()
	if snap == nil {
		return Aggregate{}, false
	}
	return *snap, true
}

// Snapshots returns every live aggregate.
func (c *Collector) Snapshots() []Aggregate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Aggregate
	for _, byType := range c.series {
		for _, s := range byType {
			if snap := s.snap.Load(); snap != nil {
				out = append(out, *snap)
			}
		}
	}
	return out
}

// Flush pushes pending outcomes, aggregates, and source status rows to
// the sink, then resets the incremental counters. The ring is retained.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.RLock()
	sources := make(map[string][]*series, len(c.series))
	for sid, byType := range c.series {
		for _, s := range byType {
			sources[sid] = append(sources[sid], s)
		}
	}
	c.mu.RUnlock()

	for sid, list := range sources {
		var latest types.StatsOutcome
		var haveLatest bool
		for _, s := range list {
			s.mu.Lock()
			pending := s.pending
			s.pending = nil
			agg := *s.snap.Load()
			s.total, s.success, s.failed = 0, 0, 0
			reset := s.aggregateLocked(agg.SourceID, agg.CallType)
			s.snap.Store(&reset)
			if s.size > 0 {
				last := s.ring[(s.next-1+RingSize)%RingSize]
				if !haveLatest || last.StartedAt.After(latest.StartedAt) {
					latest = last
					haveLatest = true
				}
			}
			s.mu.Unlock()

			for _, o := range pending {
				if err := c.sink.AppendOutcome(ctx, o); err != nil {
					c.logger.Warn("stats sink append failed", "source", sid, "error", err)
				}
			}
			if err := c.sink.UpsertAggregate(ctx, agg); err != nil {
				c.logger.Warn("stats sink aggregate upsert failed", "source", sid, "error", err)
			}
		}
		if haveLatest {
			status := SourceStatus{
				SourceID:   sid,
				Status:     "active",
				LastUpdate: latest.StartedAt,
				ItemCount:  latest.ItemCount,
			}
			if !latest.Success {
				status.Status = "error"
				status.LastError = latest.ErrorMessage
			}
			if err := c.sink.UpsertSourceStatus(ctx, status); err != nil {
				c.logger.Warn("stats sink status upsert failed", "source", sid, "error", err)
			}
		}
	}
}

// Close stops the flush loop after one final flush. Closing a collector
// that was never started still flushes whatever is pending.
func (c *Collector) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.stop)
	if c.started.Load() {
		<-c.done
		return
	}
	c.Flush(context.Background())
}

func (c *Collector) flushLoop(ctx context.Context) {
	defer close(c.done)
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.Flush(ctx)
		case <-c.kick:
			c.Flush(ctx)
		case <-ctx.Done():
			c.Flush(context.WithoutCancel(ctx))
			return
		case <-c.stop:
			c.Flush(context.WithoutCancel(ctx))
			return
		}
	}
}

func (c *Collector) seriesFor(sourceID string, callType types.CallType) *series {
	c.mu.RLock()
	if byType, ok := c.series[sourceID]; ok {
		if s, ok := byType[callType]; ok {
			c.mu.RUnlock()
			return s
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	byType, ok := c.series[sourceID]
	if !ok {
		byType = make(map[types.CallType]*series, 2)
		c.series[sourceID] = byType
	}
	s, ok := byType[callType]
	if !ok {
		s = &series{}
		byType[callType] = s
	}
	return s
}

// aggregateLocked computes the published view. Caller holds s.mu.
func (s *series) aggregateLocked(sourceID string, callType types.CallType) Aggregate {
	agg := Aggregate{
		SourceID:      sourceID,
		CallType:      callType,
		TotalRequests: s.total,
		SuccessCount:  s.success,
		ErrorCount:    s.failed,
		WindowSize:    s.size,
	}
	if s.size == 0 {
		return agg
	}
	var ok int
	var total time.Duration
	var lastErrAt time.Time
	for i := 0; i < s.size; i++ {
		o := s.ring[i]
		if o.Success {
			ok++
		} else if o.ErrorMessage != "" && !o.StartedAt.Before(lastErrAt) {
			agg.LastError = o.ErrorMessage
			lastErrAt = o.StartedAt
		}
		total += o.Duration
		if o.StartedAt.After(agg.LastOutcomeAt) {
			agg.LastOutcomeAt = o.StartedAt
		}
	}
	agg.SuccessRate = float64(ok) / float64(s.size)
	agg.AvgDuration = total / time.Duration(s.size)
	return agg
}
