// Package scheduler drives background refreshes. Each enabled source has
// a due time recomputed after every fetch outcome; a single tick loop
// dispatches due sources to the engine in priority order through a
// global concurrency bound.
package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/internal/resilience"
	"github.com/heatlink-project/heatlink/pkg/types"
)

const (
	// DefaultConcurrency bounds simultaneous scheduler-initiated fetches.
	DefaultConcurrency = 8
	// tickInterval is the maximum sleep between due-time scans.
	tickInterval = time.Second

	minInterval = time.Minute
	maxInterval = time.Hour

	maxErrExponent = 5
	jitterFraction = 0.10
)

// Dispatcher is the engine-side entrypoint the scheduler feeds.
type Dispatcher interface {
	FetchSource(ctx context.Context, sourceID string, callType types.CallType) error
	InFlight(sourceID string) bool
}

// Outcome is the per-fetch feedback driving the adaptive interval.
type Outcome struct {
	Success  bool
	Duration time.Duration
	// NewItems counts committed items whose id was not in the cache
	// before the fetch. Meaningful only on success.
	NewItems int
}

type entry struct {
	sourceID string
	priority int
	base     time.Duration
	adaptive bool

	dueAt               time.Time
	consecutiveFailures int
	lastInterval        time.Duration
}

// Scheduler computes due times and dispatches due sources.
type Scheduler struct {
	dispatcher Dispatcher
	clock      clock.Clock
	jitter     *clock.Jitterer
	logger     *slog.Logger
	sem        *resilience.Semaphore

	mu      sync.Mutex
	entries map[string]*entry

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

// New constructs a scheduler. concurrency <= 0 selects the default.
func New(dispatcher Dispatcher, clk clock.Clock, jitter *clock.Jitterer, logger *slog.Logger, concurrency int) *Scheduler {
	if clk == nil {
		clk = clock.NewReal()
	}
	if jitter == nil {
		jitter = clock.NewJitterer(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Scheduler{
		dispatcher: dispatcher,
		clock:      clk,
		jitter:     jitter,
		logger:     logger,
		sem:        resilience.NewSemaphore(concurrency),
		entries:    make(map[string]*entry),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Add enrolls a source. The first due time is spread over one full
// interval so process restarts do not stampede the upstreams.
func (s *Scheduler) Add(desc types.SourceDescriptor) {
	id := types.CanonicalSourceID(desc.SourceID)
	e := &entry{
		sourceID: id,
		priority: desc.Priority,
		base:     desc.UpdateInterval,
		adaptive: desc.AdaptiveEnabled,
		dueAt:    s.clock.Now().Add(s.jitter.Range(0, desc.UpdateInterval)),
	}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	s.kick()
}

// Remove unenrolls a source.
func (s *Scheduler) Remove(sourceID string) {
	s.mu.Lock()
	delete(s.entries, types.CanonicalSourceID(sourceID))
	s.mu.Unlock()
}

// Observe feeds a fetch outcome back and recomputes the source's due
// time. Called by the engine after every commit, whoever initiated it.
func (s *Scheduler) Observe(sourceID string, outcome Outcome) {
	id := types.CanonicalSourceID(sourceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if outcome.Success {
		e.consecutiveFailures = 0
	} else {
		e.consecutiveFailures++
	}
	interval := e.base
	if e.adaptive {
		interval = s.adaptiveInterval(e, outcome)
	}
	e.lastInterval = interval
	e.dueAt = s.clock.Now().Add(s.jitter.Fraction(interval, jitterFraction))
}

// adaptiveInterval applies the backoff/slowness/freshness factors.
// Caller holds s.mu.
func (s *Scheduler) adaptiveInterval(e *entry, outcome Outcome) time.Duration {
	base := float64(e.base)

	eb := e.consecutiveFailures
	if eb > maxErrExponent {
		eb = maxErrExponent
	}
	factorErr := math.Pow(2, float64(eb))

	slowness := (outcome.Duration.Seconds()*1000 - 1000) / 10000
	factorSlow := 1 + clamp(slowness, 0, 2)

	factorQuiet := 1.0
	if outcome.Success {
		switch {
		case outcome.NewItems == 0:
			factorQuiet = 2.0
		case outcome.NewItems < 5:
			factorQuiet = 1.5
		}
	}

	interval := base * factorErr * factorSlow * factorQuiet
	interval = clamp(interval, base, 8*base)
	interval = clamp(interval, float64(minInterval), float64(maxInterval))
	return time.Duration(interval)
}

// NextDue returns the source's current due time.
func (s *Scheduler) NextDue(sourceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[types.CanonicalSourceID(sourceID)]
	if !ok {
		return time.Time{}, false
	}
	return e.dueAt, true
}

// Interval returns the last computed refresh interval, or the base when
// no outcome has been observed yet.
func (s *Scheduler) Interval(sourceID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[types.CanonicalSourceID(sourceID)]
	if !ok {
		return 0, false
	}
	if e.lastInterval > 0 {
		return e.lastInterval, true
	}
	return e.base, true
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started.Swap(true) {
		return
	}
	go s.run(ctx)
}

// Stop halts ticking and waits for dispatched fetches to return. Safe on
// a scheduler that was never started.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		timer := s.clock.NewTimer(s.sleepFor())
		select {
		case <-timer.Chan():
		case <-s.wake:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		}
		s.tick(ctx)
	}
}

// sleepFor returns the time until the earliest due entry, capped at the
// tick interval.
func (s *Scheduler) sleepFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	sleep := tickInterval
	now := s.clock.Now()
	for _, e := range s.entries {
		if d := e.dueAt.Sub(now); d < sleep {
			sleep = d
		}
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

// tick collects due sources and dispatches them, highest priority first,
// oldest due time breaking ties. In-flight sources are skipped without
// advancing their due time; a full semaphore ends the tick early.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.dueAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority > due[j].priority
		}
		return due[i].dueAt.Before(due[j].dueAt)
	})
	s.mu.Unlock()

	for _, e := range due {
		if s.dispatcher.InFlight(e.sourceID) {
			continue
		}
		if !s.sem.TryAcquire() {
			return
		}
		// Advance tentatively so the next tick does not redispatch while
		// this fetch runs; Observe overwrites it with the real interval.
		s.mu.Lock()
		e.dueAt = now.Add(e.base)
		s.mu.Unlock()

		s.wg.Add(1)
		go func(sourceID string) {
			defer s.wg.Done()
			defer s.sem.Release()
			if err := s.dispatcher.FetchSource(ctx, sourceID, types.CallInternal); err != nil {
				s.logger.Debug("scheduled fetch failed", "source", sourceID, "error", err)
			}
		}(e.sourceID)
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
