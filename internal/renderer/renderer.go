// Package renderer defines the headless-rendering capability used by web
// adapters whose pages require JavaScript execution. The renderer itself
// (browser process management, debugging ports) lives outside the engine;
// this package only enforces the lifecycle contract: a bounded pool,
// guaranteed release on shutdown, and periodic recycling of idle sessions.
package renderer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/internal/resilience"
)

// Renderer turns a URL into rendered HTML. waitFor is an optional CSS
// selector the renderer waits on before snapshotting the DOM.
type Renderer interface {
	Render(ctx context.Context, url, waitFor string) (string, error)
	Close() error
}

// Factory creates one renderer session.
type Factory func() (Renderer, error)

const (
	// DefaultPoolSize bounds concurrent renderer sessions.
	DefaultPoolSize = 2
	// DefaultRecycleAfter is how long an idle session lives before being
	// torn down and recreated on next use.
	DefaultRecycleAfter = 30 * time.Minute
)

// ErrClosed is returned after the pool has shut down.
var ErrClosed = errors.New("renderer pool closed")

type session struct {
	renderer Renderer
	lastUsed time.Time
}

// Pool is a lazy, bounded renderer pool.
type Pool struct {
	factory      Factory
	clock        clock.Clock
	logger       *slog.Logger
	sem          *resilience.Semaphore
	recycleAfter time.Duration

	mu     sync.Mutex
	idle   []*session
	closed bool
}

// NewPool creates a pool of at most size sessions. Sessions are created on
// first use, never at startup.
func NewPool(factory Factory, size int, clk clock.Clock, logger *slog.Logger) *Pool {
	if size <= 0 || size > DefaultPoolSize {
		size = DefaultPoolSize
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory:      factory,
		clock:        clk,
		logger:       logger,
		sem:          resilience.NewSemaphore(size),
		recycleAfter: DefaultRecycleAfter,
	}
}

// Render acquires a session, renders, and returns the session to the pool.
func (p *Pool) Render(ctx context.Context, url, waitFor string) (string, error) {
	if err := p.sem.Acquire(ctx); err != nil {
		return "", err
	}
	defer p.sem.Release()

	s, err := p.takeSession()
	if err != nil {
		return "", err
	}
	html, err := s.renderer.Render(ctx, url, waitFor)
	if err != nil {
		// A failed session is torn down rather than reused.
		_ = s.renderer.Close()
		return "", err
	}
	p.putSession(s)
	return html, nil
}

func (p *Pool) takeSession() (*session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	now := p.clock.Now()
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(s.lastUsed) >= p.recycleAfter {
			p.mu.Unlock()
			p.logger.Debug("recycling idle renderer session")
			_ = s.renderer.Close()
			p.mu.Lock()
			continue
		}
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	r, err := p.factory()
	if err != nil {
		return nil, err
	}
	return &session{renderer: r}, nil
}

func (p *Pool) putSession(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		go func() { _ = s.renderer.Close() }()
		return
	}
	s.lastUsed = p.clock.Now()
	p.idle = append(p.idle, s)
}

// SetRecycleAfter overrides the idle recycle interval (tests).
func (p *Pool) SetRecycleAfter(d time.Duration) {
	p.mu.Lock()
	p.recycleAfter = d
	p.mu.Unlock()
}

// Close tears down every idle session. In-flight renders finish; their
// sessions are closed on return.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, s := range idle {
		if err := s.renderer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
