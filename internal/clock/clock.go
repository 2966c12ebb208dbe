// Package clock wraps time and randomness so scheduling decisions are
// deterministic under test. Production code uses the real clock; tests
// inject clockwork.FakeClock and a seeded RNG.
package clock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is re-exported so callers do not import clockwork directly.
type Clock = clockwork.Clock

// NewReal returns the wall clock.
func NewReal() Clock { return clockwork.NewRealClock() }

// Jitterer produces uniform random jitter from an injectable RNG.
type Jitterer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitterer creates a jitterer seeded from seed. A zero seed uses the
// current time.
func NewJitterer(seed int64) *Jitterer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Jitterer{rng: rand.New(rand.NewSource(seed))}
}

// Range returns a uniform duration in [lo, hi).
func (j *Jitterer) Range(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return lo + time.Duration(j.rng.Int63n(int64(hi-lo)))
}

// Fraction returns d adjusted by a uniform factor in [1-frac, 1+frac].
func (j *Jitterer) Fraction(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f := 1 + frac*(2*j.rng.Float64()-1)
	return time.Duration(float64(d) * f)
}
