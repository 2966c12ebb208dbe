package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepMarksHealthyAndDegraded(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proxyCfg := cfg("p1", 0)
	proxyCfg.HealthCheckURL = srv.URL
	pool := testPool(clockwork.NewFakeClock(), proxyCfg)

	s := NewSweeper(pool, SweeperConfig{Interval: time.Minute}, clockwork.NewRealClock(), nil)
	// Probe directly, bypassing the proxy transport.
	s.newProbe = func(Snapshot) *http.Client { return srv.Client() }

	s.sweep(context.Background())
	require.Equal(t, StatusHealthy, pool.Snapshots()[0].Status)

	healthy.Store(false)
	s.sweep(context.Background())
	assert.Equal(t, StatusDegraded, pool.Snapshots()[0].Status)
}

func TestSweepSkipsDeadAndUnconfiguredProxies(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
	}))
	defer srv.Close()

	dead := cfg("dead", 0)
	dead.HealthCheckURL = srv.URL
	bare := cfg("bare", 0) // no health check URL
	pool := testPool(clockwork.NewFakeClock(), dead, bare)
	for i := 0; i < 5; i++ {
		pool.ReportOutcome("dead", false, 0)
	}

	s := NewSweeper(pool, SweeperConfig{}, clockwork.NewRealClock(), nil)
	s.newProbe = func(Snapshot) *http.Client { return srv.Client() }

	s.sweep(context.Background())
	assert.Zero(t, probes.Load())
}
