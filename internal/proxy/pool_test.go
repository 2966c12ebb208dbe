package proxy

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heatlink-project/heatlink/pkg/types"
)

func testPool(clk clockwork.Clock, proxies ...Config) *Pool {
	return NewPool(clk, nil, proxies, []string{"github.com", "x.com"})
}

func cfg(id string, priority int) Config {
	return Config{ProxyID: id, Protocol: "socks5", Host: "127.0.0.1", Port: 1080, Priority: priority}
}

func TestRequiresProxyDomainSuffix(t *testing.T) {
	p := testPool(clockwork.NewFakeClock())
	policy := types.ProxyPolicy{Mode: types.ProxyIfRequired}

	assert.True(t, p.RequiresProxy("https://github.com/trending", policy))
	assert.True(t, p.RequiresProxy("https://api.github.com/repos", policy))
	assert.False(t, p.RequiresProxy("https://notgithub.com/", policy))
	assert.False(t, p.RequiresProxy("https://example.org/", policy))
}

func TestRequiresProxyPolicyOverrides(t *testing.T) {
	p := testPool(clockwork.NewFakeClock())

	assert.True(t, p.RequiresProxy("https://example.org/", types.ProxyPolicy{Mode: types.ProxyAlways}))
	assert.False(t, p.RequiresProxy("https://github.com/", types.ProxyPolicy{Mode: types.ProxyNever}))
}

func TestSelectOrdering(t *testing.T) {
	p := testPool(clockwork.NewFakeClock(), cfg("p1", 10), cfg("p2", 5), cfg("p3", 20))

	// p1 healthy and fast, p3 degraded despite higher priority.
	p.ReportOutcome("p1", true, 100*time.Millisecond)
	p.ReportOutcome("p3", false, 0)

	sel := p.Select("", nil)
	require.NotNil(t, sel)
	assert.Equal(t, "p1", sel.Config.ProxyID)

	// Excluding p1 falls through to the unknown p2 before degraded p3?
	// No: degraded orders before unknown.
	sel = p.Select("", map[string]bool{"p1": true})
	require.NotNil(t, sel)
	assert.Equal(t, "p3", sel.Config.ProxyID)
}

func TestSelectPrefersPriorityThenLatency(t *testing.T) {
	p := testPool(clockwork.NewFakeClock(), cfg("slow", 5), cfg("fast", 5), cfg("vip", 9))
	p.ReportOutcome("slow", true, 900*time.Millisecond)
	p.ReportOutcome("fast", true, 50*time.Millisecond)
	p.ReportOutcome("vip", true, 500*time.Millisecond)

	sel := p.Select("", nil)
	require.NotNil(t, sel)
	assert.Equal(t, "vip", sel.Config.ProxyID)

	sel = p.Select("", map[string]bool{"vip": true})
	require.NotNil(t, sel)
	assert.Equal(t, "fast", sel.Config.ProxyID)
}

func TestSelectByGroup(t *testing.T) {
	a := cfg("a1", 1)
	a.Group = "cn"
	b := cfg("b1", 9)
	b.Group = "us"
	p := testPool(clockwork.NewFakeClock(), a, b)

	sel := p.Select("cn", nil)
	require.NotNil(t, sel)
	assert.Equal(t, "a1", sel.Config.ProxyID)

	assert.Nil(t, p.Select("eu", nil))
}

func TestStateMachineTransitions(t *testing.T) {
	clk := clockwork.NewFakeClock()
	p := testPool(clk, cfg("p1", 0))

	// unknown -> degraded on first failure.
	p.ReportOutcome("p1", false, 0)
	snap := p.Snapshots()[0]
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Equal(t, 1, snap.ConsecutiveFailures)

	// degraded -> healthy on success.
	p.ReportOutcome("p1", true, 100*time.Millisecond)
	snap = p.Snapshots()[0]
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)

	// five consecutive failures -> dead.
	for i := 0; i < 5; i++ {
		p.ReportOutcome("p1", false, 0)
	}
	snap = p.Snapshots()[0]
	assert.Equal(t, StatusDead, snap.Status)

	// Dead proxies are not selectable.
	assert.Nil(t, p.Select("", nil))

	// After the cooldown a dead proxy returns to unknown and is usable.
	clk.Advance(DefaultDeadCooldown)
	sel := p.Select("", nil)
	require.NotNil(t, sel)
	assert.Equal(t, StatusUnknown, sel.Status)
}

func TestLatencyEWMA(t *testing.T) {
	p := testPool(clockwork.NewFakeClock(), cfg("p1", 0))

	p.ReportOutcome("p1", true, 100*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, p.Snapshots()[0].LatencyEWMA)

	// 0.25 * 200 + 0.75 * 100 = 125ms
	p.ReportOutcome("p1", true, 200*time.Millisecond)
	assert.Equal(t, 125*time.Millisecond, p.Snapshots()[0].LatencyEWMA)
}

func TestSetProxiesKeepsHealthState(t *testing.T) {
	p := testPool(clockwork.NewFakeClock(), cfg("p1", 0))
	p.ReportOutcome("p1", false, 0)

	updated := cfg("p1", 3)
	p.SetProxies([]Config{updated, cfg("p2", 0)})

	snaps := p.Snapshots()
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		if s.Config.ProxyID == "p1" {
			assert.Equal(t, StatusDegraded, s.Status)
			assert.Equal(t, 3, s.Config.Priority)
		}
	}
}
