package singleflight

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	g := NewGuard()
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func() (any, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	const n = 5
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Do(context.Background(), "zhihu", fn)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return g.InFlight("zhihu") }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "one leader fetch for five callers")
	for _, res := range results {
		assert.Equal(t, "payload", res.Value)
	}
}

func TestFollowerTimeoutDoesNotCancelLeader(t *testing.T) {
	g := NewGuard()
	release := make(chan struct{})
	var finished atomic.Bool

	leaderDone := make(chan Result, 1)
	go func() {
		res, _ := g.Do(context.Background(), "key", func() (any, error) {
			<-release
			finished.Store(true)
			return 42, nil
		})
		leaderDone <- res
	}()
	require.Eventually(t, func() bool { return g.InFlight("key") }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Do(ctx, "key", func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, finished.Load(), "leader still running after follower gave up")

	close(release)
	res := <-leaderDone
	assert.Equal(t, 42, res.Value)
	assert.True(t, finished.Load())
}

func TestInFlightClearsAfterCompletion(t *testing.T) {
	g := NewGuard()
	_, err := g.Do(context.Background(), "key", func() (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, g.InFlight("key"))
	assert.Empty(t, g.Keys())
}

func TestSequentialCallsRunIndependently(t *testing.T) {
	g := NewGuard()
	var calls int
	for i := 0; i < 3; i++ {
		_, err := g.Do(context.Background(), "key", func() (any, error) {
			calls++
			return nil, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls, "no coalescing across completed fetches")
}
