// Package singleflight coalesces concurrent fetches of the same source:
// one leader runs the fetch, followers subscribe to its result. The
// leader's work is never canceled by a follower giving up.
package singleflight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Result is what a completed fetch hands to every subscriber.
type Result struct {
	Value  any
	Err    error
	Shared bool
}

// Guard serializes fetches per key. Keys are canonical source ids.
type Guard struct {
	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewGuard constructs an empty guard.
func NewGuard() *Guard {
	return &Guard{inFlight: make(map[string]struct{})}
}

// Do runs fn once per concurrent key. The first caller becomes the leader
// and executes fn to completion regardless of ctx; followers wait for the
// shared result but abandon it when ctx expires. An abandoned wait returns
// ctx.Err() while the leader keeps running.
func (g *Guard) Do(ctx context.Context, key string, fn func() (any, error)) (Result, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		g.mu.Lock()
		g.inFlight[key] = struct{}{}
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.inFlight, key)
			g.mu.Unlock()
		}()
		return fn()
	})

	select {
	case res := <-ch:
		return Result{Value: res.Val, Err: res.Err, Shared: res.Shared}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// InFlight reports whether a fetch for key is currently running.
func (g *Guard) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[key]
	return ok
}

// Keys returns every key currently in flight.
func (g *Guard) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.inFlight))
	for k := range g.inFlight {
		out = append(out, k)
	}
	return out
}
