package observability

import (
	"context"

	"github.com/google/uuid"
)

// fetchIDKey is the context key for fetch IDs.
type fetchIDKey struct{}

// NewFetchID mints a unique identifier for one fetch attempt. It appears
// in log lines so a leader fetch and its coalesced waiters can be
// correlated.
func NewFetchID() string {
	return uuid.NewString()
}

// ContextWithFetchID attaches a fetch ID to the context.
func ContextWithFetchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, fetchIDKey{}, id)
}

// FetchIDFromContext extracts the fetch ID, or "" when absent.
func FetchIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(fetchIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetOrCreateFetchID returns the existing fetch ID or mints one.
func GetOrCreateFetchID(ctx context.Context) (context.Context, string) {
	if id := FetchIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewFetchID()
	return ContextWithFetchID(ctx, id), id
}
