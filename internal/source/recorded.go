package source

import (
	"context"
	"net/http"

	"github.com/heatlink-project/heatlink/internal/clock"
	"github.com/heatlink-project/heatlink/pkg/errors"
	"github.com/heatlink-project/heatlink/pkg/types"
)

// Recorded wraps an adapter so every fetch attempt produces a
// StatsOutcome skeleton. The engine completes the outcome (item count,
// cache use, call type) after the cache commit and hands it to the
// collector; the shim itself never records, keeping a single record point.
type Recorded struct {
	inner    Adapter
	sourceID string
	clock    clock.Clock
}

func newRecorded(sourceID string, inner Adapter, clk clock.Clock) *Recorded {
	return &Recorded{inner: inner, sourceID: sourceID, clock: clk}
}

// Metadata exposes the wrapped adapter's descriptor.
func (a *Recorded) Metadata() types.SourceDescriptor {
	return a.inner.Metadata()
}

// Fetch delegates to the wrapped adapter, wrapping failures into the
// unified taxonomy.
func (a *Recorded) Fetch(ctx context.Context, client *http.Client) ([]types.NewsItem, error) {
	items, err := a.inner.Fetch(ctx, client)
	if err != nil {
		return nil, errors.Wrap(a.sourceID, err)
	}
	return items, nil
}

// FetchRecorded runs one attempt and returns the timed outcome alongside
// the raw items.
func (a *Recorded) FetchRecorded(ctx context.Context, client *http.Client) ([]types.NewsItem, types.StatsOutcome, error) {
	start := a.clock.Now()
	items, err := a.Fetch(ctx, client)
	outcome := types.StatsOutcome{
		SourceID:  a.sourceID,
		StartedAt: start,
		Duration:  a.clock.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		outcome.ErrorKind = errors.KindOf(err)
		outcome.ErrorMessage = types.TruncateError(err.Error())
	}
	return items, outcome, err
}
