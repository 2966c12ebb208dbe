package stats

import (
	"context"
	"time"

	"github.com/heatlink-project/heatlink/pkg/types"
)

// Aggregate is the published per-(source, call_type) view: lifetime
// incremental counters since the last flush plus exact means over the
// retained ring.
type Aggregate struct {
	SourceID string         `json:"source_id"`
	CallType types.CallType `json:"call_type"`

	// Incremental counters, reset after each successful flush.
	TotalRequests int `json:"total_requests"`
	SuccessCount  int `json:"success_count"`
	ErrorCount    int `json:"error_count"`

	// Ring-derived figures, retained across flushes.
	WindowSize  int           `json:"window_size"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`

	LastOutcomeAt time.Time `json:"last_outcome_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// SourceStatus is the per-source health row pushed on each flush.
type SourceStatus struct {
	SourceID   string    `json:"source_id"`
	Status     string    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	LastUpdate time.Time `json:"last_update"`
	ItemCount  int       `json:"item_count"`
}

// Sink receives flushed statistics. Implementations must tolerate
// concurrent calls; the collector never retries a failed push.
type Sink interface {
	AppendOutcome(ctx context.Context, outcome types.StatsOutcome) error
	UpsertAggregate(ctx context.Context, agg Aggregate) error
	UpsertSourceStatus(ctx context.Context, status SourceStatus) error
}

// NopSink discards everything. Used when no persistence is configured.
type NopSink struct{}

func (NopSink) AppendOutcome(context.Context, types.StatsOutcome) error { return nil }
func (NopSink) UpsertAggregate(context.Context, Aggregate) error        { return nil }
func (NopSink) UpsertSourceStatus(context.Context, SourceStatus) error  { return nil }
