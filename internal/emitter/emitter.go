// Package emitter hands committed items to downstream storage. Emission
// is best-effort: the engine waits a short bounded window for the ack
// and never rolls back a cache commit over an emitter failure.
package emitter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/heatlink-project/heatlink/pkg/types"
)

// DefaultAckWindow bounds how long Emit blocks on the downstream ack.
const DefaultAckWindow = 5 * time.Second

// Emitter publishes committed items downstream.
type Emitter interface {
	Emit(ctx context.Context, sourceID string, items []types.NewsItem, callType types.CallType) error
	Close() error
}

// TitleFingerprint reduces a title to a stable dedup key: lowercased,
// whitespace collapsed, hashed.
func TitleFingerprint(title string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	sum := sha1.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// LogEmitter writes emissions to the log only. Used when no downstream
// is configured.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter builds a log-only emitter.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs the batch.
func (e *LogEmitter) Emit(_ context.Context, sourceID string, items []types.NewsItem, callType types.CallType) error {
	e.logger.Debug("emitting items", "source", sourceID, "count", len(items), "call_type", callType)
	return nil
}

// Close is a no-op.
func (e *LogEmitter) Close() error { return nil }
