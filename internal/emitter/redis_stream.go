package emitter

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/heatlink-project/heatlink/pkg/types"
)

const (
	// DefaultStream is the Redis Stream items are appended to.
	DefaultStream = "heatlink:items"
	// DefaultDedupWindow is how long an item id or title fingerprint
	// suppresses re-emission.
	DefaultDedupWindow = 2 * time.Hour
	// DefaultMaxStreamLen caps the stream with approximate trimming.
	DefaultMaxStreamLen = 100_000
)

// RedisStreamEmitter appends items to a Redis Stream, deduplicating
// recently seen ids and near-identical titles in a local TTL window.
type RedisStreamEmitter struct {
	client    redis.UniversalClient
	stream    string
	maxLen    int64
	ackWindow time.Duration
	seen      *gocache.Cache
	logger    *slog.Logger
}

// StreamOption configures the emitter.
type StreamOption func(*RedisStreamEmitter)

// WithStream overrides the stream key.
func WithStream(name string) StreamOption {
	return func(e *RedisStreamEmitter) {
		if name != "" {
			e.stream = name
		}
	}
}

// WithDedupWindow overrides the dedup TTL.
func WithDedupWindow(d time.Duration) StreamOption {
	return func(e *RedisStreamEmitter) {
		if d > 0 {
			e.seen = gocache.New(d, d/4)
		}
	}
}

// WithAckWindow overrides the per-batch ack deadline.
func WithAckWindow(d time.Duration) StreamOption {
	return func(e *RedisStreamEmitter) {
		if d > 0 {
			e.ackWindow = d
		}
	}
}

// NewRedisStreamEmitter builds the emitter on an existing client.
func NewRedisStreamEmitter(client redis.UniversalClient, logger *slog.Logger, opts ...StreamOption) *RedisStreamEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &RedisStreamEmitter{
		client:    client,
		stream:    DefaultStream,
		maxLen:    DefaultMaxStreamLen,
		ackWindow: DefaultAckWindow,
		seen:      gocache.New(DefaultDedupWindow, DefaultDedupWindow/4),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit appends each not-recently-seen item to the stream. The whole batch
// shares one ack window; the first append error aborts the batch and is
// returned for logging, with everything already appended staying put.
func (e *RedisStreamEmitter) Emit(ctx context.Context, sourceID string, items []types.NewsItem, callType types.CallType) error {
	if len(items) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.ackWindow)
	defer cancel()

	emitted := 0
	for _, item := range items {
		if e.duplicate(item) {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			e.logger.Warn("item not serializable", "source", sourceID, "item", item.ID, "error", err)
			continue
		}
		err = e.client.XAdd(ctx, &redis.XAddArgs{
			Stream: e.stream,
			MaxLen: e.maxLen,
			Approx: true,
			Values: map[string]any{
				"source_id": sourceID,
				"item_id":   item.ID,
				"call_type": string(callType),
				"payload":   payload,
			},
		}).Err()
		if err != nil {
			e.forget(item)
			return err
		}
		emitted++
	}
	if emitted > 0 {
		e.logger.Debug("emitted items", "source", sourceID, "count", emitted, "skipped", len(items)-emitted)
	}
	return nil
}

// duplicate records the item's dedup keys, reporting true when either was
// already in the window.
func (e *RedisStreamEmitter) duplicate(item types.NewsItem) bool {
	dup := false
	if item.ID != "" {
		if err := e.seen.Add("id:"+item.ID, struct{}{}, gocache.DefaultExpiration); err != nil {
			dup = true
		}
	}
	if fp := TitleFingerprint(item.Title); fp != "" {
		if err := e.seen.Add("title:"+fp, struct{}{}, gocache.DefaultExpiration); err != nil {
			dup = true
		}
	}
	return dup
}

// forget drops the dedup keys so a failed append can be retried on the
// next fetch cycle.
func (e *RedisStreamEmitter) forget(item types.NewsItem) {
	e.seen.Delete("id:" + item.ID)
	e.seen.Delete("title:" + TitleFingerprint(item.Title))
}

// Close is a no-op; the Redis client is owned by the caller.
func (e *RedisStreamEmitter) Close() error { return nil }
