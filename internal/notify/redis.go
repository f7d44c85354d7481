package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
)

// RedisStreamSink appends events to a Redis stream trimmed to roughly maxLen entries.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "orchestrator:events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Deliver(ctx context.Context, evt streaming.Event) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":         evt.Type,
			"workspace_id": evt.WorkspaceID,
			"action_id":    evt.ActionID,
			"payload":      string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", s.stream, err)
	}
	return nil
}
