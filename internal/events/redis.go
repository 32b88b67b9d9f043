package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink mirrors events to per-session Redis streams so external
// consumers can follow progress without holding an in-process
// subscription.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisSink connects to Redis and verifies the connection. Stream
// keys are "<stream>:<session_id>", capped at maxLen entries.
func NewRedisSink(ctx context.Context, addr, stream string, maxLen int64, logger *zap.Logger) (*RedisSink, error) {
	if stream == "" {
		stream = "conveyor:events"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisSink{client: client, stream: stream, maxLen: maxLen, logger: logger}, nil
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, evt Event) error {
	key := fmt.Sprintf("%s:%s", s.stream, evt.SessionID)
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"session_id": evt.SessionID,
			"type":       string(evt.Type),
			"role":       evt.Role,
			"task_id":    evt.TaskID,
			"step":       strconv.Itoa(evt.Step),
			"message":    evt.Message,
			"ts_nano":    strconv.FormatInt(evt.Timestamp.UnixNano(), 10),
			"seq":        strconv.FormatUint(evt.Seq, 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append event to stream %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
