package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PushQueueKey is the Redis list an external web-push worker consumes.
const PushQueueKey = "chat:push:queue"

type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, key: PushQueueKey}
}

func (s *RedisSink) Push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", s.key, err)
	}
	return nil
}

// LogSink is used when no Redis is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Push(_ context.Context, job Job) error {
	s.logger.Info().
		Int("user_id", job.UserID).
		Int64("room_id", job.RoomID).
		Int64("message_id", job.MessageID).
		Str("title", job.Title).
		Msg("push notification")
	return nil
}
