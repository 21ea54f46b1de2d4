package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisStream = "clipflow:events"

// RedisPublisher appends events to a Redis stream so consumers can replay
// the pipeline history with XREAD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher connects to Redis using the provided URL, for example
// redis://localhost:6379/0. An empty stream name selects the default.
func NewRedisPublisher(redisURL, stream string, maxLen int64) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if strings.TrimSpace(stream) == "" {
		stream = defaultRedisStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisPublisher{
		client: redis.NewClient(opts),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (p *RedisPublisher) Name() string {
	return "redis"
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	values := map[string]any{
		"type":       event.Type,
		"occurredAt": event.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if event.AssetID != "" {
		values["assetId"] = event.AssetID
	}
	if event.JobID != "" {
		values["jobId"] = event.JobID
	}
	if event.SessionID != "" {
		values["sessionId"] = event.SessionID
	}
	if event.StreamID != "" {
		values["streamId"] = event.StreamID
	}
	if event.OwnerID != "" {
		values["ownerId"] = event.OwnerID
	}
	if event.Error != "" {
		values["error"] = event.Error
	}

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
