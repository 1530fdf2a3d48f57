package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stream = "taskforge:events"

// RedisStream publishes engine events to a Redis Stream so external
// consumers can tail the orchestration lifecycle. Writes are fire-and-
// forget: a failed XADD is logged and dropped, never surfaced.
type RedisStream struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisStream connects to Redis and returns a stream publisher.
func NewRedisStream(redisURL string, logger *zap.Logger) (*RedisStream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStream{rdb: rdb, logger: logger}, nil
}

// Publish appends the event to the stream.
func (rs *RedisStream) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		rs.logger.Warn("marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rs.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		rs.logger.Warn("publish event",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// Subscribe tails the event stream from now on. Cancel the context to stop.
func (rs *RedisStream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := rs.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   32,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (rs *RedisStream) Close() error {
	return rs.rdb.Close()
}
