package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/jornada/internal/clock"
)

// DefaultQueueKey is the Redis list deliveries are pushed to when no key is
// configured.
const DefaultQueueKey = "jornada:notifications"

// Delivery is the JSON document pushed onto the queue.
type Delivery struct {
	ID         string `json:"id"`
	Recipient  string `json:"recipient"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	EnqueuedAt string `json:"enqueued_at"`
}

// RedisQueue enqueues deliveries on a Redis list with LPUSH. A delivery worker
// outside this process pops them (BRPOP) and owns retries.
type RedisQueue struct {
	client redis.Cmdable
	key    string
	clock  clock.Clock
}

// NewRedisQueue creates a queue writing to the list at key.
func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key, clock: clock.System{}}
}

// Send enqueues the message.
func (q *RedisQueue) Send(ctx context.Context, recipient, title, message string) error {
	data, err := json.Marshal(Delivery{
		ID:         uuid.NewString(),
		Recipient:  recipient,
		Title:      title,
		Message:    message,
		EnqueuedAt: q.clock.Now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("redis lpush %q: %w", q.key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
