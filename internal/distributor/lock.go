package distributor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock serializes distribution ticks across replicas with a
// SET NX lease. The lease expires on its own; a crashed holder never
// wedges the scheduler.
type RedisLock struct {
	client *redis.Client
	key    string
}

// NewRedisLock wires a tick lock on the given key.
func NewRedisLock(client *redis.Client, key string) *RedisLock {
	return &RedisLock{client: client, key: key}
}

// TryLock acquires the lease for ttl. Returns false when another
// replica holds it.
func (l *RedisLock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key, "1", ttl).Result()
}
