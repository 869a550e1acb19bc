package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TickLease keeps replicas from scanning at the same moment. Correctness
// never depends on it; the per-proposal claim is the real guard.
type TickLease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease is a SET NX lease on a single key.
type RedisLease struct {
	client *redis.Client
	key    string
	token  string
}

func NewRedisLease(client *redis.Client, key string) *RedisLease {
	if key == "" {
		key = "lock:dispute-scheduler"
	}
	return &RedisLease{client: client, key: key, token: uuid.NewString()}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire lease: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the key only if this replica still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("scheduler: release lease: %w", err)
	}
	return nil
}
