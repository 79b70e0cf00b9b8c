package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "careflow:lock:"

// Deleting only when the stored token matches must be one round trip,
// otherwise a lease can expire between GET and DEL and we would delete
// the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend implements Backend on a Redis instance or cluster.
type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	return b.client.SetNX(ctx, redisKeyPrefix+key, token, lease).Result()
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{redisKeyPrefix + key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ping verifies connectivity, mirroring the stores' health surface.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
