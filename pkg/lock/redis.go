package lock

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client   redis.UniversalClient
	prefix   string
	newToken func() string
}

// NewRedisLocker stores locks under prefix + name. prefix defaults to "locks:".
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "locks:"
	}
	return &RedisLocker{client: client, prefix: prefix, newToken: uuid.NewString}
}

func (r *RedisLocker) TryLock(ctx context.Context, name string, wait, ttl time.Duration) (func(), bool, error) {
	key := r.prefix + name
	token := r.newToken()

	ok, err := retry(ctx, wait, func() (bool, error) {
		return r.client.SetNX(ctx, key, token, ttl).Result()
	})
	if err != nil || !ok {
		return func() {}, false, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The cycle context may already be cancelled.
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{key}, token).Err(); err != nil {
				log.Warn("Failed to release lock", "key", key, "err", err)
			}
		})
	}
	return release, true, nil
}
