package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript treats a missing key as "0" so a fresh stream can be claimed.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore initializes Redis storage
// addr: e.g., "localhost:6379"
// prefix: Key prefix (e.g., "safeidx:"). Final Key is prefix + task_key
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	return NewRedisStoreWithClient(rdb, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "safeidx:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) LoadCursor(ctx context.Context, key string) (uint64, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (r *RedisStore) SaveCursor(ctx context.Context, key string, height uint64) error {
	// Set value with no expiration (0)
	return r.client.Set(ctx, r.prefix+key, height, 0).Err()
}

func (r *RedisStore) CompareAndSetCursor(ctx context.Context, key string, expected, next uint64) (bool, error) {
	n, err := casScript.Run(ctx, r.client, []string{r.prefix + key},
		strconv.FormatUint(expected, 10), strconv.FormatUint(next, 10)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
