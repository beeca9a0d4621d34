package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend shares cache entries between processes through Redis.
// Keys expire after the cache TTL; freshness is still checked against
// FetchedAt so an injected clock behaves the same as with MemoryBackend.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis-backed cache backend.
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: "papertrade:md:"}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := b.rdb.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt payload: treat as a miss so the next fetch overwrites it.
		return nil, nil
	}
	return &e, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.prefix+key, data, ttl).Err()
}
