package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend wraps go-redis v9 as a Cache Store persistence backend,
// adapted from the teacher's GoRedisAdapter (internal/infra/redis_adapter.go):
// same connection setup (dial/read/write timeouts, pool size, startup ping),
// narrowed here to the Get/Put/Delete trait the Cache Store actually needs.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend dials addr and pings it before returning, exactly as
// NewGoRedisAdapter did — callers decide whether to fall back to an
// in-memory backend on error (spec §4.1, "Failure" — backend errors are
// surfaced but never promoted).
func NewRedisBackend(addr, password string, db int, keyPrefix string, ttl time.Duration) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache redis backend: ping %s: %w", addr, err)
	}

	slog.Info("cache redis backend connected", "addr", addr, "db", db)
	return &RedisBackend{rdb: rdb, prefix: keyPrefix, ttl: ttl}, nil
}

// Close shuts down the underlying client.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

type redisRecord struct {
	Artifact []byte   `json:"artifact"`
	Meta     Metadata `json:"meta"`
}

func (b *RedisBackend) key(k string) string { return b.prefix + k }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, Metadata, bool, error) {
	raw, err := b.rdb.Get(ctx, b.key(key)).Bytes()
	if err == redis.Nil {
		return nil, Metadata{}, false, nil
	}
	if err != nil {
		return nil, Metadata{}, false, fmt.Errorf("cache redis backend: get %s: %w", key, err)
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, Metadata{}, false, fmt.Errorf("cache redis backend: decode %s: %w", key, err)
	}
	return rec.Artifact, rec.Meta, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, key string, artifact []byte, meta Metadata) error {
	raw, err := json.Marshal(redisRecord{Artifact: artifact, Meta: meta})
	if err != nil {
		return fmt.Errorf("cache redis backend: encode %s: %w", key, err)
	}
	if err := b.rdb.Set(ctx, b.key(key), raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("cache redis backend: set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, b.key(key)).Err()
}
