package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the network tier, backed by a shared Redis server. Every failure
// is downgraded to a miss with a warning so an unavailable backend never
// blocks the pipeline.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the given redis:// URL and verifies connectivity.
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	slog.Info("cache: redis connected", "addr", opts.Addr, "db", opts.DB)
	return &Redis{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client (tests, shared connections).
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Close shuts down the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Get(ctx context.Context, namespace string, parts ...any) ([]byte, bool) {
	key := KeyFor(namespace, parts...)
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("cache: redis get failed", "key", key, "error", err)
		return nil, false
	}
	return val, true
}

func (r *Redis) Put(ctx context.Context, namespace string, value []byte, ttl time.Duration, parts ...any) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := KeyFor(namespace, parts...)
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Warn("cache: redis set failed", "key", key, "error", err)
	}
}
