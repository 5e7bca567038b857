package cache

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on a shared Redis instance, so several
// gateway replicas can serve from one warm cache instead of each paying
// their own relay round trips.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// Cache reads sit on the request path: a slow or unreachable Redis must
// lose to the relay fallback quickly, not stall the request. Writes are
// fire-and-forget from the caller's perspective and get a little more room.
const (
	redisDialTimeout  = 2 * time.Second
	redisReadTimeout  = 500 * time.Millisecond
	redisWriteTimeout = time.Second
)

// NewRedisBackend connects to the Redis instance at redisURL
// ("redis://[:password@]host:port/db", the kv:// configuration value with
// its scheme rewritten by the caller). The connection is verified before
// returning, so a misconfigured backend fails at startup rather than on the
// first request.
func NewRedisBackend(redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis URL: %w", err)
	}

	// One pool serves every namespace of every in-flight request pipeline,
	// so size it from available parallelism rather than a fixed count.
	procs := runtime.GOMAXPROCS(0)
	opts.PoolSize = 8 * procs
	opts.MinIdleConns = procs
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = redisReadTimeout
	opts.WriteTimeout = redisWriteTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}

	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	switch {
	case err == redis.Nil:
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return []byte(val), true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.SetEx(ctx, r.prefix+key, value, ttl).Err()
}

// Delete uses UNLINK rather than DEL so reclaiming a large entry (cached
// blob bytes) happens off the server's command loop.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Unlink(ctx, r.prefix+key).Err()
}

// Touch extends key's TTL without rereading or rewriting its value.
func (r *RedisBackend) Touch(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.prefix+key, ttl).Err()
}

// ClearPrefix scans and deletes every key beginning with prefix, using SCAN
// rather than KEYS so a large namespace doesn't block the server.
func (r *RedisBackend) ClearPrefix(ctx context.Context, prefix string) error {
	pattern := r.prefix + prefix + "*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
