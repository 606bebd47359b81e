package userlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lock only if it is still held by our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Redis is a lease-based Locker. A lease that is never released expires
// after TTL, so a crashed replica cannot wedge a user forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	prefix string
}

// NewRedis returns a Redis locker that namespaces keys under "keypool:lock:".
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, poll: 25 * time.Millisecond, prefix: "keypool:lock:"}
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Lock polls SET NX PX until the lease is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return func() {}, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return func() {}, ctx.Err()
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the caller's ctx is already cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
		})
	}, nil
}
