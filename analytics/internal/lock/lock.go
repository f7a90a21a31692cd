// Package lock serializes aggregation runs across analytics instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock: held by another worker")

// Lease is a held lock.
type Lease interface {
	// Release frees the lock if it is still owned by this lease.
	Release(ctx context.Context) error
}

// Locker acquires named leases with a TTL.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Noop grants every lease; used with a single analytics instance.
type Noop struct{}

type noopLease struct{}

func (noopLease) Release(context.Context) error { return nil }

// Acquire always succeeds.
func (Noop) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return noopLease{}, nil
}

// releaseScript deletes the key only if it still holds our token, so a lease
// that outlived its TTL cannot free a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX PX.
type Redis struct {
	client redis.Cmdable
	prefix string
}

// NewRedis creates a Redis locker. Keys are prefix + name.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = "nimbus:analytics:lock:"
	}
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromURL parses redisURL, pings the server and returns a locker
// along with the client so the caller can close it.
func NewRedisFromURL(ctx context.Context, redisURL, prefix string) (*Redis, *redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(client, prefix), client, nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
}

// Acquire takes the lock or returns ErrLockHeld.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	key := r.prefix + name
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	return &redisLease{client: r.client, key: key, token: token}, nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
