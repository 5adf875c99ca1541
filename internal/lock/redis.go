package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`if redis.call('GET', KEYS[1]) == ARGV[1] then return redis.call('DEL', KEYS[1]) end; return 0`)

// ErrLockLost is reported when a lock expired before it was released.
var ErrLockLost = errors.New("lock expired before release")

// RedisLocker is a lease-based lock shared by every process using the same
// Redis. The TTL bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	// OnRelease, when set, observes release results.
	OnRelease func(key string, err error)
}

// RedisOption customises a RedisLocker.
type RedisOption func(*RedisLocker)

// WithPrefix namespaces lock keys.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithPollInterval sets how often a blocked Lock retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.poll = d
		}
	}
}

// NewRedisLocker constructs a RedisLocker with the given lease TTL.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l := &RedisLocker{client: client, prefix: "rewards:lock:", ttl: ttl, poll: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires key, retrying until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) unlocker(redisKey, token string) Unlock {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
		if err == nil && n == 0 {
			err = ErrLockLost
		}
		if l.OnRelease != nil {
			l.OnRelease(redisKey, err)
		}
	}
}
