package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis is a Locker shared by every instance pointed at the same Redis.
// Locks expire after ttl so a crashed holder cannot block a weapon forever.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	backoff time.Duration
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration, retries int, backoff time.Duration) *Redis {
	return &Redis{
		client:  redislock.New(rdb),
		ttl:     ttl,
		retries: retries,
		backoff: backoff,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	l, err := r.client.Obtain(ctx, "lock:"+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
		}
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		if err := l.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}
