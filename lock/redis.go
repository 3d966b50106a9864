package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultTTL = 30 * time.Second

// obtainer is the part of *redislock.Client the Redis locker uses.
type obtainer interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// Redis is a keyed try-lock shared by every process that talks to the same
// Redis. A lock expires after its TTL even if its holder dies.
type Redis struct {
	client obtainer
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration, log zerolog.Logger) *Redis {
	return newRedis(redislock.New(rdb), prefix, ttl, log)
}

func newRedis(client obtainer, prefix string, ttl time.Duration, log zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	held, err := r.client.Obtain(ctx, full, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain redis lock %s: %w", full, err)
	}
	return func() {
		if err := held.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.Warn().Err(err).Str("key", full).Msg("release redis lock")
		}
	}, nil
}
