package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"salescall-platform/pkg/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Limiter caps the number of workflow submissions in flight.
// Acquire blocks until a slot is free or ctx ends.
type Limiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalLimiter is a process-local semaphore.
type LocalLimiter struct {
	sem chan struct{}
}

func NewLocalLimiter(n int) *LocalLimiter {
	if n <= 0 {
		n = 1
	}
	return &LocalLimiter{sem: make(chan struct{}, n)}
}

func (l *LocalLimiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errCapReached = errors.New("dispatch: concurrency cap reached")

// RedisLimiter shares one cap across every API replica using the atomic
// counter in utils.AcquireConcurrencyCap. The counter key carries a TTL so a
// crashed replica cannot leak slots forever.
type RedisLimiter struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
	poll  time.Duration
}

func NewRedisLimiter(rdb *redis.Client, key string, limit int, ttl time.Duration) (*RedisLimiter, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		key = "salescall:dispatch:inflight"
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0")
	}
	return &RedisLimiter{rdb: rdb, key: key, limit: limit, ttl: ttl, poll: 250 * time.Millisecond}, nil
}

func (l *RedisLimiter) Acquire(ctx context.Context) (func(), error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.poll
	bo.MaxInterval = 5 * time.Second
	// No elapsed cap of its own; ctx bounds the wait.
	bo.MaxElapsedTime = 0

	op := func() error {
		ok, err := utils.AcquireConcurrencyCap(ctx, l.rdb, l.key, l.limit, l.ttl)
		if err != nil {
			return err
		}
		if !ok {
			return errCapReached
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("acquire dispatch slot: %w", err)
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = utils.ReleaseConcurrencyCap(rctx, l.rdb, l.key)
	}
	return release, nil
}
