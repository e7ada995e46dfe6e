package sequence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/expenseledger/internal/errs"
)

// RedisCounter serializes reservations with a short-lived per-project
// advisory lock and keeps the last reserved number under a plain key.
type RedisCounter struct {
	rdb     *redis.Client
	locker  *redislock.Client
	lockTTL time.Duration
}

// NewRedisCounter returns a counter backed by rdb.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{
		rdb:     rdb,
		locker:  redislock.New(rdb),
		lockTTL: 10 * time.Second,
	}
}

func counterKey(projectCode string) string { return "invoice-seq:" + projectCode }
func lockKey(projectCode string) string    { return "invoice-seq-lock:" + projectCode }

// Reserve implements Counter.
func (c *RedisCounter) Reserve(ctx context.Context, projectCode string, floor, n int) (int, error) {
	lock, err := c.locker.Obtain(ctx, lockKey(projectCode), c.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 30),
	})
	if err == redislock.ErrNotObtained {
		return 0, errs.Wrapf(err, errs.ErrLockNotObtained, "sequence lock for %s", projectCode)
	}
	if err != nil {
		return 0, fmt.Errorf("obtain sequence lock for %s: %w", projectCode, err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	last := 0
	val, err := c.rdb.Get(ctx, counterKey(projectCode)).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return 0, fmt.Errorf("read sequence counter for %s: %w", projectCode, err)
	default:
		if last, err = strconv.Atoi(val); err != nil {
			return 0, fmt.Errorf("corrupt sequence counter for %s: %w", projectCode, err)
		}
	}

	first := max(last, floor) + 1
	if err := c.rdb.Set(ctx, counterKey(projectCode), first+n-1, 0).Err(); err != nil {
		return 0, fmt.Errorf("write sequence counter for %s: %w", projectCode, err)
	}
	return first, nil
}
