package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/expenseledger/internal/errs"
)

// Locker guards a named run so that two passes never interleave.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// RedisLocker takes `run-lock:<name>` with a TTL long enough for a full pass.
type RedisLocker struct {
	locker *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker returns a Locker backed by rdb.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{locker: redislock.New(rdb), ttl: ttl}
}

// Acquire implements Locker. It does not wait: a held lock means another run
// is in progress and the caller should give up.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	key := fmt.Sprintf("run-lock:%s", name)
	lk, err := l.locker.Obtain(ctx, key, l.ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, errs.Wrapf(err, errs.ErrLockNotObtained, "run %s already in progress", name)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}
	return func() {
		if err := lk.Release(context.WithoutCancel(ctx)); err != nil && err != redislock.ErrLockNotHeld {
			slog.Warn("Failed to release run lock.", "lock", key, "error", err)
		}
	}, nil
}

// LocalLocker is an in-process Locker for offline runs and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, errs.Newf(errs.ErrLockNotObtained, "run %s already in progress", name)
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
	}, nil
}
