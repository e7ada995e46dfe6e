package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Lllllllleong/expenseledger/internal/errs"
)

// Policy bounds how often and how long a provider call is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is the small fixed retry count used for every provider call.
var DefaultPolicy = Policy{
	MaxAttempts:     4,
	InitialInterval: time.Second,
	MaxInterval:     8 * time.Second,
}

// Do runs op until it succeeds, returns a non-transient error, the attempts
// are exhausted or ctx is done. Only errors that errs.IsTransient accepts
// are retried.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		slog.Warn("Provider call failed, will retry.",
			"operation", name,
			"attempt", attempt,
			"maxAttempts", p.MaxAttempts,
			"backoff", wait.String(),
			"error", err,
		)
	})
}
