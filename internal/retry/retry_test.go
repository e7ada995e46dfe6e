package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/expenseledger/internal/errs"
)

var fast = Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "flaky", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.Newf(errs.ErrTransient, "attempt %d", calls)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "down", func(ctx context.Context) error {
		calls++
		return errs.Newf(errs.ErrTransient, "still down")
	})

	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestDo_DoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := Do(context.Background(), fast, "permanent", func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
