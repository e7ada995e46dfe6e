package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/expenseledger/internal/errs"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.Acquire(ctx, "reconcile")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "reconcile")
	assert.True(t, errs.Is(err, errs.ErrLockNotObtained))

	_, err = l.Acquire(ctx, "rebuild")
	assert.NoError(t, err, "different names do not contend")

	release()
	_, err = l.Acquire(ctx, "reconcile")
	assert.NoError(t, err)
}
