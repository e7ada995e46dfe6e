package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
	"github.com/Lllllllleong/expenseledger/internal/retry"
	"github.com/Lllllllleong/expenseledger/internal/testutil"
)

var testExecutorConfig = reconcile.ExecutorConfig{
	Workers:       3,
	CallTimeout:   time.Second,
	Retry:         retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	ProgressEvery: 2,
}

func TestExecute_IsolatesFailures(t *testing.T) {
	mirror := testutil.NewInMemoryMirror(
		&models.InvoiceRecord{StoreID: 1, Identity: "one", GeneratedInvoiceID: "HK01-0001-1HKD"},
		&models.InvoiceRecord{StoreID: 2, Identity: "two"},
		&models.InvoiceRecord{StoreID: 3, Identity: "three"},
	)
	mirror.FailWith = func(action string, id int64) error {
		if action == "update" && id == 3 {
			return errors.New("constraint check failed")
		}
		return nil
	}

	plan := &reconcile.Plan{
		Inserts: []*models.InvoiceRecord{
			{Identity: "fresh"},
			{Identity: "dup", GeneratedInvoiceID: "HK01-0001-1HKD"},
		},
		Updates: []reconcile.Update{
			{ID: 1, Label: "one", Status: models.StatusConfirmed},
			{ID: 3, Label: "three", Status: models.StatusConfirmed},
			{ID: 99, Label: "vanished", Status: models.StatusConfirmed},
		},
		Deletes: []reconcile.Delete{{ID: 2, Label: "two"}},
	}

	var mu sync.Mutex
	var progress []reconcile.Progress
	exec := reconcile.NewExecutor(mirror, testExecutorConfig, func(p reconcile.Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, p)
	})

	sum := exec.Execute(context.Background(), plan)

	assert.Equal(t, 1, sum.Inserted)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, sum.Deleted)
	assert.Equal(t, 2, sum.Skipped, "vanished update and duplicate insert are benign")
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "three", sum.Failures[0].Identity)
	assert.Equal(t, "update", sum.Failures[0].Action)

	require.NotEmpty(t, progress)
	assert.Equal(t, reconcile.Progress{Done: 6, Total: 6}, progress[len(progress)-1])
	assert.Equal(t, models.StatusConfirmed, mirror.Get(1).Status)
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	mirror := testutil.NewInMemoryMirror(&models.InvoiceRecord{StoreID: 1, Identity: "one"})
	var mu sync.Mutex
	attempts := 0
	mirror.FailWith = func(action string, id int64) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errs.Newf(errs.ErrTransient, "lock wait timeout")
		}
		return nil
	}

	sum := reconcile.NewExecutor(mirror, testExecutorConfig, nil).Execute(context.Background(), &reconcile.Plan{
		Updates: []reconcile.Update{{ID: 1, Status: models.StatusSubmitted}},
	})

	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 3, attempts)
}

func TestSummaryFill(t *testing.T) {
	sum := &reconcile.Summary{Inserted: 2, Updated: 1, Failed: 1, Failures: []models.ItemFailure{{Identity: "x"}}}
	report := &models.RunReport{}
	sum.Fill(report)

	assert.Equal(t, 2, report.Inserts)
	assert.Equal(t, 1, report.Updates)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Failures, 1)
}
