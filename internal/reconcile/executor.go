package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/retry"
)

// Mirror is the relational store the plan is applied to. Writes are always
// targeted by id.
type Mirror interface {
	List(ctx context.Context) ([]*models.InvoiceRecord, error)
	Insert(ctx context.Context, r *models.InvoiceRecord) (int64, error)
	Update(ctx context.Context, u Update) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

// ExecutorConfig bounds the executor's concurrency and per-call budget.
type ExecutorConfig struct {
	Workers       int
	CallTimeout   time.Duration
	Retry         retry.Policy
	ProgressEvery int
}

// DefaultExecutorConfig is used by the functions.
var DefaultExecutorConfig = ExecutorConfig{
	Workers:       8,
	CallTimeout:   15 * time.Second,
	Retry:         retry.DefaultPolicy,
	ProgressEvery: 50,
}

// Progress is reported after every ProgressEvery items and once at the end.
type Progress struct {
	Done  int
	Total int
}

// Summary counts what happened to every plan item.
type Summary struct {
	Inserted int
	Updated  int
	Deleted  int
	Skipped  int
	Failed   int
	Skips    []models.ItemFailure
	Failures []models.ItemFailure
}

// Fill copies the counts into a run report.
func (s *Summary) Fill(r *models.RunReport) {
	r.Inserts += s.Inserted
	r.Updates += s.Updated
	r.Deletes += s.Deleted
	r.Skipped += s.Skipped
	r.Failed += s.Failed
	r.Failures = append(r.Failures, s.Failures...)
}

// Executor applies plans to a Mirror.
type Executor struct {
	mirror     Mirror
	cfg        ExecutorConfig
	onProgress func(Progress)
}

// NewExecutor returns an Executor. onProgress may be nil.
func NewExecutor(mirror Mirror, cfg ExecutorConfig, onProgress func(Progress)) *Executor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ProgressEvery < 1 {
		cfg.ProgressEvery = DefaultExecutorConfig.ProgressEvery
	}
	return &Executor{mirror: mirror, cfg: cfg, onProgress: onProgress}
}

type action string

const (
	actionInsert action = "insert"
	actionUpdate action = "update"
	actionDelete action = "delete"
)

type item struct {
	action action
	label  string
	run    func(ctx context.Context) error
}

// Execute applies every item of plan. A failing item never stops the
// others; the returned Summary accounts for each one.
func (e *Executor) Execute(ctx context.Context, plan *Plan) *Summary {
	items := e.items(plan)
	sum := &Summary{}
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, it := range items {
		g.Go(func() error {
			err := retry.Do(gctx, e.cfg.Retry, string(it.action), func(ctx context.Context) error {
				callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
				defer cancel()
				return it.run(callCtx)
			})

			mu.Lock()
			defer mu.Unlock()
			e.record(sum, it, err)
			done++
			if done%e.cfg.ProgressEvery == 0 || done == len(items) {
				slog.Info("Plan execution progress.", "done", done, "total", len(items))
				if e.onProgress != nil {
					e.onProgress(Progress{Done: done, Total: len(items)})
				}
			}
			// Per-item errors are accounted for in the summary, not returned.
			return nil
		})
	}
	_ = g.Wait()
	return sum
}

func (e *Executor) record(sum *Summary, it item, err error) {
	switch {
	case err == nil:
		switch it.action {
		case actionInsert:
			sum.Inserted++
		case actionUpdate:
			sum.Updated++
		case actionDelete:
			sum.Deleted++
		}
	case errs.IsNotFound(err) && it.action != actionInsert:
		sum.Skipped++
		sum.Skips = append(sum.Skips, models.ItemFailure{Identity: it.label, Action: string(it.action), Reason: "already reconciled: record vanished"})
	case errs.IsDuplicateKey(err) && it.action == actionInsert:
		sum.Skipped++
		sum.Skips = append(sum.Skips, models.ItemFailure{Identity: it.label, Action: string(it.action), Reason: "duplicate key"})
	default:
		sum.Failed++
		sum.Failures = append(sum.Failures, models.ItemFailure{Identity: it.label, Action: string(it.action), Reason: err.Error()})
		slog.Error("Plan item failed.", "action", it.action, "identity", it.label, "error", err)
	}
}

func (e *Executor) items(plan *Plan) []item {
	items := make([]item, 0, len(plan.Deletes)+len(plan.Updates)+len(plan.Inserts))
	for _, d := range plan.Deletes {
		items = append(items, item{action: actionDelete, label: d.Label, run: func(ctx context.Context) error {
			return e.mirror.Delete(ctx, d.ID)
		}})
	}
	for _, u := range plan.Updates {
		items = append(items, item{action: actionUpdate, label: u.Label, run: func(ctx context.Context) error {
			return e.mirror.Update(ctx, u)
		}})
	}
	for _, r := range plan.Inserts {
		items = append(items, item{action: actionInsert, label: r.Label(), run: func(ctx context.Context) error {
			_, err := e.mirror.Insert(ctx, r)
			return err
		}})
	}
	return items
}
