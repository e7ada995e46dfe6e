package sequence

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/Lllllllleong/expenseledger/internal/models"
)

// Counter reserves blocks of sequence numbers for a project. Implementations
// serialize reservations per project so that concurrent batches never hand
// out the same number. floor is the highest sequence already visible in the
// data; the reserved block always starts above it.
type Counter interface {
	Reserve(ctx context.Context, projectCode string, floor, n int) (first int, err error)
}

// Batch hands out consecutive sequence numbers from an in-memory running
// counter. It is seeded once and never re-scans: numbers it hands out are not
// persisted until the batch is written back.
type Batch struct {
	ProjectCode string
	next        int
	end         int
}

// NewBatch returns a batch yielding first, first+1, ... first+n-1.
func NewBatch(projectCode string, first, n int) *Batch {
	return &Batch{ProjectCode: projectCode, next: first, end: first + n}
}

// Next returns the next number, or false when the block is used up.
func (b *Batch) Next() (int, bool) {
	if b.next >= b.end {
		return 0, false
	}
	n := b.next
	b.next++
	return n, true
}

// Assignment is one generated id bound to its record.
type Assignment struct {
	Record     *models.InvoiceRecord
	Sequence   int
	Identifier string
}

// BatchResult is the outcome of allocating ids for a submission batch.
type BatchResult struct {
	Assigned []Assignment
	Failed   []models.ItemFailure
}

// Allocator assigns generated invoice ids exactly once per record.
type Allocator struct {
	counter Counter
}

// NewAllocator returns an Allocator backed by counter.
func NewAllocator(counter Counter) *Allocator {
	return &Allocator{counter: counter}
}

// AllocateBatch assigns ids to every record in records that does not carry
// one yet, in processing order. existing lists every identifier already
// persisted in any store; it seeds each project's floor once. Records that
// already have an id are left alone. The records are mutated in place.
func (a *Allocator) AllocateBatch(ctx context.Context, records []*models.InvoiceRecord, existing []string) *BatchResult {
	res := &BatchResult{}

	pending := lo.Filter(records, func(r *models.InvoiceRecord, _ int) bool {
		return r.GeneratedInvoiceID == ""
	})
	for _, r := range pending {
		if strings.TrimSpace(r.ProjectCode) == "" {
			res.Failed = append(res.Failed, models.ItemFailure{Identity: r.Label(), Action: "allocate", Reason: "missing project code"})
		}
	}
	pending = lo.Filter(pending, func(r *models.InvoiceRecord, _ int) bool {
		return strings.TrimSpace(r.ProjectCode) != ""
	})

	byProject := lo.GroupBy(pending, func(r *models.InvoiceRecord) string {
		return strings.TrimSpace(r.ProjectCode)
	})
	projects := lo.Uniq(lo.Map(pending, func(r *models.InvoiceRecord, _ int) string {
		return strings.TrimSpace(r.ProjectCode)
	}))

	for _, project := range projects {
		group := byProject[project]
		logCtx := slog.With("projectCode", project, "count", len(group))

		floor := Scan(project, existing)
		first, err := a.counter.Reserve(ctx, project, floor, len(group))
		if err != nil {
			logCtx.Error("Failed to reserve sequence numbers.", "floor", floor, "error", err)
			for _, r := range group {
				res.Failed = append(res.Failed, models.ItemFailure{Identity: r.Label(), Action: "allocate", Reason: err.Error()})
			}
			continue
		}

		batch := NewBatch(project, first, len(group))
		for _, r := range group {
			seq, _ := batch.Next()
			id := Render(project, seq, r.Amount, r.Currency)
			r.GeneratedInvoiceID = id
			res.Assigned = append(res.Assigned, Assignment{Record: r, Sequence: seq, Identifier: id})
		}
		logCtx.Info("Allocated invoice ids.", "floor", floor, "first", first)
	}
	return res
}

// MemoryCounter is a process-local Counter. It serializes reservations with a
// mutex and is suitable for single-process runs and tests.
type MemoryCounter struct {
	mu   sync.Mutex
	last map[string]int
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{last: make(map[string]int)}
}

// Reserve implements Counter.
func (c *MemoryCounter) Reserve(_ context.Context, projectCode string, floor, n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := max(c.last[projectCode], floor) + 1
	c.last[projectCode] = first + n - 1
	return first, nil
}
