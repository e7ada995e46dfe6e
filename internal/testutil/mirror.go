package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
)

// InMemoryMirror is a reconcile.Mirror backed by a map. Generated invoice ids
// are unique, as in the real table.
type InMemoryMirror struct {
	mu     sync.RWMutex
	rows   map[int64]*models.InvoiceRecord
	nextID int64

	// FailWith, when set, is consulted before every write. A non-nil return
	// fails that call.
	FailWith func(action string, id int64) error
}

func NewInMemoryMirror(seed ...*models.InvoiceRecord) *InMemoryMirror {
	m := &InMemoryMirror{rows: make(map[int64]*models.InvoiceRecord)}
	for _, r := range seed {
		c := r.Clone()
		if c.StoreID == 0 {
			m.nextID++
			c.StoreID = m.nextID
		}
		if c.StoreID > m.nextID {
			m.nextID = c.StoreID
		}
		m.rows[c.StoreID] = c
	}
	return m
}

func (m *InMemoryMirror) List(ctx context.Context) ([]*models.InvoiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.InvoiceRecord, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out, nil
}

func (m *InMemoryMirror) Insert(ctx context.Context, r *models.InvoiceRecord) (int64, error) {
	if err := m.fail("insert", 0); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.GeneratedInvoiceID != "" {
		for _, existing := range m.rows {
			if existing.GeneratedInvoiceID == r.GeneratedInvoiceID {
				return 0, errs.Newf(errs.ErrDuplicateKey, "generated_invoice_id %s exists", r.GeneratedInvoiceID)
			}
		}
	}
	m.nextID++
	c := r.Clone()
	c.StoreID = m.nextID
	m.rows[c.StoreID] = c
	return c.StoreID, nil
}

func (m *InMemoryMirror) Update(ctx context.Context, u reconcile.Update) error {
	if err := m.fail("update", u.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[u.ID]
	if !ok {
		return errs.Newf(errs.ErrNotFound, "invoice %d", u.ID)
	}
	if u.Status != models.StatusUnknown {
		row.Status = u.Status
	}
	if u.GeneratedInvoiceID != "" {
		row.GeneratedInvoiceID = u.GeneratedInvoiceID
	}
	row.UpdatedAt = u.UpdatedAt
	return nil
}

func (m *InMemoryMirror) SetArchivedLink(ctx context.Context, id int64, link string) error {
	if err := m.fail("archive_link", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return errs.Newf(errs.ErrNotFound, "invoice %d", id)
	}
	row.ArchivedFileLink = link
	return nil
}

func (m *InMemoryMirror) Delete(ctx context.Context, id int64) error {
	if err := m.fail("delete", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errs.Newf(errs.ErrNotFound, "invoice %d", id)
	}
	delete(m.rows, id)
	return nil
}

func (m *InMemoryMirror) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows)), nil
}

func (m *InMemoryMirror) FindByContentHash(ctx context.Context, hash string) (*models.InvoiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows {
		if hash != "" && r.ContentHash == hash {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (m *InMemoryMirror) LastUpdatedAt(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, r := range m.rows {
		if r.UpdatedAt.After(last) {
			last = r.UpdatedAt
		}
	}
	return last, nil
}

func (m *InMemoryMirror) ReplaceAll(ctx context.Context, records []*models.InvoiceRecord) error {
	if err := m.fail("replace", 0); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[int64]*models.InvoiceRecord, len(records))
	for _, r := range records {
		m.nextID++
		c := r.Clone()
		c.StoreID = m.nextID
		m.rows[c.StoreID] = c
	}
	return nil
}

func (m *InMemoryMirror) Get(id int64) *models.InvoiceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rows[id]; ok {
		return r.Clone()
	}
	return nil
}

func (m *InMemoryMirror) fail(action string, id int64) error {
	if m.FailWith == nil {
		return nil
	}
	return m.FailWith(action, id)
}
