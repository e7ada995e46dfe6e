package testutil

import (
	"context"
	"sync"

	"github.com/Lllllllleong/expenseledger/internal/sheet"
)

// InMemoryGrid is a sheet.Grid over a slice of rows.
type InMemoryGrid struct {
	mu   sync.Mutex
	rows [][]string

	// FailWrite, when set, is consulted before every WriteCells call.
	FailWrite func(cells []sheet.CellUpdate) error
	Writes    int
}

func NewInMemoryGrid(rows ...[]string) *InMemoryGrid {
	g := &InMemoryGrid{}
	for _, r := range rows {
		g.rows = append(g.rows, append([]string(nil), r...))
	}
	return g
}

func (g *InMemoryGrid) Read(ctx context.Context) ([][]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot(), nil
}

func (g *InMemoryGrid) WriteCells(ctx context.Context, cells []sheet.CellUpdate) error {
	if g.FailWrite != nil {
		if err := g.FailWrite(cells); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Writes++
	for _, c := range cells {
		r := int(c.Row) - 1
		for len(g.rows) <= r {
			g.rows = append(g.rows, nil)
		}
		for len(g.rows[r]) <= c.Col {
			g.rows[r] = append(g.rows[r], "")
		}
		g.rows[r][c.Col] = c.Value
	}
	return nil
}

func (g *InMemoryGrid) AppendRow(ctx context.Context, row []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows = append(g.rows, append([]string(nil), row...))
	return nil
}

// Rows returns a copy of the grid contents.
func (g *InMemoryGrid) Rows() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot()
}

func (g *InMemoryGrid) snapshot() [][]string {
	out := make([][]string, len(g.rows))
	for i, r := range g.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
