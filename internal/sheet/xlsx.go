package sheet

import (
	"context"
	"fmt"
	"sync"

	"github.com/xuri/excelize/v2"
)

// XLSXGrid is a Grid over one sheet of a local workbook, used for offline
// runs against a spreadsheet export.
type XLSXGrid struct {
	mu    sync.Mutex
	file  *excelize.File
	sheet string
}

// OpenXLSX opens the workbook at path. An empty sheet name selects the
// first sheet.
func OpenXLSX(path, sheet string) (*XLSXGrid, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	return NewXLSXGrid(f, sheet), nil
}

// NewXLSXGrid wraps an already open workbook.
func NewXLSXGrid(f *excelize.File, sheet string) *XLSXGrid {
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	return &XLSXGrid{file: f, sheet: sheet}
}

func (g *XLSXGrid) Read(ctx context.Context) ([][]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows, err := g.file.GetRows(g.sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", g.sheet, err)
	}
	return rows, nil
}

func (g *XLSXGrid) WriteCells(ctx context.Context, cells []CellUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range cells {
		name, err := excelize.CoordinatesToCellName(c.Col+1, int(c.Row))
		if err != nil {
			return fmt.Errorf("invalid cell %d,%d: %w", c.Row, c.Col, err)
		}
		if err := g.file.SetCellStr(g.sheet, name, c.Value); err != nil {
			return fmt.Errorf("failed to set %s: %w", name, err)
		}
	}
	return nil
}

func (g *XLSXGrid) AppendRow(ctx context.Context, row []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rows, err := g.file.GetRows(g.sheet)
	if err != nil {
		return fmt.Errorf("failed to read sheet %s: %w", g.sheet, err)
	}
	cell, err := excelize.CoordinatesToCellName(1, len(rows)+1)
	if err != nil {
		return err
	}
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = v
	}
	if err := g.file.SetSheetRow(g.sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	return nil
}

// Save writes the workbook to path.
func (g *XLSXGrid) Save(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.file.SaveAs(path)
}

// Close releases the workbook.
func (g *XLSXGrid) Close() error {
	return g.file.Close()
}
