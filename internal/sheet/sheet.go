package sheet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
)

// writeChunk bounds the number of cells sent in one write call.
const writeChunk = 100

// Sheet reads and writes invoice records through a Grid. All header alias
// handling and text normalization happens here; callers only see typed
// records.
type Sheet struct {
	grid   Grid
	header *Header
}

// New returns a Sheet over grid. The header is read on the first Load.
func New(grid Grid) *Sheet {
	return &Sheet{grid: grid}
}

// Load reads the full grid and converts every non-blank data row to a
// record. StoreID is the 1-based row number.
func (s *Sheet) Load(ctx context.Context) ([]*models.InvoiceRecord, error) {
	rows, err := s.grid.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read spreadsheet: %w", err)
	}
	if len(rows) == 0 {
		return nil, errs.Newf(errs.ErrValidation, "spreadsheet has no header row")
	}
	header, err := ParseHeader(rows[0])
	if err != nil {
		return nil, err
	}
	s.header = header

	records := make([]*models.InvoiceRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		r := header.ToRecord(row)
		r.StoreID = int64(i + 2)
		records = append(records, r)
	}
	return records, nil
}

// ToRecord converts one data row.
func (h *Header) ToRecord(row []string) *models.InvoiceRecord {
	link := h.cell(row, FieldFileLink)
	identity := reconcile.NormalizeIdentity(h.cell(row, FieldIdentity))
	if identity == "" {
		identity = reconcile.IdentityFromLink(link)
	}
	return &models.InvoiceRecord{
		Identity:           identity,
		Vendor:             h.cell(row, FieldVendor),
		Amount:             reconcile.ParseAmount(h.cell(row, FieldAmount)),
		Currency:           strings.ToUpper(h.cell(row, FieldCurrency)),
		ProjectCode:        h.cell(row, FieldProjectCode),
		Status:             models.ParseStatus(h.cell(row, FieldStatus)),
		GeneratedInvoiceID: h.cell(row, FieldInvoiceID),
		PrimaryFileLink:    link,
		ArchivedFileLink:   h.cell(row, FieldArchivedLink),
		SourceObjectKey:    h.cell(row, FieldSourceKey),
		ContentHash:        h.cell(row, FieldContentHash),
		InvoiceDate:        h.cell(row, FieldInvoiceDate),
		Category:           h.cell(row, FieldCategory),
		Description:        h.cell(row, FieldDescription),
	}
}

// ToRow renders r in header column order. Columns the header does not know
// stay empty.
func (h *Header) ToRow(r *models.InvoiceRecord) []string {
	row := make([]string, h.width)
	set := func(f Field, v string) {
		if i, ok := h.index[f]; ok {
			row[i] = v
		}
	}
	set(FieldIdentity, r.Identity)
	set(FieldVendor, r.Vendor)
	set(FieldAmount, r.Amount.StringFixed(2))
	set(FieldCurrency, r.Currency)
	set(FieldProjectCode, r.ProjectCode)
	set(FieldStatus, string(r.Status))
	set(FieldInvoiceID, r.GeneratedInvoiceID)
	set(FieldFileLink, r.PrimaryFileLink)
	set(FieldArchivedLink, r.ArchivedFileLink)
	set(FieldSourceKey, r.SourceObjectKey)
	set(FieldContentHash, r.ContentHash)
	set(FieldInvoiceDate, r.InvoiceDate)
	set(FieldCategory, r.Category)
	set(FieldDescription, r.Description)
	return row
}

// Append adds r as a new row at the bottom of the grid.
func (s *Sheet) Append(ctx context.Context, r *models.InvoiceRecord) error {
	if err := s.ensureHeader(ctx); err != nil {
		return err
	}
	if err := s.grid.AppendRow(ctx, s.header.ToRow(r)); err != nil {
		return fmt.Errorf("failed to append spreadsheet row: %w", err)
	}
	return nil
}

// RowUpdate carries the values written back to one spreadsheet row. Empty
// fields are not written.
type RowUpdate struct {
	Row                int64
	Status             models.Status
	GeneratedInvoiceID string
	ArchivedFileLink   string
}

// WriteBack writes generated ids, archived links and statuses to their own
// columns only, leaving every other cell untouched. Cells are sent in
// chunks; a failed chunk is logged and the rest are still attempted. The
// returned error reports how many cells were not written.
func (s *Sheet) WriteBack(ctx context.Context, updates []RowUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := s.ensureHeader(ctx); err != nil {
		return err
	}

	var cells []CellUpdate
	add := func(row int64, f Field, v string) error {
		if v == "" {
			return nil
		}
		col, ok := s.header.Col(f)
		if !ok {
			return errs.Newf(errs.ErrValidation, "header has no %s column", f)
		}
		cells = append(cells, CellUpdate{Row: row, Col: col, Value: v})
		return nil
	}
	for _, u := range updates {
		if u.Row < 2 {
			return errs.Newf(errs.ErrValidation, "row %d is not a data row", u.Row)
		}
		if err := add(u.Row, FieldInvoiceID, u.GeneratedInvoiceID); err != nil {
			return err
		}
		if err := add(u.Row, FieldArchivedLink, u.ArchivedFileLink); err != nil {
			return err
		}
		if err := add(u.Row, FieldStatus, string(u.Status)); err != nil {
			return err
		}
	}

	failed := 0
	for _, chunk := range lo.Chunk(cells, writeChunk) {
		if err := s.grid.WriteCells(ctx, chunk); err != nil {
			slog.Error("Failed to write spreadsheet cells.", "cells", len(chunk), "firstCell", A1(chunk[0].Row, chunk[0].Col), "error", err)
			failed += len(chunk)
		}
	}
	if failed > 0 {
		return errs.Newf(errs.ErrTransient, "%d of %d spreadsheet cells not written", failed, len(cells))
	}
	return nil
}

func (s *Sheet) ensureHeader(ctx context.Context) error {
	if s.header != nil {
		return nil
	}
	_, err := s.Load(ctx)
	return err
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
