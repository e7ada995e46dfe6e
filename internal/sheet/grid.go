package sheet

import (
	"context"
	"strconv"
)

// CellUpdate is a single cell write. Row is 1-based as shown in the
// spreadsheet UI; Col is the 0-based column index.
type CellUpdate struct {
	Row   int64
	Col   int
	Value string
}

// Grid is a rectangular block of text cells with a header row. Read returns
// the whole grid, header included, in a single call.
type Grid interface {
	Read(ctx context.Context) ([][]string, error)
	WriteCells(ctx context.Context, cells []CellUpdate) error
	AppendRow(ctx context.Context, row []string) error
}

// ColumnLetter converts a 0-based column index to A1 notation letters.
func ColumnLetter(col int) string {
	letters := ""
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		letters = string(rune('A'+(n-1)%26)) + letters
	}
	return letters
}

// A1 renders the A1 reference of a cell.
func A1(row int64, col int) string {
	return ColumnLetter(col) + strconv.FormatInt(row, 10)
}
