package sheet

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// GoogleGrid is a Grid over one tab of a Google spreadsheet.
type GoogleGrid struct {
	svc           *sheets.Service
	spreadsheetID string
	tab           string
}

// NewGoogleService creates a Sheets API client using application default
// credentials unless opts say otherwise.
func NewGoogleService(ctx context.Context, opts ...option.ClientOption) (*sheets.Service, error) {
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}
	return svc, nil
}

// NewGoogleGrid returns a Grid over the named tab.
func NewGoogleGrid(svc *sheets.Service, spreadsheetID, tab string) *GoogleGrid {
	return &GoogleGrid{svc: svc, spreadsheetID: spreadsheetID, tab: tab}
}

func (g *GoogleGrid) Read(ctx context.Context) ([][]string, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, g.quotedTab()).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read range %s: %w", g.tab, err)
	}
	rows := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		rows[i] = make([]string, len(row))
		for j, v := range row {
			rows[i][j] = fmt.Sprint(v)
		}
	}
	return rows, nil
}

func (g *GoogleGrid) WriteCells(ctx context.Context, cells []CellUpdate) error {
	if len(cells) == 0 {
		return nil
	}
	data := make([]*sheets.ValueRange, len(cells))
	for i, c := range cells {
		data[i] = &sheets.ValueRange{
			Range:  g.quotedTab() + "!" + A1(c.Row, c.Col),
			Values: [][]interface{}{{c.Value}},
		}
	}
	_, err := g.svc.Spreadsheets.Values.BatchUpdate(g.spreadsheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write %d cells: %w", len(cells), err)
	}
	return nil
}

func (g *GoogleGrid) AppendRow(ctx context.Context, row []string) error {
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = v
	}
	_, err := g.svc.Spreadsheets.Values.Append(g.spreadsheetID, g.quotedTab(), &sheets.ValueRange{
		Values: [][]interface{}{values},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	return nil
}

func (g *GoogleGrid) quotedTab() string {
	return "'" + strings.ReplaceAll(g.tab, "'", "''") + "'"
}
