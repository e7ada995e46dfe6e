package sheet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/sheet"
	"github.com/Lllllllleong/expenseledger/internal/testutil"
)

var header = []string{"Vender", "Amount", "Currency", "Project Code", "Status", "Invoice #", "File Link", "Archived Link", "Notes"}

func TestColumnLetter(t *testing.T) {
	tests := []struct {
		col  int
		want string
	}{
		{0, "A"},
		{25, "Z"},
		{26, "AA"},
		{51, "AZ"},
		{52, "BA"},
		{701, "ZZ"},
		{702, "AAA"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sheet.ColumnLetter(tt.col))
	}
}

func TestParseHeader_RequiresVendorAndAmount(t *testing.T) {
	_, err := sheet.ParseHeader([]string{"Status", "Amount"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrValidation))
}

func TestLoad_NormalizesAtTheEdge(t *testing.T) {
	grid := testutil.NewInMemoryGrid(
		header,
		[]string{" Acme ", "HK$1,200.00", "hkd", "HK01", "submitted", "", "https://drive.google.com/file/d/1AbCdEfGhIjKlMnOpQrStUv/view", "", "lunch"},
		[]string{"", "", "", "", "", "", "", "", ""},
		[]string{"Beta", "-600", "GBP", "UK02", "Waiting for confirm", "UK02-0001-m600GBP"},
	)

	records, err := sheet.New(grid).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, int64(2), first.StoreID)
	assert.Equal(t, "Acme", first.Vendor)
	assert.Equal(t, "1200.00", first.Amount.StringFixed(2))
	assert.Equal(t, "HKD", first.Currency)
	assert.Equal(t, models.StatusSubmitted, first.Status)
	assert.Equal(t, "1AbCdEfGhIjKlMnOpQrStUv", first.Identity)
	assert.Equal(t, "lunch", first.Description)

	second := records[1]
	assert.Equal(t, int64(4), second.StoreID, "blank rows keep their row numbers")
	assert.Equal(t, models.StatusWaitingForConfirm, second.Status)
	assert.Equal(t, "UK02-0001-m600GBP", second.GeneratedInvoiceID)
	assert.Empty(t, second.Identity)
}

func TestWriteBack_TouchesOnlyItsColumns(t *testing.T) {
	grid := testutil.NewInMemoryGrid(
		header,
		[]string{"Acme", "1200", "HKD", "HK01", "Submitted", "", "link", "", "keep me"},
	)
	s := sheet.New(grid)

	err := s.WriteBack(context.Background(), []sheet.RowUpdate{{
		Row:                2,
		GeneratedInvoiceID: "HK01-0001-1200HKD",
		ArchivedFileLink:   "https://storage.googleapis.com/b/archive/HK01/HK01-0001-1200HKD.pdf",
	}})
	require.NoError(t, err)

	row := grid.Rows()[1]
	assert.Equal(t, "HK01-0001-1200HKD", row[5])
	assert.Equal(t, "https://storage.googleapis.com/b/archive/HK01/HK01-0001-1200HKD.pdf", row[7])
	assert.Equal(t, "Submitted", row[4])
	assert.Equal(t, "keep me", row[8])
}

func TestWriteBack_ContinuesPastFailedChunk(t *testing.T) {
	grid := testutil.NewInMemoryGrid(header)
	var updates []sheet.RowUpdate
	for i := 0; i < 150; i++ {
		require.NoError(t, grid.AppendRow(context.Background(), []string{"v", "1"}))
		updates = append(updates, sheet.RowUpdate{Row: int64(i + 2), GeneratedInvoiceID: "X"})
	}
	calls := 0
	grid.FailWrite = func(cells []sheet.CellUpdate) error {
		calls++
		if calls == 1 {
			return errors.New("quota exceeded")
		}
		return nil
	}

	err := sheet.New(grid).WriteBack(context.Background(), updates)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, grid.Writes)
	assert.Equal(t, "X", grid.Rows()[150][5])
}

func TestXLSXGrid_RoundTrip(t *testing.T) {
	f := excelize.NewFile()
	grid := sheet.NewXLSXGrid(f, "")
	ctx := context.Background()
	require.NoError(t, grid.AppendRow(ctx, header))

	s := sheet.New(grid)
	require.NoError(t, s.Append(ctx, &models.InvoiceRecord{
		Vendor:      "Acme",
		Amount:      decimal.RequireFromString("12.5"),
		Currency:    "HKD",
		ProjectCode: "HK01",
		Status:      models.StatusWaitingForConfirm,
	}))
	require.NoError(t, s.WriteBack(ctx, []sheet.RowUpdate{{Row: 2, Status: models.StatusConfirmed}}))

	records, err := sheet.New(grid).Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "12.50", records[0].Amount.StringFixed(2))
	assert.Equal(t, models.StatusConfirmed, records[0].Status)
}
