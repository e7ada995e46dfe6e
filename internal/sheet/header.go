package sheet

import (
	"strings"

	"github.com/Lllllllleong/expenseledger/internal/errs"
)

// Field is a canonical column name.
type Field string

const (
	FieldIdentity     Field = "identity"
	FieldVendor       Field = "vendor"
	FieldAmount       Field = "amount"
	FieldCurrency     Field = "currency"
	FieldProjectCode  Field = "project_code"
	FieldStatus       Field = "status"
	FieldInvoiceID    Field = "generated_invoice_id"
	FieldFileLink     Field = "file_link"
	FieldArchivedLink Field = "archived_link"
	FieldSourceKey    Field = "source_key"
	FieldContentHash  Field = "content_hash"
	FieldInvoiceDate  Field = "invoice_date"
	FieldCategory     Field = "category"
	FieldDescription  Field = "description"
)

// Header spellings seen in the wild, keyed by their squashed lowercase form.
var aliases = map[string]Field{
	"fileid":             FieldIdentity,
	"driveid":            FieldIdentity,
	"drivefileid":        FieldIdentity,
	"identity":           FieldIdentity,
	"vendor":             FieldVendor,
	"vender":             FieldVendor,
	"supplier":           FieldVendor,
	"amount":             FieldAmount,
	"total":              FieldAmount,
	"currency":           FieldCurrency,
	"projectcode":        FieldProjectCode,
	"project":            FieldProjectCode,
	"status":             FieldStatus,
	"invoiceid":          FieldInvoiceID,
	"generatedinvoiceid": FieldInvoiceID,
	"invoicenumber":      FieldInvoiceID,
	"invoiceno":          FieldInvoiceID,
	"filelink":           FieldFileLink,
	"link":               FieldFileLink,
	"primaryfilelink":    FieldFileLink,
	"url":                FieldFileLink,
	"archivedlink":       FieldArchivedLink,
	"archivelink":        FieldArchivedLink,
	"archivedfilelink":   FieldArchivedLink,
	"sourcekey":          FieldSourceKey,
	"objectkey":          FieldSourceKey,
	"hash":               FieldContentHash,
	"contenthash":        FieldContentHash,
	"date":               FieldInvoiceDate,
	"invoicedate":        FieldInvoiceDate,
	"category":           FieldCategory,
	"description":        FieldDescription,
	"notes":              FieldDescription,
}

var squash = strings.NewReplacer(" ", "", "_", "", "-", "", ".", "", "#", "no")

// Header maps canonical fields to column indexes. It is built once per run
// from the first row of the grid.
type Header struct {
	index map[Field]int
	width int
}

// ParseHeader resolves header cells to canonical fields. The first column
// claiming a field wins. Vendor and amount columns are required.
func ParseHeader(row []string) (*Header, error) {
	h := &Header{index: make(map[Field]int), width: len(row)}
	for i, cell := range row {
		f, ok := aliases[squash.Replace(strings.ToLower(strings.TrimSpace(cell)))]
		if !ok {
			continue
		}
		if _, seen := h.index[f]; !seen {
			h.index[f] = i
		}
	}
	for _, f := range []Field{FieldVendor, FieldAmount} {
		if _, ok := h.index[f]; !ok {
			return nil, errs.Newf(errs.ErrValidation, "header has no %s column", f)
		}
	}
	return h, nil
}

// Col returns the column index of f.
func (h *Header) Col(f Field) (int, bool) {
	i, ok := h.index[f]
	return i, ok
}

// Width is the number of header cells.
func (h *Header) Width() int {
	return h.width
}

func (h *Header) cell(row []string, f Field) string {
	i, ok := h.index[f]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
