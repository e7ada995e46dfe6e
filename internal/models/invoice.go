package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the review state of an invoice.
type Status string

const (
	StatusUnknown           Status = ""
	StatusWaitingForConfirm Status = "WaitingForConfirm"
	StatusConfirmed         Status = "Confirmed"
	StatusSubmitted         Status = "Submitted"
)

// ParseStatus maps the spellings found in the spreadsheet and the mirror to
// a Status. Unrecognised text yields StatusUnknown.
func ParseStatus(raw string) Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(key)
	switch key {
	case "waitingforconfirm", "waitingforconfirmation", "waiting", "pending":
		return StatusWaitingForConfirm
	case "confirmed":
		return StatusConfirmed
	case "submitted":
		return StatusSubmitted
	default:
		return StatusUnknown
	}
}

// InvoiceRecord is the single typed representation of an invoice in every
// store. Provider adapters convert to and from it.
type InvoiceRecord struct {
	// StoreID is the store-assigned numeric id: the mirror primary key, or the
	// 1-based row number in the spreadsheet.
	StoreID int64

	Identity    string
	Vendor      string
	Amount      decimal.Decimal
	Currency    string
	ProjectCode string
	Status      Status

	// GeneratedInvoiceID is assigned exactly once and never changed afterwards.
	GeneratedInvoiceID string

	PrimaryFileLink  string
	ArchivedFileLink string
	SourceObjectKey  string
	ContentHash      string

	InvoiceDate string
	Category    string
	Description string
	UpdatedAt   time.Time
}

// Clone returns a shallow copy; all fields are values.
func (r *InvoiceRecord) Clone() *InvoiceRecord {
	c := *r
	return &c
}

// Label identifies a record in logs and run reports.
func (r *InvoiceRecord) Label() string {
	switch {
	case r.GeneratedInvoiceID != "":
		return r.GeneratedInvoiceID
	case r.Identity != "":
		return r.Identity
	case r.ContentHash != "":
		return "hash:" + r.ContentHash
	default:
		return r.Vendor + " " + r.Amount.StringFixed(2) + r.Currency
	}
}
