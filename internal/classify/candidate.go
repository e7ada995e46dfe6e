package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
)

// Candidate is the classifier's reading of one document. It is untrusted
// until Validate passes.
type Candidate struct {
	Vendor      string `json:"vendor" validate:"required,max=255"`
	Amount      Amount `json:"amount" validate:"required,amount"`
	Currency    string `json:"currency" validate:"required,len=3,alpha"`
	InvoiceDate string `json:"invoiceDate" validate:"omitempty,datetime=2006-01-02"`
	Category    string `json:"category" validate:"omitempty,max=128"`
	Description string `json:"description" validate:"omitempty,max=2000"`
	ProjectCode string `json:"projectCode" validate:"omitempty,max=64"`
}

// Amount accepts either a JSON number or a string such as "HK$1,200.00".
type Amount string

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Amount(strings.TrimSpace(s))
		return nil
	}
	*a = Amount(b)
	return nil
}

var amountNoise = regexp.MustCompile(`[^0-9.\-]`)

// Decimal parses the amount after dropping separators and symbols.
func (a Amount) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(amountNoise.ReplaceAllString(string(a), ""))
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
			_, err := Amount(fl.Field().String()).Decimal()
			return err == nil
		})
	})
	return validate
}

// Validate checks c against its field rules.
func (c *Candidate) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errs.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fe.Field() + ":" + fe.Tag()
			}
			return errs.Newf(errs.ErrValidation, "classifier output rejected: %s", strings.Join(fields, ", "))
		}
		return errs.Wrapf(err, errs.ErrValidation, "classifier output rejected")
	}
	return nil
}

var fence = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*(.*?)\\s*```\\s*$")

// Parse decodes and validates raw model output. Markdown code fences around
// the JSON are tolerated.
func Parse(raw []byte) (*Candidate, error) {
	if m := fence.FindSubmatch(raw); m != nil {
		raw = m[1]
	}
	var c Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errs.Wrapf(err, errs.ErrValidation, "classifier output is not JSON")
	}
	c.Vendor = strings.TrimSpace(c.Vendor)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.ProjectCode = strings.TrimSpace(c.ProjectCode)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Source describes where a classified document came from.
type Source struct {
	ObjectKey   string
	ContentHash string
	Link        string
}

// ToRecord builds the new WaitingForConfirm record for c.
func (c *Candidate) ToRecord(src Source) *models.InvoiceRecord {
	amount, _ := c.Amount.Decimal()
	return &models.InvoiceRecord{
		Identity:        identityOf(src),
		Vendor:          c.Vendor,
		Amount:          amount,
		Currency:        c.Currency,
		ProjectCode:     c.ProjectCode,
		Status:          models.StatusWaitingForConfirm,
		PrimaryFileLink: src.Link,
		SourceObjectKey: src.ObjectKey,
		ContentHash:     src.ContentHash,
		InvoiceDate:     c.InvoiceDate,
		Category:        c.Category,
		Description:     c.Description,
	}
}

// Inbox objects named after a file identifier carry it as their identity.
// Any other object name ("invoice.jpg") is not unique across uploaders, so
// those records go without one and match on content hash instead.
func identityOf(src Source) string {
	if src.ObjectKey == "" {
		return reconcile.IdentityFromLink(src.Link)
	}
	base := path.Base(src.ObjectKey)
	if stem := strings.TrimSuffix(base, path.Ext(base)); reconcile.IsFileIdentity(stem) {
		return stem
	}
	return ""
}

// Model produces raw JSON text describing a document.
type Model interface {
	Extract(ctx context.Context, data []byte, mimeType string) ([]byte, error)
}

// Classifier turns documents into validated candidates.
type Classifier struct {
	model Model
}

func New(model Model) *Classifier {
	return &Classifier{model: model}
}

func (c *Classifier) Classify(ctx context.Context, data []byte, mimeType string) (*Candidate, error) {
	raw, err := c.model.Extract(ctx, data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to classify document: %w", err)
	}
	return Parse(raw)
}
