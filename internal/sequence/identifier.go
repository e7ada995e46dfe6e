package sequence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Lllllllleong/expenseledger/internal/errs"
)

var (
	amountSegment = regexp.MustCompile(`^(m?)(\d+)([A-Za-z]*)$`)
	identifierRe  = regexp.MustCompile(`^(.+)-(\d{4,})-(m?\d+[A-Za-z]*)$`)
)

// Identifier is the parsed form of a generated invoice id such as
// "PRJ-0042-m600GBP".
type Identifier struct {
	ProjectCode string
	Sequence    int
	Amount      decimal.Decimal
	Currency    string
}

func (id Identifier) String() string {
	return Render(id.ProjectCode, id.Sequence, id.Amount, id.Currency)
}

// Render formats {projectCode}-{sequence:04d}-{amount}{currency}. The amount
// is the rounded absolute integer value, prefixed with "m" when the rounded
// value is negative so that a minus sign never collides with the field
// separator.
func Render(projectCode string, seq int, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("%s-%04d-%s", projectCode, seq, AmountSegment(amount, currency))
}

// AmountSegment renders the trailing amount and currency part of an id.
func AmountSegment(amount decimal.Decimal, currency string) string {
	rounded := amount.Abs().Round(0)
	sign := ""
	// An amount that rounds to zero has no sign to keep: "m0" would not
	// parse back to a negative value.
	if amount.IsNegative() && !rounded.IsZero() {
		sign = "m"
	}
	return sign + rounded.String() + strings.ToUpper(strings.TrimSpace(currency))
}

// ParseAmountSegment reverses AmountSegment: "m600GBP" is -600 GBP.
func ParseAmountSegment(seg string) (decimal.Decimal, string, error) {
	m := amountSegment.FindStringSubmatch(seg)
	if m == nil {
		return decimal.Zero, "", errs.Newf(errs.ErrValidation, "malformed amount segment %q", seg)
	}
	amount, err := decimal.NewFromString(m[2])
	if err != nil {
		return decimal.Zero, "", errs.Wrapf(err, errs.ErrValidation, "amount segment %q", seg)
	}
	if m[1] == "m" {
		amount = amount.Neg()
	}
	return amount, m[3], nil
}

// Parse splits a generated invoice id into its parts.
func Parse(s string) (Identifier, error) {
	m := identifierRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Identifier{}, errs.Newf(errs.ErrValidation, "malformed invoice id %q", s)
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return Identifier{}, errs.Wrapf(err, errs.ErrValidation, "sequence of %q", s)
	}
	amount, currency, err := ParseAmountSegment(m[3])
	if err != nil {
		return Identifier{}, err
	}
	return Identifier{ProjectCode: m[1], Sequence: seq, Amount: amount, Currency: currency}, nil
}

// Scan returns the highest sequence embedded in any identifier that belongs
// to projectCode, or 0 when there is none.
func Scan(projectCode string, existing []string) int {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(projectCode) + `-(\d{4,})-`)
	highest := 0
	for _, id := range existing {
		m := re.FindStringSubmatch(strings.TrimSpace(id))
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

// Next is the first free sequence for projectCode according to existing.
func Next(projectCode string, existing []string) int {
	return Scan(projectCode, existing) + 1
}
