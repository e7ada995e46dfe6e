package reconcile

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Lllllllleong/expenseledger/internal/models"
)

var (
	amountNoise   = regexp.MustCompile(`[^0-9.\-]`)
	bareToken     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	identityToken = regexp.MustCompile(`[A-Za-z0-9-]{20,}`)
	fileIdentity  = regexp.MustCompile(`^[A-Za-z0-9-]{20,}$`)
)

// MinLinkedIdentity is the shortest identity looked for inside link text.
// Short names such as "scan" or "invoice" turn up in unrelated links.
const MinLinkedIdentity = 20

var blobHosts = map[string]bool{
	"storage.googleapis.com":   true,
	"storage.cloud.google.com": true,
}

// MatchKey is the derived comparable identity of a record. It is never stored.
type MatchKey struct {
	Identity string
	Vendor   string
	Amount   string
}

// KeyOf computes the MatchKey of r. The same function is used for records
// from every store.
func KeyOf(r *models.InvoiceRecord) MatchKey {
	return MatchKey{
		Identity: NormalizeIdentity(r.Identity),
		Vendor:   NormalizeVendor(r.Vendor),
		Amount:   r.Amount.StringFixed(2),
	}
}

// NormalizeVendor trims and lowercases vendor text.
func NormalizeVendor(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseAmount strips thousands separators, currency symbols and any other
// character outside [0-9.-] and parses what is left. Unparsable input is
// zero, not an error, so that comparisons stay total.
func ParseAmount(raw string) decimal.Decimal {
	cleaned := amountNoise.ReplaceAllString(raw, "")
	if cleaned == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// NormalizeAmount renders raw with exactly two decimal places.
func NormalizeAmount(raw string) string {
	return ParseAmount(raw).StringFixed(2)
}

// NormalizeIdentity extracts a storage-provider file identifier. Text that is
// already a bare identifier is returned unchanged; otherwise the longest run
// of at least 20 alphanumeric or hyphen characters wins. Empty when nothing
// qualifies.
func NormalizeIdentity(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if bareToken.MatchString(raw) {
		return raw
	}
	best := ""
	for _, tok := range identityToken.FindAllString(raw, -1) {
		if len(tok) > len(best) {
			best = tok
		}
	}
	return best
}

// IsFileIdentity reports whether s has the shape of a storage-provider file
// identifier: a single run of at least 20 alphanumeric or hyphen characters.
func IsFileIdentity(s string) bool {
	return fileIdentity.MatchString(s)
}

// LinkContains reports whether link carries identity. Identities shorter
// than MinLinkedIdentity never match by containment.
func LinkContains(link, identity string) bool {
	return len(identity) >= MinLinkedIdentity && strings.Contains(link, identity)
}

// IdentityFromLink extracts a file identifier from a stored link. Host names
// never count. For blob store links the bucket is skipped and only an object
// named after its identity qualifies.
func IdentityFromLink(link string) string {
	link = strings.TrimSpace(link)
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return NormalizeIdentity(link)
	}
	if u.Scheme == "gs" || blobHosts[u.Host] {
		base := path.Base(u.Path)
		if stem := strings.TrimSuffix(base, path.Ext(base)); IsFileIdentity(stem) {
			return stem
		}
		return ""
	}
	return NormalizeIdentity(u.Path + " " + u.RawQuery)
}
