package reconcile

import (
	"strings"

	"github.com/Lllllllleong/expenseledger/internal/models"
)

// Strategy names the cascade step that produced a match.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyIdentity
	StrategyContainment
	StrategyContentHash
	StrategyComposite
)

func (s Strategy) String() string {
	switch s {
	case StrategyIdentity:
		return "identity"
	case StrategyContainment:
		return "containment"
	case StrategyContentHash:
		return "content_hash"
	case StrategyComposite:
		return "composite"
	default:
		return "none"
	}
}

// Result is the outcome of matching one record against a pool.
type Result struct {
	Candidate *models.InvoiceRecord
	Strategy  Strategy
	// Ambiguous is set when the composite fallback found more than one
	// equally plausible candidate. Candidate is nil in that case and
	// Alternatives lists the contenders.
	Ambiguous    bool
	Alternatives []*models.InvoiceRecord
}

// Matched reports whether a single candidate was found.
func (r Result) Matched() bool {
	return r.Candidate != nil
}

type compositeKey struct {
	vendor string
	amount string
}

// Index holds a candidate pool with its lookup tables, built once per pool.
type Index struct {
	pool        []*models.InvoiceRecord
	identities  []string
	byIdentity  map[string][]*models.InvoiceRecord
	byHash      map[string][]*models.InvoiceRecord
	byComposite map[compositeKey][]*models.InvoiceRecord
}

// NewIndex indexes pool for repeated matching.
func NewIndex(pool []*models.InvoiceRecord) *Index {
	ix := &Index{
		pool:        pool,
		identities:  make([]string, len(pool)),
		byIdentity:  make(map[string][]*models.InvoiceRecord),
		byHash:      make(map[string][]*models.InvoiceRecord),
		byComposite: make(map[compositeKey][]*models.InvoiceRecord),
	}
	for i, c := range pool {
		key := KeyOf(c)
		ix.identities[i] = key.Identity
		if key.Identity != "" {
			ix.byIdentity[key.Identity] = append(ix.byIdentity[key.Identity], c)
		}
		if h := strings.TrimSpace(c.ContentHash); h != "" {
			ix.byHash[h] = append(ix.byHash[h], c)
		}
		if key.Vendor != "" {
			ck := compositeKey{vendor: key.Vendor, amount: key.Amount}
			ix.byComposite[ck] = append(ix.byComposite[ck], c)
		}
	}
	return ix
}

// Match finds the counterpart of record in pool. See Index.Match.
func Match(record *models.InvoiceRecord, pool []*models.InvoiceRecord) Result {
	return NewIndex(pool).Match(record, nil)
}

// Match runs the cascade for record, ignoring candidates present in
// excluded. The first strategy that yields a candidate wins:
//
//  1. identity equality
//  2. one side's identity contained in the other side's stored link
//  3. equal content hashes
//  4. vendor and amount equality against unfinalized candidates
func (ix *Index) Match(record *models.InvoiceRecord, excluded map[*models.InvoiceRecord]bool) Result {
	key := KeyOf(record)
	available := func(c *models.InvoiceRecord) bool {
		return c != record && !excluded[c]
	}

	if key.Identity != "" {
		for _, c := range ix.byIdentity[key.Identity] {
			if available(c) {
				return Result{Candidate: c, Strategy: StrategyIdentity}
			}
		}
		for _, c := range ix.pool {
			if available(c) && LinkContains(c.PrimaryFileLink, key.Identity) {
				return Result{Candidate: c, Strategy: StrategyContainment}
			}
		}
	}
	if record.PrimaryFileLink != "" {
		for i, c := range ix.pool {
			if available(c) && LinkContains(record.PrimaryFileLink, ix.identities[i]) {
				return Result{Candidate: c, Strategy: StrategyContainment}
			}
		}
	}

	if h := strings.TrimSpace(record.ContentHash); h != "" {
		for _, c := range ix.byHash[h] {
			if available(c) {
				return Result{Candidate: c, Strategy: StrategyContentHash}
			}
		}
	}

	// An empty vendor cannot match on the composite key: empty-to-empty
	// matches are false positives.
	if key.Vendor == "" {
		return Result{}
	}
	var found []*models.InvoiceRecord
	for _, c := range ix.byComposite[compositeKey{vendor: key.Vendor, amount: key.Amount}] {
		if available(c) && compositeEligible(record, c) {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return Result{}
	case 1:
		return Result{Candidate: found[0], Strategy: StrategyComposite}
	default:
		return Result{Strategy: StrategyComposite, Ambiguous: true, Alternatives: found}
	}
}

// compositeEligible restricts the weak fallback to candidates that are still
// waiting for confirmation. A finalized candidate is accepted only when it
// already carries the record's status and generated id, since matching it
// cannot overwrite completed work.
func compositeEligible(record, candidate *models.InvoiceRecord) bool {
	if candidate.Status == models.StatusWaitingForConfirm {
		return true
	}
	return candidate.Status == record.Status && candidate.GeneratedInvoiceID == record.GeneratedInvoiceID
}
