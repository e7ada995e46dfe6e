package reconcile

import (
	"strings"

	"github.com/Lllllllleong/expenseledger/internal/models"
)

// DedupeResult splits one store's records into the canonical copy of every
// real-world invoice and the excess copies.
type DedupeResult struct {
	Canonical []*models.InvoiceRecord
	Excess    []*models.InvoiceRecord
}

// Dedupe groups records that share a strong key (identity, an identity of
// at least MinLinkedIdentity characters contained in a stored link, or
// content hash) and keeps one canonical
// member per group. Vendor and amount alone never group records, since
// distinct line items legitimately share them.
//
// Within a group the member with a generated invoice id wins, then the
// highest StoreID. Running Dedupe on its own canonical output yields no
// excess.
func Dedupe(records []*models.InvoiceRecord) DedupeResult {
	uf := newUnionFind(len(records))

	identities := make([]string, len(records))
	byIdentity := make(map[string]int)
	byHash := make(map[string]int)
	for i, r := range records {
		identities[i] = NormalizeIdentity(r.Identity)
		if id := identities[i]; id != "" {
			if j, ok := byIdentity[id]; ok {
				uf.union(i, j)
			} else {
				byIdentity[id] = i
			}
		}
		if h := strings.TrimSpace(r.ContentHash); h != "" {
			if j, ok := byHash[h]; ok {
				uf.union(i, j)
			} else {
				byHash[h] = i
			}
		}
	}
	for i, id := range identities {
		if id == "" {
			continue
		}
		for j, other := range records {
			if i != j && LinkContains(other.PrimaryFileLink, id) {
				uf.union(i, j)
			}
		}
	}

	best := make(map[int]int)
	for i := range records {
		root := uf.find(i)
		cur, ok := best[root]
		if !ok || preferCanonical(records[i], records[cur]) {
			best[root] = i
		}
	}

	var out DedupeResult
	for i, r := range records {
		if best[uf.find(i)] == i {
			out.Canonical = append(out.Canonical, r)
		} else {
			out.Excess = append(out.Excess, r)
		}
	}
	return out
}

// preferCanonical reports whether a should replace b as a group's canonical
// member. Equal candidates keep the earlier one.
func preferCanonical(a, b *models.InvoiceRecord) bool {
	aHas, bHas := a.GeneratedInvoiceID != "", b.GeneratedInvoiceID != ""
	if aHas != bHas {
		return aHas
	}
	return a.StoreID > b.StoreID
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
