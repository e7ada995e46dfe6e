package reconcile

import (
	"time"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
)

// Update is a targeted change to one mirror row. Empty fields are left
// untouched.
type Update struct {
	ID                 int64
	Label              string
	Status             models.Status
	GeneratedInvoiceID string
	UpdatedAt          time.Time
}

// DeleteReason says why a mirror row is being removed.
type DeleteReason string

const (
	DeleteDuplicate DeleteReason = "duplicate"
	DeleteAbsent    DeleteReason = "absent_from_source"
)

// Delete removes one mirror row by id.
type Delete struct {
	ID     int64
	Label  string
	Reason DeleteReason
}

// Plan is the set of mirror mutations that brings the mirror in line with
// the authoritative snapshot. A record appears in at most one of Inserts,
// Updates and Deletes.
type Plan struct {
	Inserts []*models.InvoiceRecord
	Updates []Update
	Deletes []Delete

	// Review holds authoritative records whose match was ambiguous. They are
	// neither inserted nor updated.
	Review []*models.InvoiceRecord
	// Duplicates holds authoritative excess copies. The planner never writes
	// to the authoritative store, so they are only reported.
	Duplicates []*models.InvoiceRecord
}

// Empty reports whether the plan has no mutations.
func (p *Plan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

// Planner compares an authoritative snapshot with the mirror.
type Planner struct {
	now func() time.Time
}

// NewPlanner returns a Planner stamping updates with the current time.
func NewPlanner() *Planner {
	return &Planner{now: time.Now}
}

// Plan builds the reconciliation plan. Both snapshots must be complete
// reads taken before any mutation. The authoritative side always wins for
// non-empty status and generated id; the mirror never writes back.
//
// A plan that would delete every row of a non-empty mirror is refused with
// errs.ErrConsistencyGuard: that shape almost always means the authoritative
// read came back empty or truncated.
func (p *Planner) Plan(authoritative, mirror []*models.InvoiceRecord) (*Plan, error) {
	plan := &Plan{}
	now := p.now().UTC()

	auth := Dedupe(authoritative)
	plan.Duplicates = auth.Excess

	mir := Dedupe(mirror)
	for _, r := range mir.Excess {
		plan.Deletes = append(plan.Deletes, Delete{ID: r.StoreID, Label: r.Label(), Reason: DeleteDuplicate})
	}

	mirrorIndex := NewIndex(mir.Canonical)
	claimedMirror := make(map[*models.InvoiceRecord]bool)
	heldMirror := make(map[*models.InvoiceRecord]bool)
	matchedAuth := make(map[*models.InvoiceRecord]bool)

	for _, a := range auth.Canonical {
		res := mirrorIndex.Match(a, claimedMirror)
		switch {
		case res.Ambiguous:
			plan.Review = append(plan.Review, a)
			for _, c := range res.Alternatives {
				heldMirror[c] = true
			}
		case !res.Matched():
			ins := a.Clone()
			ins.StoreID = 0
			ins.UpdatedAt = now
			plan.Inserts = append(plan.Inserts, ins)
		default:
			claimedMirror[res.Candidate] = true
			matchedAuth[a] = true
			if u, ok := diff(a, res.Candidate, now); ok {
				plan.Updates = append(plan.Updates, u)
			}
		}
	}

	authIndex := NewIndex(auth.Canonical)
	for _, m := range mir.Canonical {
		if claimedMirror[m] || heldMirror[m] {
			continue
		}
		res := authIndex.Match(m, matchedAuth)
		if res.Matched() || res.Ambiguous {
			continue
		}
		plan.Deletes = append(plan.Deletes, Delete{ID: m.StoreID, Label: m.Label(), Reason: DeleteAbsent})
	}

	if len(mirror) > 0 && len(plan.Deletes) >= len(mirror) {
		return nil, errs.Newf(errs.ErrConsistencyGuard,
			"plan would delete all %d mirror records (authoritative snapshot has %d)", len(mirror), len(authoritative))
	}
	return plan, nil
}

// diff returns the update needed to carry the authoritative status and
// generated id onto the mirror row.
func diff(auth, mirror *models.InvoiceRecord, now time.Time) (Update, bool) {
	u := Update{ID: mirror.StoreID, Label: auth.Label(), UpdatedAt: now}
	changed := false
	if auth.Status != models.StatusUnknown && auth.Status != mirror.Status {
		u.Status = auth.Status
		changed = true
	}
	if auth.GeneratedInvoiceID != "" && auth.GeneratedInvoiceID != mirror.GeneratedInvoiceID {
		u.GeneratedInvoiceID = auth.GeneratedInvoiceID
		changed = true
	}
	return u, changed
}
