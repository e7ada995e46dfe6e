package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/expenseledger/internal/models"
)

const (
	fileA = "1AaaaaaaaaaaaaaaaaaaaaaaaaaaA"
	fileB = "1BbbbbbbbbbbbbbbbbbbbbbbbbbbB"
)

func rec(id int64, identity, vendor, amount string, status models.Status) *models.InvoiceRecord {
	return &models.InvoiceRecord{
		StoreID:  id,
		Identity: identity,
		Vendor:   vendor,
		Amount:   ParseAmount(amount),
		Status:   status,
	}
}

func TestMatch_IdentityBeatsComposite(t *testing.T) {
	record := rec(0, fileA, "Acme", "10.00", models.StatusConfirmed)
	byComposite := rec(1, "", "acme", "10", models.StatusWaitingForConfirm)
	byIdentity := rec(2, fileA, "Other Vendor", "99.00", models.StatusSubmitted)

	res := Match(record, []*models.InvoiceRecord{byComposite, byIdentity})

	require.True(t, res.Matched())
	assert.Same(t, byIdentity, res.Candidate)
	assert.Equal(t, StrategyIdentity, res.Strategy)
}

func TestMatch_Containment(t *testing.T) {
	record := rec(0, fileA, "Acme", "10", models.StatusConfirmed)
	legacy := rec(7, "", "Acme", "10", models.StatusSubmitted)
	legacy.PrimaryFileLink = "https://drive.google.com/file/d/" + fileA + "/view"

	res := Match(record, []*models.InvoiceRecord{legacy})

	require.True(t, res.Matched())
	assert.Equal(t, StrategyContainment, res.Strategy)
	assert.Same(t, legacy, res.Candidate)
}

func TestMatch_ContentHash(t *testing.T) {
	record := rec(0, fileA, "Acme", "10", models.StatusConfirmed)
	record.ContentHash = "d41d8cd98f00b204e9800998ecf8427e"
	reuploaded := rec(3, fileB, "Acme Ltd", "10", models.StatusSubmitted)
	reuploaded.ContentHash = "d41d8cd98f00b204e9800998ecf8427e"

	res := Match(record, []*models.InvoiceRecord{reuploaded})

	require.True(t, res.Matched())
	assert.Equal(t, StrategyContentHash, res.Strategy)
}

func TestMatch_CompositeOnlyAgainstUnfinalized(t *testing.T) {
	record := rec(0, "", "Acme", "1,200.00", models.StatusConfirmed)
	finalized := rec(1, "", "ACME", "1200", models.StatusSubmitted)
	finalized.GeneratedInvoiceID = "HK01-0001-1200HKD"

	res := Match(record, []*models.InvoiceRecord{finalized})
	assert.False(t, res.Matched(), "finalized work must not be overwritten")

	waiting := rec(2, "", "acme", "1200.00", models.StatusWaitingForConfirm)
	res = Match(record, []*models.InvoiceRecord{finalized, waiting})
	require.True(t, res.Matched())
	assert.Same(t, waiting, res.Candidate)
	assert.Equal(t, StrategyComposite, res.Strategy)
}

func TestMatch_CompositeAcceptsIdenticalFinalizedRow(t *testing.T) {
	record := rec(0, "", "Acme", "5", models.StatusSubmitted)
	record.GeneratedInvoiceID = "HK01-0003-5HKD"
	same := rec(9, "", "acme", "5.00", models.StatusSubmitted)
	same.GeneratedInvoiceID = "HK01-0003-5HKD"

	res := Match(record, []*models.InvoiceRecord{same})
	assert.True(t, res.Matched())
}

func TestMatch_CompositeAmbiguityIsNotGuessed(t *testing.T) {
	record := rec(0, "", "Acme", "10", models.StatusConfirmed)
	a := rec(1, "", "acme", "10", models.StatusWaitingForConfirm)
	b := rec(2, "", "acme", "10.00", models.StatusWaitingForConfirm)

	res := Match(record, []*models.InvoiceRecord{a, b})

	assert.False(t, res.Matched())
	assert.True(t, res.Ambiguous)
}

func TestMatch_EmptyKeyNeverMatches(t *testing.T) {
	record := rec(0, "", "", "0", models.StatusWaitingForConfirm)
	empty := rec(1, "", "  ", "0", models.StatusWaitingForConfirm)

	res := Match(record, []*models.InvoiceRecord{empty})

	assert.False(t, res.Matched())
	assert.False(t, res.Ambiguous)
}

func TestIndex_MatchSkipsExcluded(t *testing.T) {
	record := rec(0, fileA, "Acme", "10", models.StatusConfirmed)
	claimed := rec(1, fileA, "Acme", "10", models.StatusConfirmed)
	ix := NewIndex([]*models.InvoiceRecord{claimed})

	res := ix.Match(record, map[*models.InvoiceRecord]bool{claimed: true})
	assert.False(t, res.Matched())
}

func TestMatch_ContainmentRunsBothWays(t *testing.T) {
	// The sheet row was re-uploaded under a new id but its link still
	// points at the file the mirror knows.
	record := rec(0, fileB, "Acme", "10", models.StatusSubmitted)
	record.PrimaryFileLink = "https://drive.google.com/file/d/" + fileA + "/view"
	mirrored := rec(4, fileA, "Acme", "10", models.StatusConfirmed)

	res := Match(record, []*models.InvoiceRecord{mirrored})

	require.True(t, res.Matched())
	assert.Equal(t, StrategyContainment, res.Strategy)
	assert.Same(t, mirrored, res.Candidate)

	back := Match(mirrored, []*models.InvoiceRecord{record})
	require.True(t, back.Matched())
	assert.Same(t, record, back.Candidate)
}

func TestMatch_ShortIdentityNeverMatchesByContainment(t *testing.T) {
	tests := []struct {
		name          string
		identity      string
		link          string
		candidateID   string
		candidateLink string
	}{
		{name: "record identity in candidate link", identity: "scan", candidateLink: "https://storage.googleapis.com/docs/inbox/scan-2024-03.jpg"},
		{name: "candidate identity in record link", link: "https://example.com/files/invoice-march.pdf", candidateID: "invoice"},
		{name: "nineteen characters", identity: "1234567890abcdefghi", candidateLink: "https://drive.google.com/file/d/1234567890abcdefghijk/view"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := rec(0, tt.identity, "Acme", "10", models.StatusConfirmed)
			record.PrimaryFileLink = tt.link
			candidate := rec(1, tt.candidateID, "Beta", "99", models.StatusSubmitted)
			candidate.PrimaryFileLink = tt.candidateLink

			res := Match(record, []*models.InvoiceRecord{candidate})
			assert.False(t, res.Matched())
		})
	}
}

func TestMatch_ShortIdentityStillMatchesExactly(t *testing.T) {
	record := rec(0, "doc-a", "Acme", "10", models.StatusConfirmed)
	same := rec(1, "doc-a", "Acme", "10", models.StatusWaitingForConfirm)

	res := Match(record, []*models.InvoiceRecord{same})

	require.True(t, res.Matched())
	assert.Equal(t, StrategyIdentity, res.Strategy)
}
