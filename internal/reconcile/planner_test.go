package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
	"github.com/Lllllllleong/expenseledger/internal/retry"
	"github.com/Lllllllleong/expenseledger/internal/testutil"
)

const identityABC = "abc123DEF456ghi789JKL0"

type PlannerSuite struct {
	suite.Suite
	ctx      context.Context
	mirror   *testutil.InMemoryMirror
	planner  *reconcile.Planner
	executor *reconcile.Executor
}

func TestPlanner(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}

func (s *PlannerSuite) SetupTest() {
	s.ctx = context.Background()
	s.mirror = testutil.NewInMemoryMirror()
	s.planner = reconcile.NewPlanner()
	s.executor = s.newExecutor()
}

func (s *PlannerSuite) newExecutor() *reconcile.Executor {
	return reconcile.NewExecutor(s.mirror, reconcile.ExecutorConfig{
		Workers:     4,
		CallTimeout: time.Second,
		Retry:       retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, nil)
}

func (s *PlannerSuite) planAgainstMirror(authoritative []*models.InvoiceRecord) *reconcile.Plan {
	mirrored, err := s.mirror.List(s.ctx)
	s.Require().NoError(err)
	plan, err := s.planner.Plan(authoritative, mirrored)
	s.Require().NoError(err)
	return plan
}

func sheetRow(row int64, identity, vendor, amount string, status models.Status) *models.InvoiceRecord {
	return &models.InvoiceRecord{
		StoreID:  row,
		Identity: identity,
		Vendor:   vendor,
		Amount:   reconcile.ParseAmount(amount),
		Currency: "HKD",
		Status:   status,
	}
}

func (s *PlannerSuite) TestEndToEnd_InsertThenEmpty() {
	authoritative := []*models.InvoiceRecord{
		sheetRow(2, identityABC, "Acme", "1,200.00", models.StatusSubmitted),
	}

	plan := s.planAgainstMirror(authoritative)
	s.Require().Len(plan.Inserts, 1)
	s.Empty(plan.Updates)
	s.Empty(plan.Deletes)
	s.Equal("1200.00", plan.Inserts[0].Amount.StringFixed(2))
	s.Equal(models.StatusSubmitted, plan.Inserts[0].Status)
	s.Zero(plan.Inserts[0].StoreID, "mirror assigns its own id")

	sum := s.executor.Execute(s.ctx, plan)
	s.Equal(1, sum.Inserted)
	s.Zero(sum.Failed)

	s.True(s.planAgainstMirror(authoritative).Empty())
}

func (s *PlannerSuite) TestIdempotence_MixedChanges() {
	s.mirror = testutil.NewInMemoryMirror(
		&models.InvoiceRecord{StoreID: 10, Identity: identityABC, Vendor: "acme", Amount: reconcile.ParseAmount("5"), Status: models.StatusWaitingForConfirm},
		&models.InvoiceRecord{StoreID: 11, Identity: "gone0000000000000000000001", Vendor: "old", Amount: reconcile.ParseAmount("1")},
		&models.InvoiceRecord{StoreID: 12, Identity: "keep000000000000000000001", Vendor: "keep", Amount: reconcile.ParseAmount("1"), Status: models.StatusConfirmed},
	)
	s.executor = s.newExecutor()

	confirmed := sheetRow(2, identityABC, "Acme", "5", models.StatusSubmitted)
	confirmed.GeneratedInvoiceID = "HK01-0001-5HKD"
	authoritative := []*models.InvoiceRecord{
		confirmed,
		sheetRow(3, "keep000000000000000000001", "keep", "1", models.StatusConfirmed),
		sheetRow(4, "", "Fresh Vendor", "42", models.StatusWaitingForConfirm),
	}

	plan := s.planAgainstMirror(authoritative)
	s.Len(plan.Inserts, 1)
	s.Require().Len(plan.Updates, 1)
	s.Equal(int64(10), plan.Updates[0].ID)
	s.Equal(models.StatusSubmitted, plan.Updates[0].Status)
	s.Equal("HK01-0001-5HKD", plan.Updates[0].GeneratedInvoiceID)
	s.Require().Len(plan.Deletes, 1)
	s.Equal(int64(11), plan.Deletes[0].ID)
	s.Equal(reconcile.DeleteAbsent, plan.Deletes[0].Reason)

	sum := s.executor.Execute(s.ctx, plan)
	s.Equal(1, sum.Inserted)
	s.Equal(1, sum.Updated)
	s.Equal(1, sum.Deleted)

	s.True(s.planAgainstMirror(authoritative).Empty(), "second pass must converge")
}

func (s *PlannerSuite) TestReuploadKeepingOldIdentityInLinkConverges() {
	const (
		oldID = "1OldOldOldOldOldOldOldOld"
		newID = "1NewNewNewNewNewNewNewNew"
	)
	s.mirror = testutil.NewInMemoryMirror(&models.InvoiceRecord{
		StoreID: 1, Identity: oldID, Vendor: "acme", Amount: reconcile.ParseAmount("8"), Status: models.StatusConfirmed,
	})
	s.executor = s.newExecutor()

	reuploaded := sheetRow(2, newID, "Acme", "8", models.StatusSubmitted)
	reuploaded.PrimaryFileLink = "https://drive.google.com/file/d/" + oldID + "/view"
	authoritative := []*models.InvoiceRecord{reuploaded}

	plan := s.planAgainstMirror(authoritative)
	s.Empty(plan.Inserts, "the link ties the row to the existing mirror record")
	s.Empty(plan.Deletes)
	s.Require().Len(plan.Updates, 1)
	s.Equal(int64(1), plan.Updates[0].ID)

	sum := s.executor.Execute(s.ctx, plan)
	s.Equal(1, sum.Updated)

	s.True(s.planAgainstMirror(authoritative).Empty(), "second pass must converge")
	s.Equal(int64(1), mustMirrorCount(s))
}

func mustMirrorCount(s *PlannerSuite) int64 {
	n, err := s.mirror.Count(s.ctx)
	s.Require().NoError(err)
	return n
}

func (s *PlannerSuite) TestMirrorNeverWritesBack() {
	s.mirror = testutil.NewInMemoryMirror(&models.InvoiceRecord{
		StoreID: 1, Identity: identityABC, Vendor: "acme", Status: models.StatusSubmitted, GeneratedInvoiceID: "HK01-0001-0HKD",
	})
	authoritative := []*models.InvoiceRecord{sheetRow(2, identityABC, "Acme", "0", models.StatusUnknown)}

	plan := s.planAgainstMirror(authoritative)
	s.True(plan.Empty())
}

func (s *PlannerSuite) TestMirrorDuplicatesAreDeleted() {
	s.mirror = testutil.NewInMemoryMirror(
		&models.InvoiceRecord{StoreID: 1, Identity: identityABC, Vendor: "acme"},
		&models.InvoiceRecord{StoreID: 2, Identity: identityABC, Vendor: "acme"},
	)
	authoritative := []*models.InvoiceRecord{sheetRow(2, identityABC, "Acme", "0", models.StatusUnknown)}

	plan := s.planAgainstMirror(authoritative)
	s.Empty(plan.Inserts)
	s.Require().Len(plan.Deletes, 1)
	s.Equal(int64(1), plan.Deletes[0].ID, "highest id is canonical")
	s.Equal(reconcile.DeleteDuplicate, plan.Deletes[0].Reason)
}

func (s *PlannerSuite) TestAuthoritativeDuplicatesAreReportedOnly() {
	authoritative := []*models.InvoiceRecord{
		sheetRow(2, identityABC, "Acme", "1", models.StatusWaitingForConfirm),
		sheetRow(3, identityABC, "Acme", "1", models.StatusWaitingForConfirm),
	}

	plan := s.planAgainstMirror(authoritative)
	s.Len(plan.Inserts, 1)
	s.Require().Len(plan.Duplicates, 1)
	s.Equal(int64(2), plan.Duplicates[0].StoreID)
}

func (s *PlannerSuite) TestAmbiguousGoesToReview() {
	s.mirror = testutil.NewInMemoryMirror(
		&models.InvoiceRecord{StoreID: 1, Vendor: "acme", Amount: reconcile.ParseAmount("10"), Status: models.StatusWaitingForConfirm},
		&models.InvoiceRecord{StoreID: 2, Vendor: "acme", Amount: reconcile.ParseAmount("10"), Status: models.StatusWaitingForConfirm},
	)
	authoritative := []*models.InvoiceRecord{sheetRow(5, "", "ACME", "10.00", models.StatusConfirmed)}

	plan := s.planAgainstMirror(authoritative)
	s.Require().Len(plan.Review, 1)
	s.Empty(plan.Inserts)
	s.Empty(plan.Updates)
	s.Empty(plan.Deletes, "rows that could be the reviewed record are kept")
}

func TestPlan_ConsistencyGuard(t *testing.T) {
	mirror := []*models.InvoiceRecord{
		{StoreID: 1, Identity: identityABC, Vendor: "acme"},
		{StoreID: 2, Identity: "other00000000000000000000", Vendor: "beta"},
	}

	plan, err := reconcile.NewPlanner().Plan(nil, mirror)

	require.Error(t, err)
	assert.Nil(t, plan)
	assert.True(t, errs.Is(err, errs.ErrConsistencyGuard))
}

func TestPlan_EmptyBothSides(t *testing.T) {
	plan, err := reconcile.NewPlanner().Plan(nil, nil)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestPlan_RecordInAtMostOneBucket(t *testing.T) {
	mirror := []*models.InvoiceRecord{
		{StoreID: 1, Identity: identityABC, Vendor: "acme", Status: models.StatusWaitingForConfirm},
		{StoreID: 2, Vendor: "beta", Amount: reconcile.ParseAmount("3"), Status: models.StatusWaitingForConfirm},
		{StoreID: 3, Identity: "stale0000000000000000000000", Vendor: "gamma"},
	}
	authoritative := []*models.InvoiceRecord{
		sheetRow(2, identityABC, "acme", "0", models.StatusConfirmed),
		sheetRow(3, "", "beta", "3", models.StatusConfirmed),
		sheetRow(4, "", "delta", "9", models.StatusConfirmed),
	}

	plan, err := reconcile.NewPlanner().Plan(authoritative, mirror)
	require.NoError(t, err)

	seen := map[int64]int{}
	for _, u := range plan.Updates {
		seen[u.ID]++
	}
	for _, d := range plan.Deletes {
		seen[d.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "mirror row %d touched more than once", id)
	}
	assert.Len(t, plan.Updates, 2)
	assert.Len(t, plan.Deletes, 1)
	assert.Len(t, plan.Inserts, 1)
}
