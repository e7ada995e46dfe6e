package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Lllllllleong/expenseledger/internal/archive"
	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/gcp"
	"github.com/Lllllllleong/expenseledger/internal/lock"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
)

const (
	StatusSuccess = "SUCCESS"
	StatusPartial = "PARTIAL"
	StatusDryRun  = "DRY_RUN"
	StatusLocked  = "LOCKED"
	StatusAborted = "ABORTED"
)

// ReconcilerDeps are the collaborators of a reconciliation pass.
type ReconcilerDeps struct {
	Sheet   Spreadsheet
	Mirror  MirrorStore
	Locker  lock.Locker
	Reports ReportSaver

	// Archiver and Objects, when both set, enable the orphan report.
	Archiver *archive.Archiver
	Objects  archive.Lister
}

type ReconcilerFunction struct {
	deps     ReconcilerDeps
	planner  *reconcile.Planner
	execCfg  reconcile.ExecutorConfig
	quiet    time.Duration
	newRunID func() string
}

// NewReconciler loads its configuration from the environment and connects
// to every store.
func NewReconciler(ctx context.Context) (*ReconcilerFunction, error) {
	config, err := loadCommonConfig()
	if err != nil {
		return nil, err
	}
	c, err := newClients(ctx, config)
	if err != nil {
		return nil, err
	}
	deps := ReconcilerDeps{
		Sheet:   c.sheet,
		Mirror:  c.mirror,
		Locker:  c.locker,
		Reports: c.reports,
	}
	if config.DocsBucket != "" {
		storageClient, err := gcp.NewStorageClient(ctx)
		if err != nil {
			return nil, err
		}
		blobs := gcp.NewBlobStore(storageClient, config.DocsBucket)
		deps.Objects = blobs
		deps.Archiver = archive.New(blobs, archive.Config{ArchivePrefix: gcp.GetEnv("ARCHIVE_PREFIX", "archive/")})
	}
	f := NewReconcilerWith(deps, config)
	slog.Info("Reconciler logic initialized.", "spreadsheetId", config.SpreadsheetID, "workers", config.Workers)
	return f, nil
}

// NewReconcilerWith builds a reconciler over already connected stores.
func NewReconcilerWith(deps ReconcilerDeps, config CommonConfig) *ReconcilerFunction {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Reports == nil {
		deps.Reports = discardReports{}
	}
	return &ReconcilerFunction{
		deps:     deps,
		planner:  reconcile.NewPlanner(),
		execCfg:  config.executorConfig(),
		quiet:    config.QuietWindow,
		newRunID: uuid.NewString,
	}
}

// Process runs one reconciliation pass under the run lock. A pass that
// finds the lock held returns StatusLocked without touching any store.
func (f *ReconcilerFunction) Process(ctx context.Context, req *models.ReconcileRequest) (*models.ReconcileResponse, error) {
	runID := req.ExecutionID
	if runID == "" {
		runID = f.newRunID()
	}
	logCtx := slog.With("runId", runID, "dryRun", req.DryRun, "rebuild", req.Rebuild)
	report := &models.RunReport{RunID: runID, Kind: "reconcile", DryRun: req.DryRun}
	if req.Rebuild {
		report.Kind = "rebuild"
	}

	release, err := f.deps.Locker.Acquire(ctx, RunLockName)
	if err != nil {
		if errs.Is(err, errs.ErrLockNotObtained) {
			logCtx.Warn("Another pass holds the run lock. Skipping.")
			return &models.ReconcileResponse{Status: StatusLocked, RunID: runID}, nil
		}
		logCtx.Error("Failed to acquire run lock", "error", err)
		return nil, err
	}
	defer release()

	if req.Rebuild {
		err = f.rebuild(ctx, logCtx, report)
	} else {
		err = f.reconcile(ctx, logCtx, report)
	}
	f.saveReport(ctx, logCtx, report)
	if err != nil {
		return &models.ReconcileResponse{Status: StatusAborted, RunID: runID, Report: report}, err
	}
	return &models.ReconcileResponse{Status: statusOf(report), RunID: runID, Report: report}, nil
}

// reconcile loads both snapshots, plans and applies the plan. The caller
// holds the run lock.
func (f *ReconcilerFunction) reconcile(ctx context.Context, logCtx *slog.Logger, report *models.RunReport) error {
	authoritative, err := f.deps.Sheet.Load(ctx)
	if err != nil {
		return f.abort(logCtx, report, "failed to load spreadsheet snapshot", err)
	}
	if err := f.reconcileWith(ctx, logCtx, report, authoritative); err != nil {
		return err
	}
	f.reportOrphans(ctx, logCtx, report, authoritative)
	return nil
}

func (f *ReconcilerFunction) reportOrphans(ctx context.Context, logCtx *slog.Logger, report *models.RunReport, records []*models.InvoiceRecord) {
	if f.deps.Archiver == nil || f.deps.Objects == nil {
		return
	}
	orphans, err := f.deps.Archiver.FindOrphans(ctx, f.deps.Objects, records)
	if err != nil {
		logCtx.Warn("Failed to list archive for orphans.", "error", err)
		return
	}
	if len(orphans) > 0 {
		logCtx.Warn("Archive holds objects no record links to.", "count", len(orphans))
	}
	report.Orphans = orphans
}

func (f *ReconcilerFunction) reconcileWith(ctx context.Context, logCtx *slog.Logger, report *models.RunReport, authoritative []*models.InvoiceRecord) error {
	current, err := f.deps.Mirror.List(ctx)
	if err != nil {
		return f.abort(logCtx, report, "failed to load mirror snapshot", err)
	}
	logCtx.Info("Loaded snapshots.", "authoritative", len(authoritative), "mirror", len(current))

	plan, err := f.planner.Plan(authoritative, current)
	if err != nil {
		return f.abort(logCtx, report, "refusing to apply plan", err)
	}
	report.Review = append(report.Review, labels(plan.Review)...)
	report.Duplicates = append(report.Duplicates, labels(plan.Duplicates)...)
	logCtx.Info("Plan built.",
		"inserts", len(plan.Inserts), "updates", len(plan.Updates), "deletes", len(plan.Deletes),
		"review", len(plan.Review), "duplicates", len(plan.Duplicates))

	if report.DryRun {
		report.Inserts += len(plan.Inserts)
		report.Updates += len(plan.Updates)
		report.Deletes += len(plan.Deletes)
		return nil
	}

	exec := reconcile.NewExecutor(f.deps.Mirror, f.execCfg, nil)
	exec.Execute(ctx, plan).Fill(report)
	return nil
}

// rebuild replaces the whole mirror with the deduplicated spreadsheet
// snapshot, but only after the mirror has been quiet for the configured
// window.
func (f *ReconcilerFunction) rebuild(ctx context.Context, logCtx *slog.Logger, report *models.RunReport) error {
	last, err := f.deps.Mirror.LastUpdatedAt(ctx)
	if err != nil {
		return f.abort(logCtx, report, "failed to read last mirror update", err)
	}
	if since := time.Since(last); !last.IsZero() && since < f.quiet {
		return f.abort(logCtx, report, "mirror is not quiet",
			errs.Newf(errs.ErrValidation, "last write %s ago, need %s", since.Round(time.Second), f.quiet))
	}

	authoritative, err := f.deps.Sheet.Load(ctx)
	if err != nil {
		return f.abort(logCtx, report, "failed to load spreadsheet snapshot", err)
	}
	previous, err := f.deps.Mirror.Count(ctx)
	if err != nil {
		return f.abort(logCtx, report, "failed to count mirror rows", err)
	}
	deduped := reconcile.Dedupe(authoritative)
	if len(deduped.Canonical) == 0 && previous > 0 {
		return f.abort(logCtx, report, "refusing to rebuild",
			errs.Newf(errs.ErrConsistencyGuard, "spreadsheet snapshot is empty but mirror has %d rows", previous))
	}

	report.Inserts = len(deduped.Canonical)
	report.Deletes = int(previous)
	report.Duplicates = labels(deduped.Excess)
	if report.DryRun {
		return nil
	}
	if err := f.deps.Mirror.ReplaceAll(ctx, deduped.Canonical); err != nil {
		return f.abort(logCtx, report, "failed to replace mirror contents", err)
	}
	logCtx.Info("Mirror rebuilt.", "rows", len(deduped.Canonical), "previousRows", previous)
	return nil
}

func (f *ReconcilerFunction) abort(logCtx *slog.Logger, report *models.RunReport, message string, err error) error {
	logCtx.Error(message, "error", err)
	report.Error = fmt.Sprintf("%s: %v", message, err)
	return fmt.Errorf("%s: %w", message, err)
}

func (f *ReconcilerFunction) saveReport(ctx context.Context, logCtx *slog.Logger, report *models.RunReport) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := f.deps.Reports.Save(saveCtx, report); err != nil {
		logCtx.Error("Failed to persist run report", "error", err)
	}
	logCtx.Info("Run finished.",
		"inserts", report.Inserts, "updates", report.Updates, "deletes", report.Deletes,
		"archived", report.Archived, "skipped", report.Skipped, "failed", report.Failed,
		"review", len(report.Review))
}

func statusOf(report *models.RunReport) string {
	switch {
	case report.DryRun:
		return StatusDryRun
	case report.Failed > 0:
		return StatusPartial
	default:
		return StatusSuccess
	}
}

func labels(records []*models.InvoiceRecord) []string {
	return lo.Map(records, func(r *models.InvoiceRecord, _ int) string {
		return r.Label()
	})
}
