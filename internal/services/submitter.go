package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Lllllllleong/expenseledger/internal/archive"
	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/gcp"
	"github.com/Lllllllleong/expenseledger/internal/lock"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/retry"
	"github.com/Lllllllleong/expenseledger/internal/sequence"
	"github.com/Lllllllleong/expenseledger/internal/sheet"
)

// WorkflowTrigger starts the follow-up workflow after a submission run.
type WorkflowTrigger interface {
	Trigger(ctx context.Context, payload any) (string, error)
}

type SubmitterConfig struct {
	CommonConfig
	SourcePrefix     string
	ArchivePrefix    string
	CounterBackend   string
	WorkflowID       string
	WorkflowLocation string
}

// SubmitterDeps are the collaborators of a submission run.
type SubmitterDeps struct {
	Sheet     Spreadsheet
	Mirror    MirrorStore
	Locker    lock.Locker
	Reports   ReportSaver
	Allocator *sequence.Allocator
	Archiver  *archive.Archiver
	Workflow  WorkflowTrigger
}

type SubmitterFunction struct {
	deps       SubmitterDeps
	reconciler *ReconcilerFunction
	newRunID   func() string
}

func NewSubmitter(ctx context.Context) (*SubmitterFunction, error) {
	common, err := loadCommonConfig()
	if err != nil {
		return nil, err
	}
	config := SubmitterConfig{
		CommonConfig:     common,
		SourcePrefix:     gcp.GetEnv("SOURCE_PREFIX", "inbox/"),
		ArchivePrefix:    gcp.GetEnv("ARCHIVE_PREFIX", "archive/"),
		CounterBackend:   gcp.GetEnv("COUNTER_BACKEND", "firestore"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
	if config.DocsBucket == "" {
		return nil, fmt.Errorf("DOCS_BUCKET environment variable must be set")
	}

	c, err := newClients(ctx, config.CommonConfig)
	if err != nil {
		return nil, err
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}

	var counter sequence.Counter
	switch config.CounterBackend {
	case "redis":
		if c.redis == nil {
			return nil, fmt.Errorf("COUNTER_BACKEND=redis requires REDIS_ADDR")
		}
		counter = sequence.NewRedisCounter(c.redis)
	case "firestore":
		counter = sequence.NewFirestoreCounter(c.firestore, config.CounterCollection)
	default:
		return nil, fmt.Errorf("unknown COUNTER_BACKEND %q", config.CounterBackend)
	}

	deps := SubmitterDeps{
		Sheet:     c.sheet,
		Mirror:    c.mirror,
		Locker:    c.locker,
		Reports:   c.reports,
		Allocator: sequence.NewAllocator(counter),
		Archiver: archive.New(gcp.NewBlobStore(storageClient, config.DocsBucket), archive.Config{
			SourcePrefix:  config.SourcePrefix,
			ArchivePrefix: config.ArchivePrefix,
			Workers:       config.Workers,
			Retry:         retry.DefaultPolicy,
		}),
	}
	if config.WorkflowID != "" {
		trigger, err := gcp.NewWorkflowTrigger(ctx, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
		if err != nil {
			return nil, err
		}
		deps.Workflow = trigger
	}

	slog.Info("Submitter logic initialized.", "counterBackend", config.CounterBackend, "workflowId", config.WorkflowID)
	return NewSubmitterWith(deps, config.CommonConfig), nil
}

// NewSubmitterWith builds a submitter over already connected stores.
func NewSubmitterWith(deps SubmitterDeps, config CommonConfig) *SubmitterFunction {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Reports == nil {
		deps.Reports = discardReports{}
	}
	return &SubmitterFunction{
		deps: deps,
		reconciler: NewReconcilerWith(ReconcilerDeps{
			Sheet:   deps.Sheet,
			Mirror:  deps.Mirror,
			Locker:  deps.Locker,
			Reports: deps.Reports,
		}, config),
		newRunID: uuid.NewString,
	}
}

// Process allocates ids for newly submitted records, writes them back to
// the spreadsheet, archives their originals and reconciles the mirror. The
// whole run holds the same lock as a reconciliation pass.
func (f *SubmitterFunction) Process(ctx context.Context, req *models.SubmitRequest) (*models.SubmitResponse, error) {
	runID := req.ExecutionID
	if runID == "" {
		runID = f.newRunID()
	}
	logCtx := slog.With("runId", runID, "projectCode", req.ProjectCode)
	report := &models.RunReport{RunID: runID, Kind: "submit"}

	release, err := f.deps.Locker.Acquire(ctx, RunLockName)
	if err != nil {
		if errs.Is(err, errs.ErrLockNotObtained) {
			logCtx.Warn("Another pass holds the run lock. Skipping.")
			return &models.SubmitResponse{Status: StatusLocked, RunID: runID}, nil
		}
		logCtx.Error("Failed to acquire run lock", "error", err)
		return nil, err
	}
	defer release()

	allocated, err := f.submit(ctx, logCtx, req, report)
	f.reconciler.saveReport(ctx, logCtx, report)
	resp := &models.SubmitResponse{RunID: runID, Allocated: allocated, Report: report}
	if err != nil {
		resp.Status = StatusAborted
		return resp, err
	}
	resp.Status = statusOf(report)

	if f.deps.Workflow != nil {
		name, err := f.deps.Workflow.Trigger(ctx, map[string]any{"runId": runID, "allocated": allocated})
		if err != nil {
			logCtx.Error("Failed to trigger follow-up workflow", "error", err)
		} else {
			logCtx.Info("Triggered follow-up workflow.", "execution", name)
		}
	}
	return resp, nil
}

func (f *SubmitterFunction) submit(ctx context.Context, logCtx *slog.Logger, req *models.SubmitRequest, report *models.RunReport) ([]string, error) {
	authoritative, err := f.deps.Sheet.Load(ctx)
	if err != nil {
		return nil, f.reconciler.abort(logCtx, report, "failed to load spreadsheet snapshot", err)
	}
	current, err := f.deps.Mirror.List(ctx)
	if err != nil {
		return nil, f.reconciler.abort(logCtx, report, "failed to load mirror snapshot", err)
	}

	inScope := func(r *models.InvoiceRecord) bool {
		return req.ProjectCode == "" || strings.EqualFold(strings.TrimSpace(r.ProjectCode), req.ProjectCode)
	}
	pending := lo.Filter(authoritative, func(r *models.InvoiceRecord, _ int) bool {
		return r.Status == models.StatusSubmitted && r.GeneratedInvoiceID == "" && inScope(r)
	})
	existing := lo.FilterMap(append(append([]*models.InvoiceRecord{}, authoritative...), current...),
		func(r *models.InvoiceRecord, _ int) (string, bool) {
			return r.GeneratedInvoiceID, r.GeneratedInvoiceID != ""
		})

	result := f.deps.Allocator.AllocateBatch(ctx, pending, existing)
	report.Failed += len(result.Failed)
	report.Failures = append(report.Failures, result.Failed...)
	allocated := lo.Map(result.Assigned, func(a sequence.Assignment, _ int) string { return a.Identifier })

	// Ids go to the spreadsheet before anything is archived under them.
	idUpdates := lo.Map(result.Assigned, func(a sequence.Assignment, _ int) sheet.RowUpdate {
		return sheet.RowUpdate{Row: a.Record.StoreID, GeneratedInvoiceID: a.Identifier}
	})
	if err := f.deps.Sheet.WriteBack(ctx, idUpdates); err != nil {
		return allocated, f.reconciler.abort(logCtx, report, "failed to write generated ids to spreadsheet", err)
	}
	logCtx.Info("Generated ids written to spreadsheet.", "count", len(idUpdates))

	toArchive := lo.Filter(authoritative, func(r *models.InvoiceRecord, _ int) bool {
		return r.Status == models.StatusSubmitted && r.GeneratedInvoiceID != "" && r.ArchivedFileLink == "" && inScope(r)
	})
	outcomes := f.deps.Archiver.ArchiveAll(ctx, toArchive)
	var linkUpdates []sheet.RowUpdate
	archivedLinks := make(map[string]string)
	for _, o := range outcomes {
		if o.Err != nil {
			report.Failed++
			report.Failures = append(report.Failures, models.ItemFailure{Identity: o.Record.Label(), Action: "archive", Reason: o.Err.Error()})
			continue
		}
		report.Archived++
		o.Record.ArchivedFileLink = o.Archived.Link
		archivedLinks[o.Record.GeneratedInvoiceID] = o.Archived.Link
		linkUpdates = append(linkUpdates, sheet.RowUpdate{Row: o.Record.StoreID, ArchivedFileLink: o.Archived.Link})
	}
	if err := f.deps.Sheet.WriteBack(ctx, linkUpdates); err != nil {
		// The objects are archived; the next run finds them and retries the links.
		logCtx.Error("Failed to write archived links to spreadsheet.", "error", err)
		report.Failed++
		report.Failures = append(report.Failures, models.ItemFailure{Action: "write_links", Reason: err.Error()})
	}

	if err := f.reconciler.reconcileWith(ctx, logCtx, report, authoritative); err != nil {
		return allocated, err
	}
	f.linkMirror(ctx, logCtx, report, archivedLinks)
	return allocated, nil
}

// linkMirror sets the archived link on mirror rows whose generated id was
// archived in this run.
func (f *SubmitterFunction) linkMirror(ctx context.Context, logCtx *slog.Logger, report *models.RunReport, links map[string]string) {
	if len(links) == 0 {
		return
	}
	rows, err := f.deps.Mirror.List(ctx)
	if err != nil {
		logCtx.Error("Failed to reload mirror for archived links", "error", err)
		return
	}
	for _, row := range rows {
		link, ok := links[row.GeneratedInvoiceID]
		if !ok || row.ArchivedFileLink == link {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := f.deps.Mirror.SetArchivedLink(callCtx, row.StoreID, link)
		cancel()
		if err != nil {
			logCtx.Error("Failed to set archived link on mirror", "invoiceId", row.GeneratedInvoiceID, "error", err)
			report.Failed++
			report.Failures = append(report.Failures, models.ItemFailure{Identity: row.GeneratedInvoiceID, Action: "mirror_link", Reason: err.Error()})
		}
	}
}
