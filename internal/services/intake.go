package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/expenseledger/internal/archive"
	"github.com/Lllllllleong/expenseledger/internal/classify"
	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/gcp"
	"github.com/Lllllllleong/expenseledger/internal/retry"
)

// GCSEvent is the payload of an object finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Inbox reads uploaded documents.
type Inbox interface {
	Bucket() string
	Get(ctx context.Context, key string) ([]byte, error)
}

type IntakeConfig struct {
	SourcePrefix       string
	DefaultProjectCode string
	MaxPages           int
}

// IntakeDeps are the collaborators of document intake.
type IntakeDeps struct {
	Inbox      Inbox
	Sheet      Spreadsheet
	Mirror     MirrorStore
	Classifier *classify.Classifier
}

type IntakeFunction struct {
	deps   IntakeDeps
	config IntakeConfig
	retry  retry.Policy
}

func NewIntake(ctx context.Context) (*IntakeFunction, error) {
	common, err := loadCommonConfig()
	if err != nil {
		return nil, err
	}
	if common.DocsBucket == "" {
		return nil, fmt.Errorf("DOCS_BUCKET environment variable must be set")
	}
	config := IntakeConfig{
		SourcePrefix:       gcp.GetEnv("SOURCE_PREFIX", "inbox/"),
		DefaultProjectCode: gcp.GetEnv("DEFAULT_PROJECT_CODE", ""),
		MaxPages:           envInt("MAX_PAGES", 20),
	}

	c, err := newClients(ctx, common)
	if err != nil {
		return nil, err
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	vertexClient, err := gcp.NewVertexClient(ctx, common.ProjectID, gcp.GetEnv("VERTEX_REGION", "us-central1"), gcp.GetEnv("VERTEX_MODEL", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	slog.Info("Intake logic initialized.", "bucket", common.DocsBucket, "sourcePrefix", config.SourcePrefix)
	return NewIntakeWith(IntakeDeps{
		Inbox:      gcp.NewBlobStore(storageClient, common.DocsBucket),
		Sheet:      c.sheet,
		Mirror:     c.mirror,
		Classifier: classify.New(vertexClient),
	}, config), nil
}

// NewIntakeWith builds an intake function over already connected stores.
func NewIntakeWith(deps IntakeDeps, config IntakeConfig) *IntakeFunction {
	if config.MaxPages <= 0 {
		config.MaxPages = 20
	}
	return &IntakeFunction{deps: deps, config: config, retry: retry.DefaultPolicy}
}

// Process turns one uploaded document into a WaitingForConfirm record in the
// spreadsheet and the mirror. Documents already known by content hash are
// skipped. Rejected documents are logged and acknowledged so the event is
// not redelivered; transient failures are returned for redelivery.
func (f *IntakeFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if e.Bucket != f.deps.Inbox.Bucket() || !strings.HasPrefix(e.Name, f.config.SourcePrefix) || strings.HasSuffix(e.Name, "/") {
		logCtx.Info("Object is outside the inbox. Ignoring.")
		return nil
	}
	logCtx.Info("Processing new inbox object.")

	var data []byte
	err := retry.Do(ctx, f.retry, "read inbox object", func(ctx context.Context) error {
		var err error
		data, err = f.deps.Inbox.Get(ctx, e.Name)
		return err
	})
	if err != nil {
		if errs.IsNotFound(err) {
			logCtx.Warn("Object vanished before it could be read. Skipping.")
			return nil
		}
		logCtx.Error("Failed to read inbox object", "error", err)
		return err
	}

	fileHash := contentHash(data)
	logCtx = logCtx.With("fileHash", fileHash)

	existing, err := f.deps.Mirror.FindByContentHash(ctx, fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}
	if existing != nil {
		logCtx.Info("Duplicate file detected. Skipping.", "existingId", existing.StoreID)
		return nil
	}

	mimeType := detectMIME(e.Name, data)
	if mimeType == "application/pdf" {
		pages, err := validatePDF(data)
		if err != nil {
			logCtx.Warn("Rejected invalid PDF.", "error", err)
			return nil
		}
		if pages > f.config.MaxPages {
			logCtx.Warn("Rejected PDF with too many pages.", "pageCount", pages, "maxPages", f.config.MaxPages)
			return nil
		}
		logCtx = logCtx.With("pageCount", pages)
	}

	candidate, err := f.deps.Classifier.Classify(ctx, data, mimeType)
	if err != nil {
		if errs.Is(err, errs.ErrValidation) {
			logCtx.Warn("Classifier output rejected.", "error", err)
			return nil
		}
		logCtx.Error("Failed to classify document", "error", err)
		return err
	}

	rec := candidate.ToRecord(classify.Source{
		ObjectKey:   e.Name,
		ContentHash: fileHash,
		Link:        "https://storage.googleapis.com/" + e.Bucket + "/" + archive.EscapeKey(e.Name),
	})
	if rec.ProjectCode == "" {
		rec.ProjectCode = f.config.DefaultProjectCode
	}
	logCtx = logCtx.With("vendor", rec.Vendor, "amount", rec.Amount.StringFixed(2), "currency", rec.Currency)

	if err := f.deps.Sheet.Append(ctx, rec); err != nil {
		logCtx.Error("Failed to append spreadsheet row", "error", err)
		return err
	}
	id, err := f.deps.Mirror.Insert(ctx, rec)
	if err != nil && !errs.IsDuplicateKey(err) {
		// The spreadsheet row exists; the next reconciliation inserts the mirror row.
		logCtx.Error("Failed to insert mirror record", "error", err)
		return nil
	}
	logCtx.Info("Document recorded for confirmation.", "mirrorId", id)
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func detectMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(name))); t != "" {
		return strings.Split(t, ";")[0]
	}
	return strings.Split(http.DetectContentType(data), ";")[0]
}

func validatePDF(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return 0, fmt.Errorf("failed to validate PDF: %w", err)
	}
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return pages, nil
}
