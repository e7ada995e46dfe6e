package archive

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/reconcile"
	"github.com/Lllllllleong/expenseledger/internal/retry"
)

// ObjectAttrs is what the archiver needs to know about a stored object.
type ObjectAttrs struct {
	Key         string
	Size        int64
	ContentHash string
}

// BlobStore is the subset of the blob archive used for archiving. Missing
// objects are reported with errs.ErrNotFound; a copy onto an existing
// destination fails with errs.ErrAlreadyExists.
type BlobStore interface {
	Bucket() string
	Head(ctx context.Context, key string) (*ObjectAttrs, error)
	Copy(ctx context.Context, srcKey, dstKey string) (*ObjectAttrs, error)
}

// Config controls where originals are looked up and archived copies land.
type Config struct {
	SourcePrefix  string
	ArchivePrefix string
	Extensions    []string
	Workers       int
	Retry         retry.Policy
}

// DefaultExtensions are probed, in order, against the source naming
// convention {SourcePrefix}{identity}{ext}.
var DefaultExtensions = []string{".pdf", ".jpg", ".jpeg", ".png", ".heic", ".webp"}

// Archived is the location of an archived copy.
type Archived struct {
	Key  string
	Link string
	// Existing is set when the destination already held the same content
	// and no copy was made.
	Existing bool
}

// Outcome pairs a record with the result of archiving it.
type Outcome struct {
	Record   *models.InvoiceRecord
	Archived *Archived
	Err      error
}

// Archiver copies original documents into project-scoped archive paths.
type Archiver struct {
	store BlobStore
	cfg   Config
}

// New returns an Archiver writing through store.
func New(store BlobStore, cfg Config) *Archiver {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Archiver{store: store, cfg: cfg}
}

// Archive copies the original document of r to
// {ArchivePrefix}{projectCode}/{generatedInvoiceId}{ext}. The copy is skipped
// when the destination already holds the same content. A destination with
// different content is never overwritten; errs.ErrArchiveConflict is returned
// instead. errs.ErrNotLocatable means the original could not be found and is
// not fatal to a batch.
func (a *Archiver) Archive(ctx context.Context, r *models.InvoiceRecord) (*Archived, error) {
	if r.GeneratedInvoiceID == "" || strings.TrimSpace(r.ProjectCode) == "" {
		return nil, errs.Newf(errs.ErrValidation, "record %s has no generated id or project code", r.Label())
	}
	logCtx := slog.With("invoiceId", r.GeneratedInvoiceID, "projectCode", r.ProjectCode)

	src, err := a.Resolve(ctx, r)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(path.Ext(src.Key))
	dstKey := a.cfg.ArchivePrefix + path.Join(strings.TrimSpace(r.ProjectCode), r.GeneratedInvoiceID+ext)
	logCtx = logCtx.With("sourceKey", src.Key, "destKey", dstKey)

	dst, err := a.head(ctx, dstKey)
	switch {
	case err == nil:
		return a.existing(logCtx, src, dst)
	case !errs.IsNotFound(err):
		return nil, err
	}

	err = retry.Do(ctx, a.cfg.Retry, "copy", func(ctx context.Context) error {
		_, err := a.store.Copy(ctx, src.Key, dstKey)
		return err
	})
	switch {
	case err == nil:
		logCtx.Info("Archived original document.")
		return &Archived{Key: dstKey, Link: a.Link(dstKey)}, nil
	case errs.Is(err, errs.ErrAlreadyExists):
		// Lost a race with another writer; judge what is there now.
		dst, herr := a.head(ctx, dstKey)
		if herr != nil {
			return nil, herr
		}
		return a.existing(logCtx, src, dst)
	case errs.IsNotFound(err):
		return nil, errs.Wrapf(err, errs.ErrNotLocatable, "source %s vanished", src.Key)
	default:
		return nil, err
	}
}

func (a *Archiver) existing(logCtx *slog.Logger, src, dst *ObjectAttrs) (*Archived, error) {
	if src.ContentHash != "" && src.ContentHash == dst.ContentHash {
		logCtx.Info("Archive destination already holds this document. Skipping copy.")
		return &Archived{Key: dst.Key, Link: a.Link(dst.Key), Existing: true}, nil
	}
	logCtx.Warn("Archive destination holds different content. Not overwriting.",
		"sourceHash", src.ContentHash, "destHash", dst.ContentHash)
	return nil, errs.Newf(errs.ErrArchiveConflict, "destination %s holds different content", dst.Key)
}

// ArchiveAll archives records on a bounded worker pool. Records touch
// disjoint keys, so they are safe to process concurrently; one failure never
// stops the others.
func (a *Archiver) ArchiveAll(ctx context.Context, records []*models.InvoiceRecord) []Outcome {
	out := make([]Outcome, len(records))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, r := range records {
		g.Go(func() error {
			res, err := a.Archive(gctx, r)
			if err != nil {
				slog.Warn("Failed to archive record.", "identity", r.Label(), "error", err)
			}
			mu.Lock()
			out[i] = Outcome{Record: r, Archived: res, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

var (
	extInLink = regexp.MustCompile(`\.([A-Za-z0-9]{2,5})$`)
)

// Resolve finds the original object for r: the explicit stored key first,
// then the naming convention probed with common extensions, then whatever
// the stored link text reveals.
func (a *Archiver) Resolve(ctx context.Context, r *models.InvoiceRecord) (*ObjectAttrs, error) {
	if key := strings.TrimSpace(r.SourceObjectKey); key != "" {
		attrs, err := a.head(ctx, key)
		if err == nil {
			return attrs, nil
		}
		if !errs.IsNotFound(err) {
			return nil, err
		}
	}

	identity := reconcile.NormalizeIdentity(r.Identity)
	if identity == "" {
		identity = reconcile.IdentityFromLink(r.PrimaryFileLink)
	}
	if identity != "" {
		for _, ext := range a.cfg.Extensions {
			attrs, err := a.head(ctx, a.cfg.SourcePrefix+identity+ext)
			if err == nil {
				return attrs, nil
			}
			if !errs.IsNotFound(err) {
				return nil, err
			}
		}
	}

	if key, ext, ok := a.parseLink(r.PrimaryFileLink); ok {
		candidates := []string{}
		if key != "" {
			candidates = append(candidates, key)
		}
		if ext != "" && identity != "" {
			candidates = append(candidates, a.cfg.SourcePrefix+identity+ext)
		}
		for _, k := range candidates {
			attrs, err := a.head(ctx, k)
			if err == nil {
				return attrs, nil
			}
			if !errs.IsNotFound(err) {
				return nil, err
			}
		}
	}

	return nil, errs.Newf(errs.ErrNotLocatable, "no original found for %s", r.Label())
}

// parseLink pulls an object key out of a gs:// or storage.googleapis.com
// link to this bucket, and an extension out of any link.
func (a *Archiver) parseLink(link string) (key, ext string, ok bool) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", "", false
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", "", false
	}

	p := u.Path
	switch {
	case u.Scheme == "gs" && u.Host == a.store.Bucket():
		key = strings.TrimPrefix(p, "/")
	case u.Host == "storage.googleapis.com" || u.Host == "storage.cloud.google.com":
		if rest, found := strings.CutPrefix(strings.TrimPrefix(p, "/"), a.store.Bucket()+"/"); found {
			key = rest
		}
	}
	if m := extInLink.FindStringSubmatch(p); m != nil {
		ext = "." + strings.ToLower(m[1])
	}
	return key, ext, key != "" || ext != ""
}

func (a *Archiver) head(ctx context.Context, key string) (*ObjectAttrs, error) {
	var attrs *ObjectAttrs
	err := retry.Do(ctx, a.cfg.Retry, "head", func(ctx context.Context) error {
		var err error
		attrs, err = a.store.Head(ctx, key)
		return err
	})
	return attrs, err
}

// Lister enumerates object keys under a prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// FindOrphans lists archived objects that no record links to. Nothing is
// deleted; orphans are only reported.
func (a *Archiver) FindOrphans(ctx context.Context, lister Lister, records []*models.InvoiceRecord) ([]string, error) {
	keys, err := lister.List(ctx, a.cfg.ArchivePrefix)
	if err != nil {
		return nil, err
	}
	linked := make(map[string]bool, len(records))
	for _, r := range records {
		if key, _, ok := a.parseLink(r.ArchivedFileLink); ok && key != "" {
			linked[key] = true
		}
	}
	return lo.Filter(keys, func(k string, _ int) bool {
		return !linked[k] && !strings.HasSuffix(k, "/")
	}), nil
}

// Link renders a public URL for key with every path segment escaped.
func (a *Archiver) Link(key string) string {
	return "https://storage.googleapis.com/" + a.store.Bucket() + "/" + EscapeKey(key)
}

// EscapeKey URL-escapes each segment of an object key, keeping the slashes.
func EscapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
