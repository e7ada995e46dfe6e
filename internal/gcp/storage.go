package gcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/expenseledger/internal/archive"
	"github.com/Lllllllleong/expenseledger/internal/errs"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// BlobStore is the blob archive backed by one GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// NewBlobStore wraps bucket on client.
func NewBlobStore(client *storage.Client, bucket string) *BlobStore {
	return &BlobStore{client: client, bucket: bucket}
}

func (s *BlobStore) Bucket() string {
	return s.bucket
}

func (s *BlobStore) handle() *storage.BucketHandle {
	return s.client.Bucket(s.bucket)
}

// Head returns size and content hash of key. The hash is the base64 MD5
// GCS keeps for non-composite objects, else the CRC32C.
func (s *BlobStore) Head(ctx context.Context, key string) (*archive.ObjectAttrs, error) {
	attrs, err := s.handle().Object(key).Attrs(ctx)
	if err != nil {
		return nil, classifyStorage(err, "head gs://%s/%s", s.bucket, key)
	}
	return toAttrs(attrs), nil
}

// Copy performs a server-side copy that fails with errs.ErrAlreadyExists
// instead of overwriting an existing destination.
func (s *BlobStore) Copy(ctx context.Context, srcKey, dstKey string) (*archive.ObjectAttrs, error) {
	src := s.handle().Object(srcKey)
	dst := s.handle().Object(dstKey).If(storage.Conditions{DoesNotExist: true})
	attrs, err := dst.CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, classifyStorage(err, "copy %s to %s", srcKey, dstKey)
	}
	return toAttrs(attrs), nil
}

// Get reads the whole object.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.handle().Object(key).NewReader(ctx)
	if err != nil {
		return nil, classifyStorage(err, "open gs://%s/%s", s.bucket, key)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ErrTransient, "read gs://%s/%s", s.bucket, key)
	}
	return data, nil
}

// Put writes data only if key does not exist yet.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := s.handle().Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return classifyStorage(err, "write gs://%s/%s", s.bucket, key)
	}
	if err := w.Close(); err != nil {
		return classifyStorage(err, "finalize gs://%s/%s", s.bucket, key)
	}
	return nil
}

// List returns every key under prefix, following pagination to the end.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.handle().Objects(ctx, &storage.Query{Prefix: prefix, Projection: storage.ProjectionNoACL})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classifyStorage(err, "list gs://%s/%s", s.bucket, prefix)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func toAttrs(a *storage.ObjectAttrs) *archive.ObjectAttrs {
	hash := ""
	if len(a.MD5) > 0 {
		hash = "md5:" + base64.StdEncoding.EncodeToString(a.MD5)
	} else {
		hash = fmt.Sprintf("crc32c:%08x", a.CRC32C)
	}
	return &archive.ObjectAttrs{Key: a.Name, Size: a.Size, ContentHash: hash}
}

func classifyStorage(err error, format string, args ...any) error {
	if errs.Is(err, storage.ErrObjectNotExist) || errs.Is(err, storage.ErrBucketNotExist) {
		return errs.Wrapf(err, errs.ErrNotFound, format, args...)
	}
	var gerr *googleapi.Error
	if errs.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return errs.Wrapf(err, errs.ErrAlreadyExists, format, args...)
	}
	if errs.IsNotFound(err) {
		return errs.Wrapf(err, errs.ErrNotFound, format, args...)
	}
	if errs.IsTransient(err) {
		return errs.Wrapf(err, errs.ErrTransient, format, args...)
	}
	return fmt.Errorf("failed to "+format+": %w", append(args, err)...)
}

// NewStorageClient creates a GCS client with application default credentials.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return client, nil
}
