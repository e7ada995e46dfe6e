package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/expenseledger/internal/archive"
	"github.com/Lllllllleong/expenseledger/internal/errs"
	"github.com/Lllllllleong/expenseledger/internal/models"
	"github.com/Lllllllleong/expenseledger/internal/retry"
	"github.com/Lllllllleong/expenseledger/internal/testutil"
)

const bucket = "ledger-docs"

var testConfig = archive.Config{
	SourcePrefix:  "incoming/",
	ArchivePrefix: "archive/",
	Workers:       2,
	Retry:         retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
}

func submitted(identity string) *models.InvoiceRecord {
	return &models.InvoiceRecord{
		Identity:           identity,
		ProjectCode:        "HK01",
		GeneratedInvoiceID: "HK01-0007-1200HKD",
		Status:             models.StatusSubmitted,
	}
}

func TestArchive_ResolvesByNamingConvention(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("incoming/1AbCdEfGhIjKlMnOpQrStUv.jpeg", []byte("receipt"))
	a := archive.New(store, testConfig)

	got, err := a.Archive(context.Background(), submitted("1AbCdEfGhIjKlMnOpQrStUv"))
	require.NoError(t, err)
	assert.Equal(t, "archive/HK01/HK01-0007-1200HKD.jpeg", got.Key)
	assert.Equal(t, "https://storage.googleapis.com/ledger-docs/archive/HK01/HK01-0007-1200HKD.jpeg", got.Link)
	assert.False(t, got.Existing)
	assert.Equal(t, 1, store.Copies)
}

func TestArchive_PrefersExplicitSourceKey(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("uploads/2024/scan 1.pdf", []byte("scan"))
	a := archive.New(store, testConfig)

	r := submitted("")
	r.SourceObjectKey = "uploads/2024/scan 1.pdf"
	got, err := a.Archive(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "archive/HK01/HK01-0007-1200HKD.pdf", got.Key)
}

func TestArchive_ResolvesFromStoredLink(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("forms/abc.png", []byte("img"))
	a := archive.New(store, testConfig)

	r := submitted("")
	r.PrimaryFileLink = "gs://ledger-docs/forms/abc.png"
	got, err := a.Archive(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "archive/HK01/HK01-0007-1200HKD.png", got.Key)
}

func TestArchive_IsIdempotent(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("incoming/doc-1.pdf", []byte("same"))
	a := archive.New(store, testConfig)
	r := submitted("doc-1")

	first, err := a.Archive(context.Background(), r)
	require.NoError(t, err)
	second, err := a.Archive(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.True(t, second.Existing)
	assert.Equal(t, 1, store.Copies)
}

func TestArchive_NeverOverwritesDifferentContent(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("incoming/doc-1.pdf", []byte("new"))
	store.Seed("archive/HK01/HK01-0007-1200HKD.pdf", []byte("old"))
	a := archive.New(store, testConfig)

	_, err := a.Archive(context.Background(), submitted("doc-1"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrArchiveConflict))

	data, err := store.Get(context.Background(), "archive/HK01/HK01-0007-1200HKD.pdf")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestArchive_NotLocatable(t *testing.T) {
	a := archive.New(testutil.NewInMemoryBlobStore(bucket), testConfig)
	_, err := a.Archive(context.Background(), submitted("missing"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrNotLocatable))
}

func TestArchive_RequiresGeneratedID(t *testing.T) {
	a := archive.New(testutil.NewInMemoryBlobStore(bucket), testConfig)
	r := submitted("doc-1")
	r.GeneratedInvoiceID = ""
	_, err := a.Archive(context.Background(), r)
	assert.True(t, errs.Is(err, errs.ErrValidation))
}

func TestArchive_RetriesTransientHead(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("incoming/doc-1.pdf", []byte("x"))
	calls := 0
	store.FailHead = func(key string) error {
		calls++
		if calls == 1 {
			return errs.Newf(errs.ErrTransient, "503")
		}
		return nil
	}
	a := archive.New(store, testConfig)

	_, err := a.Archive(context.Background(), submitted("doc-1"))
	require.NoError(t, err)
}

func TestArchiveAll_IsolatesFailures(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("incoming/good.pdf", []byte("g"))
	a := archive.New(store, testConfig)

	good := submitted("good")
	bad := submitted("bad")
	bad.GeneratedInvoiceID = "HK01-0008-5HKD"

	out := a.ArchiveAll(context.Background(), []*models.InvoiceRecord{good, bad})
	require.Len(t, out, 2)
	assert.NoError(t, out[0].Err)
	assert.Same(t, good, out[0].Record)
	assert.True(t, errs.Is(out[1].Err, errs.ErrNotLocatable))
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "archive/HK%2001/a%23b.pdf", archive.EscapeKey("archive/HK 01/a#b.pdf"))
}

func TestFindOrphans(t *testing.T) {
	store := testutil.NewInMemoryBlobStore(bucket)
	store.Seed("archive/HK01/HK01-0001-1HKD.pdf", []byte("a"))
	store.Seed("archive/HK01/HK01-0002-2HKD.pdf", []byte("b"))
	store.Seed("incoming/doc.pdf", []byte("c"))
	a := archive.New(store, testConfig)

	records := []*models.InvoiceRecord{
		{ArchivedFileLink: a.Link("archive/HK01/HK01-0001-1HKD.pdf")},
		{ArchivedFileLink: ""},
	}
	orphans, err := a.FindOrphans(context.Background(), store, records)
	require.NoError(t, err)
	assert.Equal(t, []string{"archive/HK01/HK01-0002-2HKD.pdf"}, orphans)
}
