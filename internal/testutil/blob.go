package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/Lllllllleong/expenseledger/internal/archive"
	"github.com/Lllllllleong/expenseledger/internal/errs"
)

// InMemoryBlobStore is a single-bucket object store. Writes never overwrite
// an existing key, matching the DoesNotExist precondition of the real store.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte

	// FailHead, when set, is consulted before every Head call.
	FailHead func(key string) error
	// Copies counts successful copies.
	Copies int
}

func NewInMemoryBlobStore(bucket string) *InMemoryBlobStore {
	return &InMemoryBlobStore{bucket: bucket, objects: make(map[string][]byte)}
}

func (s *InMemoryBlobStore) Bucket() string { return s.bucket }

// Seed stores data under key, replacing anything already there.
func (s *InMemoryBlobStore) Seed(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
}

func (s *InMemoryBlobStore) Head(ctx context.Context, key string) (*archive.ObjectAttrs, error) {
	if s.FailHead != nil {
		if err := s.FailHead(key); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errs.Newf(errs.ErrNotFound, "object %s", key)
	}
	return attrsOf(key, data), nil
}

func (s *InMemoryBlobStore) Copy(ctx context.Context, srcKey, dstKey string) (*archive.ObjectAttrs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[srcKey]
	if !ok {
		return nil, errs.Newf(errs.ErrNotFound, "object %s", srcKey)
	}
	if _, exists := s.objects[dstKey]; exists {
		return nil, errs.Newf(errs.ErrAlreadyExists, "object %s", dstKey)
	}
	s.objects[dstKey] = data
	s.Copies++
	return attrsOf(dstKey, data), nil
}

func (s *InMemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errs.Newf(errs.ErrNotFound, "object %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (s *InMemoryBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[key]; exists {
		return errs.Newf(errs.ErrAlreadyExists, "object %s", key)
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *InMemoryBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.Keys(prefix), nil
}

// Keys lists stored keys under prefix in lexical order.
func (s *InMemoryBlobStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func attrsOf(key string, data []byte) *archive.ObjectAttrs {
	sum := sha256.Sum256(data)
	return &archive.ObjectAttrs{Key: key, Size: int64(len(data)), ContentHash: hex.EncodeToString(sum[:])}
}
