package persist

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
)

// MemBlobStore is an in-memory codec.BlobStore for tests.
type MemBlobStore struct {
	mu    sync.Mutex
	seq   uint64
	blobs map[string][]byte
}

// NewMemBlobStore builds an empty MemBlobStore.
func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{blobs: make(map[string][]byte)}
}

// CreateID implements codec.BlobStore.
func (s *MemBlobStore) CreateID(propID item.ID, valueIndex int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s-%d-%d", propID.String(), valueIndex, s.seq), nil
}

// Put implements codec.BlobStore.
func (s *MemBlobStore) Put(blobID string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[blobID] = data
	s.mu.Unlock()
	return nil
}

// Get implements codec.BlobStore.
func (s *MemBlobStore) Get(blobID string) (io.ReadCloser, error) {
	s.mu.Lock()
	data, ok := s.blobs[blobID]
	s.mu.Unlock()
	if !ok {
		return nil, xerr.New(xerr.NoSuchItemState, blobID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Remove implements codec.BlobStore.
func (s *MemBlobStore) Remove(blobID string) error {
	s.mu.Lock()
	delete(s.blobs, blobID)
	s.mu.Unlock()
	return nil
}
