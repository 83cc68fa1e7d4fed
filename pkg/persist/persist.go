// Package persist adapts the shared state manager's change logs onto
// durable storage: a bbolt-backed adapter for production use and an
// in-memory adapter for tests, plus a bbolt-backed blob store for
// externalized BINARY values.
package persist

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/contentstore/pkg/codec"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

// ChangeLog is the minimal view of a change log that an Adapter needs to
// persist: ordered added/modified/deleted item states plus the bundle
// bytes already encoded by the codec. The shared manager is responsible
// for encoding; persist only moves bytes.
type ChangeLog struct {
	Added    []Record
	Modified []Record
	Deleted  []item.ID
}

// Record pairs an item id with its encoded bundle bytes.
type Record struct {
	ID    item.ID
	Bytes []byte
}

// Adapter is the persistence-manager contract: load, exists, createNew,
// store, destroy. store is expected to be atomic from the caller's
// perspective.
type Adapter interface {
	Load(id item.ID) ([]byte, error)
	Exists(id item.ID) (bool, error)
	CreateNew(id item.ID) error
	Store(log ChangeLog) error
	Destroy(id item.ID) error
}

var (
	bucketNodes      = []byte("nodes")
	bucketProperties = []byte("properties")
	bucketReferences = []byte("references")
	bucketNames      = []byte("names")
)

var (
	namesKeyNamespaces = []byte("namespaces")
	namesKeyLocals     = []byte("locals")
)

// BoltAdapter is a bbolt-backed Adapter, one bucket per item kind,
// storing codec-encoded bundle bytes keyed by the item id's string form.
type BoltAdapter struct {
	db *bolt.DB
}

// OpenBoltAdapter opens (creating if absent) a bbolt database at path and
// ensures its buckets exist.
func OpenBoltAdapter(path string) (*BoltAdapter, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.ItemStateIO, "failed to open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketProperties, bucketReferences, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerr.Wrap(xerr.ItemStateIO, "failed to create buckets", err)
	}

	return &BoltAdapter{db: db}, nil
}

// Close releases the underlying bbolt database.
func (a *BoltAdapter) Close() error {
	return a.db.Close()
}

func bucketFor(id item.ID) []byte {
	if id.IsNode() {
		return bucketNodes
	}
	return bucketProperties
}

// Load implements Adapter.
func (a *BoltAdapter) Load(id item.ID) ([]byte, error) {
	var data []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(id))
		v := b.Get([]byte(id.String()))
		if v == nil {
			return xerr.New(xerr.NoSuchItemState, id.String())
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// Exists implements Adapter.
func (a *BoltAdapter) Exists(id item.ID) (bool, error) {
	found := false
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(id))
		found = b.Get([]byte(id.String())) != nil
		return nil
	})
	return found, err
}

// CreateNew implements Adapter: it is a no-op placeholder for ids that
// will be populated by the following Store call within the same update.
func (a *BoltAdapter) CreateNew(id item.ID) error {
	return nil
}

// Store implements Adapter, writing the entire change log atomically
// inside a single bbolt transaction.
func (a *BoltAdapter) Store(log ChangeLog) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		for _, r := range log.Added {
			if err := tx.Bucket(bucketFor(r.ID)).Put([]byte(r.ID.String()), r.Bytes); err != nil {
				return err
			}
		}
		for _, r := range log.Modified {
			if err := tx.Bucket(bucketFor(r.ID)).Put([]byte(r.ID.String()), r.Bytes); err != nil {
				return err
			}
		}
		for _, id := range log.Deleted {
			if err := tx.Bucket(bucketFor(id)).Delete([]byte(id.String())); err != nil {
				return err
			}
		}
		return nil
	})
}

// Destroy implements Adapter.
func (a *BoltAdapter) Destroy(id item.ID) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFor(id)).Delete([]byte(id.String()))
	})
}

// ForEachNode walks every stored node bundle in uuid-key order, calling
// fn with the node's uuid and its raw encoded bytes. Used by offline
// inspection tooling; not part of the Adapter contract.
func (a *BoltAdapter) ForEachNode(fn func(id uuid.UUID, bytes []byte) error) error {
	return a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			id, err := uuid.Parse(string(k))
			if err != nil {
				return fmt.Errorf("bad node key %q: %w", k, err)
			}
			return fn(id, v)
		})
	})
}

// SaveNameTable persists the codec's interning table so a later process
// opening this same database can resolve the indices already written
// into stored bundles. The name table has no versioning of its own:
// callers are expected to save after every commit that might have
// interned a new name, since a decoder sharing an older snapshot will
// fail to resolve indices assigned after it was taken.
func (a *BoltAdapter) SaveNameTable(nt *codec.NameTable) error {
	nsBytes, err := yaml.Marshal(nt.Namespaces())
	if err != nil {
		return err
	}
	localBytes, err := yaml.Marshal(nt.LocalNames())
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		if err := b.Put(namesKeyNamespaces, nsBytes); err != nil {
			return err
		}
		return b.Put(namesKeyLocals, localBytes)
	})
}

// LoadNameTable rebuilds the interning table from whatever was last
// saved by SaveNameTable. ok is false (and the returned table is empty)
// if nothing has been saved yet, e.g. a freshly created database.
func (a *BoltAdapter) LoadNameTable() (nt *codec.NameTable, ok bool, err error) {
	var namespaces, locals []string
	err = a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		nsBytes := b.Get(namesKeyNamespaces)
		localBytes := b.Get(namesKeyLocals)
		if nsBytes == nil && localBytes == nil {
			return nil
		}
		ok = true
		if err := yaml.Unmarshal(nsBytes, &namespaces); err != nil {
			return fmt.Errorf("decode namespaces: %w", err)
		}
		if err := yaml.Unmarshal(localBytes, &locals); err != nil {
			return fmt.Errorf("decode local names: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return codec.NewNameTable(), false, nil
	}
	return codec.LoadNameTable(namespaces, locals), true, nil
}

// MemAdapter is a mutex-guarded in-memory Adapter for tests.
type MemAdapter struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemAdapter builds an empty MemAdapter.
func NewMemAdapter() *MemAdapter {
	return &MemAdapter{data: make(map[string][]byte)}
}

// Load implements Adapter.
func (a *MemAdapter) Load(id item.ID) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.data[id.String()]
	if !ok {
		return nil, xerr.New(xerr.NoSuchItemState, id.String())
	}
	return append([]byte(nil), v...), nil
}

// Exists implements Adapter.
func (a *MemAdapter) Exists(id item.ID) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.data[id.String()]
	return ok, nil
}

// CreateNew implements Adapter.
func (a *MemAdapter) CreateNew(id item.ID) error {
	return nil
}

// Store implements Adapter.
func (a *MemAdapter) Store(log ChangeLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range log.Added {
		a.data[r.ID.String()] = r.Bytes
	}
	for _, r := range log.Modified {
		a.data[r.ID.String()] = r.Bytes
	}
	for _, id := range log.Deleted {
		delete(a.data, id.String())
	}
	return nil
}

// Destroy implements Adapter.
func (a *MemAdapter) Destroy(id item.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, id.String())
	return nil
}

var bucketBlobs = []byte("blobs")

// BoltBlobStore implements codec.BlobStore over a bbolt bucket.
type BoltBlobStore struct {
	db  *bolt.DB
	seq uint64
	mu  sync.Mutex
}

// OpenBoltBlobStore opens (creating if absent) a bbolt database at path
// dedicated to externalized BINARY values.
func OpenBoltBlobStore(path string) (*BoltBlobStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.ItemStateIO, "failed to open blob database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerr.Wrap(xerr.ItemStateIO, "failed to create blob bucket", err)
	}
	return &BoltBlobStore{db: db}, nil
}

// Close releases the underlying bbolt database.
func (s *BoltBlobStore) Close() error {
	return s.db.Close()
}

// CreateID implements codec.BlobStore.
func (s *BoltBlobStore) CreateID(propID item.ID, valueIndex int) (string, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%s-%d-%d", propID.String(), valueIndex, s.seq)
	s.mu.Unlock()
	return id, nil
}

// Put implements codec.BlobStore.
func (s *BoltBlobStore) Put(blobID string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(blobID), data)
	})
}

// Get implements codec.BlobStore.
func (s *BoltBlobStore) Get(blobID string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(blobID))
		if v == nil {
			return xerr.New(xerr.NoSuchItemState, blobID)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Remove implements codec.BlobStore.
func (s *BoltBlobStore) Remove(blobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(blobID))
	})
}

var _ codec.BlobStore = (*BoltBlobStore)(nil)
