package persist

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/cuemby/contentstore/pkg/codec"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
)

func TestMemAdapterStoreAndLoad(t *testing.T) {
	a := NewMemAdapter()
	id := item.NewNodeID(uuid.New())

	if err := a.Store(ChangeLog{Added: []Record{{ID: id, Bytes: []byte("bundle-bytes")}}}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	ok, err := a.Exists(id)
	if err != nil || !ok {
		t.Fatalf("expected Exists to report true, got %v, %v", ok, err)
	}

	got, err := a.Load(id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "bundle-bytes" {
		t.Fatalf("got %q, want %q", got, "bundle-bytes")
	}
}

func TestMemAdapterLoadUnknownReturnsNoSuchItemState(t *testing.T) {
	a := NewMemAdapter()
	_, err := a.Load(item.NewNodeID(uuid.New()))
	if !xerr.Is(err, xerr.NoSuchItemState) {
		t.Fatalf("expected NoSuchItemState, got %v", err)
	}
}

func TestMemAdapterStoreDeletesRemoveEntry(t *testing.T) {
	a := NewMemAdapter()
	id := item.NewNodeID(uuid.New())
	_ = a.Store(ChangeLog{Added: []Record{{ID: id, Bytes: []byte("x")}}})

	if err := a.Store(ChangeLog{Deleted: []item.ID{id}}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	ok, _ := a.Exists(id)
	if ok {
		t.Fatal("expected deleted item to no longer exist")
	}
}

func TestBoltAdapterForEachNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.db")
	a, err := OpenBoltAdapter(path)
	if err != nil {
		t.Fatalf("OpenBoltAdapter: %v", err)
	}
	defer a.Close()

	idA := item.NewNodeID(uuid.New())
	idB := item.NewNodeID(uuid.New())
	if err := a.Store(ChangeLog{Added: []Record{
		{ID: idA, Bytes: []byte("a")},
		{ID: idB, Bytes: []byte("b")},
	}}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	seen := map[uuid.UUID][]byte{}
	if err := a.ForEachNode(func(id uuid.UUID, bytes []byte) error {
		seen[id] = append([]byte(nil), bytes...)
		return nil
	}); err != nil {
		t.Fatalf("ForEachNode: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(seen))
	}
	if string(seen[idA.UUID()]) != "a" || string(seen[idB.UUID()]) != "b" {
		t.Fatalf("unexpected bundle bytes: %v", seen)
	}
}

func TestBoltAdapterLoadNameTableEmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	a, err := OpenBoltAdapter(path)
	if err != nil {
		t.Fatalf("OpenBoltAdapter: %v", err)
	}
	defer a.Close()

	nt, ok, err := a.LoadNameTable()
	if err != nil {
		t.Fatalf("LoadNameTable: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a database with no saved name table")
	}
	if len(nt.Namespaces()) != 0 || len(nt.LocalNames()) != 0 {
		t.Fatal("expected an empty table")
	}
}

func TestBoltAdapterSaveAndLoadNameTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.db")
	a, err := OpenBoltAdapter(path)
	if err != nil {
		t.Fatalf("OpenBoltAdapter: %v", err)
	}
	defer a.Close()

	nt := codec.NewNameTable()
	c := codec.New(nt, nil, 4096, false)
	b := &codec.Bundle{
		PrimaryType: item.QName{NamespaceURI: "http://example.com/ns", LocalName: "nt:unstructured"},
		Properties: []codec.PropertyBundle{
			{Name: item.QName{LocalName: "jcr:data"}, Type: item.TypeString, Values: []item.Value{{Type: item.TypeString, String: "hi"}}},
		},
	}
	buf := bytes.NewBuffer(nil)
	propID := item.NewNodeID(uuid.New())
	if err := c.Encode(buf, propID, b); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if err := a.SaveNameTable(nt); err != nil {
		t.Fatalf("SaveNameTable: %v", err)
	}

	loaded, ok, err := a.LoadNameTable()
	if err != nil {
		t.Fatalf("LoadNameTable: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after a save")
	}
	if len(loaded.Namespaces()) != len(nt.Namespaces()) || len(loaded.LocalNames()) != len(nt.LocalNames()) {
		t.Fatalf("loaded table shape mismatch: got ns=%v local=%v, want ns=%v local=%v",
			loaded.Namespaces(), loaded.LocalNames(), nt.Namespaces(), nt.LocalNames())
	}
	for i, uri := range nt.Namespaces() {
		if loaded.Namespaces()[i] != uri {
			t.Fatalf("namespace %d: got %q, want %q", i, loaded.Namespaces()[i], uri)
		}
	}
	for i, name := range nt.LocalNames() {
		if loaded.LocalNames()[i] != name {
			t.Fatalf("local name %d: got %q, want %q", i, loaded.LocalNames()[i], name)
		}
	}
}

func TestMemBlobStoreRoundTrip(t *testing.T) {
	s := NewMemBlobStore()
	propID := item.NewPropertyID(uuid.New(), item.QName{LocalName: "jcr:data"})

	blobID, err := s.CreateID(propID, 0)
	if err != nil {
		t.Fatalf("CreateID failed: %v", err)
	}
	if err := s.Put(blobID, bytes.NewReader([]byte("payload")), 7); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, err := s.Get(blobID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()

	buf := make([]byte, 7)
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("got %q, want %q", buf, "payload")
	}

	if err := s.Remove(blobID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := s.Get(blobID); !xerr.Is(err, xerr.NoSuchItemState) {
		t.Fatalf("expected NoSuchItemState after Remove, got %v", err)
	}
}
