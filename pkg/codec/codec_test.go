package codec

import (
	"bytes"
	"io"
	"testing"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/google/uuid"
)

type memBlobStore struct {
	blobs map[string][]byte
	seq   int
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (m *memBlobStore) CreateID(propID item.ID, valueIndex int) (string, error) {
	m.seq++
	return propID.String() + "#blob", nil
}

func (m *memBlobStore) Put(blobID string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.blobs[blobID] = data
	return nil
}

func (m *memBlobStore) Get(blobID string) (io.ReadCloser, error) {
	data, ok := m.blobs[blobID]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobStore) Remove(blobID string) error {
	delete(m.blobs, blobID)
	return nil
}

func sampleBundle() *Bundle {
	return &Bundle{
		PrimaryType: item.QName{NamespaceURI: "http://example.com/nt", LocalName: "file"},
		MixinTypes:  []item.QName{{LocalName: "mix:referenceable"}},
		HasParent:   true,
		Parent:      uuid.New(),
		DefinitionID: "def-1",
		Referenceable: true,
		Properties: []PropertyBundle{
			{
				Name:         item.QName{LocalName: "title"},
				Type:         item.TypeString,
				DefinitionID: "pdef-1",
				Values:       []item.Value{{Type: item.TypeString, String: "hello world"}},
			},
			{
				Name:         item.QName{LocalName: "count"},
				Type:         item.TypeLong,
				DefinitionID: "pdef-2",
				Values:       []item.Value{{Type: item.TypeLong, Long: 42}},
			},
		},
		ChildNodes: []item.ChildNodeEntry{
			{Name: item.QName{LocalName: "child"}, UUID: uuid.New()},
		},
		ModCount: 3,
	}
}

func TestRoundTripNoBlobs(t *testing.T) {
	names := NewNameTable()
	c := New(names, nil, 256, false)

	nodeID := item.NewNodeID(uuid.New())
	b := sampleBundle()

	var buf bytes.Buffer
	if err := c.Encode(&buf, nodeID, b); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := c.Decode(&buf, nodeID)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.PrimaryType != b.PrimaryType {
		t.Fatalf("primary type mismatch: got %v want %v", got.PrimaryType, b.PrimaryType)
	}
	if got.Parent != b.Parent || got.HasParent != b.HasParent {
		t.Fatalf("parent mismatch: got %v/%v want %v/%v", got.Parent, got.HasParent, b.Parent, b.HasParent)
	}
	if len(got.Properties) != len(b.Properties) {
		t.Fatalf("got %d properties, want %d", len(got.Properties), len(b.Properties))
	}
	if got.Properties[0].Values[0].String != "hello world" {
		t.Fatalf("got string value %q", got.Properties[0].Values[0].String)
	}
	if got.Properties[1].Values[0].Long != 42 {
		t.Fatalf("got long value %d", got.Properties[1].Values[0].Long)
	}
	if got.ModCount != b.ModCount {
		t.Fatalf("got modcount %d, want %d", got.ModCount, b.ModCount)
	}
	if len(got.ChildNodes) != 1 || got.ChildNodes[0].Index != 1 {
		t.Fatalf("child node reindexing failed: %+v", got.ChildNodes)
	}
}

func TestBinaryExternalizedAboveThreshold(t *testing.T) {
	names := NewNameTable()
	blobs := newMemBlobStore()
	c := New(names, blobs, 8, false)

	nodeID := item.NewNodeID(uuid.New())
	b := &Bundle{
		PrimaryType: item.QName{LocalName: "nt:file"},
		Properties: []PropertyBundle{
			{
				Name: item.QName{LocalName: "jcr:data"},
				Type: item.TypeBinary,
				Values: []item.Value{
					{Type: item.TypeBinary, Binary: item.BinaryValue{Inline: bytes.Repeat([]byte{'x'}, 64)}},
				},
			},
		},
	}

	var buf bytes.Buffer
	if err := c.Encode(&buf, nodeID, b); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(blobs.blobs) != 1 {
		t.Fatalf("expected 1 externalized blob, got %d", len(blobs.blobs))
	}

	got, err := c.Decode(&buf, nodeID)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(got.Properties[0].Values[0].Binary.Inline) != string(bytes.Repeat([]byte{'x'}, 64)) {
		t.Fatal("externalized binary value did not round-trip")
	}
}

func TestMissingBlobIgnoredPolicy(t *testing.T) {
	names := NewNameTable()
	blobs := newMemBlobStore()
	c := New(names, blobs, 4, true)

	nodeID := item.NewNodeID(uuid.New())
	b := &Bundle{
		PrimaryType: item.QName{LocalName: "nt:file"},
		Properties: []PropertyBundle{
			{
				Name: item.QName{LocalName: "jcr:data"},
				Type: item.TypeBinary,
				Values: []item.Value{
					{Type: item.TypeBinary, Binary: item.BinaryValue{Inline: bytes.Repeat([]byte{'y'}, 32)}},
				},
			},
		},
	}

	var buf bytes.Buffer
	if err := c.Encode(&buf, nodeID, b); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for k := range blobs.blobs {
		delete(blobs.blobs, k)
	}

	got, err := c.Decode(&buf, nodeID)
	if err != nil {
		t.Fatalf("Decode should substitute empty value, not fail: %v", err)
	}
	if len(got.Properties[0].Values[0].Binary.Inline) != 0 {
		t.Fatal("expected empty inline value for missing blob")
	}
}

func TestFormatVersionTooNewRejected(t *testing.T) {
	names := NewNameTable()
	c := New(names, nil, 256, false)

	nodeID := item.NewNodeID(uuid.New())
	var buf bytes.Buffer
	if err := c.Encode(&buf, nodeID, sampleBundle()); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	raw := buf.Bytes()
	raw[0] = 0x02 // bump format version byte beyond FormatVersion

	_, err := c.Decode(bytes.NewReader(raw), nodeID)
	if err == nil {
		t.Fatal("expected Decode to reject a bundle with a newer format version")
	}
}
