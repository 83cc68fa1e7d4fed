// Package codec encodes and decodes node bundles to and from the binary
// on-disk format: a positional, big-endian stream with interned names and
// inline-vs-external blob handling.
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/log"
	"github.com/cuemby/contentstore/pkg/metrics"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
)

// FormatVersion is the current bundle format: the modcount trailer is
// present. Version 0 bundles (no trailer) are still accepted on read.
const FormatVersion = 1

const nullUUIDMarker = 0xff

// BlobStore is the external store for BINARY values above the inline
// threshold. createId/put/get/remove per the bundle format's blob
// contract. There is no resource-based variant: Get returns a stream
// that the decoder reads fully into memory.
type BlobStore interface {
	CreateID(propID item.ID, valueIndex int) (string, error)
	Put(blobID string, r io.Reader, size int64) error
	Get(blobID string) (io.ReadCloser, error)
	Remove(blobID string) error
}

// NameTable interns namespace URIs and local names into monotonically
// increasing indices, shared symmetrically between encode and decode.
type NameTable struct {
	nsByIndex    []string
	nsIndex      map[string]uint32
	localByIndex []string
	localIndex   map[string]uint32
}

// NewNameTable builds an empty interning table.
func NewNameTable() *NameTable {
	return &NameTable{
		nsIndex:    make(map[string]uint32),
		localIndex: make(map[string]uint32),
	}
}

// LoadNameTable rebuilds a table from a prior snapshot (see Namespaces,
// LocalNames), restoring the exact index assignments a persisted copy
// was saved under. The two slices must be the ones returned together by
// a single snapshot; mixing snapshots from different tables reproduces
// the same index collisions a restarted process sharing on-disk state
// would hit.
func LoadNameTable(namespaces, locals []string) *NameTable {
	t := NewNameTable()
	for _, uri := range namespaces {
		t.internNS(uri)
	}
	for _, name := range locals {
		t.internLocal(name)
	}
	return t
}

// Namespaces returns the interned namespace URIs in index order.
func (t *NameTable) Namespaces() []string {
	return append([]string(nil), t.nsByIndex...)
}

// LocalNames returns the interned local names in index order.
func (t *NameTable) LocalNames() []string {
	return append([]string(nil), t.localByIndex...)
}

func (t *NameTable) internNS(uri string) uint32 {
	if idx, ok := t.nsIndex[uri]; ok {
		return idx
	}
	idx := uint32(len(t.nsByIndex))
	t.nsByIndex = append(t.nsByIndex, uri)
	t.nsIndex[uri] = idx
	return idx
}

func (t *NameTable) internLocal(name string) uint32 {
	if idx, ok := t.localIndex[name]; ok {
		return idx
	}
	idx := uint32(len(t.localByIndex))
	t.localByIndex = append(t.localByIndex, name)
	t.localIndex[name] = idx
	return idx
}

func (t *NameTable) nsAt(idx uint32) (string, error) {
	if int(idx) >= len(t.nsByIndex) {
		return "", fmt.Errorf("namespace index %d out of range", idx)
	}
	return t.nsByIndex[idx], nil
}

func (t *NameTable) localAt(idx uint32) (string, error) {
	if int(idx) >= len(t.localByIndex) {
		return "", fmt.Errorf("local name index %d out of range", idx)
	}
	return t.localByIndex[idx], nil
}

func (t *NameTable) internQName(q item.QName) (ns, local uint32) {
	return t.internNS(q.NamespaceURI), t.internLocal(q.LocalName)
}

func (t *NameTable) resolveQName(ns, local uint32) (item.QName, error) {
	uri, err := t.nsAt(ns)
	if err != nil {
		return item.QName{}, err
	}
	name, err := t.localAt(local)
	if err != nil {
		return item.QName{}, err
	}
	return item.QName{NamespaceURI: uri, LocalName: name}, nil
}

// Bundle is the decoded representation of a node plus its properties,
// ready to be materialized into an item.NodeState/item.PropertyState pair.
type Bundle struct {
	PrimaryType   item.QName
	Parent        uuid.UUID
	HasParent     bool
	DefinitionID  string
	MixinTypes    []item.QName
	Properties    []PropertyBundle
	Referenceable bool
	ChildNodes    []item.ChildNodeEntry
	ModCount      uint16
}

// PropertyBundle is one property entry within a bundle.
type PropertyBundle struct {
	Name         item.QName
	Type         item.ValueType
	Multiple     bool
	DefinitionID string
	ModCount     uint16
	Values       []item.Value
}

// Codec encodes/decodes bundles against a shared NameTable and an
// optional blob store for externalized BINARY values.
type Codec struct {
	Names       *NameTable
	Blobs       BlobStore
	MinBlobSize int
	IgnoreMissingBlobs bool
}

// New builds a Codec. minBlobSize is the inline-vs-external threshold in
// bytes for BINARY values; blobs may be nil if no bundle in this codec's
// scope ever carries a BINARY value.
func New(names *NameTable, blobs BlobStore, minBlobSize int, ignoreMissingBlobs bool) *Codec {
	return &Codec{Names: names, Blobs: blobs, MinBlobSize: minBlobSize, IgnoreMissingBlobs: ignoreMissingBlobs}
}

// Encode writes b to w in the current format version.
func (c *Codec) Encode(w io.Writer, propID item.ID, b *Bundle) error {
	bw := bufio.NewWriter(w)

	nsIdx, localIdx := c.Names.internQName(b.PrimaryType)
	header := (uint32(FormatVersion) << 24) | (nsIdx & 0x00ffffff)
	if err := binary.Write(bw, binary.BigEndian, header); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, localIdx); err != nil {
		return err
	}

	if err := writeID(bw, b.Parent, b.HasParent); err != nil {
		return err
	}
	if err := writeUTF(bw, b.DefinitionID); err != nil {
		return err
	}

	for _, m := range b.MixinTypes {
		ns, local := c.Names.internQName(m)
		if err := binary.Write(bw, binary.BigEndian, ns); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, local); err != nil {
			return err
		}
	}
	if err := writeNullNameSentinel(bw); err != nil {
		return err
	}

	for i, p := range b.Properties {
		propItemID := item.NewPropertyID(propID.UUID(), p.Name)
		if err := c.writePropertyEntry(bw, propItemID, i, &p); err != nil {
			return err
		}
	}
	if err := writeNullNameSentinel(bw); err != nil {
		return err
	}

	if err := binary.Write(bw, binary.BigEndian, boolByte(b.Referenceable)); err != nil {
		return err
	}

	for _, cn := range b.ChildNodes {
		idBytes, _ := cn.UUID.MarshalBinary()
		if _, err := bw.Write(idBytes); err != nil {
			return err
		}
		ns, local := c.Names.internQName(cn.Name)
		if err := binary.Write(bw, binary.BigEndian, ns); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, local); err != nil {
			return err
		}
	}
	if err := writeNullIDSentinel(bw); err != nil {
		return err
	}

	if FormatVersion >= 1 {
		if err := binary.Write(bw, binary.BigEndian, b.ModCount); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	metrics.BundlesEncodedTotal.Inc()
	return nil
}

func (c *Codec) writePropertyEntry(w *bufio.Writer, propID item.ID, valueIndex int, p *PropertyBundle) error {
	ns, local := c.Names.internQName(p.Name)
	if err := binary.Write(w, binary.BigEndian, ns); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, local); err != nil {
		return err
	}

	header := (uint32(p.ModCount) << 16) | uint32(typeCode(p.Type))
	if err := binary.Write(w, binary.BigEndian, header); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, boolByte(p.Multiple)); err != nil {
		return err
	}
	if err := writeUTF(w, p.DefinitionID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(p.Values))); err != nil {
		return err
	}

	for i, v := range p.Values {
		if err := c.writeValue(w, propID, valueIndex*1000+i, p.Type, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) writeValue(w *bufio.Writer, propID item.ID, valueIndex int, t item.ValueType, v item.Value) error {
	switch t {
	case item.TypeBinary:
		return c.writeBinary(w, propID, valueIndex, v.Binary)
	case item.TypeDouble:
		return binary.Write(w, binary.BigEndian, v.Double)
	case item.TypeLong:
		return binary.Write(w, binary.BigEndian, v.Long)
	case item.TypeBoolean:
		return binary.Write(w, binary.BigEndian, boolByte(v.Boolean))
	case item.TypeName:
		ns, local := c.Names.internQName(v.Name)
		if err := binary.Write(w, binary.BigEndian, ns); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, local)
	case item.TypeReference:
		idBytes, _ := v.Reference.MarshalBinary()
		_, err := w.Write(idBytes)
		return err
	default: // STRING, PATH, DATE
		return writeLenPrefixedString(w, v.String)
	}
}

func (c *Codec) writeBinary(w *bufio.Writer, propID item.ID, valueIndex int, b item.BinaryValue) error {
	if b.DataStoreID != "" {
		if err := binary.Write(w, binary.BigEndian, int32(-2)); err != nil {
			return err
		}
		return writeUTF(w, b.DataStoreID)
	}

	if len(b.Inline) >= c.MinBlobSize && c.Blobs != nil {
		blobID := b.BlobID
		if blobID == "" {
			id, err := c.Blobs.CreateID(propID, valueIndex)
			if err != nil {
				return err
			}
			if err := c.Blobs.Put(id, bytes.NewReader(b.Inline), int64(len(b.Inline))); err != nil {
				return err
			}
			blobID = id
		}
		metrics.BlobsExternalizedTotal.Inc()
		if err := binary.Write(w, binary.BigEndian, int32(-1)); err != nil {
			return err
		}
		return writeUTF(w, blobID)
	}

	if err := binary.Write(w, binary.BigEndian, int32(len(b.Inline))); err != nil {
		return err
	}
	_, err := w.Write(b.Inline)
	return err
}

// Decode reads a bundle from r.
func (c *Codec) Decode(r io.Reader, propID item.ID) (*Bundle, error) {
	br := bufio.NewReader(r)
	b := &Bundle{}

	var header uint32
	if err := binary.Read(br, binary.BigEndian, &header); err != nil {
		return nil, err
	}
	version := header >> 24
	if version > FormatVersion {
		return nil, fmt.Errorf("bundle format version %d exceeds supported %d", version, FormatVersion)
	}
	nsIdx := header & 0x00ffffff

	var localIdx uint32
	if err := binary.Read(br, binary.BigEndian, &localIdx); err != nil {
		return nil, err
	}
	primaryType, err := c.Names.resolveQName(nsIdx, localIdx)
	if err != nil {
		return nil, err
	}
	b.PrimaryType = primaryType

	parent, hasParent, err := readID(br)
	if err != nil {
		return nil, err
	}
	b.Parent, b.HasParent = parent, hasParent

	defID, err := readUTF(br)
	if err != nil {
		return nil, err
	}
	b.DefinitionID = defID

	for {
		ns, local, isNull, err := readNameOrSentinel(br)
		if err != nil {
			return nil, err
		}
		if isNull {
			break
		}
		q, err := c.Names.resolveQName(ns, local)
		if err != nil {
			return nil, err
		}
		b.MixinTypes = append(b.MixinTypes, q)
	}

	for {
		ns, local, isNull, err := readNameOrSentinel(br)
		if err != nil {
			return nil, err
		}
		if isNull {
			break
		}
		q, err := c.Names.resolveQName(ns, local)
		if err != nil {
			return nil, err
		}
		pb, err := c.readPropertyEntry(br, item.NewPropertyID(propID.UUID(), q), len(b.Properties), q)
		if err != nil {
			return nil, err
		}
		b.Properties = append(b.Properties, *pb)
	}

	var refByte [1]byte
	if _, err := io.ReadFull(br, refByte[:]); err != nil {
		return nil, err
	}
	b.Referenceable = refByte[0] != 0

	for {
		childUUID, isNull, err := readChildIDOrSentinel(br)
		if err != nil {
			return nil, err
		}
		if isNull {
			break
		}
		var ns, local uint32
		if err := binary.Read(br, binary.BigEndian, &ns); err != nil {
			return nil, err
		}
		if err := binary.Read(br, binary.BigEndian, &local); err != nil {
			return nil, err
		}
		q, err := c.Names.resolveQName(ns, local)
		if err != nil {
			return nil, err
		}
		b.ChildNodes = append(b.ChildNodes, item.ChildNodeEntry{Name: q, UUID: childUUID})
	}
	reindexSiblings(b.ChildNodes)

	if version >= 1 {
		if err := binary.Read(br, binary.BigEndian, &b.ModCount); err != nil && err != io.EOF {
			return nil, err
		}
	}

	metrics.BundlesDecodedTotal.Inc()
	return b, nil
}

func reindexSiblings(entries []item.ChildNodeEntry) {
	counts := make(map[item.QName]int)
	for i := range entries {
		counts[entries[i].Name]++
		entries[i].Index = counts[entries[i].Name]
	}
}

// readPropertyEntry reads the property block that follows a name already
// consumed by the caller's sentinel check (readNameOrSentinel).
func (c *Codec) readPropertyEntry(br *bufio.Reader, propID item.ID, valueIndex int, name item.QName) (*PropertyBundle, error) {
	var header uint32
	if err := binary.Read(br, binary.BigEndian, &header); err != nil {
		return nil, err
	}
	modCount := uint16(header >> 16)
	t := valueTypeFromCode(uint16(header & 0xffff))

	var multiByte [1]byte
	if _, err := io.ReadFull(br, multiByte[:]); err != nil {
		return nil, err
	}

	defID, err := readUTF(br)
	if err != nil {
		return nil, err
	}

	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	pb := &PropertyBundle{Name: name, Type: t, Multiple: multiByte[0] != 0, DefinitionID: defID, ModCount: modCount}
	for i := uint32(0); i < count; i++ {
		v, err := c.readValue(br, propID, valueIndex*1000+int(i), t)
		if err != nil {
			return nil, err
		}
		pb.Values = append(pb.Values, v)
	}
	return pb, nil
}

func (c *Codec) readValue(br *bufio.Reader, propID item.ID, valueIndex int, t item.ValueType) (item.Value, error) {
	switch t {
	case item.TypeBinary:
		return c.readBinary(br)
	case item.TypeDouble:
		var f float64
		err := binary.Read(br, binary.BigEndian, &f)
		return item.Value{Type: t, Double: f}, err
	case item.TypeLong:
		var l int64
		err := binary.Read(br, binary.BigEndian, &l)
		return item.Value{Type: t, Long: l}, err
	case item.TypeBoolean:
		var bb [1]byte
		if _, err := io.ReadFull(br, bb[:]); err != nil {
			return item.Value{}, err
		}
		return item.Value{Type: t, Boolean: bb[0] != 0}, nil
	case item.TypeName:
		var ns, local uint32
		if err := binary.Read(br, binary.BigEndian, &ns); err != nil {
			return item.Value{}, err
		}
		if err := binary.Read(br, binary.BigEndian, &local); err != nil {
			return item.Value{}, err
		}
		q, err := c.Names.resolveQName(ns, local)
		return item.Value{Type: t, Name: q}, err
	case item.TypeReference:
		var idBytes [16]byte
		if _, err := io.ReadFull(br, idBytes[:]); err != nil {
			return item.Value{}, err
		}
		ref, err := uuid.FromBytes(idBytes[:])
		return item.Value{Type: t, Reference: ref}, err
	default:
		s, err := readLenPrefixedString(br)
		return item.Value{Type: t, String: s}, err
	}
}

func (c *Codec) readBinary(br *bufio.Reader) (item.Value, error) {
	var size int32
	if err := binary.Read(br, binary.BigEndian, &size); err != nil {
		return item.Value{}, err
	}

	switch {
	case size == -2:
		dsID, err := readUTF(br)
		return item.Value{Type: item.TypeBinary, Binary: item.BinaryValue{DataStoreID: dsID}}, err
	case size == -1:
		blobID, err := readUTF(br)
		if err != nil {
			return item.Value{}, err
		}
		if c.Blobs == nil {
			return item.Value{Type: item.TypeBinary, Binary: item.BinaryValue{BlobID: blobID}}, nil
		}
		rc, err := c.Blobs.Get(blobID)
		if err != nil {
			if c.IgnoreMissingBlobs {
				metrics.MissingBlobsIgnoredTotal.Inc()
				logger := log.WithComponent("codec")
				logger.Warn().Str("blob_id", blobID).Err(err).Msg("missing blob ignored, substituting an empty value")
				return item.Value{Type: item.TypeBinary, Binary: item.BinaryValue{Inline: []byte{}}}, nil
			}
			return item.Value{}, xerr.Wrap(xerr.ItemStateIO, fmt.Sprintf("missing blob %s", blobID), err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return item.Value{}, err
		}
		return item.Value{Type: item.TypeBinary, Binary: item.BinaryValue{Inline: data, BlobID: blobID}}, nil
	default:
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return item.Value{}, err
		}
		return item.Value{Type: item.TypeBinary, Binary: item.BinaryValue{Inline: buf}}, nil
	}
}

func typeCode(t item.ValueType) uint16 {
	return uint16(t)
}

func valueTypeFromCode(code uint16) item.ValueType {
	return item.ValueType(code)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func writeID(w io.Writer, id uuid.UUID, has bool) error {
	if !has {
		var null [16]byte
		for i := range null {
			null[i] = nullUUIDMarker
		}
		_, err := w.Write(null[:])
		return err
	}
	b, _ := id.MarshalBinary()
	_, err := w.Write(b)
	return err
}

func readID(r io.Reader) (uuid.UUID, bool, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return uuid.Nil, false, err
	}
	if isNullMarker(buf) {
		return uuid.Nil, false, nil
	}
	id, err := uuid.FromBytes(buf[:])
	return id, true, err
}

func isNullMarker(buf [16]byte) bool {
	for _, b := range buf {
		if b != nullUUIDMarker {
			return false
		}
	}
	return true
}

func writeNullIDSentinel(w io.Writer) error {
	var null [16]byte
	for i := range null {
		null[i] = nullUUIDMarker
	}
	_, err := w.Write(null[:])
	return err
}

func readChildIDOrSentinel(r io.Reader) (uuid.UUID, bool, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return uuid.Nil, false, err
	}
	if isNullMarker(buf) {
		return uuid.Nil, true, nil
	}
	id, err := uuid.FromBytes(buf[:])
	return id, false, err
}

func writeNullNameSentinel(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, uint32(0xffffffff)); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, uint32(0xffffffff))
}

func readNameOrSentinel(r io.Reader) (ns, local uint32, isNull bool, err error) {
	if err = binary.Read(r, binary.BigEndian, &ns); err != nil {
		return
	}
	if err = binary.Read(r, binary.BigEndian, &local); err != nil {
		return
	}
	if ns == 0xffffffff && local == 0xffffffff {
		isNull = true
	}
	return
}

func writeUTF(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readUTF(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeLenPrefixedString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readLenPrefixedString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
