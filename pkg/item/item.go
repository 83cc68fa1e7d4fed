// Package item defines the identity and state types shared across the
// storage core: item identifiers, qualified names, node states, and
// property states.
package item

import (
	"fmt"

	"github.com/google/uuid"
)

// QName is a qualified name: a namespace URI paired with a local name,
// compared by value.
type QName struct {
	NamespaceURI string
	LocalName    string
}

func (q QName) String() string {
	if q.NamespaceURI == "" {
		return q.LocalName
	}
	return fmt.Sprintf("{%s}%s", q.NamespaceURI, q.LocalName)
}

// IsZero reports whether q is the zero QName.
func (q QName) IsZero() bool {
	return q.NamespaceURI == "" && q.LocalName == ""
}

// Kind distinguishes the two shapes an ID can take.
type Kind int

const (
	// NodeKind identifies a node, addressed solely by uuid.
	NodeKind Kind = iota
	// PropertyKind identifies a property, addressed by its owning
	// node's uuid plus a qualified name.
	PropertyKind
)

// ID is the tagged union Node(uuid) | Property(parent-uuid, qname).
type ID struct {
	kind   Kind
	uuid   uuid.UUID
	parent uuid.UUID
	name   QName
}

// NewNodeID builds a node identifier from its uuid.
func NewNodeID(id uuid.UUID) ID {
	return ID{kind: NodeKind, uuid: id}
}

// NewPropertyID builds a property identifier from its owning node's uuid
// and the property's qualified name.
func NewPropertyID(parent uuid.UUID, name QName) ID {
	return ID{kind: PropertyKind, parent: parent, name: name}
}

// Kind reports whether this id addresses a node or a property.
func (i ID) Kind() Kind { return i.kind }

// UUID returns the node uuid. Valid only when Kind() == NodeKind.
func (i ID) UUID() uuid.UUID { return i.uuid }

// Parent returns the owning node's uuid. Valid only when
// Kind() == PropertyKind.
func (i ID) Parent() uuid.UUID { return i.parent }

// Name returns the property's qualified name. Valid only when
// Kind() == PropertyKind.
func (i ID) Name() QName { return i.name }

// IsNode reports whether this id addresses a node.
func (i ID) IsNode() bool { return i.kind == NodeKind }

// String renders a stable, human-readable form of the id, used for
// logging and as a map/cache key surrogate alongside equality.
func (i ID) String() string {
	if i.kind == NodeKind {
		return i.uuid.String()
	}
	return fmt.Sprintf("%s/%s", i.parent, i.name)
}

// Equal reports whether i and o address the same item.
func (i ID) Equal(o ID) bool {
	if i.kind != o.kind {
		return false
	}
	if i.kind == NodeKind {
		return i.uuid == o.uuid
	}
	return i.parent == o.parent && i.name == o.name
}

// Status enumerates the node/property lifecycle states.
type Status int

const (
	StatusNew Status = iota
	StatusExisting
	StatusExistingModified
	StatusExistingRemoved
	StatusStaleModified
	StatusStaleDestroyed
	StatusUndefined
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusExisting:
		return "existing"
	case StatusExistingModified:
		return "existing-modified"
	case StatusExistingRemoved:
		return "existing-removed"
	case StatusStaleModified:
		return "stale-modified"
	case StatusStaleDestroyed:
		return "stale-destroyed"
	default:
		return "undefined"
	}
}

// ChildNodeEntry records one child of a node: its name, uuid, and its
// 1-based index among same-named siblings.
type ChildNodeEntry struct {
	Name  QName
	UUID  uuid.UUID
	Index int
}

// NodeState is the in-memory representation of a node, whether a shared
// canonical instance or a session-local overlay of one.
type NodeState struct {
	ID             ID
	PrimaryType    QName
	MixinTypes     []QName
	Parent         uuid.UUID
	HasParent      bool
	DefinitionID   string
	ChildNodes     []ChildNodeEntry
	PropertyNames  []QName
	Status         Status
	ModCount       uint16
}

// Clone returns a deep copy of n, suitable for handing out as a new
// overlay without aliasing the shared instance's slices.
func (n *NodeState) Clone() *NodeState {
	c := *n
	c.MixinTypes = append([]QName(nil), n.MixinTypes...)
	c.ChildNodes = append([]ChildNodeEntry(nil), n.ChildNodes...)
	c.PropertyNames = append([]QName(nil), n.PropertyNames...)
	return &c
}

// AddChild inserts a child entry, assigning it the next contiguous
// same-name-sibling index.
func (n *NodeState) AddChild(name QName, childUUID uuid.UUID) {
	next := 1
	for _, c := range n.ChildNodes {
		if c.Name == name && c.Index >= next {
			next = c.Index + 1
		}
	}
	n.ChildNodes = append(n.ChildNodes, ChildNodeEntry{Name: name, UUID: childUUID, Index: next})
}

// RemoveChild removes the child entry matching (name, childUUID) and
// renumbers the remaining same-named siblings to stay contiguous from 1.
func (n *NodeState) RemoveChild(name QName, childUUID uuid.UUID) bool {
	idx := -1
	for i, c := range n.ChildNodes {
		if c.Name == name && c.UUID == childUUID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	n.ChildNodes = append(n.ChildNodes[:idx], n.ChildNodes[idx+1:]...)

	next := 1
	for i := range n.ChildNodes {
		if n.ChildNodes[i].Name == name {
			n.ChildNodes[i].Index = next
			next++
		}
	}
	return true
}

// HasProperty reports whether name is present in the property-entry set.
func (n *NodeState) HasProperty(name QName) bool {
	for _, p := range n.PropertyNames {
		if p == name {
			return true
		}
	}
	return false
}

// AddPropertyName records name in the property-entry set if not already
// present.
func (n *NodeState) AddPropertyName(name QName) {
	if n.HasProperty(name) {
		return
	}
	n.PropertyNames = append(n.PropertyNames, name)
}

// RemovePropertyName drops name from the property-entry set.
func (n *NodeState) RemovePropertyName(name QName) {
	for i, p := range n.PropertyNames {
		if p == name {
			n.PropertyNames = append(n.PropertyNames[:i], n.PropertyNames[i+1:]...)
			return
		}
	}
}

// ValueType enumerates the JCR-style property value types.
type ValueType int

const (
	TypeString ValueType = iota
	TypeLong
	TypeDouble
	TypeBoolean
	TypeDate
	TypeName
	TypePath
	TypeReference
	TypeBinary
	TypeUndefined
)

// BinaryValue holds a BINARY value in one of three representations:
// an inline byte slice, an external blob store id, or a handle into a
// separate data store.
type BinaryValue struct {
	Inline     []byte
	BlobID     string
	DataStoreID string
}

// IsInline reports whether this value is held inline, that is, whether
// neither a blob-store id nor a data-store id is set.
func (b BinaryValue) IsInline() bool {
	return b.BlobID == "" && b.DataStoreID == ""
}

// Value is a single property value, tagged by Type.
type Value struct {
	Type      ValueType
	String    string
	Long      int64
	Double    float64
	Boolean   bool
	Name      QName
	Reference uuid.UUID
	Binary    BinaryValue
}

// PropertyState is the in-memory representation of a property.
type PropertyState struct {
	ID           ID
	RequiredType ValueType
	Multiple     bool
	DefinitionID string
	Values       []Value
	Status       Status
	ModCount     uint16
}

// Clone returns a deep copy of p.
func (p *PropertyState) Clone() *PropertyState {
	c := *p
	c.Values = append([]Value(nil), p.Values...)
	return &c
}

// References is the set of property ids whose value includes a given
// referenceable target node.
type References struct {
	Target    uuid.UUID
	Referrers map[string]ID
}

// NewReferences builds an empty references record for target.
func NewReferences(target uuid.UUID) *References {
	return &References{Target: target, Referrers: make(map[string]ID)}
}

// Add records propID as a referrer of this target.
func (r *References) Add(propID ID) {
	r.Referrers[propID.String()] = propID
}

// Remove drops propID from the referrer set.
func (r *References) Remove(propID ID) {
	delete(r.Referrers, propID.String())
}

// IsEmpty reports whether no property currently references this target.
func (r *References) IsEmpty() bool {
	return len(r.Referrers) == 0
}
