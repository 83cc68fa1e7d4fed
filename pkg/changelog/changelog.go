// Package changelog implements the per-session (or per-transaction)
// staging area for added/modified/deleted item states and modified
// reference sets: add/modified/delete/get/merge/push/persisted/undo.
package changelog

import (
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
)

// entry pairs an id with insertion order, since iteration order is an
// invariant callers depend on for event ordering and persistence order.
type entry struct {
	id    item.ID
	state *item.NodeState
	prop  *item.PropertyState
}

// Log is an ordered, id-keyed staging area for node and property state
// mutations plus modified references records.
type Log struct {
	addedOrder    []item.ID
	added         map[string]*entry
	modifiedOrder []item.ID
	modified      map[string]*entry
	deletedOrder  []item.ID
	deleted       map[string]*entry

	refsOrder []item.ID
	refs      map[string]*item.References
}

// New builds an empty change log.
func New() *Log {
	return &Log{
		added:    make(map[string]*entry),
		modified: make(map[string]*entry),
		deleted:  make(map[string]*entry),
		refs:     make(map[string]*item.References),
	}
}

func entryFromNode(s *item.NodeState) *entry { return &entry{id: s.ID, state: s} }
func entryFromProp(p *item.PropertyState) *entry { return &entry{id: p.ID, prop: p} }

// AddedNode stages a newly created node state.
func (l *Log) AddedNode(s *item.NodeState) { l.addEntry(entryFromNode(s)) }

// AddedProperty stages a newly created property state.
func (l *Log) AddedProperty(p *item.PropertyState) { l.addEntry(entryFromProp(p)) }

func (l *Log) addEntry(e *entry) {
	key := e.id.String()
	if _, ok := l.added[key]; !ok {
		l.addedOrder = append(l.addedOrder, e.id)
	}
	l.added[key] = e
}

// ModifiedNode stages a mutated node state. If the id is already staged
// as added, the added entry is updated in place (idempotent update)
// rather than creating a second modified entry.
func (l *Log) ModifiedNode(s *item.NodeState) { l.modifiedEntry(entryFromNode(s)) }

// ModifiedProperty stages a mutated property state.
func (l *Log) ModifiedProperty(p *item.PropertyState) { l.modifiedEntry(entryFromProp(p)) }

func (l *Log) modifiedEntry(e *entry) {
	key := e.id.String()
	if existing, ok := l.added[key]; ok {
		existing.state = e.state
		existing.prop = e.prop
		return
	}
	if _, ok := l.modified[key]; !ok {
		l.modifiedOrder = append(l.modifiedOrder, e.id)
	}
	l.modified[key] = e
}

// DeletedNode stages a removed node state. A new-then-deleted sequence
// within the same log collapses to nothing.
func (l *Log) DeletedNode(id item.ID) { l.deletedEntry(id) }

// DeletedProperty stages a removed property state.
func (l *Log) DeletedProperty(id item.ID) { l.deletedEntry(id) }

func (l *Log) deletedEntry(id item.ID) {
	key := id.String()
	if _, ok := l.added[key]; ok {
		delete(l.added, key)
		l.addedOrder = removeID(l.addedOrder, id)
		return
	}
	if _, ok := l.modified[key]; ok {
		delete(l.modified, key)
		l.modifiedOrder = removeID(l.modifiedOrder, id)
	}
	if _, ok := l.deleted[key]; !ok {
		l.deletedOrder = append(l.deletedOrder, id)
	}
	l.deleted[key] = &entry{id: id}
}

func removeID(ids []item.ID, target item.ID) []item.ID {
	for i, id := range ids {
		if id.Equal(target) {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// ModifiedReferences upserts a references record into the modified-refs
// container, keyed by its target id.
func (l *Log) ModifiedReferences(refs *item.References) {
	id := item.NewNodeID(refs.Target)
	key := id.String()
	if _, ok := l.refs[key]; !ok {
		l.refsOrder = append(l.refsOrder, id)
	}
	l.refs[key] = refs
}

// GetNode returns the staged node state for id: the added or modified
// overlay if present. It returns (nil, NoSuchItemState) if id is staged
// as deleted, and (nil, nil) if id is not staged at all.
func (l *Log) GetNode(id item.ID) (*item.NodeState, error) {
	key := id.String()
	if e, ok := l.added[key]; ok {
		return e.state, nil
	}
	if e, ok := l.modified[key]; ok {
		return e.state, nil
	}
	if _, ok := l.deleted[key]; ok {
		return nil, xerr.New(xerr.NoSuchItemState, id.String())
	}
	return nil, nil
}

// GetProperty is GetNode's property-state counterpart.
func (l *Log) GetProperty(id item.ID) (*item.PropertyState, error) {
	key := id.String()
	if e, ok := l.added[key]; ok {
		return e.prop, nil
	}
	if e, ok := l.modified[key]; ok {
		return e.prop, nil
	}
	if _, ok := l.deleted[key]; ok {
		return nil, xerr.New(xerr.NoSuchItemState, id.String())
	}
	return nil, nil
}

// GetReferences returns the staged references record for target, or nil
// if not staged.
func (l *Log) GetReferences(target item.ID) *item.References {
	return l.refs[target.String()]
}

// AddedEntries returns the added node states in insertion order.
func (l *Log) AddedEntries() []*item.NodeState { return l.nodesInOrder(l.addedOrder, l.added) }

// ModifiedEntries returns the modified node states in insertion order.
func (l *Log) ModifiedEntries() []*item.NodeState { return l.nodesInOrder(l.modifiedOrder, l.modified) }

// AddedProperties returns the added property states in insertion order.
func (l *Log) AddedProperties() []*item.PropertyState { return l.propsInOrder(l.addedOrder, l.added) }

// ModifiedProperties returns the modified property states in insertion
// order. A property staged via ModifiedProperty with item.StatusNew is
// still returned here rather than from AddedProperties: StoreProperty is
// the sole staging entry point for properties and does not distinguish
// creation from mutation, so callers that care (the update pipeline)
// branch on Status themselves.
func (l *Log) ModifiedProperties() []*item.PropertyState {
	return l.propsInOrder(l.modifiedOrder, l.modified)
}

// DeletedIDs returns the deleted ids in insertion order.
func (l *Log) DeletedIDs() []item.ID {
	return append([]item.ID(nil), l.deletedOrder...)
}

// ReferencesEntries returns the modified references records in insertion
// order.
func (l *Log) ReferencesEntries() []*item.References {
	out := make([]*item.References, 0, len(l.refsOrder))
	for _, id := range l.refsOrder {
		if r, ok := l.refs[id.String()]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (l *Log) nodesInOrder(order []item.ID, m map[string]*entry) []*item.NodeState {
	out := make([]*item.NodeState, 0, len(order))
	for _, id := range order {
		if e, ok := m[id.String()]; ok && e.state != nil {
			out = append(out, e.state)
		}
	}
	return out
}

func (l *Log) propsInOrder(order []item.ID, m map[string]*entry) []*item.PropertyState {
	out := make([]*item.PropertyState, 0, len(order))
	for _, id := range order {
		if e, ok := m[id.String()]; ok && e.prop != nil {
			out = append(out, e.prop)
		}
	}
	return out
}

// IsEmpty reports whether the log has no staged mutations at all.
func (l *Log) IsEmpty() bool {
	return len(l.addedOrder) == 0 && len(l.modifiedOrder) == 0 && len(l.deletedOrder) == 0 && len(l.refsOrder) == 0
}

// Merge folds other into l: for each id in other's deleted set, if
// present in l's added set the pair cancels (both removed); otherwise
// it is copied into l's deleted set. Then other's added/modified/refs
// are copied over l's (other wins on conflicting ids).
func (l *Log) Merge(other *Log) {
	for _, id := range other.deletedOrder {
		key := id.String()
		if _, ok := l.added[key]; ok {
			delete(l.added, key)
			l.addedOrder = removeID(l.addedOrder, id)
			continue
		}
		if _, ok := l.deleted[key]; !ok {
			l.deletedOrder = append(l.deletedOrder, id)
		}
		l.deleted[key] = other.deleted[key]
	}

	for _, id := range other.addedOrder {
		l.addEntry(other.added[id.String()])
	}
	for _, id := range other.modifiedOrder {
		l.modifiedEntry(other.modified[id.String()])
	}
	for _, id := range other.refsOrder {
		l.ModifiedReferences(other.refs[id.String()])
	}
}

// Push copies working values down from each staged overlay into its
// overlayed shared state, via apply, which the shared manager supplies
// (it alone knows how to reconnect an id to its canonical instance).
func (l *Log) Push(apply func(id item.ID, state *item.NodeState, prop *item.PropertyState)) {
	for _, id := range l.addedOrder {
		e := l.added[id.String()]
		apply(e.id, e.state, e.prop)
	}
	for _, id := range l.modifiedOrder {
		e := l.modified[id.String()]
		apply(e.id, e.state, e.prop)
	}
}

// Persisted updates statuses after a successful store: added and modified
// states become existing. The log keeps only ids for deleted entries, so
// it sets no existing-removed status on them: each deleted id is passed to
// notifyDestroyed and then discarded.
func (l *Log) Persisted(notifyDestroyed func(id item.ID)) {
	for _, s := range l.AddedEntries() {
		s.Status = item.StatusExisting
	}
	for _, s := range l.ModifiedEntries() {
		s.Status = item.StatusExisting
	}
	for _, p := range l.AddedProperties() {
		p.Status = item.StatusExisting
	}
	for _, p := range l.ModifiedProperties() {
		p.Status = item.StatusExisting
	}
	for _, id := range l.deletedOrder {
		if notifyDestroyed != nil {
			notifyDestroyed(id)
		}
	}
	*l = *New()
}

// Undo reconnects modified/deleted states to parent's current state,
// discards added states, and resets the log. refresh is supplied by the
// shared manager and re-reads the current canonical state for id.
func (l *Log) Undo(refresh func(id item.ID)) {
	for _, id := range l.modifiedOrder {
		refresh(id)
	}
	for _, id := range l.deletedOrder {
		refresh(id)
	}
	*l = *New()
}
