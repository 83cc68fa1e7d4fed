package changelog

import (
	"testing"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
)

func TestAddedThenDeletedCollapses(t *testing.T) {
	l := New()
	id := item.NewNodeID(uuid.New())
	l.AddedNode(&item.NodeState{ID: id})
	l.DeletedNode(id)

	if len(l.AddedEntries()) != 0 {
		t.Fatal("expected added-then-deleted to collapse to nothing")
	}
	if len(l.DeletedIDs()) != 0 {
		t.Fatal("expected deleted set to stay empty after collapse")
	}
}

func TestModifiedOnAddedUpdatesInPlace(t *testing.T) {
	l := New()
	id := item.NewNodeID(uuid.New())
	s1 := &item.NodeState{ID: id, ModCount: 0}
	l.AddedNode(s1)

	s2 := &item.NodeState{ID: id, ModCount: 1}
	l.ModifiedNode(s2)

	added := l.AddedEntries()
	if len(added) != 1 {
		t.Fatalf("expected 1 added entry, got %d", len(added))
	}
	if added[0].ModCount != 1 {
		t.Fatalf("expected added entry to be updated in place, got modcount %d", added[0].ModCount)
	}
	if len(l.ModifiedEntries()) != 0 {
		t.Fatal("expected no separate modified entry for an already-added id")
	}
}

func TestGetDeletedRaisesNoSuchItemState(t *testing.T) {
	l := New()
	id := item.NewNodeID(uuid.New())
	s := &item.NodeState{ID: id, Status: item.StatusExisting}
	l.ModifiedNode(s)
	l.DeletedNode(id)

	_, err := l.GetNode(id)
	if !xerr.Is(err, xerr.NoSuchItemState) {
		t.Fatalf("expected NoSuchItemState, got %v", err)
	}
}

func TestGetUnknownReturnsNilNil(t *testing.T) {
	l := New()
	state, err := l.GetNode(item.NewNodeID(uuid.New()))
	if state != nil || err != nil {
		t.Fatalf("expected (nil, nil) for unknown id, got (%v, %v)", state, err)
	}
}

func TestInsertionOrderPreserved(t *testing.T) {
	l := New()
	ids := make([]item.ID, 5)
	for i := range ids {
		ids[i] = item.NewNodeID(uuid.New())
		l.AddedNode(&item.NodeState{ID: ids[i]})
	}

	added := l.AddedEntries()
	for i, s := range added {
		if !s.ID.Equal(ids[i]) {
			t.Fatalf("order mismatch at %d: got %v, want %v", i, s.ID, ids[i])
		}
	}
}

func TestMergeAddedThenDeletedCancels(t *testing.T) {
	l := New()
	id := item.NewNodeID(uuid.New())
	l.AddedNode(&item.NodeState{ID: id})

	other := New()
	other.DeletedNode(id)

	l.Merge(other)

	if len(l.AddedEntries()) != 0 {
		t.Fatal("expected merge to cancel added-then-deleted pair")
	}
	if len(l.DeletedIDs()) != 0 {
		t.Fatal("expected no deleted entry after cancellation")
	}
}

func TestMergeOtherWinsOnConflict(t *testing.T) {
	l := New()
	id := item.NewNodeID(uuid.New())
	l.ModifiedNode(&item.NodeState{ID: id, ModCount: 1})

	other := New()
	other.ModifiedNode(&item.NodeState{ID: id, ModCount: 2})

	l.Merge(other)

	modified := l.ModifiedEntries()
	if len(modified) != 1 || modified[0].ModCount != 2 {
		t.Fatalf("expected other's modcount to win, got %+v", modified)
	}
}

func TestPersistedUpdatesStatusesAndResets(t *testing.T) {
	l := New()
	addedID := item.NewNodeID(uuid.New())
	modifiedID := item.NewNodeID(uuid.New())
	deletedID := item.NewNodeID(uuid.New())

	added := &item.NodeState{ID: addedID, Status: item.StatusNew}
	modified := &item.NodeState{ID: modifiedID, Status: item.StatusExistingModified}
	l.AddedNode(added)
	l.ModifiedNode(modified)
	l.DeletedNode(deletedID)

	var destroyed []item.ID
	l.Persisted(func(id item.ID) { destroyed = append(destroyed, id) })

	if added.Status != item.StatusExisting {
		t.Fatalf("expected added status existing, got %v", added.Status)
	}
	if modified.Status != item.StatusExisting {
		t.Fatalf("expected modified status existing, got %v", modified.Status)
	}
	if len(destroyed) != 1 || !destroyed[0].Equal(deletedID) {
		t.Fatalf("expected destroyed notification for deleted id, got %v", destroyed)
	}
	if !l.IsEmpty() {
		t.Fatal("expected log to reset after Persisted")
	}
}
