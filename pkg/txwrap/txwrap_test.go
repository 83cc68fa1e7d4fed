package txwrap

import (
	"testing"

	"github.com/cuemby/contentstore/pkg/codec"
	"github.com/cuemby/contentstore/pkg/events"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/persist"
	"github.com/cuemby/contentstore/pkg/session"
	"github.com/cuemby/contentstore/pkg/shared"
	"github.com/google/uuid"
)

func newTestWrapper() *Wrapper {
	c := codec.New(codec.NewNameTable(), nil, 4096, false)
	sharedMgr := shared.New(persist.NewMemAdapter(), c, events.NewBroker())
	localMgr := session.New("local", sharedMgr)
	return New(localMgr, sharedMgr)
}

func TestPrepareCommitRoundTrip(t *testing.T) {
	w := newTestWrapper()
	w.Associate("tx-1")

	id := item.NewNodeID(uuid.New())
	if err := w.CreateNew("tx-1", &item.NodeState{ID: id, PrimaryType: item.QName{LocalName: "nt:base"}}); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if !w.HasItemState("tx-1", id) {
		t.Fatal("expected transaction-local state to be visible before commit")
	}
	if err := w.Prepare("tx-1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := w.Commit("tx-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := w.context("tx-1"); err == nil {
		t.Fatal("expected context to be removed after commit")
	}
}

func TestRollbackDiscardsStagedChanges(t *testing.T) {
	w := newTestWrapper()
	w.Associate("tx-2")

	id := item.NewNodeID(uuid.New())
	if err := w.CreateNew("tx-2", &item.NodeState{ID: id}); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := w.Prepare("tx-2"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := w.Rollback("tx-2"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if w.local.HasItemState(id) {
		t.Fatal("expected rolled-back node to not be visible in the wrapped manager")
	}
}

func TestOperationsRequireAssociation(t *testing.T) {
	w := newTestWrapper()
	id := item.NewNodeID(uuid.New())
	if err := w.CreateNew("never-associated", &item.NodeState{ID: id}); err == nil {
		t.Fatal("expected error for unassociated transaction id")
	}
}

type recordingNotifier struct{ ids []item.ID }

func (r *recordingNotifier) NotifyTransactionCommitted(ids []item.ID) {
	r.ids = append(r.ids, ids...)
}

func TestCommitNotifiesVersionManager(t *testing.T) {
	w := newTestWrapper()
	n := &recordingNotifier{}
	w.SetVersionNotifier(n)
	w.Associate("tx-3")

	id := item.NewNodeID(uuid.New())
	if err := w.CreateNew("tx-3", &item.NodeState{ID: id}); err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := w.Prepare("tx-3"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := w.Commit("tx-3"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(n.ids) != 1 || !n.ids[0].Equal(id) {
		t.Fatalf("expected notifier to receive committed id %v, got %v", id, n.ids)
	}
}
