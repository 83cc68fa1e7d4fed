package version

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "versions.db")
	m, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func sampleNode(id uuid.UUID) *item.NodeState {
	return &item.NodeState{
		ID:          item.NewNodeID(id),
		PrimaryType: item.QName{LocalName: "nt:unstructured"},
		MixinTypes:  []item.QName{{LocalName: "mix:versionable"}},
	}
}

func TestCreateHistoryIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()

	h, err := m.CreateHistory(id, sampleNode(id))
	if err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	if h == nil || h.RootVersion != RootVersionName {
		t.Fatalf("expected root version history, got %+v", h)
	}

	again, err := m.CreateHistory(id, sampleNode(id))
	if err != nil {
		t.Fatalf("second CreateHistory: %v", err)
	}
	if again != nil {
		t.Fatalf("expected idempotent no-op on second create, got %+v", again)
	}
}

func TestCheckinGeneratesDotZeroName(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}

	v, err := m.Checkin(id, sampleNode(id), []string{RootVersionName})
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	if v.Name != "1.0" {
		t.Fatalf("expected first checkin name 1.0, got %s", v.Name)
	}
}

func TestCheckinIncrementsDottedName(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	v1, err := m.Checkin(id, sampleNode(id), []string{RootVersionName})
	if err != nil {
		t.Fatalf("first Checkin: %v", err)
	}
	v2, err := m.Checkin(id, sampleNode(id), []string{v1.Name})
	if err != nil {
		t.Fatalf("second Checkin: %v", err)
	}
	if v2.Name != "1.1" {
		t.Fatalf("expected incremented name 1.1, got %s", v2.Name)
	}
}

func TestRemoveVersionRejectsRootVersion(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	err := m.RemoveVersion(id, RootVersionName, nil)
	if !xerr.Is(err, xerr.ConstraintViolation) {
		t.Fatalf("expected ConstraintViolation, got %v", err)
	}
}

func TestRemoveVersionRejectsLiveExternalReferrer(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	v, err := m.Checkin(id, sampleNode(id), []string{RootVersionName})
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}

	err = m.RemoveVersion(id, v.Name, func(uuid.UUID, string) bool { return true })
	if !xerr.Is(err, xerr.ReferentialIntegrity) {
		t.Fatalf("expected ReferentialIntegrity, got %v", err)
	}
}

func TestRemoveVersionRewiresGraph(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	v1, err := m.Checkin(id, sampleNode(id), []string{RootVersionName})
	if err != nil {
		t.Fatalf("Checkin v1: %v", err)
	}
	v2, err := m.Checkin(id, sampleNode(id), []string{v1.Name})
	if err != nil {
		t.Fatalf("Checkin v2: %v", err)
	}

	if err := m.RemoveVersion(id, v1.Name, nil); err != nil {
		t.Fatalf("RemoveVersion: %v", err)
	}

	checkedOut, err := m.Checkout(id, v2.Name)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if checkedOut == nil {
		t.Fatal("expected v2 to remain checkoutable after v1 removal")
	}
}

func TestSetLabelNoopWhenAlreadyAssigned(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	if err := m.SetLabel(id, "stable", RootVersionName, false); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}
	if err := m.SetLabel(id, "stable", RootVersionName, false); err != nil {
		t.Fatalf("expected no-op re-assignment to succeed, got %v", err)
	}
}

func TestSetLabelFailsWithoutMove(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	v, err := m.Checkin(id, sampleNode(id), []string{RootVersionName})
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	if err := m.SetLabel(id, "stable", RootVersionName, false); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}

	err = m.SetLabel(id, "stable", v.Name, false)
	if !xerr.Is(err, xerr.VersionException) {
		t.Fatalf("expected VersionException, got %v", err)
	}

	if err := m.SetLabel(id, "stable", v.Name, true); err != nil {
		t.Fatalf("expected move=true to succeed, got %v", err)
	}
}

func TestRemoveVersionClearsLabels(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	v, err := m.Checkin(id, sampleNode(id), []string{RootVersionName})
	if err != nil {
		t.Fatalf("Checkin: %v", err)
	}
	if err := m.SetLabel(id, "stable", v.Name, false); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}
	if err := m.RemoveVersion(id, v.Name, nil); err != nil {
		t.Fatalf("RemoveVersion: %v", err)
	}

	// label must now be unassigned; re-assigning it to the root version
	// must succeed without a VersionException.
	if err := m.SetLabel(id, "stable", RootVersionName, false); err != nil {
		t.Fatalf("expected label reassignable after version removal, got %v", err)
	}
}

func TestHasItemStateOnlyTrueForOwnedHistories(t *testing.T) {
	m := newTestManager(t)
	id := uuid.New()
	if m.HasItemState(item.NewNodeID(id)) {
		t.Fatal("expected no history before CreateHistory")
	}
	if _, err := m.CreateHistory(id, sampleNode(id)); err != nil {
		t.Fatalf("CreateHistory: %v", err)
	}
	if !m.HasItemState(item.NewNodeID(id)) {
		t.Fatal("expected history to be owned after CreateHistory")
	}
}
