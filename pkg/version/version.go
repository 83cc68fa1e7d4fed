// Package version implements the versioning core: directory-sharded
// version histories stored under a fixed root, checkin naming, remove-
// version graph surgery, and label semantics.
package version

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// RootVersionName is the name given to the first version created for
// every history; it can never be removed.
const RootVersionName = "jcr:rootVersion"

var historiesBucket = []byte("version_histories")

// FrozenNode is the immutable snapshot of a versionable node's shape
// carried by a Version: primary type, mixins, identity, and the child
// structure at checkin time.
type FrozenNode struct {
	UUID          uuid.UUID
	PrimaryType   item.QName
	MixinTypes    []item.QName
	PropertyNames []item.QName
	ChildNodes    []item.ChildNodeEntry
}

func freeze(s *item.NodeState) FrozenNode {
	return FrozenNode{
		UUID:          s.ID.UUID(),
		PrimaryType:   s.PrimaryType,
		MixinTypes:    append([]item.QName(nil), s.MixinTypes...),
		PropertyNames: append([]item.QName(nil), s.PropertyNames...),
		ChildNodes:    append([]item.ChildNodeEntry(nil), s.ChildNodes...),
	}
}

// Thaw rebuilds a detached NodeState from the frozen snapshot, suitable
// for a caller to stage through the normal session/shared update
// pipeline on checkout.
func (f FrozenNode) Thaw() *item.NodeState {
	return &item.NodeState{
		ID:            item.NewNodeID(f.UUID),
		PrimaryType:   f.PrimaryType,
		MixinTypes:    append([]item.QName(nil), f.MixinTypes...),
		PropertyNames: append([]item.QName(nil), f.PropertyNames...),
		ChildNodes:    append([]item.ChildNodeEntry(nil), f.ChildNodes...),
		Status:        item.StatusNew,
	}
}

// Version is one node in a history's predecessor/successor graph.
type Version struct {
	Name         string
	Created      time.Time
	Predecessors []string
	Successors   []string
	Frozen       FrozenNode
}

// History is the version history for one versionable node.
type History struct {
	VersionableID uuid.UUID
	RootVersion   string
	Labels        map[string]string
	Versions      map[string]*Version
}

// Manager is the versioning core, storing histories under a fixed,
// directory-sharded root in a bbolt database.
type Manager struct {
	db *bbolt.DB
}

// Open builds a Manager backed by the bbolt database at path.
func Open(path string) (*Manager, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.ItemStateIO, "open version store", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historiesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, xerr.Wrap(xerr.ItemStateIO, "init version store", err)
	}
	return &Manager{db: db}, nil
}

// Close releases the underlying database handle.
func (m *Manager) Close() error {
	return m.db.Close()
}

// shardPath splits a uuid's hex digits into the three 2-character bucket
// levels the on-disk layout nests history buckets under.
func shardPath(id uuid.UUID) [3]string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return [3]string{hex[0:2], hex[2:4], hex[4:6]}
}

func historyBucket(tx *bbolt.Tx, id uuid.UUID, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(historiesBucket)
	shards := shardPath(id)
	b := root
	for _, s := range shards {
		var err error
		if create {
			b, err = b.CreateBucketIfNotExists([]byte(s))
		} else {
			b = b.Bucket([]byte(s))
			if b == nil {
				return nil, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if create {
		hb, err := b.CreateBucketIfNotExists([]byte(id.String()))
		return hb, err
	}
	return b.Bucket([]byte(id.String())), nil
}

const historyKey = "history"

func loadHistory(tx *bbolt.Tx, id uuid.UUID) (*History, *bbolt.Bucket, error) {
	hb, err := historyBucket(tx, id, false)
	if err != nil {
		return nil, nil, err
	}
	if hb == nil {
		return nil, nil, nil
	}
	raw := hb.Get([]byte(historyKey))
	if raw == nil {
		return nil, hb, nil
	}
	var h History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, nil, xerr.Wrap(xerr.ItemStateIO, "decode history", err)
	}
	return &h, hb, nil
}

func storeHistory(hb *bbolt.Bucket, h *History) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return xerr.Wrap(xerr.ItemStateIO, "encode history", err)
	}
	return hb.Put([]byte(historyKey), raw)
}

// CreateHistory creates a version history for a versionable node with
// identity versionableID. If a history already exists for this id, it is
// an idempotent no-op and CreateHistory returns (nil, nil).
func (m *Manager) CreateHistory(versionableID uuid.UUID, source *item.NodeState) (*History, error) {
	var result *History
	err := m.db.Update(func(tx *bbolt.Tx) error {
		hb, err := historyBucket(tx, versionableID, true)
		if err != nil {
			return err
		}
		if hb.Get([]byte(historyKey)) != nil {
			return nil // idempotent no-op: already exists
		}

		root := &Version{
			Name:         RootVersionName,
			Created:      time.Now().UTC(),
			Predecessors: nil,
			Successors:   nil,
			Frozen:       freeze(source),
		}
		h := &History{
			VersionableID: versionableID,
			RootVersion:   RootVersionName,
			Labels:        make(map[string]string),
			Versions:      map[string]*Version{RootVersionName: root},
		}
		if err := storeHistory(hb, h); err != nil {
			return err
		}
		result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Checkin creates a new version of the versionable node from its current
// state and predecessor version names, returning the new version.
func (m *Manager) Checkin(versionableID uuid.UUID, source *item.NodeState, predecessors []string) (*Version, error) {
	if len(predecessors) == 0 {
		return nil, xerr.New(xerr.ConstraintViolation, "checkin requires at least one predecessor")
	}

	var result *Version
	err := m.db.Update(func(tx *bbolt.Tx) error {
		h, hb, err := loadHistory(tx, versionableID)
		if err != nil {
			return err
		}
		if h == nil {
			return xerr.New(xerr.NoSuchItemState, versionableID.String())
		}

		base, err := fewestSuccessorsPredecessor(h, predecessors)
		if err != nil {
			return err
		}

		name := nextVersionName(base)
		for h.Versions[name] != nil {
			name += ".1"
		}

		v := &Version{
			Name:         name,
			Created:      time.Now().UTC(),
			Predecessors: append([]string(nil), predecessors...),
			Successors:   nil,
			Frozen:       freeze(source),
		}
		h.Versions[name] = v

		for _, predName := range predecessors {
			pred, ok := h.Versions[predName]
			if !ok {
				return xerr.New(xerr.NoSuchItemState, predName)
			}
			pred.Successors = appendUnique(pred.Successors, name)
		}

		if err := storeHistory(hb, h); err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func fewestSuccessorsPredecessor(h *History, predecessors []string) (*Version, error) {
	var best *Version
	for _, name := range predecessors {
		v, ok := h.Versions[name]
		if !ok {
			return nil, xerr.New(xerr.NoSuchItemState, name)
		}
		if best == nil || len(v.Successors) < len(best.Successors) {
			best = v
		}
	}
	return best, nil
}

func nextVersionName(base *Version) string {
	if idx := strings.LastIndex(base.Name, "."); idx >= 0 {
		prefix, trailing := base.Name[:idx], base.Name[idx+1:]
		if n, err := strconv.Atoi(trailing); err == nil {
			return fmt.Sprintf("%s.%d", prefix, n+1)
		}
	}
	return fmt.Sprintf("%d.0", len(base.Successors)+1)
}

func appendUnique(ss []string, s string) []string {
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, existing := range ss {
		if existing != s {
			out = append(out, existing)
		}
	}
	return out
}

// LiveExternalReferrer reports whether any reference from outside version
// storage still targets the version being removed.
type LiveExternalReferrer func(versionableID uuid.UUID, versionName string) bool

// RemoveVersion removes versionName from versionableID's history: the
// root version can never be removed; removal is refused if any external
// reference still targets it; otherwise the predecessor/successor graph
// is rewired around the removed version, any labels pointing at it are
// cleared, and the version is deleted.
func (m *Manager) RemoveVersion(versionableID uuid.UUID, versionName string, hasLiveReferrer LiveExternalReferrer) error {
	if versionName == RootVersionName {
		return xerr.New(xerr.ConstraintViolation, "cannot remove the root version")
	}
	if hasLiveReferrer != nil && hasLiveReferrer(versionableID, versionName) {
		return xerr.New(xerr.ReferentialIntegrity, fmt.Sprintf("version %s still referenced outside version storage", versionName))
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		h, hb, err := loadHistory(tx, versionableID)
		if err != nil {
			return err
		}
		if h == nil {
			return xerr.New(xerr.NoSuchItemState, versionableID.String())
		}
		removed, ok := h.Versions[versionName]
		if !ok {
			return xerr.New(xerr.NoSuchItemState, versionName)
		}

		for _, predName := range removed.Predecessors {
			pred := h.Versions[predName]
			if pred == nil {
				continue
			}
			pred.Successors = removeString(pred.Successors, versionName)
			for _, succName := range removed.Successors {
				pred.Successors = appendUnique(pred.Successors, succName)
			}
		}
		for _, succName := range removed.Successors {
			succ := h.Versions[succName]
			if succ == nil {
				continue
			}
			succ.Predecessors = removeString(succ.Predecessors, versionName)
			for _, predName := range removed.Predecessors {
				succ.Predecessors = appendUnique(succ.Predecessors, predName)
			}
		}

		for label, target := range h.Labels {
			if target == versionName {
				delete(h.Labels, label)
			}
		}

		delete(h.Versions, versionName)
		return storeHistory(hb, h)
	})
}

// SetLabel assigns label to versionName within versionableID's history.
// A versionName of "" unassigns the label. Reassigning an already-bound
// label to a version it already points at is a no-op. Reassigning a
// label bound elsewhere without move set fails with VersionException.
func (m *Manager) SetLabel(versionableID uuid.UUID, label, versionName string, move bool) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		h, hb, err := loadHistory(tx, versionableID)
		if err != nil {
			return err
		}
		if h == nil {
			return xerr.New(xerr.NoSuchItemState, versionableID.String())
		}

		current, exists := h.Labels[label]
		if versionName == "" {
			if !exists {
				return nil
			}
			delete(h.Labels, label)
			return storeHistory(hb, h)
		}
		if _, ok := h.Versions[versionName]; !ok {
			return xerr.New(xerr.NoSuchItemState, versionName)
		}
		if exists && current == versionName {
			return nil
		}
		if exists && !move {
			return xerr.New(xerr.VersionException, fmt.Sprintf("label %q already assigned to version %s", label, current))
		}
		h.Labels[label] = versionName
		return storeHistory(hb, h)
	})
}

// Checkout returns the frozen content of versionName in versionableID's
// history for the caller to stage through the normal session/shared
// update pipeline. Version storage never reconstructs REFERENCE
// properties itself; the caller's update pipeline handles that the same
// way it handles any other property write.
func (m *Manager) Checkout(versionableID uuid.UUID, versionName string) (*item.NodeState, error) {
	var result *item.NodeState
	err := m.db.View(func(tx *bbolt.Tx) error {
		h, _, err := loadHistory(tx, versionableID)
		if err != nil {
			return err
		}
		if h == nil {
			return xerr.New(xerr.NoSuchItemState, versionableID.String())
		}
		v, ok := h.Versions[versionName]
		if !ok {
			return xerr.New(xerr.NoSuchItemState, versionName)
		}
		result = v.Frozen.Thaw()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasItemState and GetItemState let version storage be mounted as a
// shared.VirtualProvider: version histories live under the versioning
// root and are never ordinary content nodes, so both report "not mine"
// for item ids whose uuid does not name a history the manager owns.
func (m *Manager) HasItemState(id item.ID) bool {
	if !id.IsNode() {
		return false
	}
	var found bool
	_ = m.db.View(func(tx *bbolt.Tx) error {
		hb, err := historyBucket(tx, id.UUID(), false)
		if err != nil {
			return err
		}
		found = hb != nil && hb.Get([]byte(historyKey)) != nil
		return nil
	})
	return found
}

// GetItemState satisfies shared.VirtualProvider; version histories are
// not exposed as ordinary node states, so this always reports a miss.
func (m *Manager) GetItemState(item.ID) (*item.NodeState, bool) {
	return nil, false
}
