// Package session implements the per-session local state manager: a
// facade over the shared manager that stages uncommitted changes in a
// change log and exposes a small idle/editing/disposed state machine.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/contentstore/pkg/changelog"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/log"
	"github.com/cuemby/contentstore/pkg/shared"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// State is one of the three lifecycle states a Manager can be in.
type State int

const (
	StateIdle State = iota
	StateEditing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEditing:
		return "editing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

const defaultLocalCacheSize = 256

// Manager is a per-session local state manager: working copies staged in
// a change log, backed by the shared manager on cache miss.
type Manager struct {
	id     string
	shared *shared.Manager

	mu       sync.Mutex
	state    State
	log      *changelog.Log
	local    *lru.Cache[string, *item.NodeState]
	lastUsed time.Time

	logger zerolog.Logger
}

// New builds an idle local state manager with sessionID identifying it
// to the shared manager's update pipeline and event stream.
func New(sessionID string, sharedMgr *shared.Manager) *Manager {
	cache, err := lru.New[string, *item.NodeState](defaultLocalCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which defaultLocalCacheSize never is.
		panic(err)
	}
	return &Manager{
		id:       sessionID,
		shared:   sharedMgr,
		state:    StateIdle,
		log:      changelog.New(),
		local:    cache,
		lastUsed: time.Now(),
		logger:   log.WithSessionID(sessionID),
	}
}

// IdleFor reports how long it has been since this manager was last
// touched by a public operation.
func (m *Manager) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastUsed)
}

func (m *Manager) touch() {
	m.lastUsed = time.Now()
}

// SessionID returns the session identifier this manager was built with.
func (m *Manager) SessionID() string { return m.id }

// State reports the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) requireState(want State) error {
	if m.state != want {
		return fmt.Errorf("session %s: expected state %s, got %s", m.id, want, m.state)
	}
	return nil
}

// Edit transitions idle -> editing, resetting the change log.
func (m *Manager) Edit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if err := m.requireState(StateIdle); err != nil {
		return err
	}
	m.log = changelog.New()
	m.state = StateEditing
	return nil
}

// CreateNew stages a newly created node in the change log.
func (m *Manager) CreateNew(s *item.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if err := m.requireState(StateEditing); err != nil {
		return err
	}
	m.log.AddedNode(s)
	return nil
}

// Store stages a modified working copy in the change log.
func (m *Manager) Store(s *item.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if err := m.requireState(StateEditing); err != nil {
		return err
	}
	m.log.ModifiedNode(s)
	return nil
}

// StoreProperty stages a modified property working copy.
func (m *Manager) StoreProperty(p *item.PropertyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if err := m.requireState(StateEditing); err != nil {
		return err
	}
	log.WithItemID(p.ID.String()).Debug().Msg("property staged")
	m.log.ModifiedProperty(p)
	return nil
}

// Destroy stages a deletion in the change log.
func (m *Manager) Destroy(id item.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if err := m.requireState(StateEditing); err != nil {
		return err
	}
	m.log.DeletedNode(id)
	return nil
}

// GetItemState resolves id against the change log first (returning the
// staged version, or NoSuchItemState for a staged deletion), then the
// local overlay cache, then the shared manager.
func (m *Manager) GetItemState(id item.ID) (*item.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()

	s, err := m.log.GetNode(id)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}

	if s, ok := m.local.Get(id.String()); ok {
		return s, nil
	}

	s, err = m.shared.GetItemState(id)
	if err != nil {
		return nil, err
	}
	overlay := s.Clone()
	m.local.Add(id.String(), overlay)
	return overlay, nil
}

// HasItemState reports whether id is resolvable through the change log,
// local cache, or shared manager.
func (m *Manager) HasItemState(id item.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()

	if s, err := m.log.GetNode(id); err == nil && s != nil {
		return true
	} else if err != nil {
		return false
	}
	if _, ok := m.local.Get(id.String()); ok {
		return true
	}
	return m.shared.HasItemState(id)
}

// Update invokes the shared manager's update pipeline with the staged
// change log. On success the log is reset and the manager returns to
// idle; on failure the pipeline has already cancelled and the log is
// reset regardless.
func (m *Manager) Update() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if err := m.requireState(StateEditing); err != nil {
		return err
	}

	u, err := m.shared.Begin(m.log, m.id)
	if err != nil {
		m.resetLocked()
		return err
	}
	if err := u.End(); err != nil {
		m.resetLocked()
		return err
	}
	m.resetLocked()
	return nil
}

// Cancel undoes the staged change log against the shared manager and
// returns to idle.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
	if err := m.requireState(StateEditing); err != nil {
		return err
	}
	m.log.Undo(func(id item.ID) {
		m.local.Remove(id.String())
	})
	m.resetLocked()
	return nil
}

func (m *Manager) resetLocked() {
	m.log = changelog.New()
	m.state = StateIdle
}

// Dispose permanently retires the manager; no further operations may be
// performed on it.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisposed
	m.local.Purge()
}
