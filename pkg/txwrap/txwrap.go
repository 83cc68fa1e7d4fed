// Package txwrap implements the two-phase transactional wrapper around a
// session-level local state manager: associate/beforeOperation/prepare/
// commit/rollback/afterOperation, isolating uncommitted changes across
// multiple editing sequences within one transaction.
package txwrap

import (
	"fmt"
	"sync"

	"github.com/cuemby/contentstore/pkg/changelog"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/log"
	"github.com/cuemby/contentstore/pkg/session"
	"github.com/cuemby/contentstore/pkg/shared"
	"github.com/rs/zerolog"
)

// VersionNotifier is notified of the item ids committed within a
// transaction, so a mounted version manager can refresh its own caches.
// Left unset when no version manager is mounted.
type VersionNotifier interface {
	NotifyTransactionCommitted(ids []item.ID)
}

// Context is a transaction's private state: its pending change log and,
// once prepared, the in-flight shared-manager update.
type Context struct {
	id  string
	log *changelog.Log

	mu      sync.Mutex
	pending *shared.Update
}

// ID returns the transaction identifier this context was associated under.
func (c *Context) ID() string { return c.id }

// Wrapper wraps a session-level local state manager plus the shared
// manager it commits into, dispatching each Context through the
// associate/prepare/commit/rollback lifecycle.
type Wrapper struct {
	local  *session.Manager
	shared *shared.Manager

	mu       sync.Mutex
	contexts map[string]*Context

	notifier VersionNotifier
	logger   zerolog.Logger
}

// New wraps local for reads/writes not covered by an active transaction,
// committing prepared transactions into shared.
func New(local *session.Manager, sharedMgr *shared.Manager) *Wrapper {
	return &Wrapper{
		local:    local,
		shared:   sharedMgr,
		contexts: make(map[string]*Context),
		logger:   log.WithComponent("txwrap"),
	}
}

// SetVersionNotifier mounts a version manager to be notified on commit.
func (w *Wrapper) SetVersionNotifier(n VersionNotifier) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notifier = n
}

// Associate creates and registers a fresh transaction context under txID,
// carrying its own pending change log.
func (w *Wrapper) Associate(txID string) *Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := &Context{id: txID, log: changelog.New()}
	w.contexts[txID] = c
	return c
}

func (w *Wrapper) context(txID string) (*Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.contexts[txID]
	if !ok {
		return nil, fmt.Errorf("txwrap: no transaction associated under %s", txID)
	}
	return c, nil
}

// BeforeOperation validates that txID is associated before an operation
// is staged against it.
func (w *Wrapper) BeforeOperation(txID string) error {
	_, err := w.context(txID)
	return err
}

// AfterOperation is a hook point run after every staged operation; like
// BeforeOperation, it only checks that txID is associated.
func (w *Wrapper) AfterOperation(txID string) error {
	_, err := w.context(txID)
	return err
}

// CreateNew stages a newly created node against txID's private log.
func (w *Wrapper) CreateNew(txID string, s *item.NodeState) error {
	c, err := w.context(txID)
	if err != nil {
		return err
	}
	c.log.AddedNode(s)
	return nil
}

// Store stages a modified working copy against txID's private log.
func (w *Wrapper) Store(txID string, s *item.NodeState) error {
	c, err := w.context(txID)
	if err != nil {
		return err
	}
	c.log.ModifiedNode(s)
	return nil
}

// Destroy stages a deletion against txID's private log.
func (w *Wrapper) Destroy(txID string, id item.ID) error {
	c, err := w.context(txID)
	if err != nil {
		return err
	}
	c.log.DeletedNode(id)
	return nil
}

// GetItemState serves id from txID's private change log first, falling
// through to the wrapped session manager when the transaction has no
// staged entry for id.
func (w *Wrapper) GetItemState(txID string, id item.ID) (*item.NodeState, error) {
	c, err := w.context(txID)
	if err != nil {
		return nil, err
	}
	if s, err := c.log.GetNode(id); err != nil || s != nil {
		return s, err
	}
	return w.local.GetItemState(id)
}

// HasItemState serves id from txID's private change log first, falling
// through to the wrapped session manager otherwise.
func (w *Wrapper) HasItemState(txID string, id item.ID) bool {
	c, err := w.context(txID)
	if err != nil {
		return false
	}
	if s, lookupErr := c.log.GetNode(id); lookupErr == nil && s != nil {
		return true
	} else if lookupErr != nil {
		return false
	}
	return w.local.HasItemState(id)
}

// Prepare runs the begin phase of the shared update pipeline against
// txID's staged log and stops before the persistence store: reference
// deltas are computed, referential integrity and stale-state checks run,
// and the shared manager's write lock is held for the rest of the
// transaction.
func (w *Wrapper) Prepare(txID string) error {
	c, err := w.context(txID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return fmt.Errorf("txwrap: transaction %s already prepared", txID)
	}

	u, err := w.shared.Begin(c.log, txID)
	if err != nil {
		return err
	}
	c.pending = u
	return nil
}

// Commit performs the persistence store, listener notifications, and
// event dispatch for a prepared transaction, then notifies any mounted
// version manager of the committed item ids so its own caches update.
func (w *Wrapper) Commit(txID string) error {
	c, err := w.context(txID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return fmt.Errorf("txwrap: transaction %s not prepared", txID)
	}

	ids := committedIDs(c.log)
	if err := pending.End(); err != nil {
		return err
	}

	w.mu.Lock()
	notifier := w.notifier
	delete(w.contexts, txID)
	w.mu.Unlock()

	if notifier != nil {
		notifier.NotifyTransactionCommitted(ids)
	}
	w.logger.Debug().Str("tx_id", txID).Int("items", len(ids)).Msg("transaction committed")
	return nil
}

// Rollback cancels the pipeline for a prepared transaction (or simply
// discards the staged log for one that never reached Prepare), releasing
// any held lock.
func (w *Wrapper) Rollback(txID string) error {
	c, err := w.context(txID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	if pending != nil {
		pending.Cancel()
	}

	w.mu.Lock()
	delete(w.contexts, txID)
	w.mu.Unlock()

	w.logger.Debug().Str("tx_id", txID).Msg("transaction rolled back")
	return nil
}

func committedIDs(l *changelog.Log) []item.ID {
	var ids []item.ID
	for _, s := range l.AddedEntries() {
		ids = append(ids, s.ID)
	}
	for _, s := range l.ModifiedEntries() {
		ids = append(ids, s.ID)
	}
	ids = append(ids, l.DeletedIDs()...)
	return ids
}
