// Package shared implements the process-wide shared item-state manager:
// the weak-reference cache, the writer-preference lock, the update
// pipeline (begin/end/cancel), reference-delta computation, and the
// referential-integrity check.
package shared

import (
	"fmt"
	"sync"

	"github.com/cuemby/contentstore/pkg/changelog"
	"github.com/cuemby/contentstore/pkg/codec"
	"github.com/cuemby/contentstore/pkg/events"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/metrics"
	"github.com/cuemby/contentstore/pkg/persist"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// VirtualProvider is a small, insert-only secondary state source (node
// type representation, version storage) mounted at startup. Providers
// are never removed, so no lock guards the provider list itself.
type VirtualProvider interface {
	HasItemState(id item.ID) bool
	GetItemState(id item.ID) (*item.NodeState, bool)
}

// nameTableSaver is implemented by adapters capable of persisting the
// codec's name interning table alongside its bundle data (BoltAdapter).
// MemAdapter does not implement it; the type assertion at the call site
// is simply a no-op for in-memory-only configurations.
type nameTableSaver interface {
	SaveNameTable(nt *codec.NameTable) error
}

// Manager is the process-wide shared item-state manager.
type Manager struct {
	adapter persist.Adapter
	codec   *codec.Codec
	broker  *events.Broker

	mu sync.RWMutex // writer-preference: Go's RWMutex starves new readers once a writer is waiting

	cache     *cache
	propCache *propCache
	refsCache map[string]*item.References
	refsMu    sync.Mutex
	providers []VirtualProvider
	loadGroup singleflight.Group
}

// New builds a Manager backed by adapter for persistence and c for bundle
// encoding, publishing change events through broker.
func New(adapter persist.Adapter, c *codec.Codec, broker *events.Broker) *Manager {
	return &Manager{
		adapter:   adapter,
		codec:     c,
		broker:    broker,
		cache:     newCache(),
		propCache: newPropCache(),
		refsCache: make(map[string]*item.References),
	}
}

// RegisterProvider mounts a virtual provider. Must happen before readers
// exist; the provider list itself is unguarded by the RWMutex.
func (m *Manager) RegisterProvider(p VirtualProvider) {
	m.providers = append(m.providers, p)
}

// GetItemState resolves id to its current node state: virtual providers
// first, then the weak cache, then the persistence adapter (deduplicated
// across concurrent loads of the same id via singleflight).
func (m *Manager) GetItemState(id item.ID) (*item.NodeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemStateLocked(id)
}

func (m *Manager) getItemStateLocked(id item.ID) (*item.NodeState, error) {
	for _, p := range m.providers {
		if s, ok := p.GetItemState(id); ok {
			return s, nil
		}
	}

	key := id.String()
	if s, ok := m.cache.get(key); ok {
		return s, nil
	}

	v, err, _ := m.loadGroup.Do(key, func() (interface{}, error) {
		if s, ok := m.cache.get(key); ok {
			return s, nil
		}
		raw, err := m.adapter.Load(id)
		if err != nil {
			return nil, err
		}
		b, err := m.codec.Decode(newReader(raw), id)
		if err != nil {
			return nil, xerr.Wrap(xerr.ItemStateIO, "decode bundle", err)
		}
		s := bundleToNodeState(id, b)
		m.cache.put(key, s)
		for _, p := range bundleToPropertyStates(id.UUID(), b) {
			m.propCache.put(p.ID.String(), p)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*item.NodeState), nil
}

// GetPropertyState resolves id to its current property state. A bundle's
// properties are embedded in their owning node's record, so a cache miss
// loads (and decodes) the owning node, which populates the property
// cache as a side effect; a property absent from the resulting bundle is
// reported as NoSuchItemState.
func (m *Manager) GetPropertyState(id item.ID) (*item.PropertyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPropertyStateLocked(id)
}

func (m *Manager) getPropertyStateLocked(id item.ID) (*item.PropertyState, error) {
	key := id.String()
	if p, ok := m.propCache.get(key); ok {
		return p, nil
	}
	if _, err := m.getItemStateLocked(item.NewNodeID(id.Parent())); err != nil {
		return nil, err
	}
	if p, ok := m.propCache.get(key); ok {
		return p, nil
	}
	return nil, xerr.New(xerr.NoSuchItemState, id.String())
}

// HasItemState reports whether id resolves to a known state through a
// virtual provider, the weak cache, or the persistence adapter. It never
// returns an error: an adapter error is reported as false.
func (m *Manager) HasItemState(id item.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasItemStateLocked(id)
}

func (m *Manager) hasItemStateLocked(id item.ID) bool {
	for _, p := range m.providers {
		if p.HasItemState(id) {
			return true
		}
	}
	if _, ok := m.cache.get(id.String()); ok {
		return true
	}
	ok, _ := m.adapter.Exists(id)
	return ok
}

// GetNodeReferences returns the references record for target, if any.
func (m *Manager) GetNodeReferences(target uuid.UUID) (*item.References, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getNodeReferencesLocked(target)
}

func (m *Manager) getNodeReferencesLocked(target uuid.UUID) (*item.References, bool) {
	m.refsMu.Lock()
	defer m.refsMu.Unlock()
	r, ok := m.refsCache[target.String()]
	return r, ok
}

// HasNodeReferences reports whether target has any live referrer.
func (m *Manager) HasNodeReferences(target uuid.UUID) bool {
	r, ok := m.GetNodeReferences(target)
	return ok && !r.IsEmpty()
}

func (m *Manager) loadOrCreateReferences(target uuid.UUID) *item.References {
	m.refsMu.Lock()
	defer m.refsMu.Unlock()
	if r, ok := m.refsCache[target.String()]; ok {
		return r
	}
	r := item.NewReferences(target)
	m.refsCache[target.String()] = r
	return r
}

func (m *Manager) storeReferences(r *item.References) {
	m.refsMu.Lock()
	defer m.refsMu.Unlock()
	m.refsCache[r.Target.String()] = r
}

// Update represents one open update pipeline, from Begin through End or
// Cancel.
type Update struct {
	mgr       *Manager
	localLog  *changelog.Log
	sharedLog *changelog.Log
	events    []*events.ItemEvent
	sessionID string
	timer     *metrics.Timer
	providerRefs map[VirtualProvider][]*item.References
}

// Begin opens an update pipeline over localLog: it acquires the write
// lock, computes reference deltas, checks referential integrity,
// reconnects modified node and property states with stale detection,
// stages deleted ids (without a modcount check), connects added states,
// and pushes local values into the shared overlays. The write lock is
// held until End or Cancel.
func (m *Manager) Begin(localLog *changelog.Log, sessionID string) (*Update, error) {
	timer := metrics.NewTimer()
	m.mu.Lock()

	u := &Update{
		mgr:          m,
		localLog:     localLog,
		sharedLog:    changelog.New(),
		sessionID:    sessionID,
		timer:        timer,
		providerRefs: make(map[VirtualProvider][]*item.References),
	}

	if err := u.computeReferenceDeltas(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := u.checkReferentialIntegrity(); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	for _, s := range localLog.ModifiedEntries() {
		shared, err := m.getItemStateLocked(s.ID)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if shared.ModCount != s.ModCount {
			m.mu.Unlock()
			metrics.StaleCommitsTotal.Inc()
			return nil, xerr.New(xerr.StaleItemState, s.ID.String())
		}
		shared.ModCount++
		reconnectNode(shared, s)
		s.ModCount = shared.ModCount
		u.sharedLog.ModifiedNode(shared)
	}

	for _, p := range localLog.ModifiedProperties() {
		if p.Status == item.StatusNew {
			u.sharedLog.AddedProperty(p)
			continue
		}
		shared, err := m.getPropertyStateLocked(p.ID)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if shared.ModCount != p.ModCount {
			m.mu.Unlock()
			metrics.StaleCommitsTotal.Inc()
			return nil, xerr.New(xerr.StaleItemState, p.ID.String())
		}
		shared.ModCount++
		reconnectProperty(shared, p)
		p.ModCount = shared.ModCount
		u.sharedLog.ModifiedProperty(shared)
	}

	for _, id := range localLog.DeletedIDs() {
		if !id.IsNode() {
			u.sharedLog.DeletedProperty(id)
			continue
		}
		shared, err := m.getItemStateLocked(id)
		if err == nil {
			u.sharedLog.DeletedNode(shared.ID)
		} else {
			u.sharedLog.DeletedNode(id)
		}
	}

	for _, s := range localLog.AddedEntries() {
		u.sharedLog.AddedNode(s)
	}
	for _, p := range localLog.AddedProperties() {
		u.sharedLog.AddedProperty(p)
	}

	u.buildEvents()
	u.push()

	return u, nil
}

func (u *Update) buildEvents() {
	for _, s := range u.localLog.AddedEntries() {
		u.events = append(u.events, &events.ItemEvent{ID: s.ID, Kind: events.KindNodeAdded, SessionID: u.sessionID})
	}
	for _, s := range u.localLog.ModifiedEntries() {
		u.events = append(u.events, &events.ItemEvent{ID: s.ID, Kind: events.KindNodeModified, SessionID: u.sessionID})
	}
	for _, p := range u.localLog.AddedProperties() {
		if p.Status == item.StatusNew {
			u.events = append(u.events, &events.ItemEvent{ID: p.ID, Kind: events.KindPropertyAdded, SessionID: u.sessionID})
		} else {
			u.events = append(u.events, &events.ItemEvent{ID: p.ID, Kind: events.KindPropertyChanged, SessionID: u.sessionID})
		}
	}
	for _, p := range u.localLog.ModifiedProperties() {
		kind := events.KindPropertyChanged
		if p.Status == item.StatusNew {
			kind = events.KindPropertyAdded
		}
		u.events = append(u.events, &events.ItemEvent{ID: p.ID, Kind: kind, SessionID: u.sessionID})
	}
	for _, id := range u.localLog.DeletedIDs() {
		if id.IsNode() {
			u.events = append(u.events, &events.ItemEvent{ID: id, Kind: events.KindNodeDeleted, SessionID: u.sessionID})
		} else {
			u.events = append(u.events, &events.ItemEvent{ID: id, Kind: events.KindPropertyDeleted, SessionID: u.sessionID})
		}
	}
}

func (u *Update) push() {
	u.localLog.Push(func(id item.ID, state *item.NodeState, prop *item.PropertyState) {
		switch {
		case state != nil:
			u.mgr.cache.put(id.String(), state)
		case prop != nil:
			u.mgr.propCache.put(id.String(), prop)
		}
	})
}

// computeReferenceDeltas scans added/modified/deleted local property
// states for REFERENCE values, loads or creates each target's references
// record, and adds or removes the referring property id. Must run
// exactly once per change log, before further mutation, per the spec's
// ordering requirement.
func (u *Update) computeReferenceDeltas() error {
	touched := make(map[string]*item.References)

	addRef := func(target uuid.UUID, propID item.ID) {
		if u.claimedByProvider(item.NewNodeID(target)) {
			return
		}
		key := target.String()
		r, ok := touched[key]
		if !ok {
			r = u.mgr.loadOrCreateReferences(target)
			touched[key] = r
		}
		r.Add(propID)
	}
	removeRef := func(target uuid.UUID, propID item.ID) {
		if u.claimedByProvider(item.NewNodeID(target)) {
			return
		}
		key := target.String()
		r, ok := touched[key]
		if !ok {
			r = u.mgr.loadOrCreateReferences(target)
			touched[key] = r
		}
		r.Remove(propID)
	}

	for _, p := range u.localLog.AddedProperties() {
		if p.RequiredType != item.TypeReference {
			continue
		}
		for _, v := range p.Values {
			addRef(v.Reference, p.ID)
		}
	}

	for _, p := range u.localLog.ModifiedProperties() {
		if p.RequiredType != item.TypeReference {
			continue
		}
		if p.Status == item.StatusNew {
			for _, v := range p.Values {
				addRef(v.Reference, p.ID)
			}
			continue
		}
		oldTargets := make(map[uuid.UUID]bool)
		if old, err := u.mgr.getPropertyStateLocked(p.ID); err == nil {
			for _, v := range old.Values {
				oldTargets[v.Reference] = true
			}
		}
		newTargets := make(map[uuid.UUID]bool)
		for _, v := range p.Values {
			newTargets[v.Reference] = true
		}
		for t := range oldTargets {
			if !newTargets[t] {
				removeRef(t, p.ID)
			}
		}
		for t := range newTargets {
			if !oldTargets[t] {
				addRef(t, p.ID)
			}
		}
	}

	for _, id := range u.localLog.DeletedIDs() {
		if id.IsNode() {
			continue
		}
		old, err := u.mgr.getPropertyStateLocked(id)
		if err != nil || old.RequiredType != item.TypeReference {
			continue
		}
		for _, v := range old.Values {
			removeRef(v.Reference, id)
		}
	}

	// Callers that stage a references record directly (e.g. tests seeding
	// shared state) still fold in here alongside the scan above.
	for _, r := range u.localLog.ReferencesEntries() {
		if u.claimedByProvider(item.NewNodeID(r.Target)) {
			continue
		}
		merged := u.mgr.loadOrCreateReferences(r.Target)
		for _, propID := range r.Referrers {
			merged.Add(propID)
		}
		touched[r.Target.String()] = merged
	}

	for _, r := range touched {
		u.mgr.storeReferences(r)
		u.sharedLog.ModifiedReferences(r)
	}
	return nil
}

func (u *Update) claimedByProvider(id item.ID) bool {
	for _, p := range u.mgr.providers {
		if p.HasItemState(id) {
			return true
		}
	}
	return false
}

// checkReferentialIntegrity rejects a commit that would leave a live
// REFERENCE property pointing at an unresolvable target, or that deletes
// a referenceable node with a live incoming reference not itself being
// deleted in the same log.
func (u *Update) checkReferentialIntegrity() error {
	deletedSet := make(map[string]bool)
	for _, id := range u.localLog.DeletedIDs() {
		deletedSet[id.String()] = true
	}
	addedSet := make(map[string]bool)
	for _, s := range u.localLog.AddedEntries() {
		addedSet[s.ID.String()] = true
	}

	for _, id := range u.localLog.DeletedIDs() {
		if !id.IsNode() {
			continue
		}
		r, ok := u.mgr.getNodeReferencesLocked(id.UUID())
		if !ok || r.IsEmpty() {
			continue
		}
		for _, referrer := range r.Referrers {
			if !deletedSet[referrer.String()] {
				metrics.ReferentialIntegrityFailuresTotal.Inc()
				return xerr.New(xerr.ReferentialIntegrity, fmt.Sprintf("node %s still referenced by %s", id, referrer))
			}
		}
	}

	checkTargets := func(p *item.PropertyState) error {
		if p.RequiredType != item.TypeReference {
			return nil
		}
		for _, v := range p.Values {
			targetID := item.NewNodeID(v.Reference)
			if deletedSet[targetID.String()] || addedSet[targetID.String()] {
				continue
			}
			if u.claimedByProvider(targetID) {
				continue
			}
			if !u.mgr.hasItemStateLocked(targetID) {
				metrics.ReferentialIntegrityFailuresTotal.Inc()
				return xerr.New(xerr.ReferentialIntegrity, fmt.Sprintf("unresolvable reference target %s", v.Reference))
			}
		}
		return nil
	}
	for _, p := range u.localLog.AddedProperties() {
		if err := checkTargets(p); err != nil {
			return err
		}
	}
	for _, p := range u.localLog.ModifiedProperties() {
		if err := checkTargets(p); err != nil {
			return err
		}
	}

	for _, r := range u.localLog.ReferencesEntries() {
		if len(r.Referrers) == 0 {
			continue
		}
		targetID := item.NewNodeID(r.Target)
		if deletedSet[targetID.String()] || addedSet[targetID.String()] {
			continue
		}
		if u.claimedByProvider(targetID) {
			continue
		}
		if !u.mgr.hasItemStateLocked(targetID) {
			metrics.ReferentialIntegrityFailuresTotal.Inc()
			return xerr.New(xerr.ReferentialIntegrity, fmt.Sprintf("unresolvable reference target %s", r.Target))
		}
	}

	return nil
}

// End persists the shared change log via a single atomic store, notifies
// listeners, and dispatches events while the write lock is still held,
// then releases it; the lock is not downgraded to a read lock for
// dispatch. If a step before dispatch fails, End runs Cancel, which
// reloads the touched entries and releases the lock. It is the only path
// by which an Update completes successfully.
func (u *Update) End() (err error) {
	defer u.timer.ObserveDuration(metrics.UpdateDuration)
	defer func() {
		if err != nil {
			u.Cancel()
			return
		}
		u.mgr.mu.Unlock()
	}()

	cl, err := u.toBundleChangeLog()
	if err != nil {
		return err
	}

	if err := u.mgr.adapter.Store(cl); err != nil {
		return xerr.Wrap(xerr.ItemStateIO, "store change log", err)
	}

	// The codec's name table is process-wide, in-memory state; an
	// adapter capable of persisting it (bbolt) gets a snapshot on every
	// commit so a later process opening the same database can resolve
	// the indices this commit just wrote into bundle bytes.
	if saver, ok := u.mgr.adapter.(nameTableSaver); ok {
		if err := saver.SaveNameTable(u.mgr.codec.Names); err != nil {
			return xerr.Wrap(xerr.ItemStateIO, "save name table", err)
		}
	}

	u.sharedLog.Persisted(func(id item.ID) {
		u.mgr.cache.evict(id.String())
	})

	for _, ev := range u.events {
		u.mgr.broker.Publish(ev)
	}

	metrics.UpdatesCommittedTotal.Inc()
	return nil
}

// Cancel reloads each shared change-log entry from persistence and
// discards unrecoverable ones, then releases the write lock.
func (u *Update) Cancel() {
	defer u.mgr.mu.Unlock()
	defer metrics.UpdatesCancelledTotal.Inc()

	for _, s := range u.sharedLog.AddedEntries() {
		u.mgr.cache.evict(s.ID.String())
	}
	for _, s := range u.sharedLog.ModifiedEntries() {
		raw, err := u.mgr.adapter.Load(s.ID)
		if err != nil {
			u.mgr.cache.evict(s.ID.String())
			continue
		}
		b, err := u.mgr.codec.Decode(newReader(raw), s.ID)
		if err != nil {
			u.mgr.cache.evict(s.ID.String())
			continue
		}
		u.mgr.cache.put(s.ID.String(), bundleToNodeState(s.ID, b))
		for _, p := range bundleToPropertyStates(s.ID.UUID(), b) {
			u.mgr.propCache.put(p.ID.String(), p)
		}
	}

	for _, p := range u.sharedLog.AddedProperties() {
		u.mgr.propCache.evict(p.ID.String())
	}
	for _, p := range u.sharedLog.ModifiedProperties() {
		ownerID := item.NewNodeID(p.ID.Parent())
		raw, err := u.mgr.adapter.Load(ownerID)
		if err != nil {
			u.mgr.propCache.evict(p.ID.String())
			continue
		}
		b, err := u.mgr.codec.Decode(newReader(raw), ownerID)
		if err != nil {
			u.mgr.propCache.evict(p.ID.String())
			continue
		}
		for _, ps := range bundleToPropertyStates(p.ID.Parent(), b) {
			u.mgr.propCache.put(ps.ID.String(), ps)
		}
	}
}

func (u *Update) toBundleChangeLog() (persist.ChangeLog, error) {
	var cl persist.ChangeLog

	eg := new(errgroup.Group)
	var mu sync.Mutex

	for _, s := range u.sharedLog.AddedEntries() {
		s := s
		eg.Go(func() error {
			b, err := u.nodeStateToBundle(s)
			if err != nil {
				return err
			}
			buf := newWriteBuffer()
			if err := u.mgr.codec.Encode(buf, s.ID, b); err != nil {
				return err
			}
			mu.Lock()
			cl.Added = append(cl.Added, persist.Record{ID: s.ID, Bytes: buf.Bytes()})
			mu.Unlock()
			return nil
		})
	}
	// A property changed without its owning node is persisted by
	// re-encoding that node, whose bundle carries the property.
	modified := u.sharedLog.ModifiedEntries()
	owners := make(map[string]bool)
	for _, p := range append(u.sharedLog.AddedProperties(), u.sharedLog.ModifiedProperties()...) {
		ownerID := item.NewNodeID(p.ID.Parent())
		if s, err := u.sharedLog.GetNode(ownerID); s != nil || err != nil || owners[ownerID.String()] {
			continue
		}
		owners[ownerID.String()] = true
		owner, err := u.mgr.getItemStateLocked(ownerID)
		if err != nil {
			return persist.ChangeLog{}, err
		}
		modified = append(modified, owner)
	}
	for _, s := range modified {
		s := s
		eg.Go(func() error {
			b, err := u.nodeStateToBundle(s)
			if err != nil {
				return err
			}
			buf := newWriteBuffer()
			if err := u.mgr.codec.Encode(buf, s.ID, b); err != nil {
				return err
			}
			mu.Lock()
			cl.Modified = append(cl.Modified, persist.Record{ID: s.ID, Bytes: buf.Bytes()})
			mu.Unlock()
			return nil
		})
	}
	// A node destroyed and re-created at the same id in one log is stored
	// as added, not removed.
	for _, id := range u.sharedLog.DeletedIDs() {
		if s, _ := u.sharedLog.GetNode(id); s == nil {
			cl.Deleted = append(cl.Deleted, id)
		}
	}

	if err := eg.Wait(); err != nil {
		return persist.ChangeLog{}, err
	}
	return cl, nil
}

// reconnectNode copies working field values from overlay (the session's
// edited clone) onto shared (the canonical instance), the step Begin's
// doc comment calls reconnection: shared keeps its identity and ModCount
// bookkeeping, but the content a commit actually persists is the
// session's edit, not the stale pre-edit snapshot.
func reconnectNode(shared, overlay *item.NodeState) {
	shared.PrimaryType = overlay.PrimaryType
	shared.MixinTypes = overlay.MixinTypes
	shared.Parent = overlay.Parent
	shared.HasParent = overlay.HasParent
	shared.DefinitionID = overlay.DefinitionID
	shared.ChildNodes = overlay.ChildNodes
	shared.PropertyNames = overlay.PropertyNames
}

// reconnectProperty is reconnectNode's property counterpart.
func reconnectProperty(shared, overlay *item.PropertyState) {
	shared.RequiredType = overlay.RequiredType
	shared.Multiple = overlay.Multiple
	shared.DefinitionID = overlay.DefinitionID
	shared.Values = overlay.Values
}

func bundleToNodeState(id item.ID, b *codec.Bundle) *item.NodeState {
	names := make([]item.QName, 0, len(b.Properties))
	for _, pb := range b.Properties {
		names = append(names, pb.Name)
	}
	return &item.NodeState{
		ID:            id,
		PrimaryType:   b.PrimaryType,
		MixinTypes:    b.MixinTypes,
		Parent:        b.Parent,
		HasParent:     b.HasParent,
		DefinitionID:  b.DefinitionID,
		ChildNodes:    b.ChildNodes,
		PropertyNames: names,
		ModCount:      b.ModCount,
		Status:        item.StatusExisting,
	}
}

// bundleToPropertyStates materializes a decoded bundle's embedded
// property blocks into PropertyStates owned by ownerUUID.
func bundleToPropertyStates(ownerUUID uuid.UUID, b *codec.Bundle) []*item.PropertyState {
	out := make([]*item.PropertyState, 0, len(b.Properties))
	for _, pb := range b.Properties {
		out = append(out, &item.PropertyState{
			ID:           item.NewPropertyID(ownerUUID, pb.Name),
			RequiredType: pb.Type,
			Multiple:     pb.Multiple,
			DefinitionID: pb.DefinitionID,
			Values:       pb.Values,
			Status:       item.StatusExisting,
			ModCount:     pb.ModCount,
		})
	}
	return out
}

// nodeStateToBundle encodes s plus its current property set: each name in
// s.PropertyNames is resolved from this update's staged property overlays
// first, falling back to the canonical shared property state for any
// property untouched by this commit, so every committed node bundle
// carries its full property list rather than just the changed subset.
func (u *Update) nodeStateToBundle(s *item.NodeState) (*codec.Bundle, error) {
	props := make([]codec.PropertyBundle, 0, len(s.PropertyNames))
	for _, name := range s.PropertyNames {
		propID := item.NewPropertyID(s.ID.UUID(), name)
		p, _ := u.sharedLog.GetProperty(propID)
		if p == nil {
			var err error
			p, err = u.mgr.getPropertyStateLocked(propID)
			if err != nil {
				return nil, err
			}
		}
		props = append(props, propertyStateToBundle(p))
	}

	return &codec.Bundle{
		PrimaryType:  s.PrimaryType,
		MixinTypes:   s.MixinTypes,
		Parent:       s.Parent,
		HasParent:    s.HasParent,
		DefinitionID: s.DefinitionID,
		ChildNodes:   s.ChildNodes,
		Properties:   props,
		ModCount:     s.ModCount,
	}, nil
}

func propertyStateToBundle(p *item.PropertyState) codec.PropertyBundle {
	return codec.PropertyBundle{
		Name:         p.ID.Name(),
		Type:         p.RequiredType,
		Multiple:     p.Multiple,
		DefinitionID: p.DefinitionID,
		ModCount:     p.ModCount,
		Values:       p.Values,
	}
}

// CacheSize reports the number of live weak-cache entries, sampled by the
// housekeeping loop.
func (m *Manager) CacheSize() int {
	return m.cache.size()
}
