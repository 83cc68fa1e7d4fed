// Package importer drives a startNode/endNode event stream into a local
// state manager, resolving UUID collisions, converting serialized
// property values, and deferring REFERENCE remap until the import
// completes.
package importer

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/log"
	"github.com/cuemby/contentstore/pkg/metrics"
	"github.com/cuemby/contentstore/pkg/nodetype"
	"github.com/cuemby/contentstore/pkg/session"
	"github.com/cuemby/contentstore/pkg/xerr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CollisionPolicy selects how the importer resolves an incoming node
// whose uuid already names an existing node.
type CollisionPolicy int

const (
	// CreateNew always allocates a fresh uuid for every incoming node,
	// regardless of any uuid carried in the event stream.
	CreateNew CollisionPolicy = iota
	// CollisionThrow raises ItemExists on any uuid collision.
	CollisionThrow
	// CollisionRemoveExisting removes the conflicting subtree, then
	// creates the new node with the incoming uuid.
	CollisionRemoveExisting
	// CollisionReplaceExisting is CollisionRemoveExisting, but the new
	// node takes the conflicting node's position under its parent.
	CollisionReplaceExisting
)

// NodeInfo describes one startNode event. UUID may be the zero value,
// meaning the stream did not request a specific identity.
type NodeInfo struct {
	UUID          uuid.UUID
	Name          item.QName
	PrimaryType   item.QName
	MixinTypes    []item.QName
	Referenceable bool
}

// PropertyInfo describes one serialized property to import alongside a
// NodeInfo. Values are string-encoded; BINARY values are base64.
type PropertyInfo struct {
	Name      item.QName
	Type      item.ValueType
	Multiple  bool
	Values    []string
}

type pendingRef struct {
	prop           *item.PropertyState
	valueIndex     int
	originalTarget uuid.UUID
}

type frame struct {
	state   *item.NodeState
	effType *nodetype.EffectiveType
}

// Importer drives one import operation over a session's local state
// manager. It is single-use: build a fresh Importer per import.
type Importer struct {
	local    *session.Manager
	registry nodetype.Registry
	policy   CollisionPolicy

	targetParent item.ID
	stack        []*frame
	uuidMap      map[uuid.UUID]uuid.UUID
	pendingRefs  []pendingRef
	aborted      bool

	// replaceParent is set by resolveID for the node currently being
	// started under CollisionReplaceExisting: it names the conflicting
	// node's former parent, which startNode attaches the new node to
	// instead of the import stream's own current parent.
	replaceParent *uuid.UUID

	logger zerolog.Logger
}

// New builds an Importer that stages nodes as children of targetParent
// (already resolved, existing) using policy to resolve uuid collisions.
// The caller must have already called local.Edit() so staged nodes share
// one change log with the rest of the import.
func New(local *session.Manager, registry nodetype.Registry, targetParent item.ID, policy CollisionPolicy) *Importer {
	return &Importer{
		local:        local,
		registry:     registry,
		policy:       policy,
		targetParent: targetParent,
		uuidMap:      make(map[uuid.UUID]uuid.UUID),
		logger:       log.WithComponent("importer"),
	}
}

// Aborted reports whether a prior event failed and latched the importer
// into its no-op state.
func (im *Importer) Aborted() bool { return im.aborted }

func (im *Importer) abort(cause error) error {
	im.aborted = true
	im.logger.Error().Err(cause).Msg("import aborted")
	if err := im.local.Cancel(); err != nil {
		im.logger.Error().Err(err).Msg("cancel after abort failed")
	}
	return cause
}

func (im *Importer) currentParent() *frame {
	if len(im.stack) == 0 {
		return nil
	}
	return im.stack[len(im.stack)-1]
}

// StartNode stages a new node per info and its properties. A no-op once
// the importer has aborted.
func (im *Importer) StartNode(info NodeInfo, properties []PropertyInfo) error {
	if im.aborted {
		return nil
	}
	if err := im.startNode(info, properties); err != nil {
		return im.abort(err)
	}
	return nil
}

func (im *Importer) startNode(info NodeInfo, properties []PropertyInfo) error {
	im.replaceParent = nil
	id, err := im.resolveID(info)
	if err != nil {
		return err
	}

	parent := im.currentParent()
	parentUUID := im.targetParent.UUID()
	if parent != nil {
		parentUUID = parent.state.ID.UUID()
	}

	et, err := im.effectiveType(info.PrimaryType, info.MixinTypes)
	if err != nil {
		return err
	}

	// CollisionReplaceExisting takes over the conflicting node's former
	// parent rather than the import stream's own current parent, per
	// spec: "the new node is placed at the conflicting node's parent
	// (position replaced)". When that former parent is the node already
	// open on the stack, reuse its in-memory frame so the append below
	// isn't overwritten by a stale reload.
	attachParent := parent
	if im.replaceParent != nil {
		parentUUID = *im.replaceParent
		if parent == nil || parent.state.ID.UUID() != parentUUID {
			replaceState, err := im.local.GetItemState(item.NewNodeID(parentUUID))
			if err != nil {
				return err
			}
			attachParent = &frame{state: replaceState}
		}
	}

	if attachParent != nil && attachParent.effType != nil {
		if err := attachParent.effType.CheckAddNode(info.Name, et); err != nil {
			return err
		}
	}

	state := &item.NodeState{
		ID:          item.NewNodeID(id),
		PrimaryType: info.PrimaryType,
		MixinTypes:  append([]item.QName(nil), info.MixinTypes...),
		Parent:      parentUUID,
		HasParent:   true,
		Status:      item.StatusNew,
	}

	if err := im.local.CreateNew(state); err != nil {
		return err
	}

	if attachParent != nil {
		attachParent.state.AddChild(info.Name, id)
		if err := im.local.Store(attachParent.state); err != nil {
			return err
		}
	}

	for _, p := range properties {
		if err := im.importProperty(et, state, p); err != nil {
			return err
		}
	}

	im.stack = append(im.stack, &frame{state: state, effType: et})
	metrics.ImportedNodesTotal.WithLabelValues("created").Inc()
	return nil
}

// EndNode pops the current node off the pending-parent stack. A no-op
// once the importer has aborted.
func (im *Importer) EndNode() error {
	if im.aborted {
		return nil
	}
	if len(im.stack) == 0 {
		return im.abort(fmt.Errorf("importer: endNode with no matching startNode"))
	}
	im.stack = im.stack[:len(im.stack)-1]
	return nil
}

func (im *Importer) resolveID(info NodeInfo) (uuid.UUID, error) {
	switch im.policy {
	case CreateNew:
		newID := uuid.New()
		if info.UUID != uuid.Nil && info.Referenceable {
			im.uuidMap[info.UUID] = newID
		}
		return newID, nil

	case CollisionThrow:
		if info.UUID == uuid.Nil {
			return uuid.New(), nil
		}
		if im.local.HasItemState(item.NewNodeID(info.UUID)) {
			metrics.ImportedNodesTotal.WithLabelValues("collision_rejected").Inc()
			return uuid.Nil, xerr.New(xerr.ItemExists, info.UUID.String())
		}
		return info.UUID, nil

	case CollisionRemoveExisting, CollisionReplaceExisting:
		if info.UUID == uuid.Nil {
			return uuid.New(), nil
		}
		existingID := item.NewNodeID(info.UUID)
		if !im.local.HasItemState(existingID) {
			return info.UUID, nil
		}
		if im.isTargetOrAncestor(info.UUID) {
			return uuid.Nil, xerr.New(xerr.ConstraintViolation, "cannot remove the import target or one of its ancestors")
		}

		if im.policy == CollisionReplaceExisting {
			existingState, err := im.local.GetItemState(existingID)
			if err != nil {
				return uuid.Nil, err
			}
			if !existingState.HasParent {
				return uuid.Nil, xerr.New(xerr.ConstraintViolation, "cannot replace the root node")
			}
			formerParent := existingState.Parent
			im.replaceParent = &formerParent
		}

		if err := im.removeSubtree(existingID); err != nil {
			return uuid.Nil, err
		}
		metrics.ImportedNodesTotal.WithLabelValues("collision_replaced").Inc()
		return info.UUID, nil

	default:
		return uuid.Nil, fmt.Errorf("importer: unknown collision policy %d", im.policy)
	}
}

func (im *Importer) isTargetOrAncestor(id uuid.UUID) bool {
	if im.targetParent.IsNode() && im.targetParent.UUID() == id {
		return true
	}
	for _, f := range im.stack {
		if f.state.ID.UUID() == id {
			return true
		}
	}
	return false
}

func (im *Importer) removeSubtree(id item.ID) error {
	state, err := im.local.GetItemState(id)
	if err != nil {
		return err
	}
	for _, child := range state.ChildNodes {
		if err := im.removeSubtree(item.NewNodeID(child.UUID)); err != nil {
			return err
		}
	}
	return im.local.Destroy(id)
}

// effectiveType resolves the primary type's supertype closure. Mixins are
// only checked for existence here; their definitions are not folded into
// the returned EffectiveType since nodetype has no exported merge across
// an already-built type.
func (im *Importer) effectiveType(primary item.QName, mixins []item.QName) (*nodetype.EffectiveType, error) {
	if im.registry == nil {
		return nil, fmt.Errorf("importer: no node-type registry mounted")
	}
	def, ok := im.registry.Lookup(primary)
	if !ok {
		return nil, xerr.New(xerr.ConstraintViolation, fmt.Sprintf("unknown primary type %s", primary))
	}
	et, err := nodetype.Build(def, im.registry)
	if err != nil {
		return nil, err
	}
	for _, mixin := range mixins {
		if _, ok := im.registry.Lookup(mixin); !ok {
			return nil, xerr.New(xerr.ConstraintViolation, fmt.Sprintf("unknown mixin type %s", mixin))
		}
	}
	return et, nil
}

func (im *Importer) importProperty(et *nodetype.EffectiveType, owner *item.NodeState, p PropertyInfo) error {
	propID := item.NewPropertyID(owner.ID.UUID(), p.Name)

	def, err := et.ApplicablePropertyDef(p.Name, p.Type, p.Multiple)
	if err != nil {
		return err
	}
	if def.Protected {
		im.logger.Debug().Str("property", p.Name.String()).Msg("skipping protected property on import")
		return nil
	}

	values := make([]item.Value, 0, len(p.Values))
	for _, raw := range p.Values {
		v, err := convertValue(p.Type, raw)
		if err != nil {
			return err
		}
		if err := checkValueConstraints(def, v); err != nil {
			return err
		}
		values = append(values, v)
	}

	prop := &item.PropertyState{
		ID:           propID,
		RequiredType: p.Type,
		Multiple:     p.Multiple,
		DefinitionID: def.ID(),
		Values:       values,
		Status:       item.StatusNew,
	}

	if p.Type == item.TypeReference {
		for i := range values {
			im.pendingRefs = append(im.pendingRefs, pendingRef{prop: prop, valueIndex: i, originalTarget: values[i].Reference})
		}
	}

	owner.AddPropertyName(p.Name)
	return im.local.StoreProperty(prop)
}

// checkValueConstraints enforces def's declared constraints against v.
// Only STRING and NAME constraints (exact match against the declared
// set) are interpreted; other types accept any converted value.
func checkValueConstraints(def *nodetype.PropertyDef, v item.Value) error {
	if len(def.ValueConstraints) == 0 {
		return nil
	}
	switch v.Type {
	case item.TypeString, item.TypeName:
		s := v.String
		if v.Type == item.TypeName {
			s = v.Name.String()
		}
		for _, c := range def.ValueConstraints {
			if c == s {
				return nil
			}
		}
		return xerr.New(xerr.ConstraintViolation, fmt.Sprintf("value %q does not satisfy declared constraints for %s", s, def.Name))
	default:
		return nil
	}
}

func convertValue(t item.ValueType, raw string) (item.Value, error) {
	switch t {
	case item.TypeString, item.TypeDate, item.TypePath:
		return item.Value{Type: t, String: raw}, nil
	case item.TypeLong:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return item.Value{}, xerr.Wrap(xerr.ConstraintViolation, "parse LONG value", err)
		}
		return item.Value{Type: t, Long: n}, nil
	case item.TypeDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return item.Value{}, xerr.Wrap(xerr.ConstraintViolation, "parse DOUBLE value", err)
		}
		return item.Value{Type: t, Double: f}, nil
	case item.TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return item.Value{}, xerr.Wrap(xerr.ConstraintViolation, "parse BOOLEAN value", err)
		}
		return item.Value{Type: t, Boolean: b}, nil
	case item.TypeName:
		return item.Value{Type: t, Name: item.QName{LocalName: raw}}, nil
	case item.TypeReference:
		id, err := uuid.Parse(raw)
		if err != nil {
			return item.Value{}, xerr.Wrap(xerr.ConstraintViolation, "parse REFERENCE value", err)
		}
		return item.Value{Type: t, Reference: id}, nil
	case item.TypeBinary:
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return item.Value{}, xerr.Wrap(xerr.ConstraintViolation, "decode base64 BINARY value", err)
		}
		return item.Value{Type: t, Binary: item.BinaryValue{Inline: data}}, nil
	default:
		return item.Value{}, xerr.New(xerr.ConstraintViolation, fmt.Sprintf("unsupported value type %v", t))
	}
}

// End finishes the import: unresolved REFERENCE values whose original
// target was remapped by the CreateNew collision policy are rewritten to
// the new uuid and re-staged, then the whole staged change log is
// committed through the wrapped session manager's update pipeline.
func (im *Importer) End() error {
	if im.aborted {
		return fmt.Errorf("importer: already aborted")
	}
	if len(im.stack) != 0 {
		return im.abort(fmt.Errorf("importer: end() with %d node(s) still open", len(im.stack)))
	}

	if err := im.remapReferences(); err != nil {
		return im.abort(err)
	}

	if err := im.local.Update(); err != nil {
		return im.abort(err)
	}
	return nil
}

func (im *Importer) remapReferences() error {
	touched := make(map[*item.PropertyState]bool)
	for _, ref := range im.pendingRefs {
		newTarget, remapped := im.uuidMap[ref.originalTarget]
		if !remapped {
			continue
		}
		ref.prop.Values[ref.valueIndex].Reference = newTarget
		touched[ref.prop] = true
	}
	for prop := range touched {
		if err := im.local.StoreProperty(prop); err != nil {
			return err
		}
	}
	return nil
}
