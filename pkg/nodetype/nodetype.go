// Package nodetype computes effective node types from registered node-type
// definitions: merging a definition with its supertype closure, detecting
// conflicts, and answering applicable-definition and constraint-check
// queries.
package nodetype

import (
	"fmt"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
)

// OnParentVersion enumerates the versioning behavior of an item definition.
type OnParentVersion int

const (
	OPVCopy OnParentVersion = iota
	OPVVersion
	OPVInitialize
	OPVCompute
	OPVIgnore
	OPVAbort
)

// ItemDef is the common shape shared by child-node and property
// definitions.
type ItemDef struct {
	DeclaringType item.QName
	Name          item.QName // ignored when Residual is set
	Residual      bool
	AutoCreated   bool
	Mandatory     bool
	Protected     bool
	OnVersion     OnParentVersion
}

// ID returns a stable identity string for this definition, used to detect
// duplicate declarations during construction.
func (d ItemDef) ID() string {
	return fmt.Sprintf("%s#%s#%v", d.DeclaringType, d.Name, d.Residual)
}

// ChildNodeDef adds node-specific constraints to ItemDef.
type ChildNodeDef struct {
	ItemDef
	RequiredPrimaryTypes []item.QName
	DefaultPrimaryType   item.QName
	SameNameSiblings     bool
}

// PropertyDef adds property-specific constraints to ItemDef.
type PropertyDef struct {
	ItemDef
	RequiredType     item.ValueType
	Multiple         bool
	ValueConstraints []string
	DefaultValues    []item.Value
}

// Def is a registered node-type definition.
type Def struct {
	Name              item.QName
	Supertypes        []item.QName
	Mixin             bool
	OrderableChildren bool
	PrimaryItemName   item.QName
	ChildNodeDefs     []ChildNodeDef
	PropertyDefs      []PropertyDef
}

// Registry looks up node-type definitions by name. A Registry
// implementation backs the supertype-closure walk during construction.
type Registry interface {
	Lookup(name item.QName) (*Def, bool)
}

// MapRegistry is a simple in-memory Registry.
type MapRegistry struct {
	defs map[item.QName]*Def
}

// NewMapRegistry builds an empty MapRegistry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{defs: make(map[item.QName]*Def)}
}

// Register adds or replaces a definition.
func (r *MapRegistry) Register(d *Def) {
	r.defs[d.Name] = d
}

// Lookup implements Registry.
func (r *MapRegistry) Lookup(name item.QName) (*Def, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// EffectiveType is the immutable, merged view of a definition plus its
// full supertype closure.
type EffectiveType struct {
	names         map[item.QName]bool // all included type names
	merged        map[item.QName]bool // names merged directly (not inherited)
	inherited     map[item.QName]bool
	namedChild    map[item.QName][]ChildNodeDef
	namedProp     map[item.QName][]PropertyDef
	residualChild []ChildNodeDef
	residualProp  []PropertyDef
	seenIDs       map[string]bool
}

func newEffectiveType() *EffectiveType {
	return &EffectiveType{
		names:      make(map[item.QName]bool),
		merged:     make(map[item.QName]bool),
		inherited:  make(map[item.QName]bool),
		namedChild: make(map[item.QName][]ChildNodeDef),
		namedProp:  make(map[item.QName][]PropertyDef),
		seenIDs:    make(map[string]bool),
	}
}

// HasName reports whether typeName is included (directly or by
// inheritance) in this effective type.
func (e *EffectiveType) HasName(typeName item.QName) bool {
	return e.names[typeName]
}

// Build constructs the effective type for def, recursively resolving and
// merging its supertype closure via reg.
func Build(def *Def, reg Registry) (*EffectiveType, error) {
	e := newEffectiveType()
	e.names[def.Name] = true
	e.merged[def.Name] = true

	for _, cnd := range def.ChildNodeDefs {
		if err := e.insertChildDef(cnd); err != nil {
			return nil, err
		}
	}
	for _, pd := range def.PropertyDefs {
		if err := e.insertPropDef(pd); err != nil {
			return nil, err
		}
	}

	for _, superName := range def.Supertypes {
		superDef, ok := reg.Lookup(superName)
		if !ok {
			return nil, xerr.New(xerr.Conflict, fmt.Sprintf("unknown supertype %s", superName))
		}
		superEff, err := Build(superDef, reg)
		if err != nil {
			return nil, err
		}
		if err := e.mergeSupertype(superEff); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *EffectiveType) insertChildDef(cnd ChildNodeDef) error {
	id := cnd.ID()
	if e.seenIDs[id] {
		kind := "named"
		if cnd.Residual {
			kind = "residual"
		}
		return xerr.New(xerr.Conflict, fmt.Sprintf("duplicate %s child-node definition %s", kind, id))
	}
	e.seenIDs[id] = true

	if cnd.Residual {
		e.residualChild = append(e.residualChild, cnd)
		return nil
	}
	if existing := e.namedChild[cnd.Name]; len(existing) > 0 {
		if anyAutoCreated(existing, cnd.AutoCreated) {
			return xerr.New(xerr.Conflict, fmt.Sprintf("auto-create name collision on child node %s", cnd.Name))
		}
	}
	e.namedChild[cnd.Name] = append(e.namedChild[cnd.Name], cnd)
	return nil
}

func (e *EffectiveType) insertPropDef(pd PropertyDef) error {
	id := pd.ID()
	if e.seenIDs[id] {
		kind := "named"
		if pd.Residual {
			kind = "residual"
		}
		return xerr.New(xerr.Conflict, fmt.Sprintf("duplicate %s property definition %s", kind, id))
	}
	e.seenIDs[id] = true

	if pd.Residual {
		e.residualProp = append(e.residualProp, pd)
		return nil
	}
	if existing := e.namedPropDefs(pd.Name); len(existing) > 0 {
		if anyAutoCreatedProp(existing, pd.AutoCreated) {
			return xerr.New(xerr.Conflict, fmt.Sprintf("auto-create name collision on property %s", pd.Name))
		}
	}
	e.namedProp[pd.Name] = append(e.namedProp[pd.Name], pd)
	return nil
}

func (e *EffectiveType) namedPropDefs(name item.QName) []PropertyDef {
	return e.namedProp[name]
}

func anyAutoCreated(defs []ChildNodeDef, incomingAutoCreated bool) bool {
	if incomingAutoCreated {
		return true
	}
	for _, d := range defs {
		if d.AutoCreated {
			return true
		}
	}
	return false
}

func anyAutoCreatedProp(defs []PropertyDef, incomingAutoCreated bool) bool {
	if incomingAutoCreated {
		return true
	}
	for _, d := range defs {
		if d.AutoCreated {
			return true
		}
	}
	return false
}

// mergeSupertype merges other into e per the supertype merge rule: if
// every name in other is already in e, the merge is a no-op (idempotent).
// Otherwise each of other's named and residual definitions is inserted
// under the auto-create and ambiguity rules, and the supertype's name set
// is folded into e's inherited set.
func (e *EffectiveType) mergeSupertype(other *EffectiveType) error {
	subset := true
	for name := range other.names {
		if !e.names[name] {
			subset = false
			break
		}
	}
	if subset {
		return nil
	}

	for name, defs := range other.namedChild {
		for _, d := range defs {
			if !e.names[d.DeclaringType] {
				if err := e.mergeNamedChildDef(name, d); err != nil {
					return err
				}
			}
		}
	}
	for name, defs := range other.namedProp {
		for _, d := range defs {
			if !e.names[d.DeclaringType] {
				if err := e.mergeNamedPropDef(name, d); err != nil {
					return err
				}
			}
		}
	}
	for _, d := range other.residualChild {
		if !e.names[d.DeclaringType] {
			if err := e.mergeResidualChildDef(d); err != nil {
				return err
			}
		}
	}
	for _, d := range other.residualProp {
		if !e.names[d.DeclaringType] {
			if err := e.mergeResidualPropDef(d); err != nil {
				return err
			}
		}
	}

	for name := range other.names {
		e.names[name] = true
		e.inherited[name] = true
	}

	return nil
}

func (e *EffectiveType) mergeNamedChildDef(name item.QName, incoming ChildNodeDef) error {
	existing := e.namedChild[name]
	if len(existing) == 0 {
		e.namedChild[name] = append(e.namedChild[name], incoming)
		return nil
	}
	if anyAutoCreated(existing, incoming.AutoCreated) {
		return xerr.New(xerr.Conflict, fmt.Sprintf("auto-create name collision on child node %s", name))
	}
	// ambiguity rule: two node definitions of the same name are always ambiguous
	return xerr.New(xerr.Conflict, fmt.Sprintf("ambiguous child node definitions for %s", name))
}

func (e *EffectiveType) mergeNamedPropDef(name item.QName, incoming PropertyDef) error {
	existing := e.namedProp[name]
	if len(existing) == 0 {
		e.namedProp[name] = append(e.namedProp[name], incoming)
		return nil
	}
	if anyAutoCreatedProp(existing, incoming.AutoCreated) {
		return xerr.New(xerr.Conflict, fmt.Sprintf("auto-create name collision on property %s", name))
	}
	for _, ex := range existing {
		if ex.RequiredType == incoming.RequiredType && ex.Multiple == incoming.Multiple {
			return xerr.New(xerr.Conflict, fmt.Sprintf("ambiguous property definitions for %s", name))
		}
	}
	e.namedProp[name] = append(e.namedProp[name], incoming)
	return nil
}

func (e *EffectiveType) mergeResidualChildDef(incoming ChildNodeDef) error {
	for _, ex := range e.residualChild {
		if sameQNameSlice(ex.RequiredPrimaryTypes, incoming.RequiredPrimaryTypes) && ex.DefaultPrimaryType == incoming.DefaultPrimaryType {
			return xerr.New(xerr.Conflict, "ambiguous residual child node definitions")
		}
	}
	e.residualChild = append(e.residualChild, incoming)
	return nil
}

func (e *EffectiveType) mergeResidualPropDef(incoming PropertyDef) error {
	for _, ex := range e.residualProp {
		if ex.RequiredType == incoming.RequiredType && ex.Multiple == incoming.Multiple {
			return xerr.New(xerr.Conflict, "ambiguous residual property definitions")
		}
	}
	e.residualProp = append(e.residualProp, incoming)
	return nil
}

func sameQNameSlice(a, b []item.QName) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApplicableChildNodeDef finds the child-node definition to use when
// adding a child named name with an optional required primary type.
func (e *EffectiveType) ApplicableChildNodeDef(name item.QName, primaryType *EffectiveType) (*ChildNodeDef, error) {
	if d := firstSatisfyingChild(e.namedChild[name], primaryType); d != nil {
		return d, nil
	}
	if d := firstSatisfyingChild(e.residualChild, primaryType); d != nil {
		return d, nil
	}
	return nil, xerr.New(xerr.ConstraintViolation, fmt.Sprintf("no applicable child node definition for %s", name))
}

func firstSatisfyingChild(defs []ChildNodeDef, primaryType *EffectiveType) *ChildNodeDef {
	for i := range defs {
		d := &defs[i]
		if primaryType == nil {
			if !d.DefaultPrimaryType.IsZero() {
				return d
			}
			continue
		}
		if requiredTypesSatisfied(d.RequiredPrimaryTypes, primaryType) {
			return d
		}
	}
	return nil
}

func requiredTypesSatisfied(required []item.QName, primaryType *EffectiveType) bool {
	for _, req := range required {
		if !primaryType.HasName(req) {
			return false
		}
	}
	return true
}

// ApplicablePropertyDef finds the property definition to use when setting
// a value of type valueType (possibly multi-valued) under name.
func (e *EffectiveType) ApplicablePropertyDef(name item.QName, valueType item.ValueType, multiValued bool) (*PropertyDef, error) {
	if d := bestMatchingProp(e.namedProp[name], valueType, multiValued); d != nil {
		return d, nil
	}
	if d := bestMatchingProp(e.residualProp, valueType, multiValued); d != nil {
		return d, nil
	}
	return nil, xerr.New(xerr.ConstraintViolation, fmt.Sprintf("no applicable property definition for %s", name))
}

func bestMatchingProp(defs []PropertyDef, valueType item.ValueType, multiValued bool) *PropertyDef {
	var best *PropertyDef
	bestScore := -1
	for i := range defs {
		d := &defs[i]
		if d.RequiredType != item.TypeUndefined && valueType != item.TypeUndefined && d.RequiredType != valueType {
			continue
		}
		score := 0
		if d.Multiple == multiValued {
			score += 2
		}
		if d.RequiredType != item.TypeUndefined {
			score++
		}
		if score == 3 {
			return d
		}
		if score > bestScore {
			bestScore = score
			best = d
		}
	}
	return best
}

// CheckAddNode verifies that a child named name (with optional primary
// type) may be added manually (not through auto-creation), per the
// add-node constraint rule.
func (e *EffectiveType) CheckAddNode(name item.QName, primaryType *EffectiveType) error {
	def, err := e.ApplicableChildNodeDef(name, primaryType)
	if err != nil {
		return err
	}
	if def.Protected || def.AutoCreated {
		return xerr.New(xerr.ConstraintViolation, fmt.Sprintf("cannot manually add protected/auto-created child %s", name))
	}
	return nil
}

// CheckRemoveItem verifies that an item named name may be removed: no
// matching named definition may be mandatory or protected.
func (e *EffectiveType) CheckRemoveItem(name item.QName) error {
	for _, d := range e.namedChild[name] {
		if d.Mandatory || d.Protected {
			return xerr.New(xerr.ConstraintViolation, fmt.Sprintf("cannot remove mandatory/protected child %s", name))
		}
	}
	for _, d := range e.namedProp[name] {
		if d.Mandatory || d.Protected {
			return xerr.New(xerr.ConstraintViolation, fmt.Sprintf("cannot remove mandatory/protected property %s", name))
		}
	}
	return nil
}
