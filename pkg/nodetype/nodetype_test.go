package nodetype

import (
	"errors"
	"testing"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/xerr"
)

func qn(local string) item.QName {
	return item.QName{LocalName: local}
}

func TestEffectiveTypeIdempotentSupertypeMerge(t *testing.T) {
	reg := NewMapRegistry()

	base := &Def{Name: qn("nt:base")}
	reg.Register(base)

	folder := &Def{
		Name:       qn("nt:folder"),
		Supertypes: []item.QName{qn("nt:base")},
	}
	reg.Register(folder)

	fileDef := &Def{
		Name:       qn("nt:file"),
		Supertypes: []item.QName{qn("nt:folder"), qn("nt:base")},
	}

	eff, err := Build(fileDef, reg)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !eff.HasName(qn("nt:base")) {
		t.Fatal("expected transitively merged nt:base to be present")
	}
	if !eff.HasName(qn("nt:folder")) {
		t.Fatal("expected nt:folder to be present")
	}
}

func TestDuplicateChildDefConflict(t *testing.T) {
	dup := ChildNodeDef{ItemDef: ItemDef{DeclaringType: qn("nt:x"), Name: qn("child")}}
	def := &Def{
		Name:          qn("nt:x"),
		ChildNodeDefs: []ChildNodeDef{dup, dup},
	}
	reg := NewMapRegistry()

	_, err := Build(def, reg)
	if err == nil {
		t.Fatal("expected Conflict error for duplicate child-node definition")
	}
	if !xerr.Is(err, xerr.Conflict) {
		t.Fatalf("expected xerr.Conflict, got %v", err)
	}
}

func TestAmbiguousPropertyDefinitionsAcrossSupertypes(t *testing.T) {
	reg := NewMapRegistry()

	a := &Def{
		Name: qn("mix:a"),
		PropertyDefs: []PropertyDef{
			{ItemDef: ItemDef{DeclaringType: qn("mix:a"), Name: qn("title")}, RequiredType: item.TypeString, Multiple: false},
		},
	}
	reg.Register(a)

	b := &Def{
		Name: qn("mix:b"),
		PropertyDefs: []PropertyDef{
			{ItemDef: ItemDef{DeclaringType: qn("mix:b"), Name: qn("title")}, RequiredType: item.TypeString, Multiple: false},
		},
	}
	reg.Register(b)

	combined := &Def{
		Name:       qn("nt:combined"),
		Supertypes: []item.QName{qn("mix:a"), qn("mix:b")},
	}

	_, err := Build(combined, reg)
	if err == nil {
		t.Fatal("expected ambiguous property definitions to conflict")
	}
	var xe *xerr.Error
	if !errors.As(err, &xe) || xe.Kind != xerr.Conflict {
		t.Fatalf("expected xerr.Conflict, got %v", err)
	}
}

func TestApplicableChildNodeDefResidualFallback(t *testing.T) {
	reg := NewMapRegistry()
	def := &Def{
		Name: qn("nt:folder"),
		ChildNodeDefs: []ChildNodeDef{
			{
				ItemDef:            ItemDef{DeclaringType: qn("nt:folder"), Residual: true},
				DefaultPrimaryType: qn("nt:file"),
			},
		},
	}

	eff, err := Build(def, reg)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	got, err := eff.ApplicableChildNodeDef(qn("anything"), nil)
	if err != nil {
		t.Fatalf("expected residual fallback to satisfy lookup: %v", err)
	}
	if got.DefaultPrimaryType != qn("nt:file") {
		t.Fatalf("got default primary type %v, want nt:file", got.DefaultPrimaryType)
	}
}

func TestApplicableChildNodeDefConstraintViolation(t *testing.T) {
	reg := NewMapRegistry()
	def := &Def{Name: qn("nt:base")}
	eff, err := Build(def, reg)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	_, err = eff.ApplicableChildNodeDef(qn("missing"), nil)
	if !xerr.Is(err, xerr.ConstraintViolation) {
		t.Fatalf("expected ConstraintViolation, got %v", err)
	}
}

func TestCheckAddNodeRejectsProtected(t *testing.T) {
	reg := NewMapRegistry()
	def := &Def{
		Name: qn("nt:folder"),
		ChildNodeDefs: []ChildNodeDef{
			{
				ItemDef: ItemDef{
					DeclaringType: qn("nt:folder"),
					Name:          qn("jcr:system"),
					Protected:     true,
				},
				DefaultPrimaryType: qn("nt:base"),
			},
		},
	}

	eff, err := Build(def, reg)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if err := eff.CheckAddNode(qn("jcr:system"), nil); !xerr.Is(err, xerr.ConstraintViolation) {
		t.Fatalf("expected ConstraintViolation for protected child, got %v", err)
	}
}

func TestCheckRemoveItemRejectsMandatory(t *testing.T) {
	reg := NewMapRegistry()
	def := &Def{
		Name: qn("nt:base"),
		PropertyDefs: []PropertyDef{
			{ItemDef: ItemDef{DeclaringType: qn("nt:base"), Name: qn("jcr:primaryType"), Mandatory: true}, RequiredType: item.TypeName},
		},
	}

	eff, err := Build(def, reg)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if err := eff.CheckRemoveItem(qn("jcr:primaryType")); !xerr.Is(err, xerr.ConstraintViolation) {
		t.Fatalf("expected ConstraintViolation for mandatory property, got %v", err)
	}
}
