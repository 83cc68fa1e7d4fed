package main

import (
	"fmt"
	"os"

	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/nodetype"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var verifyTypesCmd = &cobra.Command{
	Use:   "verify-types <registry.yaml>",
	Short: "Build every declared effective type and report conflicts",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerifyTypes,
}

// yamlRegistry is the on-disk shape of a node-type registry file: a flat
// list of type definitions, each naming its supertypes by string.
type yamlRegistry struct {
	Types []yamlDef `yaml:"types"`
}

type yamlDef struct {
	Name          string          `yaml:"name"`
	Supertypes    []string        `yaml:"supertypes"`
	Mixin         bool            `yaml:"mixin"`
	ChildNodeDefs []yamlChildNode `yaml:"childNodes"`
	PropertyDefs  []yamlProperty  `yaml:"properties"`
}

type yamlChildNode struct {
	Name        string `yaml:"name"`
	Residual    bool   `yaml:"residual"`
	AutoCreated bool   `yaml:"autoCreated"`
	Mandatory   bool   `yaml:"mandatory"`
	Protected   bool   `yaml:"protected"`
}

type yamlProperty struct {
	Name         string `yaml:"name"`
	Residual     bool   `yaml:"residual"`
	RequiredType string `yaml:"requiredType"`
	Multiple     bool   `yaml:"multiple"`
	AutoCreated  bool   `yaml:"autoCreated"`
	Mandatory    bool   `yaml:"mandatory"`
	Protected    bool   `yaml:"protected"`
}

var valueTypeNames = map[string]item.ValueType{
	"String":    item.TypeString,
	"Long":      item.TypeLong,
	"Double":    item.TypeDouble,
	"Boolean":   item.TypeBoolean,
	"Date":      item.TypeDate,
	"Name":      item.TypeName,
	"Path":      item.TypePath,
	"Reference": item.TypeReference,
	"Binary":    item.TypeBinary,
	"Undefined": item.TypeUndefined,
	"":          item.TypeUndefined,
}

func runVerifyTypes(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}

	var yr yamlRegistry
	if err := yaml.Unmarshal(data, &yr); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}

	reg := nodetype.NewMapRegistry()
	for _, yd := range yr.Types {
		def, err := toDef(yd)
		if err != nil {
			return err
		}
		reg.Register(def)
	}

	failed := 0
	for _, yd := range yr.Types {
		name := item.QName{LocalName: yd.Name}
		def, ok := reg.Lookup(name)
		if !ok {
			continue
		}
		if _, err := nodetype.Build(def, reg); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", yd.Name, err)
			continue
		}
		fmt.Printf("OK   %s\n", yd.Name)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d type(s) failed to build", failed, len(yr.Types))
	}
	return nil
}

func toDef(yd yamlDef) (*nodetype.Def, error) {
	name := item.QName{LocalName: yd.Name}

	supertypes := make([]item.QName, len(yd.Supertypes))
	for i, s := range yd.Supertypes {
		supertypes[i] = item.QName{LocalName: s}
	}

	childDefs := make([]nodetype.ChildNodeDef, len(yd.ChildNodeDefs))
	for i, c := range yd.ChildNodeDefs {
		childDefs[i] = nodetype.ChildNodeDef{
			ItemDef: nodetype.ItemDef{
				DeclaringType: name,
				Name:          item.QName{LocalName: c.Name},
				Residual:      c.Residual,
				AutoCreated:   c.AutoCreated,
				Mandatory:     c.Mandatory,
				Protected:     c.Protected,
			},
		}
	}

	propDefs := make([]nodetype.PropertyDef, len(yd.PropertyDefs))
	for i, p := range yd.PropertyDefs {
		rt, ok := valueTypeNames[p.RequiredType]
		if !ok {
			return nil, fmt.Errorf("type %s: property %s: unknown requiredType %q", yd.Name, p.Name, p.RequiredType)
		}
		propDefs[i] = nodetype.PropertyDef{
			ItemDef: nodetype.ItemDef{
				DeclaringType: name,
				Name:          item.QName{LocalName: p.Name},
				Residual:      p.Residual,
				AutoCreated:   p.AutoCreated,
				Mandatory:     p.Mandatory,
				Protected:     p.Protected,
			},
			RequiredType: rt,
			Multiple:     p.Multiple,
		}
	}

	return &nodetype.Def{
		Name:          name,
		Supertypes:    supertypes,
		Mixin:         yd.Mixin,
		ChildNodeDefs: childDefs,
		PropertyDefs:  propDefs,
	}, nil
}
