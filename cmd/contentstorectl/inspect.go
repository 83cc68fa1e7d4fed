package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cuemby/contentstore/pkg/codec"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/persist"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <bolt-db-file> <node-uuid>",
	Short: "Decode and print a single stored node bundle",
	Args:  cobra.ExactArgs(2),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	nodeUUID, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("parse node uuid: %w", err)
	}
	nodeID := item.NewNodeID(nodeUUID)

	adapter, err := persist.OpenBoltAdapter(args[0])
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer adapter.Close()

	// The interning table is shared, process-wide state: the indices a
	// bundle's bytes carry are only meaningful against the exact table
	// that was live when it was encoded. Load whatever the writing
	// process last saved rather than starting from an empty table, against
	// which every index in the bundle is out of range.
	names, ok, err := adapter.LoadNameTable()
	if err != nil {
		return fmt.Errorf("load name table: %w", err)
	}
	if !ok {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: no saved name table found; names in this bundle will fail to resolve")
	}

	data, err := adapter.Load(nodeID)
	if err != nil {
		return fmt.Errorf("load node %s: %w", nodeUUID, err)
	}

	c := codec.New(names, nil, 0, true)
	b, err := c.Decode(bytes.NewReader(data), nodeID)
	if err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}

	fmt.Printf("primary type:   %s\n", b.PrimaryType)
	fmt.Printf("mixin types:    %s\n", joinQNames(b.MixinTypes))
	fmt.Printf("parent:         %s (present=%v)\n", b.Parent, b.HasParent)
	fmt.Printf("referenceable:  %v\n", b.Referenceable)
	fmt.Printf("mod count:      %d\n", b.ModCount)
	fmt.Printf("child nodes:    %d\n", len(b.ChildNodes))
	for _, cn := range b.ChildNodes {
		fmt.Printf("  - %s -> %s (index %d)\n", cn.Name, cn.UUID, cn.Index)
	}
	fmt.Printf("properties:     %d\n", len(b.Properties))
	for _, p := range b.Properties {
		fmt.Printf("  - %s (type=%d multiple=%v values=%d)\n", p.Name, p.Type, p.Multiple, len(p.Values))
	}
	return nil
}

func joinQNames(names []item.QName) string {
	if len(names) == 0 {
		return "(none)"
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}
