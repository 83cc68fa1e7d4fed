package main

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cuemby/contentstore/pkg/codec"
	"github.com/cuemby/contentstore/pkg/item"
	"github.com/cuemby/contentstore/pkg/persist"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var dumpRefsCmd = &cobra.Command{
	Use:   "dump-refs <bolt-db-file>",
	Short: "List REFERENCE-typed property values found across all stored nodes",
	Args:  cobra.ExactArgs(1),
	RunE:  runDumpRefs,
}

func runDumpRefs(cmd *cobra.Command, args []string) error {
	adapter, err := persist.OpenBoltAdapter(args[0])
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer adapter.Close()

	names, ok, err := adapter.LoadNameTable()
	if err != nil {
		return fmt.Errorf("load name table: %w", err)
	}
	if !ok {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: no saved name table found; property names will fail to resolve")
	}

	c := codec.New(names, nil, 0, true)
	targets := make(map[uuid.UUID][]string) // target -> referrer descriptions

	err = adapter.ForEachNode(func(id uuid.UUID, data []byte) error {
		b, err := c.Decode(bytes.NewReader(data), item.NewNodeID(id))
		if err != nil {
			return fmt.Errorf("decode node %s: %w", id, err)
		}
		for _, p := range b.Properties {
			if p.Type != item.TypeReference {
				continue
			}
			for _, v := range p.Values {
				ref := fmt.Sprintf("%s/%s", id, p.Name)
				targets[v.Reference] = append(targets[v.Reference], ref)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		fmt.Println("no references found")
		return nil
	}

	sortedTargets := make([]uuid.UUID, 0, len(targets))
	for t := range targets {
		sortedTargets = append(sortedTargets, t)
	}
	sort.Slice(sortedTargets, func(i, j int) bool {
		return sortedTargets[i].String() < sortedTargets[j].String()
	})

	for _, t := range sortedTargets {
		fmt.Printf("%s:\n", t)
		referrers := targets[t]
		sort.Strings(referrers)
		for _, r := range referrers {
			fmt.Printf("  <- %s\n", r)
		}
	}
	return nil
}
