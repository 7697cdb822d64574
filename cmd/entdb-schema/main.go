// Command entdb-schema is the compatibility-checker CLI of EntDB
// §4.E: it builds, diffs, and freezes schema snapshots offline,
// without a running entdbd process.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/schema"
)

func main() {
	root := &cobra.Command{
		Use:   "entdb-schema",
		Short: "Inspect and validate EntDB schema generations offline",
	}
	root.AddCommand(snapshotCmd(), checkCmd(), diffCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// schemaFile is the author-facing input format: just the node/edge
// type list, unfrozen and unversioned.
type schemaFile struct {
	NodeTypes []*graph.NodeType `json:"node_types"`
	EdgeTypes []*graph.EdgeType `json:"edge_types"`
}

func loadSchemaFile(path string) (*graph.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc schemaFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	snap := schema.Snapshot{Schema: schema.SchemaDoc{NodeTypes: doc.NodeTypes, EdgeTypes: doc.EdgeTypes}}
	return schema.LoadRegistry(snap)
}

func loadSnapshotFile(path string) (schema.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.Snapshot{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var snap schema.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return schema.Snapshot{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return snap, nil
}

func snapshotCmd() *cobra.Command {
	var schemaPath, outPath string
	var version int

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Freeze a schema file into a versioned, fingerprinted snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadSchemaFile(schemaPath)
			if err != nil {
				return err
			}
			snap, err := schema.BuildSnapshot(version, registry)
			if err != nil {
				return fmt.Errorf("building snapshot: %w", err)
			}
			out, err := snap.MarshalSorted()
			if err != nil {
				return fmt.Errorf("marshaling snapshot: %w", err)
			}
			if outPath == "" {
				fmt.Println(string(out))
				return nil
			}
			return os.WriteFile(outPath, out, 0o644)
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "path to a node_types/edge_types JSON file (required)")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the snapshot (default: stdout)")
	cmd.Flags().IntVar(&version, "version", 1, "version number to stamp the snapshot with")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func loadOldNew(oldPath, newPath string) (*graph.Registry, *graph.Registry, error) {
	oldSnap, err := loadSnapshotFile(oldPath)
	if err != nil {
		return nil, nil, err
	}
	oldRegistry, err := schema.LoadRegistry(oldSnap)
	if err != nil {
		return nil, nil, fmt.Errorf("loading old registry: %w", err)
	}

	newRegistry, err := loadSchemaFile(newPath)
	if err != nil {
		// newPath may itself be a snapshot (e.g. comparing two
		// frozen generations rather than a generation against a
		// work-in-progress schema file); fall back before failing.
		newSnap, snapErr := loadSnapshotFile(newPath)
		if snapErr != nil {
			return nil, nil, err
		}
		newRegistry, err = schema.LoadRegistry(newSnap)
		if err != nil {
			return nil, nil, fmt.Errorf("loading new registry: %w", err)
		}
	}
	return oldRegistry, newRegistry, nil
}

func diffCmd() *cobra.Command {
	var oldPath, newPath string
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "List every classified change between two schema generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			oldRegistry, newRegistry, err := loadOldNew(oldPath, newPath)
			if err != nil {
				return err
			}
			changes := schema.Compare(oldRegistry, newRegistry)
			return printChanges(changes)
		},
	}
	cmd.Flags().StringVar(&oldPath, "old", "", "path to the prior schema snapshot (required)")
	cmd.Flags().StringVar(&newPath, "new", "", "path to the candidate schema file or snapshot (required)")
	_ = cmd.MarkFlagRequired("old")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}

func checkCmd() *cobra.Command {
	var oldPath, newPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Fail if a candidate schema introduces a breaking change",
		RunE: func(cmd *cobra.Command, args []string) error {
			oldRegistry, newRegistry, err := loadOldNew(oldPath, newPath)
			if err != nil {
				return err
			}
			changes := schema.Compare(oldRegistry, newRegistry)
			if err := printChanges(changes); err != nil {
				return err
			}
			if schema.HasBreaking(changes) {
				return fmt.Errorf("breaking schema change detected")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&oldPath, "old", "", "path to the prior schema snapshot (required)")
	cmd.Flags().StringVar(&newPath, "new", "", "path to the candidate schema file or snapshot (required)")
	_ = cmd.MarkFlagRequired("old")
	_ = cmd.MarkFlagRequired("new")
	return cmd
}

func printChanges(changes []schema.Change) error {
	if len(changes) == 0 {
		fmt.Println("no changes")
		return nil
	}
	for _, c := range changes {
		marker := "  "
		if c.IsBreaking {
			marker = "! "
		}
		fmt.Printf("%s%-22s %-30s %v -> %v %s\n", marker, c.Kind, c.Path, c.OldValue, c.NewValue, c.Message)
	}
	return nil
}
