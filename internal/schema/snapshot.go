package schema

import (
	"encoding/json"

	"github.com/cuemby/entdb/internal/graph"
)

// Snapshot is the {version, fingerprint, schema} document written by
// the `snapshot` CLI command and turned back into a Registry by
// LoadRegistry, so Compare can use a prior schema generation from disk.
type Snapshot struct {
	Version     int              `json:"version"`
	Fingerprint string           `json:"fingerprint"`
	Schema      SchemaDoc        `json:"schema"`
}

// SchemaDoc is the sorted, serializable body of a frozen registry.
type SchemaDoc struct {
	NodeTypes []*graph.NodeType `json:"node_types"`
	EdgeTypes []*graph.EdgeType `json:"edge_types"`
}

// BuildSnapshot captures a frozen registry's fingerprint and sorted
// type list under a caller-supplied version number (the version is an
// external bookkeeping concern — it is not derived from the registry
// itself, matching a hand-numbered migrations list rather than a
// content-addressed one).
func BuildSnapshot(version int, r *graph.Registry) (Snapshot, error) {
	return Snapshot{
		Version:     version,
		Fingerprint: r.Fingerprint(),
		Schema: SchemaDoc{
			NodeTypes: r.AllNodeTypes(),
			EdgeTypes: r.AllEdgeTypes(),
		},
	}, nil
}

// MarshalSorted renders the snapshot as JSON with sorted keys, per
// EntDB §4.E's `snapshot` command contract. encoding/json sorts map
// keys but writes struct fields in declaration order, so the snapshot
// is re-marshaled through a generic map representation.
func (s Snapshot) MarshalSorted() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.MarshalIndent(generic, "", "  ")
}

// LoadRegistry rebuilds a frozen Registry from a previously written
// Snapshot, so that `check`/`diff` can compare against a schema
// generation that is no longer running in process.
func LoadRegistry(s Snapshot) (*graph.Registry, error) {
	r := graph.NewRegistry()
	for _, nt := range s.Schema.NodeTypes {
		if err := r.RegisterNodeType(*nt); err != nil {
			return nil, err
		}
	}
	for _, et := range s.Schema.EdgeTypes {
		if err := r.RegisterEdgeType(*et); err != nil {
			return nil, err
		}
	}
	if _, err := r.Freeze(); err != nil {
		return nil, err
	}
	return r, nil
}
