package schema

import (
	"testing"

	"github.com/cuemby/entdb/internal/graph"
)

func buildFrozen(t *testing.T, nodeTypes []graph.NodeType, edgeTypes []graph.EdgeType) *graph.Registry {
	t.Helper()
	r := graph.NewRegistry()
	for _, nt := range nodeTypes {
		if err := r.RegisterNodeType(nt); err != nil {
			t.Fatalf("RegisterNodeType(%q) failed: %v", nt.Name, err)
		}
	}
	for _, et := range edgeTypes {
		if err := r.RegisterEdgeType(et); err != nil {
			t.Fatalf("RegisterEdgeType(%q) failed: %v", et.Name, err)
		}
	}
	if _, err := r.Freeze(); err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}
	return r
}

func TestCompareAddingFieldIsNonBreaking(t *testing.T) {
	old := buildFrozen(t, []graph.NodeType{{TypeID: 1, Name: "task"}}, nil)
	new := buildFrozen(t, []graph.NodeType{{
		TypeID: 1, Name: "task",
		Fields: []graph.FieldDef{{FieldID: 1, Name: "title", Kind: graph.KindStr}},
	}}, nil)

	changes := Compare(old, new)
	if len(changes) != 1 || changes[0].Kind != FieldAdded {
		t.Fatalf("Compare() = %+v, want a single FIELD_ADDED change", changes)
	}
	if HasBreaking(changes) {
		t.Fatalf("HasBreaking() = true, want false for an added field")
	}
}

func TestCompareRemovingFieldIsBreaking(t *testing.T) {
	old := buildFrozen(t, []graph.NodeType{{
		TypeID: 1, Name: "task",
		Fields: []graph.FieldDef{{FieldID: 1, Name: "title", Kind: graph.KindStr}},
	}}, nil)
	new := buildFrozen(t, []graph.NodeType{{TypeID: 1, Name: "task"}}, nil)

	changes := Compare(old, new)
	if !HasBreaking(changes) {
		t.Fatalf("HasBreaking() = false, want true after removing a field")
	}
	var found bool
	for _, c := range changes {
		if c.Kind == FieldRemoved {
			found = true
		}
	}
	if !found {
		t.Fatalf("Compare() = %+v, want a FIELD_REMOVED change", changes)
	}
}

func TestCompareEnumAppendIsNonBreakingButReorderIsBreaking(t *testing.T) {
	mkRegistry := func(values []string) *graph.Registry {
		return buildFrozen(t, []graph.NodeType{{
			TypeID: 1, Name: "task",
			Fields: []graph.FieldDef{{FieldID: 1, Name: "status", Kind: graph.KindEnum, EnumValues: values}},
		}}, nil)
	}

	base := mkRegistry([]string{"open", "closed"})
	appended := mkRegistry([]string{"open", "closed", "archived"})
	if HasBreaking(Compare(base, appended)) {
		t.Fatalf("appending an enum value should be non-breaking")
	}

	reordered := mkRegistry([]string{"closed", "open"})
	if !HasBreaking(Compare(base, reordered)) {
		t.Fatalf("reordering enum values should be breaking")
	}
}

func TestCompareEdgeEndpointChangeIsBreaking(t *testing.T) {
	old := buildFrozen(t, nil, []graph.EdgeType{{EdgeID: 1, Name: "assigned_to", FromTypeID: 1, ToTypeID: 2}})
	new := buildFrozen(t, nil, []graph.EdgeType{{EdgeID: 1, Name: "assigned_to", FromTypeID: 1, ToTypeID: 3}})

	changes := Compare(old, new)
	if !HasBreaking(changes) {
		t.Fatalf("HasBreaking() = false, want true after changing an edge's to_type_id")
	}
}

func TestCompareTypeIDReuseUnderSameName(t *testing.T) {
	old := buildFrozen(t, []graph.NodeType{{TypeID: 1, Name: "task"}}, nil)
	new := buildFrozen(t, []graph.NodeType{{TypeID: 2, Name: "task"}}, nil)

	changes := Compare(old, new)
	var found bool
	for _, c := range changes {
		if c.Kind == TypeIDReused {
			found = true
		}
	}
	if !found {
		t.Fatalf("Compare() = %+v, want a TYPE_ID_REUSED change for a renamed-id collision", changes)
	}
	if !HasBreaking(changes) {
		t.Fatalf("HasBreaking() = false, want true for a reused type_id")
	}
}

func TestBuildSnapshotRoundTrip(t *testing.T) {
	r := buildFrozen(t, []graph.NodeType{{TypeID: 1, Name: "task"}}, nil)
	snap, err := BuildSnapshot(3, r)
	if err != nil {
		t.Fatalf("BuildSnapshot() failed: %v", err)
	}
	if snap.Fingerprint != r.Fingerprint() {
		t.Fatalf("snapshot fingerprint = %q, want %q", snap.Fingerprint, r.Fingerprint())
	}

	reloaded, err := LoadRegistry(snap)
	if err != nil {
		t.Fatalf("LoadRegistry() failed: %v", err)
	}
	if reloaded.Fingerprint() != r.Fingerprint() {
		t.Fatalf("reloaded fingerprint = %q, want %q", reloaded.Fingerprint(), r.Fingerprint())
	}
	if changes := Compare(r, reloaded); len(changes) != 0 {
		t.Fatalf("Compare(original, reloaded) = %+v, want no changes", changes)
	}
}
