// Package schema implements the compatibility checker of EntDB §4.E:
// given two frozen graph.Registry snapshots, it classifies every
// difference as breaking or non-breaking, using the same
// diff-and-classify shape as a named, described migration list
// (internal/storage/sqlite/migrations.go).
package schema

import (
	"fmt"
	"sort"

	"github.com/cuemby/entdb/internal/graph"
)

// ChangeKind names one category of schema evolution.
type ChangeKind string

const (
	NodeTypeAdded          ChangeKind = "NODE_TYPE_ADDED"
	EdgeTypeAdded          ChangeKind = "EDGE_TYPE_ADDED"
	FieldAdded             ChangeKind = "FIELD_ADDED"
	NameChanged            ChangeKind = "NAME_CHANGED"
	Deprecated             ChangeKind = "DEPRECATED"
	EnumValueAppended      ChangeKind = "ENUM_VALUE_APPENDED"
	IndexFlagEnabled       ChangeKind = "INDEX_FLAG_ENABLED"
	DescriptionChanged     ChangeKind = "DESCRIPTION_CHANGED"
	NodeTypeRemoved        ChangeKind = "NODE_TYPE_REMOVED"
	EdgeTypeRemoved        ChangeKind = "EDGE_TYPE_REMOVED"
	FieldRemoved           ChangeKind = "FIELD_REMOVED"
	FieldKindChanged       ChangeKind = "FIELD_KIND_CHANGED"
	EdgeEndpointChanged    ChangeKind = "EDGE_ENDPOINT_CHANGED"
	FieldMadeRequired      ChangeKind = "FIELD_MADE_REQUIRED"
	EnumValueRemoved       ChangeKind = "ENUM_VALUE_REMOVED"
	EnumValuesReordered    ChangeKind = "ENUM_VALUES_REORDERED"
	TypeIDReused           ChangeKind = "TYPE_ID_REUSED"
	FieldIDReused          ChangeKind = "FIELD_ID_REUSED"
)

// breaking is the fixed classification table from EntDB §4.E.
var breaking = map[ChangeKind]bool{
	NodeTypeAdded:       false,
	EdgeTypeAdded:       false,
	FieldAdded:          false,
	NameChanged:         false,
	Deprecated:          false,
	EnumValueAppended:   false,
	IndexFlagEnabled:    false,
	DescriptionChanged:  false,
	NodeTypeRemoved:     true,
	EdgeTypeRemoved:     true,
	FieldRemoved:        true,
	FieldKindChanged:    true,
	EdgeEndpointChanged: true,
	FieldMadeRequired:   true,
	EnumValueRemoved:    true,
	EnumValuesReordered: true,
	TypeIDReused:        true,
	FieldIDReused:       true,
}

// Change is one classified difference between an old and new
// registry snapshot.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Path       string     `json:"path"`
	OldValue   any        `json:"old_value,omitempty"`
	NewValue   any        `json:"new_value,omitempty"`
	Message    string     `json:"message"`
	IsBreaking bool       `json:"is_breaking"`
}

func newChange(kind ChangeKind, path string, oldV, newV any, msg string) Change {
	return Change{Kind: kind, Path: path, OldValue: oldV, NewValue: newV, Message: msg, IsBreaking: breaking[kind]}
}

// Compare diffs old against new and returns every classified change,
// sorted by path for deterministic CLI output.
func Compare(old, new *graph.Registry) []Change {
	var changes []Change
	changes = append(changes, compareNodeTypes(old, new)...)
	changes = append(changes, compareEdgeTypes(old, new)...)
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Path != changes[j].Path {
			return changes[i].Path < changes[j].Path
		}
		return changes[i].Kind < changes[j].Kind
	})
	return changes
}

// HasBreaking reports whether any change in the list is breaking.
func HasBreaking(changes []Change) bool {
	for _, c := range changes {
		if c.IsBreaking {
			return true
		}
	}
	return false
}

func compareNodeTypes(old, new *graph.Registry) []Change {
	var changes []Change
	oldByID := indexByID(old.AllNodeTypes())
	newByID := indexByID(new.AllNodeTypes())
	oldByName := nameToID(old.AllNodeTypes())
	newByName := nameToID(new.AllNodeTypes())

	for id, nt := range newByID {
		if _, existed := oldByID[id]; !existed {
			// type_id reuse: a different name existed under a different
			// id in the old registry's deprecated-then-renamed history
			// cannot be detected from a single pair of snapshots beyond
			// name collision against a *different* id.
			if oldID, nameUsed := oldByName[nt.Name]; nameUsed && oldID != id {
				changes = append(changes, newChange(TypeIDReused, fmt.Sprintf("NodeType:%s", nt.Name), oldID, id,
					"name previously bound to a different type_id"))
				continue
			}
			changes = append(changes, newChange(NodeTypeAdded, fmt.Sprintf("NodeType:%s", nt.Name), nil, id,
				"node type added"))
		}
	}
	for id, nt := range oldByID {
		if _, stillExists := newByID[id]; !stillExists {
			changes = append(changes, newChange(NodeTypeRemoved, fmt.Sprintf("NodeType:%s", nt.Name), id, nil,
				"node type removed"))
		}
	}
	for id, o := range oldByID {
		n, ok := newByID[id]
		if !ok {
			continue
		}
		path := fmt.Sprintf("NodeType:%s", o.Name)
		if o.Name != n.Name {
			changes = append(changes, newChange(NameChanged, path, o.Name, n.Name, "node type renamed"))
			path = fmt.Sprintf("NodeType:%s", n.Name)
		}
		if !o.Deprecated && n.Deprecated {
			changes = append(changes, newChange(Deprecated, path, o.Deprecated, n.Deprecated, "node type deprecated"))
		}
		if o.Description != n.Description {
			changes = append(changes, newChange(DescriptionChanged, path, o.Description, n.Description, "description changed"))
		}
		changes = append(changes, compareFields(path, o.Fields, n.Fields)...)
	}
	return changes
}

func compareEdgeTypes(old, new *graph.Registry) []Change {
	var changes []Change
	oldByID := indexEdgesByID(old.AllEdgeTypes())
	newByID := indexEdgesByID(new.AllEdgeTypes())
	oldByName := edgeNameToID(old.AllEdgeTypes())
	newByName := edgeNameToID(new.AllEdgeTypes())

	for id, et := range newByID {
		if _, existed := oldByID[id]; !existed {
			if oldID, nameUsed := oldByName[et.Name]; nameUsed && oldID != id {
				changes = append(changes, newChange(TypeIDReused, fmt.Sprintf("EdgeType:%s", et.Name), oldID, id,
					"name previously bound to a different edge_id"))
				continue
			}
			changes = append(changes, newChange(EdgeTypeAdded, fmt.Sprintf("EdgeType:%s", et.Name), nil, id, "edge type added"))
		}
	}
	for id, et := range oldByID {
		if _, stillExists := newByID[id]; !stillExists {
			changes = append(changes, newChange(EdgeTypeRemoved, fmt.Sprintf("EdgeType:%s", et.Name), id, nil, "edge type removed"))
		}
	}
	_ = newByName
	for id, o := range oldByID {
		n, ok := newByID[id]
		if !ok {
			continue
		}
		path := fmt.Sprintf("EdgeType:%s", o.Name)
		if o.Name != n.Name {
			changes = append(changes, newChange(NameChanged, path, o.Name, n.Name, "edge type renamed"))
			path = fmt.Sprintf("EdgeType:%s", n.Name)
		}
		if o.FromTypeID != n.FromTypeID || o.ToTypeID != n.ToTypeID {
			changes = append(changes, newChange(EdgeEndpointChanged, path,
				fmt.Sprintf("%d->%d", o.FromTypeID, o.ToTypeID),
				fmt.Sprintf("%d->%d", n.FromTypeID, n.ToTypeID),
				"edge from_type_id/to_type_id changed"))
		}
		if !o.Deprecated && n.Deprecated {
			changes = append(changes, newChange(Deprecated, path, o.Deprecated, n.Deprecated, "edge type deprecated"))
		}
		if o.Description != n.Description {
			changes = append(changes, newChange(DescriptionChanged, path, o.Description, n.Description, "description changed"))
		}
		changes = append(changes, compareFields(path, o.Props, n.Props)...)
	}
	return changes
}

func compareFields(typePath string, old, new []graph.FieldDef) []Change {
	var changes []Change
	oldByID := fieldsByID(old)
	newByID := fieldsByID(new)
	oldByName := fieldNameToID(old)
	newByName := fieldNameToID(new)

	for id, f := range newByID {
		if _, existed := oldByID[id]; !existed {
			if oldID, used := oldByName[f.Name]; used && oldID != id {
				changes = append(changes, newChange(FieldIDReused, fmt.Sprintf("%s.field:%s", typePath, f.Name), oldID, id,
					"field_id reused under the same field name"))
				continue
			}
			changes = append(changes, newChange(FieldAdded, fmt.Sprintf("%s.field:%s", typePath, f.Name), nil, id, "field added"))
		}
	}
	for id, f := range oldByID {
		if _, stillExists := newByID[id]; !stillExists {
			changes = append(changes, newChange(FieldRemoved, fmt.Sprintf("%s.field:%s", typePath, f.Name), id, nil, "field removed"))
		}
	}
	_ = newByName
	for id, o := range oldByID {
		n, ok := newByID[id]
		if !ok {
			continue
		}
		fp := fmt.Sprintf("%s.field:%s", typePath, o.Name)
		if o.Name != n.Name {
			changes = append(changes, newChange(NameChanged, fp, o.Name, n.Name, "field renamed"))
			fp = fmt.Sprintf("%s.field:%s", typePath, n.Name)
		}
		if o.Kind != n.Kind {
			changes = append(changes, newChange(FieldKindChanged, fp, o.Kind, n.Kind, "field kind changed"))
		}
		if !o.Required && n.Required {
			changes = append(changes, newChange(FieldMadeRequired, fp, o.Required, n.Required, "optional field made required"))
		}
		if !o.Deprecated && n.Deprecated {
			changes = append(changes, newChange(Deprecated, fp, o.Deprecated, n.Deprecated, "field deprecated"))
		}
		if !o.Indexed && n.Indexed {
			changes = append(changes, newChange(IndexFlagEnabled, fp, o.Indexed, n.Indexed, "indexed flag enabled"))
		}
		if !o.Searchable && n.Searchable {
			changes = append(changes, newChange(IndexFlagEnabled, fp, o.Searchable, n.Searchable, "searchable flag enabled"))
		}
		if o.Description != n.Description {
			changes = append(changes, newChange(DescriptionChanged, fp, o.Description, n.Description, "description changed"))
		}
		changes = append(changes, compareEnum(fp, o.EnumValues, n.EnumValues)...)
	}
	return changes
}

// compareEnum classifies enum value changes: an append-only suffix
// extension is non-breaking; any removal, or a reorder with no
// add/remove, is breaking.
func compareEnum(fieldPath string, old, new []string) []Change {
	if len(old) == 0 && len(new) == 0 {
		return nil
	}
	oldSet := toSet(old)
	newSet := toSet(new)

	var removed []string
	for _, v := range old {
		if !newSet[v] {
			removed = append(removed, v)
		}
	}
	var added []string
	for _, v := range new {
		if !oldSet[v] {
			added = append(added, v)
		}
	}
	if len(removed) > 0 {
		return []Change{newChange(EnumValueRemoved, fieldPath, old, new, fmt.Sprintf("enum values removed: %v", removed))}
	}
	if len(added) > 0 {
		// Non-breaking only if the new values were appended after the
		// common prefix; otherwise this is an insert-in-the-middle,
		// which we treat the same as a reorder below.
		if isAppendOnly(old, new) {
			return []Change{newChange(EnumValueAppended, fieldPath, old, new, fmt.Sprintf("enum values appended: %v", added))}
		}
		return []Change{newChange(EnumValuesReordered, fieldPath, old, new, "enum values inserted out of append order")}
	}
	if len(old) == len(new) {
		for i := range old {
			if old[i] != new[i] {
				return []Change{newChange(EnumValuesReordered, fieldPath, old, new, "enum values reordered")}
			}
		}
	}
	return nil
}

func isAppendOnly(old, new []string) bool {
	if len(new) < len(old) {
		return false
	}
	for i := range old {
		if old[i] != new[i] {
			return false
		}
	}
	return true
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func indexByID(nts []*graph.NodeType) map[int]*graph.NodeType {
	m := make(map[int]*graph.NodeType, len(nts))
	for _, nt := range nts {
		m[nt.TypeID] = nt
	}
	return m
}

func nameToID(nts []*graph.NodeType) map[string]int {
	m := make(map[string]int, len(nts))
	for _, nt := range nts {
		m[nt.Name] = nt.TypeID
	}
	return m
}

func indexEdgesByID(ets []*graph.EdgeType) map[int]*graph.EdgeType {
	m := make(map[int]*graph.EdgeType, len(ets))
	for _, et := range ets {
		m[et.EdgeID] = et
	}
	return m
}

func edgeNameToID(ets []*graph.EdgeType) map[string]int {
	m := make(map[string]int, len(ets))
	for _, et := range ets {
		m[et.Name] = et.EdgeID
	}
	return m
}

func fieldsByID(fs []graph.FieldDef) map[uint16]graph.FieldDef {
	m := make(map[uint16]graph.FieldDef, len(fs))
	for _, f := range fs {
		m[f.FieldID] = f
	}
	return m
}

func fieldNameToID(fs []graph.FieldDef) map[string]uint16 {
	m := make(map[string]uint16, len(fs))
	for _, f := range fs {
		m[f.Name] = f.FieldID
	}
	return m
}
