package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/entdb/internal/entdberr"
)

// Registry holds the node and edge type definitions for one schema
// generation. Registration is serialized under the write lock; once
// Freeze latches the registry the maps are never mutated again, but
// lookups still take the shared read lock before and after Freeze.
//
// The registry is a process-wide singleton only by convention — see
// NewRegistry — callers must inject an explicit instance rather than
// reach for a package-level variable, and any "reset" is a test-only
// operation (see ResetForTest).
type Registry struct {
	mu          sync.RWMutex
	nodeTypes   map[int]*NodeType
	nodeByName  map[string]int
	edgeTypes   map[int]*EdgeType
	edgeByName  map[string]int
	frozen      bool
	fingerprint string
}

// NewRegistry returns an empty, unfrozen Registry.
func NewRegistry() *Registry {
	return &Registry{
		nodeTypes:  make(map[int]*NodeType),
		nodeByName: make(map[string]int),
		edgeTypes:  make(map[int]*EdgeType),
		edgeByName: make(map[string]int),
	}
}

// ResetForTest clears all registrations and the frozen latch. It must
// never be called outside of tests.
func (r *Registry) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeTypes = make(map[int]*NodeType)
	r.nodeByName = make(map[string]int)
	r.edgeTypes = make(map[int]*EdgeType)
	r.edgeByName = make(map[string]int)
	r.frozen = false
	r.fingerprint = ""
}

// RegisterNodeType adds t to the registry. Fails with an
// INVALID_ARGUMENT error after Freeze, or if TypeID or Name is already
// present.
func (r *Registry) RegisterNodeType(t NodeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return entdberr.New(entdberr.InvalidArgument, "registry is frozen, cannot register node type")
	}
	if _, ok := r.nodeTypes[t.TypeID]; ok {
		return entdberr.New(entdberr.InvalidArgument, fmt.Sprintf("node type_id %d already registered", t.TypeID))
	}
	if _, ok := r.nodeByName[t.Name]; ok {
		return entdberr.New(entdberr.InvalidArgument, fmt.Sprintf("node type name %q already registered", t.Name))
	}
	cp := t
	r.nodeTypes[t.TypeID] = &cp
	r.nodeByName[t.Name] = t.TypeID
	return nil
}

// RegisterEdgeType adds t to the registry under the same rules as
// RegisterNodeType.
func (r *Registry) RegisterEdgeType(t EdgeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return entdberr.New(entdberr.InvalidArgument, "registry is frozen, cannot register edge type")
	}
	if _, ok := r.edgeTypes[t.EdgeID]; ok {
		return entdberr.New(entdberr.InvalidArgument, fmt.Sprintf("edge_id %d already registered", t.EdgeID))
	}
	if _, ok := r.edgeByName[t.Name]; ok {
		return entdberr.New(entdberr.InvalidArgument, fmt.Sprintf("edge type name %q already registered", t.Name))
	}
	cp := t
	r.edgeTypes[t.EdgeID] = &cp
	r.edgeByName[t.Name] = t.EdgeID
	return nil
}

// GetNodeType looks up a NodeType by numeric type_id or by name.
func (r *Registry) GetNodeType(idOrName any) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch v := idOrName.(type) {
	case int:
		nt, ok := r.nodeTypes[v]
		return nt, ok
	case string:
		id, ok := r.nodeByName[v]
		if !ok {
			return nil, false
		}
		nt, ok := r.nodeTypes[id]
		return nt, ok
	default:
		return nil, false
	}
}

// GetEdgeType looks up an EdgeType by numeric edge_id or by name.
func (r *Registry) GetEdgeType(idOrName any) (*EdgeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch v := idOrName.(type) {
	case int:
		et, ok := r.edgeTypes[v]
		return et, ok
	case string:
		id, ok := r.edgeByName[v]
		if !ok {
			return nil, false
		}
		et, ok := r.edgeTypes[id]
		return et, ok
	default:
		return nil, false
	}
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Fingerprint returns the fingerprint computed at Freeze time. Empty
// before freezing.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fingerprint
}

// canonicalSnapshot is the JSON shape fingerprinted at freeze time:
// node and edge types sorted by id. Object keys end up sorted because
// Fingerprint re-marshals it through canonicalJSON; sorting the slices
// is what makes it "canonical" across registration order.
type canonicalSnapshot struct {
	NodeTypes []*NodeType `json:"node_types"`
	EdgeTypes []*EdgeType `json:"edge_types"`
}

// Freeze latches the registry against further registration and
// computes its fingerprint: SHA-256 over the canonical JSON
// serialization (keys sorted, no whitespace) of
// {node_types: sorted by type_id, edge_types: sorted by edge_id}.
// Idempotent freeze is forbidden.
func (r *Registry) Freeze() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return "", entdberr.New(entdberr.Internal, "registry already frozen")
	}

	nts := make([]*NodeType, 0, len(r.nodeTypes))
	for _, nt := range r.nodeTypes {
		nts = append(nts, nt)
	}
	sort.Slice(nts, func(i, j int) bool { return nts[i].TypeID < nts[j].TypeID })

	ets := make([]*EdgeType, 0, len(r.edgeTypes))
	for _, et := range r.edgeTypes {
		ets = append(ets, et)
	}
	sort.Slice(ets, func(i, j int) bool { return ets[i].EdgeID < ets[j].EdgeID })

	fp, err := Fingerprint(canonicalSnapshot{NodeTypes: nts, EdgeTypes: ets})
	if err != nil {
		return "", entdberr.Wrap(entdberr.Internal, "computing fingerprint", err)
	}
	r.fingerprint = fp
	r.frozen = true
	return fp, nil
}

// Fingerprint computes the SHA-256, hex-encoded fingerprint of v's
// canonical JSON form: object keys sorted, no insignificant
// whitespace. encoding/json sorts map keys and emits compact output
// but writes struct fields in declaration order, so canonicalJSON
// round-trips v through generic maps to sort struct keys too; slices
// keep the order callers provide.
func Fingerprint(v any) (string, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-marshals v through a generic map/slice
// representation so that any nested map keys are sorted, guaranteeing
// a stable byte representation regardless of struct field order
// supplied by the caller.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// ValidateAll checks that every edge type's from/to type_id and every
// ref-kind field's ref_type_id refer to a registered node type. It
// returns the list of violation messages rather than failing fast, so
// a caller can report every problem in one pass.
func (r *Registry) ValidateAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []string
	for _, et := range r.edgeTypes {
		if _, ok := r.nodeTypes[et.FromTypeID]; !ok {
			errs = append(errs, fmt.Sprintf("EdgeType:%s from_type_id %d is not registered", et.Name, et.FromTypeID))
		}
		if _, ok := r.nodeTypes[et.ToTypeID]; !ok {
			errs = append(errs, fmt.Sprintf("EdgeType:%s to_type_id %d is not registered", et.Name, et.ToTypeID))
		}
		for _, f := range et.Props {
			if f.Kind == KindRef || f.Kind == KindListRef {
				if _, ok := r.nodeTypes[f.RefTypeID]; !ok {
					errs = append(errs, fmt.Sprintf("EdgeType:%s.prop:%s ref_type_id %d is not registered", et.Name, f.Name, f.RefTypeID))
				}
			}
		}
	}
	for _, nt := range r.nodeTypes {
		for _, f := range nt.Fields {
			if f.Kind == KindRef || f.Kind == KindListRef {
				if _, ok := r.nodeTypes[f.RefTypeID]; !ok {
					errs = append(errs, fmt.Sprintf("NodeType:%s.field:%s ref_type_id %d is not registered", nt.Name, f.Name, f.RefTypeID))
				}
			}
		}
	}
	sort.Strings(errs)
	return errs
}

// AllNodeTypes returns every registered NodeType, sorted by TypeID.
func (r *Registry) AllNodeTypes() []*NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeType, 0, len(r.nodeTypes))
	for _, nt := range r.nodeTypes {
		out = append(out, nt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}

// AllEdgeTypes returns every registered EdgeType, sorted by EdgeID.
func (r *Registry) AllEdgeTypes() []*EdgeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EdgeType, 0, len(r.edgeTypes))
	for _, et := range r.edgeTypes {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID < out[j].EdgeID })
	return out
}
