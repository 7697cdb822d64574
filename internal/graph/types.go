// Package graph defines the tenant-scoped data model: nodes, edges,
// the visibility index derived from ACLs, and the node/edge type
// definitions held by the schema registry. These are plain value
// types; persistence lives in internal/storage/canonical.
package graph

// FieldKind enumerates the primitive and structured value kinds a
// FieldDef may declare.
type FieldKind string

const (
	KindStr      FieldKind = "str"
	KindInt      FieldKind = "int"
	KindFloat    FieldKind = "float"
	KindBool     FieldKind = "bool"
	KindTime     FieldKind = "timestamp"
	KindJSON     FieldKind = "json"
	KindBytes    FieldKind = "bytes"
	KindEnum     FieldKind = "enum"
	KindRef      FieldKind = "ref"
	KindListStr  FieldKind = "list_str"
	KindListInt  FieldKind = "list_int"
	KindListRef  FieldKind = "list_ref"
)

// FieldDef describes one field of a NodeType's payload or an
// EdgeType's props.
type FieldDef struct {
	FieldID     uint16    `json:"field_id"`
	Name        string    `json:"name"`
	Kind        FieldKind `json:"kind"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	EnumValues  []string  `json:"enum_values,omitempty"`
	RefTypeID   int       `json:"ref_type_id,omitempty"`
	Indexed     bool      `json:"indexed,omitempty"`
	Searchable  bool      `json:"searchable,omitempty"`
	Deprecated  bool      `json:"deprecated,omitempty"`
	Description string    `json:"description,omitempty"`
}

// NodeType is a registered entity type. Identity is TypeID; Name may
// change across versions without changing identity.
type NodeType struct {
	TypeID      int        `json:"type_id"`
	Name        string     `json:"name"`
	Fields      []FieldDef `json:"fields"`
	Deprecated  bool       `json:"deprecated,omitempty"`
	Description string     `json:"description,omitempty"`
	DefaultACL  []ACLEntry `json:"default_acl,omitempty"`
}

// EdgeType is a registered directed relationship type. Identity is
// EdgeID; FromTypeID/ToTypeID are immutable once registered.
type EdgeType struct {
	EdgeID        int        `json:"edge_id"`
	Name          string     `json:"name"`
	FromTypeID    int        `json:"from_type_id"`
	ToTypeID      int        `json:"to_type_id"`
	Props         []FieldDef `json:"props"`
	UniquePerFrom bool       `json:"unique_per_from,omitempty"`
	Deprecated    bool       `json:"deprecated,omitempty"`
	Description   string     `json:"description,omitempty"`
}

// ACLEntry is one (principal, permission) pair in a node's ACL.
type ACLEntry struct {
	Principal  string `json:"principal"`
	Permission string `json:"permission"`
}

// Node is a tenant-owned entity.
type Node struct {
	TenantID    string         `json:"tenant_id"`
	NodeID      string         `json:"node_id"`
	TypeID      int            `json:"type_id"`
	Payload     map[string]any `json:"payload"`
	OwnerActor  string         `json:"owner_actor"`
	ACL         []ACLEntry     `json:"acl"`
	CreatedAtMs int64          `json:"created_at_ms"`
	UpdatedAtMs int64          `json:"updated_at_ms"`
}

// Edge is a directed, typed relationship. Identity is
// (TenantID, EdgeTypeID, FromNodeID, ToNodeID); re-creating an edge
// with the same identity replaces Props.
type Edge struct {
	TenantID    string         `json:"tenant_id"`
	EdgeTypeID  int            `json:"edge_type_id"`
	FromNodeID  string         `json:"from_node_id"`
	ToNodeID    string         `json:"to_node_id"`
	Props       map[string]any `json:"props"`
	CreatedAtMs int64          `json:"created_at_ms"`
}

// AppliedEvent is a ledger entry recording that an idempotency key
// has already been applied at a given stream position.
type AppliedEvent struct {
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	StreamPos      string `json:"stream_pos"`
	AppliedAtMs    int64  `json:"applied_at_ms"`
}

// VisibilityEntry is one row of the derived visibility index: a
// principal that may see a node, either as owner, as an explicit ACL
// principal, or via "tenant:*".
type VisibilityEntry struct {
	TenantID  string `json:"tenant_id"`
	NodeID    string `json:"node_id"`
	Principal string `json:"principal"`
}

// TenantWildcard is the ACL principal granting visibility to every
// actor within a tenant.
const TenantWildcard = "tenant:*"

// VisibilityPrincipals returns the deduplicated set of principals that
// must appear in the visibility index for a node with the given owner
// and ACL: the owner, plus every ACL principal.
func VisibilityPrincipals(owner string, acl []ACLEntry) []string {
	seen := make(map[string]bool, len(acl)+1)
	out := make([]string, 0, len(acl)+1)
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	add(owner)
	for _, e := range acl {
		add(e.Principal)
	}
	return out
}
