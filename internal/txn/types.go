// Package txn defines the TransactionEvent wire schema: the unit of
// work appended to the log stream and consumed by the applier and the
// restore tool. Operations are a closed, tagged sum type dispatched by
// Kind (EntDB design note "Dispatch on operation kind" — no
// inheritance hierarchy), mirroring a closed EventType enum shape
// (internal/types).
package txn

import "github.com/cuemby/entdb/internal/graph"

// OpKind tags which variant of Operation is populated.
type OpKind string

const (
	OpCreateNode OpKind = "create_node"
	OpUpdateNode OpKind = "update_node"
	OpDeleteNode OpKind = "delete_node"
	OpCreateEdge OpKind = "create_edge"
	OpDeleteEdge OpKind = "delete_edge"
)

// NodeRef identifies a node within an operation: either an opaque id,
// an alias reference into the current event's alias map
// ("$alias" or "$alias.id"), or a (type_id, id) pair. Exactly one of
// these forms is meaningful at a time, selected by which constructor
// built the value; RefString holds the raw alias/id text.
type NodeRef struct {
	// RefString holds either a bare node id or an alias reference
	// beginning with "$". Typed refs also populate TypeID alongside an
	// id in RefString.
	RefString string `json:"ref,omitempty"`
	TypeID    int    `json:"type_id,omitempty"`
	HasType   bool   `json:"has_type,omitempty"`
}

// Ref builds a plain opaque-id NodeRef.
func Ref(id string) NodeRef { return NodeRef{RefString: id} }

// TypedRef builds a (type_id, id) NodeRef.
func TypedRef(typeID int, id string) NodeRef {
	return NodeRef{RefString: id, TypeID: typeID, HasType: true}
}

// AliasRef builds an alias NodeRef ("$alias" or "$alias.id").
func AliasRef(alias string) NodeRef { return NodeRef{RefString: "$" + alias} }

// IsAlias reports whether this ref is an alias reference.
func (r NodeRef) IsAlias() bool {
	return len(r.RefString) > 0 && r.RefString[0] == '$'
}

// FanoutRecipient is one explicit mailbox fanout target named by a
// create_node operation's optional fanout_to list.
type FanoutRecipient = string

// Operation is the closed sum type of mutating actions a
// TransactionEvent may carry. Only the fields relevant to Kind are
// populated; the applier dispatches on Kind.
type Operation struct {
	Kind OpKind `json:"kind"`

	// create_node
	TypeID     int               `json:"type_id,omitempty"`
	NodeID     string            `json:"node_id,omitempty"`
	Payload    map[string]any    `json:"payload,omitempty"`
	OwnerActor string            `json:"owner_actor,omitempty"`
	ACL        []graph.ACLEntry  `json:"acl,omitempty"`
	Alias      string            `json:"alias,omitempty"`
	FanoutTo   []FanoutRecipient `json:"fanout_to,omitempty"`

	// update_node / delete_node
	NodeRef NodeRef        `json:"node_ref,omitempty"`
	Patch   map[string]any `json:"patch,omitempty"`

	// create_edge / delete_edge
	EdgeTypeID int            `json:"edge_type_id,omitempty"`
	FromRef    NodeRef        `json:"from_ref,omitempty"`
	ToRef      NodeRef        `json:"to_ref,omitempty"`
	Props      map[string]any `json:"props,omitempty"`
}

// CreateNode builds a create_node Operation.
func CreateNode(typeID int, payload map[string]any, ownerActor string) Operation {
	return Operation{Kind: OpCreateNode, TypeID: typeID, Payload: payload, OwnerActor: ownerActor}
}

// UpdateNode builds an update_node Operation.
func UpdateNode(typeID int, ref NodeRef, patch map[string]any) Operation {
	return Operation{Kind: OpUpdateNode, TypeID: typeID, NodeRef: ref, Patch: patch}
}

// DeleteNode builds a delete_node Operation.
func DeleteNode(typeID int, ref NodeRef) Operation {
	return Operation{Kind: OpDeleteNode, TypeID: typeID, NodeRef: ref}
}

// CreateEdge builds a create_edge Operation.
func CreateEdge(edgeTypeID int, from, to NodeRef, props map[string]any) Operation {
	return Operation{Kind: OpCreateEdge, EdgeTypeID: edgeTypeID, FromRef: from, ToRef: to, Props: props}
}

// DeleteEdge builds a delete_edge Operation.
func DeleteEdge(edgeTypeID int, from, to NodeRef) Operation {
	return Operation{Kind: OpDeleteEdge, EdgeTypeID: edgeTypeID, FromRef: from, ToRef: to}
}

// TransactionEvent is the atomic unit of work written to the log.
type TransactionEvent struct {
	TenantID           string      `json:"tenant_id"`
	Actor              string      `json:"actor"`
	IdempotencyKey     string      `json:"idempotency_key"`
	SchemaFingerprint  string      `json:"schema_fingerprint,omitempty"`
	TsMs               int64       `json:"ts_ms"`
	Ops                []Operation `json:"ops"`
}
