package canonical

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/stream"
)

// EventTx scopes every operation of a single TransactionEvent to one
// BEGIN IMMEDIATE transaction, so the applier's per-event algorithm
// (EntDB §4.A steps 6-7) commits or rolls back as a unit, including
// the final applied-events ledger row.
type EventTx struct {
	ctx      context.Context
	conn     *sql.Conn
	tenantID string
}

// RunEventTx opens one transaction for the lifetime of fn. Any error
// returned by fn rolls back every operation performed through tx,
// matching EntDB's "failure during step 6 rolls back the partial
// effects of the current event" rule.
func (s *Store) RunEventTx(ctx context.Context, fn func(tx *EventTx) error) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		tx := &EventTx{ctx: ctx, conn: conn, tenantID: s.tenantID}
		return fn(tx)
	})
}

// CreateNode is the transaction-scoped counterpart of Store.CreateNode.
func (tx *EventTx) CreateNode(node graph.Node) (graph.Node, error) {
	if node.NodeID == "" {
		node.NodeID = uuid.NewString()
	}
	node.TenantID = tx.tenantID

	payload, err := json.Marshal(node.Payload)
	if err != nil {
		return graph.Node{}, entdberr.Wrap(entdberr.InvalidArgument, "marshaling node payload", err)
	}
	acl, err := json.Marshal(node.ACL)
	if err != nil {
		return graph.Node{}, entdberr.Wrap(entdberr.InvalidArgument, "marshaling node acl", err)
	}
	_, err = tx.conn.ExecContext(tx.ctx,
		`INSERT INTO nodes(tenant_id, node_id, type_id, payload_json, owner_actor, acl_blob, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		node.TenantID, node.NodeID, node.TypeID, string(payload), node.OwnerActor, string(acl), node.CreatedAtMs, node.UpdatedAtMs,
	)
	if err != nil {
		return graph.Node{}, entdberr.Wrap(entdberr.TransactionError, "inserting node", err)
	}
	for _, principal := range graph.VisibilityPrincipals(node.OwnerActor, node.ACL) {
		if _, err := tx.conn.ExecContext(tx.ctx,
			"INSERT OR IGNORE INTO node_visibility(tenant_id, node_id, principal) VALUES (?, ?, ?)",
			node.TenantID, node.NodeID, principal,
		); err != nil {
			return graph.Node{}, entdberr.Wrap(entdberr.TransactionError, "inserting visibility row", err)
		}
	}
	return node, nil
}

// GetNode is the transaction-scoped read used to merge update_node
// patches against the current payload.
func (tx *EventTx) GetNode(nodeID string) (graph.Node, bool, error) {
	row := tx.conn.QueryRowContext(tx.ctx,
		`SELECT tenant_id, node_id, type_id, payload_json, owner_actor, acl_blob, created_at, updated_at
		 FROM nodes WHERE tenant_id = ? AND node_id = ?`, tx.tenantID, nodeID)
	var n graph.Node
	var payload, acl string
	err := row.Scan(&n.TenantID, &n.NodeID, &n.TypeID, &payload, &n.OwnerActor, &acl, &n.CreatedAtMs, &n.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return graph.Node{}, false, nil
	}
	if err != nil {
		return graph.Node{}, false, entdberr.Wrap(entdberr.Internal, "scanning node row", err)
	}
	if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
		return graph.Node{}, false, entdberr.Wrap(entdberr.Internal, "unmarshaling node payload", err)
	}
	if err := json.Unmarshal([]byte(acl), &n.ACL); err != nil {
		return graph.Node{}, false, entdberr.Wrap(entdberr.Internal, "unmarshaling node acl", err)
	}
	return n, true, nil
}

// UpdateNode shallow-merges patch into the node's existing payload.
func (tx *EventTx) UpdateNode(nodeID string, patch map[string]any, updatedAtMs int64) (graph.Node, bool, error) {
	existing, ok, err := tx.GetNode(nodeID)
	if err != nil || !ok {
		return graph.Node{}, ok, err
	}
	if existing.Payload == nil {
		existing.Payload = map[string]any{}
	}
	for k, v := range patch {
		existing.Payload[k] = v
	}
	existing.UpdatedAtMs = updatedAtMs

	payload, err := json.Marshal(existing.Payload)
	if err != nil {
		return graph.Node{}, false, entdberr.Wrap(entdberr.InvalidArgument, "marshaling patched payload", err)
	}
	if _, err := tx.conn.ExecContext(tx.ctx,
		"UPDATE nodes SET payload_json = ?, updated_at = ? WHERE tenant_id = ? AND node_id = ?",
		string(payload), updatedAtMs, tx.tenantID, nodeID,
	); err != nil {
		return graph.Node{}, false, entdberr.Wrap(entdberr.TransactionError, "updating node", err)
	}
	return existing, true, nil
}

// DeleteNode removes a node and its incident edges/visibility rows.
func (tx *EventTx) DeleteNode(nodeID string) (bool, error) {
	res, err := tx.conn.ExecContext(tx.ctx, "DELETE FROM nodes WHERE tenant_id = ? AND node_id = ?", tx.tenantID, nodeID)
	if err != nil {
		return false, entdberr.Wrap(entdberr.TransactionError, "deleting node", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.conn.ExecContext(tx.ctx,
		"DELETE FROM edges WHERE tenant_id = ? AND (from_node_id = ? OR to_node_id = ?)",
		tx.tenantID, nodeID, nodeID,
	); err != nil {
		return false, entdberr.Wrap(entdberr.TransactionError, "deleting incident edges", err)
	}
	if _, err := tx.conn.ExecContext(tx.ctx,
		"DELETE FROM node_visibility WHERE tenant_id = ? AND node_id = ?", tx.tenantID, nodeID,
	); err != nil {
		return false, entdberr.Wrap(entdberr.TransactionError, "deleting visibility rows", err)
	}
	return true, nil
}

// CreateEdge inserts or replaces an edge.
func (tx *EventTx) CreateEdge(edge graph.Edge) (graph.Edge, error) {
	edge.TenantID = tx.tenantID
	if err := createEdgeTx(tx.ctx, tx.conn, tx.tenantID, edge); err != nil {
		return graph.Edge{}, err
	}
	return edge, nil
}

// DeleteEdge removes one edge by its full key.
func (tx *EventTx) DeleteEdge(edgeTypeID int, fromNodeID, toNodeID string) error {
	return deleteEdgeTx(tx.ctx, tx.conn, tx.tenantID, edgeTypeID, fromNodeID, toNodeID)
}

// RecordAppliedEvent writes the ledger row as the final statement of
// the event's transaction.
func (tx *EventTx) RecordAppliedEvent(idempotencyKey string, pos stream.Pos, appliedAtMs int64) error {
	if idempotencyKey == "" {
		return nil
	}
	_, err := tx.conn.ExecContext(tx.ctx,
		"INSERT INTO applied_events(tenant_id, idempotency_key, stream_pos, applied_at) VALUES (?, ?, ?, ?)",
		tx.tenantID, idempotencyKey, pos.String(), appliedAtMs,
	)
	if err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "recording applied event", err)
	}
	return nil
}
