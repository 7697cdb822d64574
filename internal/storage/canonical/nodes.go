package canonical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/graph"
)

// CreateNode inserts a new node and its visibility rows in one
// transaction (EntDB §4.C create_node). If node.NodeID is blank, a
// fresh opaque id is generated.
func (s *Store) CreateNode(ctx context.Context, node graph.Node) (graph.Node, error) {
	if node.NodeID == "" {
		node.NodeID = uuid.NewString()
	}
	node.TenantID = s.tenantID

	payload, err := json.Marshal(node.Payload)
	if err != nil {
		return graph.Node{}, entdberr.Wrap(entdberr.InvalidArgument, "marshaling node payload", err)
	}
	acl, err := json.Marshal(node.ACL)
	if err != nil {
		return graph.Node{}, entdberr.Wrap(entdberr.InvalidArgument, "marshaling node acl", err)
	}

	err = s.withTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO nodes(tenant_id, node_id, type_id, payload_json, owner_actor, acl_blob, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			node.TenantID, node.NodeID, node.TypeID, string(payload), node.OwnerActor, string(acl), node.CreatedAtMs, node.UpdatedAtMs,
		)
		if err != nil {
			return entdberr.Wrap(entdberr.TransactionError, "inserting node", err)
		}
		for _, principal := range graph.VisibilityPrincipals(node.OwnerActor, node.ACL) {
			if _, err := conn.ExecContext(ctx,
				"INSERT OR IGNORE INTO node_visibility(tenant_id, node_id, principal) VALUES (?, ?, ?)",
				node.TenantID, node.NodeID, principal,
			); err != nil {
				return entdberr.Wrap(entdberr.TransactionError, "inserting visibility row", err)
			}
		}
		return nil
	})
	if err != nil {
		return graph.Node{}, err
	}
	return node, nil
}

// UpdateNode shallow-merges patch into the existing node's payload and
// bumps updated_at. Returns (Node{}, false, nil) if the node does not
// exist.
func (s *Store) UpdateNode(ctx context.Context, nodeID string, patch map[string]any, updatedAtMs int64) (graph.Node, bool, error) {
	var result graph.Node
	var found bool

	err := s.withTx(ctx, func(conn *sql.Conn) error {
		existing, ok, err := s.getNodeTx(ctx, conn, nodeID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		found = true
		if existing.Payload == nil {
			existing.Payload = map[string]any{}
		}
		for k, v := range patch {
			existing.Payload[k] = v
		}
		existing.UpdatedAtMs = updatedAtMs

		payload, err := json.Marshal(existing.Payload)
		if err != nil {
			return entdberr.Wrap(entdberr.InvalidArgument, "marshaling patched payload", err)
		}
		if _, err := conn.ExecContext(ctx,
			"UPDATE nodes SET payload_json = ?, updated_at = ? WHERE tenant_id = ? AND node_id = ?",
			string(payload), updatedAtMs, s.tenantID, nodeID,
		); err != nil {
			return entdberr.Wrap(entdberr.TransactionError, "updating node", err)
		}
		result = existing
		return nil
	})
	if err != nil {
		return graph.Node{}, false, err
	}
	return result, found, nil
}

// DeleteNode removes a node along with its incident edges and
// visibility rows in one transaction (EntDB §4.C delete_node).
func (s *Store) DeleteNode(ctx context.Context, nodeID string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, "DELETE FROM nodes WHERE tenant_id = ? AND node_id = ?", s.tenantID, nodeID)
		if err != nil {
			return entdberr.Wrap(entdberr.TransactionError, "deleting node", err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		if !deleted {
			return nil
		}
		if _, err := conn.ExecContext(ctx,
			"DELETE FROM edges WHERE tenant_id = ? AND (from_node_id = ? OR to_node_id = ?)",
			s.tenantID, nodeID, nodeID,
		); err != nil {
			return entdberr.Wrap(entdberr.TransactionError, "deleting incident edges", err)
		}
		if _, err := conn.ExecContext(ctx,
			"DELETE FROM node_visibility WHERE tenant_id = ? AND node_id = ?", s.tenantID, nodeID,
		); err != nil {
			return entdberr.Wrap(entdberr.TransactionError, "deleting visibility rows", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// GetNode fetches a single node, or (Node{}, false, nil) if absent.
func (s *Store) GetNode(ctx context.Context, nodeID string) (graph.Node, bool, error) {
	return s.scanNode(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, node_id, type_id, payload_json, owner_actor, acl_blob, created_at, updated_at
		 FROM nodes WHERE tenant_id = ? AND node_id = ?`, s.tenantID, nodeID))
}

func (s *Store) getNodeTx(ctx context.Context, conn *sql.Conn, nodeID string) (graph.Node, bool, error) {
	return s.scanNode(conn.QueryRowContext(ctx,
		`SELECT tenant_id, node_id, type_id, payload_json, owner_actor, acl_blob, created_at, updated_at
		 FROM nodes WHERE tenant_id = ? AND node_id = ?`, s.tenantID, nodeID))
}

func (s *Store) scanNode(row *sql.Row) (graph.Node, bool, error) {
	var n graph.Node
	var payload, acl string
	err := row.Scan(&n.TenantID, &n.NodeID, &n.TypeID, &payload, &n.OwnerActor, &acl, &n.CreatedAtMs, &n.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
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

// GetNodesByType returns nodes of typeID newest-first, paginated.
func (s *Store) GetNodesByType(ctx context.Context, typeID int, limit, offset int) ([]graph.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, node_id, type_id, payload_json, owner_actor, acl_blob, created_at, updated_at
		 FROM nodes WHERE tenant_id = ? AND type_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		s.tenantID, typeID, limit, offset,
	)
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "querying nodes by type", err)
	}
	defer rows.Close()
	return s.scanNodes(rows)
}

// GetVisibleNodes returns nodes visible to principal (as owner, as an
// explicit ACL principal, or via "tenant:*"), optionally filtered by
// type, newest-first, paginated (EntDB §4.C get_visible_nodes).
func (s *Store) GetVisibleNodes(ctx context.Context, principal string, typeID *int, limit, offset int) ([]graph.Node, error) {
	query := `SELECT DISTINCT n.tenant_id, n.node_id, n.type_id, n.payload_json, n.owner_actor, n.acl_blob, n.created_at, n.updated_at
		FROM nodes n LEFT JOIN node_visibility v ON v.tenant_id = n.tenant_id AND v.node_id = n.node_id
		WHERE n.tenant_id = ? AND (n.owner_actor = ? OR v.principal = ? OR v.principal = ?)`
	args := []any{s.tenantID, principal, principal, graph.TenantWildcard}
	if typeID != nil {
		query += " AND n.type_id = ?"
		args = append(args, *typeID)
	}
	query += " ORDER BY n.created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "querying visible nodes", err)
	}
	defer rows.Close()
	return s.scanNodes(rows)
}

func (s *Store) scanNodes(rows *sql.Rows) ([]graph.Node, error) {
	var out []graph.Node
	for rows.Next() {
		var n graph.Node
		var payload, acl string
		if err := rows.Scan(&n.TenantID, &n.NodeID, &n.TypeID, &payload, &n.OwnerActor, &acl, &n.CreatedAtMs, &n.UpdatedAtMs); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "scanning node row", err)
		}
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "unmarshaling node payload", err)
		}
		if err := json.Unmarshal([]byte(acl), &n.ACL); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "unmarshaling node acl", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "iterating node rows", err)
	}
	return out, nil
}
