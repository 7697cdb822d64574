package canonical

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/graph"
)

// CreateEdge inserts or replaces an edge on its four-column key
// (EntDB §4.C create_edge).
func (s *Store) CreateEdge(ctx context.Context, edge graph.Edge) (graph.Edge, error) {
	edge.TenantID = s.tenantID
	props, err := json.Marshal(edge.Props)
	if err != nil {
		return graph.Edge{}, entdberr.Wrap(entdberr.InvalidArgument, "marshaling edge props", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO edges(tenant_id, edge_type_id, from_node_id, to_node_id, props_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, edge_type_id, from_node_id, to_node_id)
		 DO UPDATE SET props_json = excluded.props_json, created_at = excluded.created_at`,
		edge.TenantID, edge.EdgeTypeID, edge.FromNodeID, edge.ToNodeID, string(props), edge.CreatedAtMs,
	)
	if err != nil {
		return graph.Edge{}, entdberr.Wrap(entdberr.TransactionError, "inserting edge", err)
	}
	return edge, nil
}

// DeleteEdge removes one edge by its full key.
func (s *Store) DeleteEdge(ctx context.Context, edgeTypeID int, fromNodeID, toNodeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM edges WHERE tenant_id = ? AND edge_type_id = ? AND from_node_id = ? AND to_node_id = ?",
		s.tenantID, edgeTypeID, fromNodeID, toNodeID,
	)
	if err != nil {
		return false, entdberr.Wrap(entdberr.TransactionError, "deleting edge", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEdgesFrom returns edges originating at nodeID, optionally
// filtered to one edge type.
func (s *Store) GetEdgesFrom(ctx context.Context, nodeID string, edgeTypeID *int) ([]graph.Edge, error) {
	query := "SELECT tenant_id, edge_type_id, from_node_id, to_node_id, props_json, created_at FROM edges WHERE tenant_id = ? AND from_node_id = ?"
	args := []any{s.tenantID, nodeID}
	if edgeTypeID != nil {
		query += " AND edge_type_id = ?"
		args = append(args, *edgeTypeID)
	}
	return s.queryEdges(ctx, query, args...)
}

// GetEdgesTo returns edges terminating at nodeID, optionally filtered
// to one edge type.
func (s *Store) GetEdgesTo(ctx context.Context, nodeID string, edgeTypeID *int) ([]graph.Edge, error) {
	query := "SELECT tenant_id, edge_type_id, from_node_id, to_node_id, props_json, created_at FROM edges WHERE tenant_id = ? AND to_node_id = ?"
	args := []any{s.tenantID, nodeID}
	if edgeTypeID != nil {
		query += " AND edge_type_id = ?"
		args = append(args, *edgeTypeID)
	}
	return s.queryEdges(ctx, query, args...)
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "querying edges", err)
	}
	defer rows.Close()

	var out []graph.Edge
	for rows.Next() {
		var e graph.Edge
		var props string
		if err := rows.Scan(&e.TenantID, &e.EdgeTypeID, &e.FromNodeID, &e.ToNodeID, &props, &e.CreatedAtMs); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "scanning edge row", err)
		}
		if err := json.Unmarshal([]byte(props), &e.Props); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "unmarshaling edge props", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "iterating edge rows", err)
	}
	return out, nil
}

// conn-scoped variant used by the applier when an edge create/delete
// must participate in the same transaction as other operations in a
// TransactionEvent.
func createEdgeTx(ctx context.Context, conn *sql.Conn, tenantID string, edge graph.Edge) error {
	props, err := json.Marshal(edge.Props)
	if err != nil {
		return entdberr.Wrap(entdberr.InvalidArgument, "marshaling edge props", err)
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO edges(tenant_id, edge_type_id, from_node_id, to_node_id, props_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, edge_type_id, from_node_id, to_node_id)
		 DO UPDATE SET props_json = excluded.props_json, created_at = excluded.created_at`,
		tenantID, edge.EdgeTypeID, edge.FromNodeID, edge.ToNodeID, string(props), edge.CreatedAtMs,
	)
	if err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "inserting edge", err)
	}
	return nil
}

func deleteEdgeTx(ctx context.Context, conn *sql.Conn, tenantID string, edgeTypeID int, fromNodeID, toNodeID string) error {
	_, err := conn.ExecContext(ctx,
		"DELETE FROM edges WHERE tenant_id = ? AND edge_type_id = ? AND from_node_id = ? AND to_node_id = ?",
		tenantID, edgeTypeID, fromNodeID, toNodeID,
	)
	if err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "deleting edge", err)
	}
	return nil
}
