package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/entdb/internal/entdberr"
)

// AddItem inserts a mailbox item for (tenantID, user), creating the
// mailbox database lazily (EntDB §4.M add_item).
func (m *Manager) AddItem(ctx context.Context, tenantID, user string, item Item) (Item, error) {
	if item.ItemID == "" {
		item.ItemID = uuid.NewString()
	}
	if item.RefID == "" {
		item.RefID = item.SourceNodeID
	}
	if item.State == nil {
		item.State = map[string]any{"read": false}
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}

	s, err := m.forWrite(ctx, tenantID, user)
	if err != nil {
		return Item{}, err
	}

	stateJSON, err := json.Marshal(item.State)
	if err != nil {
		return Item{}, entdberr.Wrap(entdberr.InvalidArgument, "marshaling mailbox state", err)
	}
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return Item{}, entdberr.Wrap(entdberr.InvalidArgument, "marshaling mailbox metadata", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mailbox_items(item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ItemID, item.RefID, item.SourceTypeID, item.SourceNodeID, item.ThreadID, item.TsMs, string(stateJSON), item.Snippet, string(metaJSON),
	)
	if err != nil {
		return Item{}, entdberr.Wrap(entdberr.TransactionError, "inserting mailbox item", err)
	}
	return item, nil
}

// GetItem returns one item, or (Item{}, false, nil) if the mailbox or
// the item does not exist.
func (m *Manager) GetItem(ctx context.Context, tenantID, user, itemID string) (Item, bool, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return Item{}, false, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json
		 FROM mailbox_items WHERE item_id = ?`, itemID)
	return scanItem(row)
}

func scanItem(row *sql.Row) (Item, bool, error) {
	var it Item
	var stateJSON, metaJSON string
	err := row.Scan(&it.ItemID, &it.RefID, &it.SourceTypeID, &it.SourceNodeID, &it.ThreadID, &it.TsMs, &stateJSON, &it.Snippet, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, entdberr.Wrap(entdberr.Internal, "scanning mailbox item", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &it.State); err != nil {
		return Item{}, false, entdberr.Wrap(entdberr.Internal, "unmarshaling mailbox state", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
		return Item{}, false, entdberr.Wrap(entdberr.Internal, "unmarshaling mailbox metadata", err)
	}
	return it, true, nil
}

// ListItems returns items ordered ts desc, paginated and optionally
// filtered (EntDB §4.M list_items).
func (m *Manager) ListItems(ctx context.Context, tenantID, user string, filter ListFilter, limit, offset int) ([]Item, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return nil, err
	}

	query := "SELECT item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json FROM mailbox_items WHERE 1=1"
	var args []any
	if filter.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, filter.ThreadID)
	}
	if filter.SourceTypeID != nil {
		query += " AND source_type_id = ?"
		args = append(args, *filter.SourceTypeID)
	}
	if filter.UnreadOnly {
		query += " AND json_extract(state_json, '$.read') = 0"
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "listing mailbox items", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		var stateJSON, metaJSON string
		if err := rows.Scan(&it.ItemID, &it.RefID, &it.SourceTypeID, &it.SourceNodeID, &it.ThreadID, &it.TsMs, &stateJSON, &it.Snippet, &metaJSON); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "scanning mailbox item", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &it.State); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "unmarshaling mailbox state", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "unmarshaling mailbox metadata", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "iterating mailbox items", err)
	}
	return out, nil
}

// UpdateState shallow-merges patch into an item's state_json.
func (m *Manager) UpdateState(ctx context.Context, tenantID, user, itemID string, patch map[string]any) (Item, bool, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return Item{}, false, err
	}
	item, found, err := m.GetItem(ctx, tenantID, user, itemID)
	if err != nil || !found {
		return Item{}, false, err
	}
	if item.State == nil {
		item.State = map[string]any{}
	}
	for k, v := range patch {
		item.State[k] = v
	}
	stateJSON, err := json.Marshal(item.State)
	if err != nil {
		return Item{}, false, entdberr.Wrap(entdberr.InvalidArgument, "marshaling mailbox state", err)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE mailbox_items SET state_json = ? WHERE item_id = ?", string(stateJSON), itemID); err != nil {
		return Item{}, false, entdberr.Wrap(entdberr.TransactionError, "updating mailbox state", err)
	}
	return item, true, nil
}

// DeleteItem removes one item by id.
func (m *Manager) DeleteItem(ctx context.Context, tenantID, user, itemID string) (bool, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM mailbox_items WHERE item_id = ?", itemID)
	if err != nil {
		return false, entdberr.Wrap(entdberr.TransactionError, "deleting mailbox item", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteBySource removes every item fanned out from sourceNodeID.
func (m *Manager) DeleteBySource(ctx context.Context, tenantID, user, sourceNodeID string) (int64, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM mailbox_items WHERE source_node_id = ?", sourceNodeID)
	if err != nil {
		return 0, entdberr.Wrap(entdberr.TransactionError, "deleting mailbox items by source", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Search runs query against the FTS index, returning results ordered
// by ascending rank with a highlight string. FTS syntax errors are
// swallowed into an empty result set (EntDB §4.M search).
func (m *Manager) Search(ctx context.Context, tenantID, user, query string, sourceTypeIDs []int, limit, offset int) ([]SearchResult, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return nil, err
	}

	sql := `SELECT i.item_id, i.ref_id, i.source_type_id, i.source_node_id, i.thread_id, i.ts, i.state_json, i.snippet, i.metadata_json,
		snippet(mailbox_fts, 0, '[', ']', '...', 32)
		FROM mailbox_fts JOIN mailbox_items i ON i.rowid = mailbox_fts.rowid
		WHERE mailbox_fts MATCH ?`
	args := []any{query}
	if len(sourceTypeIDs) > 0 {
		placeholders := make([]string, len(sourceTypeIDs))
		for i, id := range sourceTypeIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		sql += " AND i.source_type_id IN (" + strings.Join(placeholders, ",") + ")"
	}
	sql += " ORDER BY bm25(mailbox_fts) LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		// FTS5 returns a query-time error for malformed MATCH syntax;
		// EntDB treats that as "no results", not a failure.
		m.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("mailbox search query failed, returning empty result")
		return nil, nil
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var it Item
		var stateJSON, metaJSON, highlight string
		if err := rows.Scan(&it.ItemID, &it.RefID, &it.SourceTypeID, &it.SourceNodeID, &it.ThreadID, &it.TsMs, &stateJSON, &it.Snippet, &metaJSON, &highlight); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "scanning mailbox search row", err)
		}
		_ = json.Unmarshal([]byte(stateJSON), &it.State)
		_ = json.Unmarshal([]byte(metaJSON), &it.Metadata)
		out = append(out, SearchResult{Item: it, Highlight: highlight})
	}
	if err := rows.Err(); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "iterating mailbox search rows", err)
	}
	return out, nil
}

// GetThread returns every item in threadID, ts ascending.
func (m *Manager) GetThread(ctx context.Context, tenantID, user, threadID string) ([]Item, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, ref_id, source_type_id, source_node_id, thread_id, ts, state_json, snippet, metadata_json
		 FROM mailbox_items WHERE thread_id = ? ORDER BY ts ASC`, threadID)
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "querying mailbox thread", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// MarkRead bulk-sets state.read = true for the given item ids.
func (m *Manager) MarkRead(ctx context.Context, tenantID, user string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	s, err := m.forWrite(ctx, tenantID, user)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(itemIDs))
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := "UPDATE mailbox_items SET state_json = json_set(state_json, '$.read', json('true')) WHERE item_id IN (" +
		strings.Join(placeholders, ",") + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "marking mailbox items read", err)
	}
	return nil
}

// GetUnreadCount returns the number of items with state.read = false.
func (m *Manager) GetUnreadCount(ctx context.Context, tenantID, user string) (int64, error) {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mailbox_items WHERE json_extract(state_json, '$.read') = 0",
	).Scan(&n)
	if err != nil {
		return 0, entdberr.Wrap(entdberr.Internal, "counting unread mailbox items", err)
	}
	return n, nil
}

// RebuildFTSIndex drops and repopulates the FTS table from
// mailbox_items, used after bulk imports or suspected drift.
func (m *Manager) RebuildFTSIndex(ctx context.Context, tenantID, user string) error {
	s, ok, err := m.forRead(ctx, tenantID, user)
	if err != nil || !ok {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO mailbox_fts(mailbox_fts) VALUES ('rebuild')")
	if err != nil {
		return entdberr.Wrap(entdberr.Internal, "rebuilding mailbox fts index", err)
	}
	return nil
}
