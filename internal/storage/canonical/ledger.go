package canonical

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/stream"
)

// CheckIdempotency reports whether idempotencyKey has already been
// recorded as applied for this tenant. A blank key never matches.
func (s *Store) CheckIdempotency(ctx context.Context, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM applied_events WHERE tenant_id = ? AND idempotency_key = ?",
		s.tenantID, idempotencyKey,
	).Scan(&n)
	if err != nil {
		return false, entdberr.Wrap(entdberr.Internal, "checking idempotency ledger", err)
	}
	return n > 0, nil
}

// RecordAppliedEvent inserts the ledger row for idempotencyKey at pos
// within conn's transaction (EntDB §4.A step 7: the ledger row is
// written atomically with the event's final operation).
func (s *Store) RecordAppliedEvent(ctx context.Context, conn *sql.Conn, idempotencyKey string, pos stream.Pos, appliedAtMs int64) error {
	if idempotencyKey == "" {
		return nil
	}
	_, err := conn.ExecContext(ctx,
		"INSERT INTO applied_events(tenant_id, idempotency_key, stream_pos, applied_at) VALUES (?, ?, ?, ?)",
		s.tenantID, idempotencyKey, pos.String(), appliedAtMs,
	)
	if err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "recording applied event", err)
	}
	return nil
}

// LastStreamPos returns the most recently recorded StreamPos string
// from the ledger, or "" if the tenant has no applied events yet
// (used by the snapshotter to stamp manifests and by restore to learn
// start_offset).
func (s *Store) LastStreamPos(ctx context.Context) (string, error) {
	var pos sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT stream_pos FROM applied_events WHERE tenant_id = ? ORDER BY applied_at DESC LIMIT 1",
		s.tenantID,
	).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", entdberr.Wrap(entdberr.Internal, "reading last stream position", err)
	}
	return pos.String, nil
}

// AppliedEventCount returns how many ledger rows exist for this
// tenant, used by the snapshotter's min-events-since-last check.
func (s *Store) AppliedEventCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM applied_events WHERE tenant_id = ?", s.tenantID).Scan(&n)
	if err != nil {
		return 0, entdberr.Wrap(entdberr.Internal, "counting applied events", err)
	}
	return n, nil
}
