package canonical

import (
	"context"

	"github.com/cuemby/entdb/internal/entdberr"
)

// NodeCount returns the number of nodes held for this tenant, used by
// integration tests and the restore report's sanity checks.
func (s *Store) NodeCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE tenant_id = ?", s.tenantID).Scan(&n); err != nil {
		return 0, entdberr.Wrap(entdberr.Internal, "counting nodes", err)
	}
	return n, nil
}

// IntegrityCheck runs the embedded engine's own consistency check
// (EntDB §4.T restore step 6: "run the engine's integrity check and
// fail if not 'ok'"). It reports the raw list of rows the check
// engine returned; nil/empty means clean.
func (s *Store) IntegrityCheck(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "running integrity_check", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, entdberr.Wrap(entdberr.Internal, "scanning integrity_check row", err)
		}
		if line != "ok" {
			results = append(results, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "iterating integrity_check rows", err)
	}
	return results, nil
}
