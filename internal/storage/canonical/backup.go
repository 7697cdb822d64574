package canonical

import (
	"context"

	"github.com/cuemby/entdb/internal/entdberr"
)

// BackupTo writes a consistent, point-in-time copy of the tenant
// database to destPath using SQLite's VACUUM INTO, the portable
// source-to-destination copy primitive available through
// database/sql without a driver-specific backup API. VACUUM INTO
// takes its own read transaction internally, so it is safe to run
// concurrently with the applier's writers (EntDB §4.N step 2, §5
// "no exclusive lock is held on the live database for the snapshot's
// duration").
func (s *Store) BackupTo(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return entdberr.Wrap(entdberr.Internal, "backing up tenant database", err)
	}
	return nil
}
