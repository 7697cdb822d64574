// Package restore implements the Restore Tool of EntDB §4.T: rebuild
// a tenant's canonical store offline from its latest snapshot plus
// any archive segments recorded since.
package restore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/cuemby/entdb/internal/apply"
	"github.com/cuemby/entdb/internal/archive"
	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/snapshot"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/txn"
)

// Options configures one restore run.
type Options struct {
	TenantID        string
	DataDir         string
	SnapshotPrefix  string
	ArchivePrefix   string
	DryRun          bool
	Verify          bool
	SkipArchive     bool
}

// Report summarizes a completed restore (EntDB §4.T step 7).
type Report struct {
	TenantID        string
	SnapshotUsed    string // manifest key, or "" if none existed
	EventsReplayed  int
	FinalStreamPos  string
	Duration        time.Duration
	IntegrityIssues []string
}

// Restore rebuilds tenantID's canonical store under opts.DataDir.
func Restore(ctx context.Context, store objstore.Store, opts Options) (Report, error) {
	start := time.Now()
	report := Report{TenantID: opts.TenantID}

	lockPath := filepath.Join(opts.DataDir, "restore_"+canonical.SanitizeTenantID(opts.TenantID)+".lock")
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return report, entdberr.Wrap(entdberr.Internal, "creating data directory", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return report, entdberr.Wrap(entdberr.Internal, "acquiring restore lock", err)
	}
	if !locked {
		return report, entdberr.New(entdberr.Internal, "another restore is already in progress for this tenant")
	}
	defer func() { _ = lock.Unlock() }()

	manifest, blobKey, err := findLatestManifest(ctx, store, opts.SnapshotPrefix, opts.TenantID)
	if err != nil {
		return report, err
	}

	targetPath := canonicalPathFor(opts.DataDir, opts.TenantID)
	if manifest != nil {
		report.SnapshotUsed = blobKey
		if opts.DryRun {
			// Dry run leaves the target database untouched; only the
			// data directory and the restore lock file are written.
		} else {
			if err := restoreBlob(ctx, store, blobKey, targetPath); err != nil {
				return report, err
			}
		}
	}

	if opts.DryRun {
		report.Duration = time.Since(start)
		return report, nil
	}

	cfg := canonical.DefaultConfig(opts.DataDir)
	canonStore, err := canonical.Open(ctx, cfg, opts.TenantID)
	if err != nil {
		return report, err
	}
	defer canonStore.Close()

	startOffset, err := startOffsetFrom(ctx, canonStore)
	if err != nil {
		return report, err
	}

	if !opts.SkipArchive {
		replayed, finalPos, err := replayArchive(ctx, store, opts.ArchivePrefix, opts.TenantID, canonStore, startOffset)
		if err != nil {
			return report, err
		}
		report.EventsReplayed = replayed
		if finalPos != "" {
			report.FinalStreamPos = finalPos
		}
	}
	if report.FinalStreamPos == "" {
		pos, err := canonStore.LastStreamPos(ctx)
		if err != nil {
			return report, err
		}
		report.FinalStreamPos = pos
	}

	if opts.Verify {
		issues, err := canonStore.IntegrityCheck(ctx)
		if err != nil {
			return report, err
		}
		report.IntegrityIssues = issues
		if len(issues) > 0 {
			return report, entdberr.New(entdberr.Internal, fmt.Sprintf("integrity check failed: %v", issues))
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}

// canonicalPathFor mirrors canonical's own file-naming scheme so the
// restore tool writes to exactly the path the Manager would open.
func canonicalPathFor(dataDir, tenantID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("tenant_%s.db", canonical.SanitizeTenantID(tenantID)))
}

// findLatestManifest locates the most recently stamped snapshot
// manifest for tenantID (EntDB §4.T step 1).
func findLatestManifest(ctx context.Context, store objstore.Store, prefix, tenantID string) (*snapshot.Manifest, string, error) {
	objs, err := store.List(ctx, fmt.Sprintf("%s/tenant=%s/", prefix, tenantID))
	if err != nil {
		return nil, "", err
	}
	var latestKey string
	for _, o := range objs {
		if len(o.Key) > len(".manifest.json") && o.Key[len(o.Key)-len(".manifest.json"):] == ".manifest.json" {
			if o.Key > latestKey {
				latestKey = o.Key
			}
		}
	}
	if latestKey == "" {
		return nil, "", nil
	}

	rc, err := store.Get(ctx, latestKey)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()
	var m snapshot.Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, "", entdberr.Wrap(entdberr.Internal, "decoding snapshot manifest", err)
	}
	return &m, m.S3Key, nil
}

// restoreBlob downloads the snapshot blob, decompressing if its key
// ends .gz, renaming any existing target to a .backup sibling first
// (EntDB §4.T steps 2-3), and writes the new file atomically.
func restoreBlob(ctx context.Context, store objstore.Store, blobKey, targetPath string) error {
	if _, err := os.Stat(targetPath); err == nil {
		if err := os.Rename(targetPath, targetPath+".backup"); err != nil {
			return entdberr.Wrap(entdberr.Internal, "backing up existing canonical database", err)
		}
	}

	rc, err := store.Get(ctx, blobKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	var r io.Reader = rc
	if len(blobKey) > 3 && blobKey[len(blobKey)-3:] == ".gz" {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return entdberr.Wrap(entdberr.Internal, "opening gzip snapshot", err)
		}
		defer gz.Close()
		r = gz
	}

	tmpPath := targetPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return entdberr.Wrap(entdberr.Internal, "creating restore temp file", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return entdberr.Wrap(entdberr.Internal, "writing restored snapshot", err)
	}
	if err := f.Close(); err != nil {
		return entdberr.Wrap(entdberr.Internal, "closing restore temp file", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return entdberr.Wrap(entdberr.Internal, "installing restored snapshot", err)
	}
	return nil
}

// startOffsetFrom reads the target database's ledger to learn the
// last applied offset (EntDB §4.T step 4).
func startOffsetFrom(ctx context.Context, store *canonical.Store) (int64, error) {
	posStr, err := store.LastStreamPos(ctx)
	if err != nil {
		return 0, err
	}
	if posStr == "" {
		return 0, nil
	}
	return parseOffset(posStr), nil
}

// parseOffset extracts the numeric offset from a Pos.String() value
// ("topic[partition]@offset"); malformed input yields 0, the same
// start offset an empty ledger gives, so restore then replays only
// entries whose offset is greater than 0.
func parseOffset(s string) int64 {
	at := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '@' {
			at = i
			break
		}
	}
	if at == -1 {
		return 0
	}
	var offset int64
	_, err := fmt.Sscanf(s[at+1:], "%d", &offset)
	if err != nil {
		return 0
	}
	return offset
}

// replayArchive implements EntDB §4.T step 5: list archive segments
// whose to_offset exceeds startOffset, download and decode each in
// ascending order, and apply every entry past startOffset using the
// applier's own operation semantics.
func replayArchive(ctx context.Context, store objstore.Store, prefix, tenantID string, canonStore *canonical.Store, startOffset int64) (int, string, error) {
	segments, err := archive.ListSegments(ctx, store, prefix, tenantID)
	if err != nil {
		return 0, "", err
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].FromOffset < segments[j].FromOffset })

	replayed := 0
	var finalPos string
	for _, seg := range segments {
		if seg.ToOffset <= startOffset {
			continue
		}
		entries, err := archive.ReadEntries(ctx, store, seg)
		if err != nil {
			return replayed, finalPos, err
		}
		for _, entry := range entries {
			if entry.Position.Offset <= startOffset {
				continue
			}
			var event txn.TransactionEvent
			if err := json.Unmarshal(entry.Event, &event); err != nil {
				return replayed, finalPos, entdberr.Wrap(entdberr.Internal, "decoding archived event", err)
			}

			alreadyApplied, err := canonStore.CheckIdempotency(ctx, event.IdempotencyKey)
			if err != nil {
				return replayed, finalPos, err
			}
			if alreadyApplied {
				continue
			}

			aliases := txn.NewAliasMap()
			applyErr := canonStore.RunEventTx(ctx, func(tx *canonical.EventTx) error {
				if _, err := apply.ApplyOps(tx, tenantID, event.Ops, event.TsMs, aliases); err != nil {
					return err
				}
				return tx.RecordAppliedEvent(event.IdempotencyKey, entry.Position, time.Now().UnixMilli())
			})
			if applyErr != nil {
				return replayed, finalPos, applyErr
			}
			replayed++
			finalPos = entry.Position.String()
		}
	}
	return replayed, finalPos, nil
}
