package restore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/archive"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/snapshot"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

func buildRegistry(t *testing.T) *graph.Registry {
	t.Helper()
	reg := graph.NewRegistry()
	if err := reg.RegisterNodeType(graph.NodeType{TypeID: 1, Name: "task"}); err != nil {
		t.Fatalf("RegisterNodeType() failed: %v", err)
	}
	if _, err := reg.Freeze(); err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}
	return reg
}

// TestRestoreFromSnapshotOnly exercises a restore with no archive
// segments: the snapshot alone must reproduce the tenant's node.
func TestRestoreFromSnapshotOnly(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	canon := canonical.NewManager(canonical.DefaultConfig(dataDir))
	defer canon.CloseAll()

	tenantStore, err := canon.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}
	if _, err := tenantStore.CreateNode(ctx, graph.Node{
		TypeID: 1, Payload: map[string]any{"title": "x"}, OwnerActor: "user:alice",
		CreatedAtMs: 1000, UpdatedAtMs: 1000,
	}); err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	store := objstore.NewMemoryStore()
	reg := buildRegistry(t)
	snapper := snapshot.New(canon, reg, store, snapshot.DefaultConfig("snapshots"), zerolog.Nop())
	if err := snapper.SnapshotNow(ctx, "acme"); err != nil {
		t.Fatalf("SnapshotNow() failed: %v", err)
	}
	if err := canon.CloseAll(); err != nil {
		t.Fatalf("CloseAll() failed: %v", err)
	}

	restoreDir := t.TempDir()
	report, err := Restore(ctx, store, Options{
		TenantID:       "acme",
		DataDir:        restoreDir,
		SnapshotPrefix: "snapshots",
		ArchivePrefix:  "archive",
		Verify:         true,
	})
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if report.SnapshotUsed == "" {
		t.Fatal("report.SnapshotUsed is empty, want a snapshot blob key")
	}
	if len(report.IntegrityIssues) != 0 {
		t.Fatalf("report.IntegrityIssues = %v, want none", report.IntegrityIssues)
	}

	restoredCanon := canonical.NewManager(canonical.DefaultConfig(restoreDir))
	defer restoredCanon.CloseAll()
	restoredStore, err := restoredCanon.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("canon.Get() on restored tenant failed: %v", err)
	}
	count, err := restoredStore.NodeCount(ctx)
	if err != nil {
		t.Fatalf("NodeCount() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("NodeCount() = %d, want 1", count)
	}
}

// TestRestoreReplaysArchiveSegmentsPastSnapshot verifies that events
// archived after a snapshot was taken are replayed on top of it.
func TestRestoreReplaysArchiveSegmentsPastSnapshot(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	canon := canonical.NewManager(canonical.DefaultConfig(dataDir))
	defer canon.CloseAll()

	tenantStore, err := canon.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}
	if _, err := tenantStore.CreateNode(ctx, graph.Node{
		TypeID: 1, Payload: map[string]any{"title": "first"}, OwnerActor: "user:alice",
		CreatedAtMs: 1000, UpdatedAtMs: 1000,
	}); err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	objStore := objstore.NewMemoryStore()
	reg := buildRegistry(t)
	snapper := snapshot.New(canon, reg, objStore, snapshot.DefaultConfig("snapshots"), zerolog.Nop())
	if err := snapper.SnapshotNow(ctx, "acme"); err != nil {
		t.Fatalf("SnapshotNow() failed: %v", err)
	}

	event := txn.TransactionEvent{
		TenantID:       "acme",
		Actor:          "user:bob",
		IdempotencyKey: "req-archived-1",
		TsMs:           2000,
		Ops: []txn.Operation{
			txn.CreateNode(1, map[string]any{"title": "second"}, "user:bob"),
		},
	}
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshaling event failed: %v", err)
	}

	memLog := stream.NewMemoryLog()
	if _, err := memLog.Append(ctx, "entdb-events", []byte("acme"), raw, nil); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	archCfg := archive.DefaultConfig("archive")
	archCfg.MaxEntries = 1
	archiver := archive.New(memLog, objStore, "entdb-events", archCfg, zerolog.Nop())
	archCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := archiver.Run(archCtx); err != nil && archCtx.Err() == nil {
		t.Fatalf("archiver.Run() failed: %v", err)
	}

	if err := canon.CloseAll(); err != nil {
		t.Fatalf("CloseAll() failed: %v", err)
	}

	restoreDir := t.TempDir()
	report, err := Restore(ctx, objStore, Options{
		TenantID:       "acme",
		DataDir:        restoreDir,
		SnapshotPrefix: "snapshots",
		ArchivePrefix:  "archive",
	})
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if report.EventsReplayed != 1 {
		t.Fatalf("report.EventsReplayed = %d, want 1", report.EventsReplayed)
	}

	restoredCanon := canonical.NewManager(canonical.DefaultConfig(restoreDir))
	defer restoredCanon.CloseAll()
	restoredStore, err := restoredCanon.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("canon.Get() on restored tenant failed: %v", err)
	}
	count, err := restoredStore.NodeCount(ctx)
	if err != nil {
		t.Fatalf("NodeCount() failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("NodeCount() = %d, want 2", count)
	}
}

// TestRestoreDryRunLeavesFilesystemUntouched confirms a dry run
// reports what it would do without writing the target database.
func TestRestoreDryRunLeavesFilesystemUntouched(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	canon := canonical.NewManager(canonical.DefaultConfig(dataDir))
	defer canon.CloseAll()
	if _, err := canon.Get(ctx, "acme"); err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}

	objStore := objstore.NewMemoryStore()
	reg := buildRegistry(t)
	snapper := snapshot.New(canon, reg, objStore, snapshot.DefaultConfig("snapshots"), zerolog.Nop())
	if err := snapper.SnapshotNow(ctx, "acme"); err != nil {
		t.Fatalf("SnapshotNow() failed: %v", err)
	}

	restoreDir := t.TempDir()
	report, err := Restore(ctx, objStore, Options{
		TenantID:       "acme",
		DataDir:        restoreDir,
		SnapshotPrefix: "snapshots",
		ArchivePrefix:  "archive",
		DryRun:         true,
	})
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if report.SnapshotUsed == "" {
		t.Fatal("report.SnapshotUsed is empty on dry run, want the manifest it would have used")
	}
	if canonical.TenantExists(restoreDir, "acme") {
		t.Fatal("dry run created a canonical database file, want none")
	}
}
