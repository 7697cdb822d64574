// Package integration exercises the full write/read/archive/restore
// pipeline end to end, the way a single package-level test would
// stand in for spec-level scenarios that span every component:
// producing a transaction through the API, watching the applier land
// it in the canonical store, watching the archiver carry it to object
// storage, snapshotting, and finally restoring a tenant from nothing
// but its snapshot and archive.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/api"
	"github.com/cuemby/entdb/internal/apply"
	"github.com/cuemby/entdb/internal/archive"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/restore"
	"github.com/cuemby/entdb/internal/schema"
	"github.com/cuemby/entdb/internal/snapshot"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

const (
	topic    = "entdb-events"
	tenantID = "acme"
)

func taskRegistry(t *testing.T) *graph.Registry {
	t.Helper()
	r := graph.NewRegistry()
	if err := r.RegisterNodeType(graph.NodeType{TypeID: 1, Name: "task"}); err != nil {
		t.Fatalf("RegisterNodeType() failed: %v", err)
	}
	if _, err := r.Freeze(); err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestFullPipelineExecuteArchiveSnapshotRestore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := stream.NewMemoryLog()
	store := objstore.NewMemoryStore()

	canonDir := t.TempDir()
	canon := canonical.NewManager(canonical.DefaultConfig(canonDir))
	mbox := mailbox.NewManager(t.TempDir(), zerolog.Nop())
	obs := schema.NewObserver("", zerolog.Nop())

	svc := api.New(log, topic, canon, mbox, obs, zerolog.Nop())
	applier := apply.New(log, canon, mbox, obs, topic, zerolog.Nop())

	archCfg := archive.DefaultConfig("archive")
	archCfg.MaxEntries = 1
	archCfg.FlushInterval = time.Hour
	archiver := archive.New(log, store, topic, archCfg, zerolog.Nop())

	applierDone := make(chan error, 1)
	go func() { applierDone <- applier.Run(ctx) }()
	archiverDone := make(chan error, 1)
	go func() { archiverDone <- archiver.Run(ctx) }()

	// First transaction: create the node that will end up inside the
	// snapshot blob.
	resp1, err := svc.ExecuteTransaction(ctx, api.ExecuteRequest{
		RequestContext: api.RequestContext{TenantID: tenantID, Actor: "user:alice"},
		IdempotencyKey: "req-1",
		Ops:            []txn.Operation{txn.CreateNode(1, map[string]any{"title": "first"}, "user:alice")},
		WaitApplied:    true,
		WaitDeadline:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("ExecuteTransaction(req-1) failed: %v", err)
	}
	if resp1.Status != api.StatusApplied {
		t.Fatalf("req-1 status = %v, want APPLIED", resp1.Status)
	}

	waitFor(t, 2*time.Second, func() bool {
		segments, err := archive.ListSegments(ctx, store, "archive", tenantID)
		return err == nil && len(segments) >= 1
	})

	// Snapshot the tenant as it stands after the first event only.
	snapCfg := snapshot.DefaultConfig("snapshots")
	snapper := snapshot.New(canon, taskRegistry(t), store, snapCfg, zerolog.Nop())
	if err := snapper.SnapshotNow(ctx, tenantID); err != nil {
		t.Fatalf("SnapshotNow() failed: %v", err)
	}

	// Second transaction: created after the snapshot, must come back
	// only via archive replay during restore.
	resp2, err := svc.ExecuteTransaction(ctx, api.ExecuteRequest{
		RequestContext: api.RequestContext{TenantID: tenantID, Actor: "user:alice"},
		IdempotencyKey: "req-2",
		Ops:            []txn.Operation{txn.CreateNode(1, map[string]any{"title": "second"}, "user:alice")},
		WaitApplied:    true,
		WaitDeadline:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("ExecuteTransaction(req-2) failed: %v", err)
	}
	if resp2.Status != api.StatusApplied {
		t.Fatalf("req-2 status = %v, want APPLIED", resp2.Status)
	}

	waitFor(t, 2*time.Second, func() bool {
		segments, err := archive.ListSegments(ctx, store, "archive", tenantID)
		return err == nil && len(segments) >= 2
	})

	cancel()
	<-applierDone
	<-archiverDone

	if err := canon.CloseAll(); err != nil {
		t.Fatalf("CloseAll() failed: %v", err)
	}

	restoreDir := t.TempDir()
	report, err := restore.Restore(context.Background(), store, restore.Options{
		TenantID:       tenantID,
		DataDir:        restoreDir,
		SnapshotPrefix: "snapshots",
		ArchivePrefix:  "archive",
		Verify:         true,
	})
	if err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if len(report.IntegrityIssues) != 0 {
		t.Fatalf("Restore() integrity issues: %v", report.IntegrityIssues)
	}
	if report.EventsReplayed != 1 {
		t.Fatalf("Restore() replayed %d events, want 1 (req-2 only)", report.EventsReplayed)
	}

	restored := canonical.NewManager(canonical.DefaultConfig(restoreDir))
	defer restored.CloseAll()
	restoredStore, err := restored.Get(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("restored canon.Get() failed: %v", err)
	}
	count, err := restoredStore.NodeCount(context.Background())
	if err != nil {
		t.Fatalf("NodeCount() failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("restored NodeCount() = %d, want 2", count)
	}
}
