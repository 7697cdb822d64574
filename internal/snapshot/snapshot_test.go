package snapshot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/storage/canonical"
)

func newTestSnapshotter(t *testing.T) (*Snapshotter, *canonical.Manager, objstore.Store) {
	t.Helper()
	canon := canonical.NewManager(canonical.DefaultConfig(t.TempDir()))
	t.Cleanup(func() { _ = canon.CloseAll() })

	reg := graph.NewRegistry()
	if err := reg.RegisterNodeType(graph.NodeType{TypeID: 1, Name: "task"}); err != nil {
		t.Fatalf("RegisterNodeType() failed: %v", err)
	}
	if _, err := reg.Freeze(); err != nil {
		t.Fatalf("Freeze() failed: %v", err)
	}

	store := objstore.NewMemoryStore()
	cfg := DefaultConfig("snapshots")
	cfg.Interval = time.Hour
	return New(canon, reg, store, cfg, zerolog.Nop()), canon, store
}

func TestSnapshotNowUploadsBlobAndManifest(t *testing.T) {
	s, canon, store := newTestSnapshotter(t)
	ctx := context.Background()

	tenantStore, err := canon.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}
	_, err = tenantStore.CreateNode(ctx, graph.Node{
		TypeID:      1,
		Payload:     map[string]any{"title": "x"},
		OwnerActor:  "user:alice",
		CreatedAtMs: 1000,
		UpdatedAtMs: 1000,
	})
	if err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	if err := s.SnapshotNow(ctx, "acme"); err != nil {
		t.Fatalf("SnapshotNow() failed: %v", err)
	}

	objs, err := store.List(ctx, "snapshots/tenant=acme/")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	var blobKey, manifestKey string
	for _, o := range objs {
		if strings.HasSuffix(o.Key, ".manifest.json") {
			manifestKey = o.Key
		} else {
			blobKey = o.Key
		}
	}
	if blobKey == "" || manifestKey == "" {
		t.Fatalf("expected blob + manifest keys, got %+v", objs)
	}

	rc, err := store.Get(ctx, manifestKey)
	if err != nil {
		t.Fatalf("Get(manifest) failed: %v", err)
	}
	defer rc.Close()
	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		t.Fatalf("decoding manifest failed: %v", err)
	}
	if m.TenantID != "acme" {
		t.Fatalf("manifest.TenantID = %q, want acme", m.TenantID)
	}
	if m.SchemaFingerprint == "" {
		t.Fatalf("manifest.SchemaFingerprint is empty")
	}
	if m.Checksum == "" {
		t.Fatalf("manifest.Checksum is empty")
	}
}

func TestNeedsSnapshotFalseRightAfterTaking(t *testing.T) {
	s, canon, _ := newTestSnapshotter(t)
	ctx := context.Background()
	if _, err := canon.Get(ctx, "acme"); err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}

	if !s.needsSnapshot(ctx, "acme") {
		t.Fatalf("needsSnapshot() = false before any snapshot, want true")
	}
	if err := s.SnapshotNow(ctx, "acme"); err != nil {
		t.Fatalf("SnapshotNow() failed: %v", err)
	}
	if s.needsSnapshot(ctx, "acme") {
		t.Fatalf("needsSnapshot() = true right after taking one, want false")
	}
}
