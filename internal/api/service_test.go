package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/schema"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

func nodeFixture(i int) graph.Node {
	return graph.Node{
		TypeID: 1, Payload: map[string]any{"n": i}, OwnerActor: "user:alice",
		CreatedAtMs: int64(i) * 1000, UpdatedAtMs: int64(i) * 1000,
	}
}

func edgeFixture(from, to string) graph.Edge {
	return graph.Edge{EdgeTypeID: 1, FromNodeID: from, ToNodeID: to, CreatedAtMs: 1000}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dataDir := t.TempDir()
	canon := canonical.NewManager(canonical.DefaultConfig(dataDir))
	t.Cleanup(func() { _ = canon.CloseAll() })
	mbox := mailbox.NewManager(dataDir, zerolog.Nop())
	t.Cleanup(func() { _ = mbox.CloseAll() })
	obs := schema.NewObserver("", zerolog.Nop())
	log := stream.NewMemoryLog()
	return New(log, "entdb-events", canon, mbox, obs, zerolog.Nop())
}

func TestExecuteTransactionRequiresTenantAndActor(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ExecuteTransaction(ctx, ExecuteRequest{})
	if entdberr.CodeOf(err) != entdberr.InvalidArgument {
		t.Fatalf("ExecuteTransaction() with no tenant_id: code = %v, want INVALID_ARGUMENT", entdberr.CodeOf(err))
	}

	_, err = svc.ExecuteTransaction(ctx, ExecuteRequest{RequestContext: RequestContext{TenantID: "acme"}})
	if entdberr.CodeOf(err) != entdberr.InvalidArgument {
		t.Fatalf("ExecuteTransaction() with no actor: code = %v, want INVALID_ARGUMENT", entdberr.CodeOf(err))
	}
}

func TestExecuteTransactionProducesAndDeduplicates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	req := ExecuteRequest{
		RequestContext: RequestContext{TenantID: "acme", Actor: "user:alice"},
		IdempotencyKey: "req-1",
		Ops:            []txn.Operation{txn.CreateNode(1, map[string]any{"title": "x"}, "user:alice")},
	}
	resp, err := svc.ExecuteTransaction(ctx, req)
	if err != nil {
		t.Fatalf("ExecuteTransaction() failed: %v", err)
	}
	if resp.Receipt.IdempotencyKey != "req-1" {
		t.Fatalf("Receipt.IdempotencyKey = %q, want req-1", resp.Receipt.IdempotencyKey)
	}
	if resp.Status != StatusPending {
		t.Fatalf("Status = %v, want PENDING before the applier runs", resp.Status)
	}

	// Mark the event applied the way the applier would, then re-submit
	// the same idempotency key: the producer must not append again.
	store, err := svc.canonical.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}
	if err := store.RunEventTx(ctx, func(tx *canonical.EventTx) error {
		return tx.RecordAppliedEvent("req-1", stream.Pos{Topic: "entdb-events", Offset: resp.Receipt.Pos.Offset}, time.Now().UnixMilli())
	}); err != nil {
		t.Fatalf("RunEventTx() failed: %v", err)
	}

	positionsBefore, err := svc.log.GetPositions(ctx, "entdb-events", "probe")
	if err != nil {
		t.Fatalf("GetPositions() failed: %v", err)
	}

	resp2, err := svc.ExecuteTransaction(ctx, req)
	if err != nil {
		t.Fatalf("ExecuteTransaction() (duplicate) failed: %v", err)
	}
	if resp2.Status != StatusApplied {
		t.Fatalf("Status = %v, want APPLIED for a duplicate of an applied event", resp2.Status)
	}

	positionsAfter, err := svc.log.GetPositions(ctx, "entdb-events", "probe")
	if err != nil {
		t.Fatalf("GetPositions() failed: %v", err)
	}
	if len(positionsAfter) != len(positionsBefore) {
		t.Fatalf("duplicate request appended a new record: before=%v after=%v", positionsBefore, positionsAfter)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.GetNode(ctx, RequestContext{TenantID: "acme", Actor: "user:alice"}, "missing")
	if entdberr.CodeOf(err) != entdberr.NotFound {
		t.Fatalf("GetNode() code = %v, want NOT_FOUND", entdberr.CodeOf(err))
	}
}

func TestNeighborhoodClampsDepth(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	store, err := svc.canonical.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}

	var created []string
	for i := 0; i < 5; i++ {
		node, err := store.CreateNode(ctx, nodeFixture(i))
		if err != nil {
			t.Fatalf("CreateNode() failed: %v", err)
		}
		created = append(created, node.NodeID)
	}
	for i := 0; i < 4; i++ {
		if _, err := store.CreateEdge(ctx, edgeFixture(created[i], created[i+1])); err != nil {
			t.Fatalf("CreateEdge() failed: %v", err)
		}
	}

	nodes, edges, err := svc.Neighborhood(ctx, RequestContext{TenantID: "acme", Actor: "user:alice"}, created[0], 10)
	if err != nil {
		t.Fatalf("Neighborhood() failed: %v", err)
	}
	if len(edges) != 3 {
		t.Fatalf("Neighborhood() with depth clamped to 3 found %d edges, want 3", len(edges))
	}
	if len(nodes) != 3 {
		t.Fatalf("Neighborhood() found %d nodes, want 3", len(nodes))
	}
}
