package canonical

import (
	"context"
	"testing"

	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/stream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	s, err := Open(context.Background(), cfg, "acme")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
	})
	return s
}

func TestCreateAndGetNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.CreateNode(ctx, graph.Node{
		TypeID:      1,
		Payload:     map[string]any{"title": "hello"},
		OwnerActor:  "user:alice",
		CreatedAtMs: 1000,
		UpdatedAtMs: 1000,
	})
	if err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}
	if node.NodeID == "" {
		t.Fatal("CreateNode() left NodeID empty")
	}

	got, ok, err := s.GetNode(ctx, node.NodeID)
	if err != nil {
		t.Fatalf("GetNode() failed: %v", err)
	}
	if !ok {
		t.Fatal("GetNode() reported not found for a node just created")
	}
	if got.Payload["title"] != "hello" {
		t.Fatalf("GetNode() payload = %v, want title=hello", got.Payload)
	}
}

func TestCreateNodePopulatesVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.CreateNode(ctx, graph.Node{
		TypeID:     1,
		Payload:    map[string]any{},
		OwnerActor: "user:alice",
		ACL:        []graph.ACLEntry{{Principal: "user:bob", Permission: "read"}},
	})
	if err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	visible, err := s.GetVisibleNodes(ctx, "user:bob", nil, 10, 0)
	if err != nil {
		t.Fatalf("GetVisibleNodes(bob) failed: %v", err)
	}
	if len(visible) != 1 || visible[0].NodeID != node.NodeID {
		t.Fatalf("GetVisibleNodes(bob) = %v, want [%s]", visible, node.NodeID)
	}

	ownerVisible, err := s.GetVisibleNodes(ctx, "user:alice", nil, 10, 0)
	if err != nil {
		t.Fatalf("GetVisibleNodes(alice) failed: %v", err)
	}
	if len(ownerVisible) != 1 {
		t.Fatalf("GetVisibleNodes(alice) = %v, want owner to see their own node", ownerVisible)
	}

	strangerVisible, err := s.GetVisibleNodes(ctx, "user:carol", nil, 10, 0)
	if err != nil {
		t.Fatalf("GetVisibleNodes(carol) failed: %v", err)
	}
	if len(strangerVisible) != 0 {
		t.Fatalf("GetVisibleNodes(carol) = %v, want none", strangerVisible)
	}
}

func TestUpdateNodeShallowMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node, err := s.CreateNode(ctx, graph.Node{
		TypeID:  1,
		Payload: map[string]any{"title": "hello", "status": "open"},
	})
	if err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	updated, ok, err := s.UpdateNode(ctx, node.NodeID, map[string]any{"status": "closed"}, 2000)
	if err != nil {
		t.Fatalf("UpdateNode() failed: %v", err)
	}
	if !ok {
		t.Fatal("UpdateNode() reported not found")
	}
	if updated.Payload["title"] != "hello" {
		t.Fatalf("UpdateNode() dropped untouched field title = %v", updated.Payload["title"])
	}
	if updated.Payload["status"] != "closed" {
		t.Fatalf("UpdateNode() status = %v, want closed", updated.Payload["status"])
	}
}

func TestDeleteNodeCascadesEdgesAndVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateNode(ctx, graph.Node{TypeID: 1, Payload: map[string]any{}, OwnerActor: "user:alice"})
	if err != nil {
		t.Fatalf("CreateNode(a) failed: %v", err)
	}
	b, err := s.CreateNode(ctx, graph.Node{TypeID: 1, Payload: map[string]any{}, OwnerActor: "user:alice"})
	if err != nil {
		t.Fatalf("CreateNode(b) failed: %v", err)
	}
	if _, err := s.CreateEdge(ctx, graph.Edge{EdgeTypeID: 1, FromNodeID: a.NodeID, ToNodeID: b.NodeID}); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	deleted, err := s.DeleteNode(ctx, a.NodeID)
	if err != nil {
		t.Fatalf("DeleteNode() failed: %v", err)
	}
	if !deleted {
		t.Fatal("DeleteNode() reported false for an existing node")
	}

	edges, err := s.GetEdgesFrom(ctx, a.NodeID, nil)
	if err != nil {
		t.Fatalf("GetEdgesFrom() failed: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("GetEdgesFrom() = %v, want edges cascaded away", edges)
	}

	visible, err := s.GetVisibleNodes(ctx, "user:alice", nil, 10, 0)
	if err != nil {
		t.Fatalf("GetVisibleNodes() failed: %v", err)
	}
	for _, n := range visible {
		if n.NodeID == a.NodeID {
			t.Fatal("GetVisibleNodes() still returns a deleted node")
		}
	}
}

func TestCheckIdempotencyAndRecordAppliedEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.CheckIdempotency(ctx, "req-1")
	if err != nil {
		t.Fatalf("CheckIdempotency() failed: %v", err)
	}
	if seen {
		t.Fatal("CheckIdempotency() reported seen before anything was recorded")
	}

	err = s.RunEventTx(ctx, func(tx *EventTx) error {
		return tx.RecordAppliedEvent("req-1", stream.Pos{Topic: "entdb-events", Partition: 0, Offset: 42}, 5000)
	})
	if err != nil {
		t.Fatalf("RunEventTx() failed: %v", err)
	}

	seen, err = s.CheckIdempotency(ctx, "req-1")
	if err != nil {
		t.Fatalf("CheckIdempotency() failed: %v", err)
	}
	if !seen {
		t.Fatal("CheckIdempotency() did not see a recorded applied event")
	}
}

func TestCreateEdgeInsertOrReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	edge := graph.Edge{EdgeTypeID: 1, FromNodeID: "a", ToNodeID: "b", Props: map[string]any{"weight": 1.0}}
	if _, err := s.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	edge.Props = map[string]any{"weight": 2.0}
	if _, err := s.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("CreateEdge() replace failed: %v", err)
	}

	edges, err := s.GetEdgesFrom(ctx, "a", nil)
	if err != nil {
		t.Fatalf("GetEdgesFrom() failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("GetEdgesFrom() = %d edges, want exactly one after replace", len(edges))
	}
	if edges[0].Props["weight"] != 2.0 {
		t.Fatalf("GetEdgesFrom() props = %v, want weight=2.0", edges[0].Props)
	}
}
