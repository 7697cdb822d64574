package apply

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/schema"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

const testTopic = "entdb-events"

type fixture struct {
	log     *stream.MemoryLog
	canon   *canonical.Manager
	mbox    *mailbox.Manager
	applier *Applier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := stream.NewMemoryLog()
	canon := canonical.NewManager(canonical.DefaultConfig(t.TempDir()))
	mbox := mailbox.NewManager(t.TempDir(), zerolog.Nop())
	obs := schema.NewObserver("", zerolog.Nop())
	a := New(log, canon, mbox, obs, testTopic, zerolog.Nop())
	t.Cleanup(func() {
		_ = canon.CloseAll()
		_ = mbox.CloseAll()
	})
	return &fixture{log: log, canon: canon, mbox: mbox, applier: a}
}

func publish(t *testing.T, f *fixture, event txn.TransactionEvent) {
	t.Helper()
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshaling event failed: %v", err)
	}
	if _, err := f.log.Append(context.Background(), testTopic, []byte(event.TenantID), value, nil); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
}

// runUntilProcessed runs the applier in the background until it has
// processed at least n records or the deadline elapses.
func runUntilProcessed(t *testing.T, f *fixture, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.applier.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.applier.CurrentStats().ProcessedCount >= int64(n) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("applier did not process %d records within deadline (processed %d)", n, f.applier.CurrentStats().ProcessedCount)
}

func TestApplierCreateNode(t *testing.T) {
	f := newFixture(t)
	publish(t, f, txn.TransactionEvent{
		TenantID:       "acme",
		Actor:          "user:alice",
		IdempotencyKey: "req-1",
		TsMs:           1000,
		Ops:            []txn.Operation{txn.CreateNode(1, map[string]any{"title": "hello"}, "user:alice")},
	})
	runUntilProcessed(t, f, 1)

	store, err := f.canon.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}
	count, err := store.NodeCount(context.Background())
	if err != nil {
		t.Fatalf("NodeCount() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("NodeCount() = %d, want 1", count)
	}

	stats := f.applier.CurrentStats()
	if stats.ErrorCount != 0 {
		t.Fatalf("ErrorCount = %d, want 0", stats.ErrorCount)
	}
}

func TestApplierIdempotentRetrySkips(t *testing.T) {
	f := newFixture(t)
	event := txn.TransactionEvent{
		TenantID:       "acme",
		Actor:          "user:alice",
		IdempotencyKey: "req-dup",
		TsMs:           1000,
		Ops:            []txn.Operation{txn.CreateNode(1, map[string]any{"title": "hello"}, "user:alice")},
	}
	publish(t, f, event)
	publish(t, f, event)
	runUntilProcessed(t, f, 2)

	store, err := f.canon.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}
	count, err := store.NodeCount(context.Background())
	if err != nil {
		t.Fatalf("NodeCount() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("NodeCount() after duplicate apply = %d, want 1 (second apply should be skipped)", count)
	}
}

func TestApplierAliasEdgeCreation(t *testing.T) {
	f := newFixture(t)
	publish(t, f, txn.TransactionEvent{
		TenantID:       "acme",
		Actor:          "user:alice",
		IdempotencyKey: "req-alias",
		TsMs:           1000,
		Ops: []txn.Operation{
			func() txn.Operation { op := txn.CreateNode(1, map[string]any{"title": "a"}, "user:alice"); op.Alias = "a"; return op }(),
			func() txn.Operation { op := txn.CreateNode(1, map[string]any{"title": "b"}, "user:alice"); op.Alias = "b"; return op }(),
			txn.CreateEdge(1, txn.AliasRef("a"), txn.AliasRef("b"), map[string]any{"weight": 1}),
		},
	})
	runUntilProcessed(t, f, 1)

	store, err := f.canon.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("canon.Get() failed: %v", err)
	}
	nodes, err := store.GetNodesByType(context.Background(), 1, 10, 0)
	if err != nil {
		t.Fatalf("GetNodesByType() failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("GetNodesByType() = %d nodes, want 2", len(nodes))
	}

	var fromID string
	for _, n := range nodes {
		if n.Payload["title"] == "a" {
			fromID = n.NodeID
		}
	}
	edges, err := store.GetEdgesFrom(context.Background(), fromID, nil)
	if err != nil {
		t.Fatalf("GetEdgesFrom() failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("GetEdgesFrom() = %d edges, want 1 resolved via alias", len(edges))
	}
}

func TestApplierFanoutToMailbox(t *testing.T) {
	f := newFixture(t)
	publish(t, f, txn.TransactionEvent{
		TenantID:       "acme",
		Actor:          "user:alice",
		IdempotencyKey: "req-fanout",
		TsMs:           1000,
		Ops: []txn.Operation{
			txn.Operation{
				Kind:       txn.OpCreateNode,
				TypeID:     1,
				Payload:    map[string]any{"title": "new task"},
				OwnerActor: "user:alice",
				FanoutTo:   []string{"user:bob"},
			},
		},
	})
	runUntilProcessed(t, f, 1)

	count, err := f.mbox.GetUnreadCount(context.Background(), "acme", "user:bob")
	if err != nil {
		t.Fatalf("GetUnreadCount() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("GetUnreadCount(bob) = %d, want 1", count)
	}
}

// TestApplierFanoutSnippetJoinsAllTextFields is spec.md's own
// scenario 4: create_node(3, {"subject":"Hi","body":"Hello Bob"}, ...)
// must fan out a snippet containing both "Hi" and "Hello Bob", not
// just whichever field sorts first in snippetFieldOrder.
func TestApplierFanoutSnippetJoinsAllTextFields(t *testing.T) {
	f := newFixture(t)
	publish(t, f, txn.TransactionEvent{
		TenantID:       "acme",
		Actor:          "user:alice",
		IdempotencyKey: "req-fanout-multi",
		TsMs:           1000,
		Ops: []txn.Operation{
			txn.Operation{
				Kind:       txn.OpCreateNode,
				TypeID:     3,
				Payload:    map[string]any{"subject": "Hi", "body": "Hello Bob"},
				OwnerActor: "user:alice",
				FanoutTo:   []string{"user:bob"},
			},
		},
	})
	runUntilProcessed(t, f, 1)

	items, err := f.mbox.ListItems(context.Background(), "acme", "user:bob", mailbox.ListFilter{}, 10, 0)
	if err != nil {
		t.Fatalf("ListItems() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("ListItems() = %d items, want 1", len(items))
	}
	snippet := items[0].Snippet
	if !strings.Contains(snippet, "Hi") || !strings.Contains(snippet, "Hello Bob") {
		t.Fatalf("snippet = %q, want it to contain both %q and %q", snippet, "Hi", "Hello Bob")
	}
}
