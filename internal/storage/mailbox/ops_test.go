package mailbox

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), zerolog.Nop())
}

func TestAddAndGetItem(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	item, err := m.AddItem(ctx, "acme", "user:alice", Item{
		SourceTypeID: 1, SourceNodeID: "node-1", Snippet: "hello world", TsMs: 1000,
	})
	if err != nil {
		t.Fatalf("AddItem() failed: %v", err)
	}
	if item.RefID != "node-1" {
		t.Fatalf("AddItem() default RefID = %q, want node-1", item.RefID)
	}

	got, ok, err := m.GetItem(ctx, "acme", "user:alice", item.ItemID)
	if err != nil {
		t.Fatalf("GetItem() failed: %v", err)
	}
	if !ok {
		t.Fatal("GetItem() reported not found right after AddItem")
	}
	if got.State["read"] != false {
		t.Fatalf("GetItem() default state = %v, want read=false", got.State)
	}
}

func TestGetItemMissingMailboxReturnsEmpty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, ok, err := m.GetItem(ctx, "acme", "user:nobody", "whatever")
	if err != nil {
		t.Fatalf("GetItem() on missing mailbox returned error: %v", err)
	}
	if ok {
		t.Fatal("GetItem() on missing mailbox reported found")
	}
}

func TestSearchFindsSnippetMatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddItem(ctx, "acme", "user:alice", Item{SourceNodeID: "n1", Snippet: "the quick brown fox", TsMs: 1}); err != nil {
		t.Fatalf("AddItem() failed: %v", err)
	}
	if _, err := m.AddItem(ctx, "acme", "user:alice", Item{SourceNodeID: "n2", Snippet: "lazy dog sleeps", TsMs: 2}); err != nil {
		t.Fatalf("AddItem() failed: %v", err)
	}

	results, err := m.Search(ctx, "acme", "user:alice", "fox", nil, 10, 0)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.SourceNodeID != "n1" {
		t.Fatalf("Search(fox) = %+v, want exactly n1", results)
	}
}

func TestSearchMalformedQueryReturnsEmptyNotError(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddItem(ctx, "acme", "user:alice", Item{SourceNodeID: "n1", Snippet: "hello", TsMs: 1}); err != nil {
		t.Fatalf("AddItem() failed: %v", err)
	}

	results, err := m.Search(ctx, "acme", "user:alice", `"unterminated`, nil, 10, 0)
	if err != nil {
		t.Fatalf("Search() with malformed syntax returned an error instead of empty: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("Search() with malformed syntax = %v, want empty", results)
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.AddItem(ctx, "acme", "user:alice", Item{SourceNodeID: "n1", Snippet: "one", TsMs: 1})
	if err != nil {
		t.Fatalf("AddItem() failed: %v", err)
	}
	if _, err := m.AddItem(ctx, "acme", "user:alice", Item{SourceNodeID: "n2", Snippet: "two", TsMs: 2}); err != nil {
		t.Fatalf("AddItem() failed: %v", err)
	}

	count, err := m.GetUnreadCount(ctx, "acme", "user:alice")
	if err != nil {
		t.Fatalf("GetUnreadCount() failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("GetUnreadCount() = %d, want 2", count)
	}

	if err := m.MarkRead(ctx, "acme", "user:alice", []string{a.ItemID}); err != nil {
		t.Fatalf("MarkRead() failed: %v", err)
	}
	count, err = m.GetUnreadCount(ctx, "acme", "user:alice")
	if err != nil {
		t.Fatalf("GetUnreadCount() failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("GetUnreadCount() after MarkRead = %d, want 1", count)
	}
}

func TestGetThreadOrdersAscending(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i, ts := range []int64{30, 10, 20} {
		if _, err := m.AddItem(ctx, "acme", "user:alice", Item{
			SourceNodeID: "n", ThreadID: "t1", Snippet: "msg", TsMs: ts,
			ItemID: itemIDFor(i),
		}); err != nil {
			t.Fatalf("AddItem() failed: %v", err)
		}
	}

	thread, err := m.GetThread(ctx, "acme", "user:alice", "t1")
	if err != nil {
		t.Fatalf("GetThread() failed: %v", err)
	}
	if len(thread) != 3 {
		t.Fatalf("GetThread() length = %d, want 3", len(thread))
	}
	for i := 1; i < len(thread); i++ {
		if thread[i-1].TsMs > thread[i].TsMs {
			t.Fatalf("GetThread() not ordered ascending: %v", thread)
		}
	}
}

func itemIDFor(i int) string {
	ids := []string{"item-a", "item-b", "item-c"}
	return ids[i]
}
