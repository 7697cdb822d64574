package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

func mustMarshal(t *testing.T, event txn.TransactionEvent) []byte {
	t.Helper()
	b, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshaling event failed: %v", err)
	}
	return b
}

func TestArchiverFlushesOnMaxEntries(t *testing.T) {
	log := stream.NewMemoryLog()
	store := objstore.NewMemoryStore()
	cfg := DefaultConfig("archive")
	cfg.MaxEntries = 2
	cfg.FlushInterval = time.Hour
	cfg.Gzip = false
	a := New(log, store, "entdb-events", cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 2; i++ {
		event := txn.TransactionEvent{TenantID: "acme", IdempotencyKey: "k", TsMs: 1000}
		if _, err := log.Append(ctx, "entdb-events", []byte("acme"), mustMarshal(t, event), nil); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var segments []SegmentInfo
	for time.Now().Before(deadline) {
		var err error
		segments, err = ListSegments(context.Background(), store, "archive", "acme")
		if err != nil {
			t.Fatalf("ListSegments() failed: %v", err)
		}
		if len(segments) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if len(segments) != 1 {
		t.Fatalf("ListSegments() = %d segments, want 1", len(segments))
	}
	if segments[0].FromOffset != 0 || segments[0].ToOffset != 1 {
		t.Fatalf("segment offsets = [%d,%d], want [0,1]", segments[0].FromOffset, segments[0].ToOffset)
	}

	entries, err := ReadEntries(context.Background(), store, segments[0])
	if err != nil {
		t.Fatalf("ReadEntries() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadEntries() = %d entries, want 2", len(entries))
	}
}

func TestArchiverFlushesOnShutdown(t *testing.T) {
	log := stream.NewMemoryLog()
	store := objstore.NewMemoryStore()
	cfg := DefaultConfig("archive")
	cfg.MaxEntries = 1000
	cfg.FlushInterval = time.Hour
	cfg.Gzip = true
	a := New(log, store, "entdb-events", cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	event := txn.TransactionEvent{TenantID: "acme", IdempotencyKey: "only", TsMs: 1000}
	if _, err := log.Append(ctx, "entdb-events", []byte("acme"), mustMarshal(t, event), nil); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() returned error on shutdown: %v", err)
	}

	segments, err := ListSegments(context.Background(), store, "archive", "acme")
	if err != nil {
		t.Fatalf("ListSegments() failed: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("ListSegments() = %d segments, want 1 flushed on shutdown", len(segments))
	}
	if !segments[0].Gzip {
		t.Fatalf("segment not marked gzip")
	}
}

func TestParseSegmentKeyRoundTrip(t *testing.T) {
	key := segmentKey("archive", "acme", 0, 5, 42, true)
	info, ok := parseSegmentKey(key)
	if !ok {
		t.Fatalf("parseSegmentKey(%q) failed to parse", key)
	}
	if info.TenantID != "acme" || info.Partition != 0 || info.FromOffset != 5 || info.ToOffset != 42 || !info.Gzip {
		t.Fatalf("parseSegmentKey(%q) = %+v, mismatched fields", key, info)
	}
}
