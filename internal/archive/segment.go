// Package archive implements the Archiver of EntDB §4.R: an
// independent consumer that batches log records into compressed
// immutable segments in object storage.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cuemby/entdb/internal/stream"
)

// Entry is one record's archived form, serialized as one line of the
// segment's newline-delimited JSON body.
type Entry struct {
	Event      json.RawMessage `json:"event"`
	Position   stream.Pos      `json:"position"`
	Checksum   string          `json:"checksum"`
	ArchivedAt int64           `json:"archived_at"`
}

// pendingKey identifies one in-flight segment buffer.
type pendingKey struct {
	tenantID  string
	partition int
}

// pendingSegment accumulates entries for one (tenant_id, partition)
// until a flush trigger fires.
type pendingSegment struct {
	fromOffset int64
	entries    []Entry
	sizeBytes  int64
}

func newPendingSegment(fromOffset int64) *pendingSegment {
	return &pendingSegment{fromOffset: fromOffset}
}

func (p *pendingSegment) add(e Entry, rawLen int) {
	p.entries = append(p.entries, e)
	p.sizeBytes += int64(rawLen)
}

func (p *pendingSegment) toOffset() int64 {
	if len(p.entries) == 0 {
		return p.fromOffset
	}
	return p.entries[len(p.entries)-1].Position.Offset
}

// checksum computes the "sha256:<hex>" checksum of raw record bytes
// (EntDB §4.R "a SHA-256 checksum of the raw record bytes").
func checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// segmentKey builds the object-storage key for a flushed segment.
// from/to are zero-padded to 20 digits so lexicographic and numeric
// ordering of keys agree.
func segmentKey(prefix, tenantID string, partition int, from, to int64, gzip bool) string {
	ext := ".jsonl"
	if gzip {
		ext = ".jsonl.gz"
	}
	return fmt.Sprintf("%s/tenant=%s/partition=%d/from=%020d_to=%020d%s", prefix, tenantID, partition, from, to, ext)
}
