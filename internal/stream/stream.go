// Package stream defines the log-stream interface EntDB is built on
// (§4.L): a durable, partitioned, ordered record log, plus a
// reference in-memory backend for tests. Kafka and Kinesis backends
// live in kafka.go and kinesis.go.
package stream

import (
	"context"
	"fmt"
)

// Pos identifies a record's coordinate in the log: topic, partition,
// offset, and the timestamp the backend assigned it.
type Pos struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
	TsMs      int64  `json:"ts_ms"`
}

// String renders a Pos for logs and archive filenames.
func (p Pos) String() string {
	return fmt.Sprintf("%s[%d]@%d", p.Topic, p.Partition, p.Offset)
}

// Less orders two positions within the same (topic, partition).
func (p Pos) Less(o Pos) bool { return p.Offset < o.Offset }

// Record is one value appended to or read from the log.
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string][]byte
	Pos     Pos
}

// Log is the interface the rest of EntDB is built on. Implementations
// must preserve per-key ordering within a partition. The in-memory
// backend appends each record once; the Kafka and Kinesis backends
// retry a failed append with backoff and can then write a record
// twice, which the applier's idempotency ledger skips.
type Log interface {
	// Append durably writes value under key to topic and returns only
	// after the record is acknowledged. A tenant-id key totally orders
	// that tenant's records.
	Append(ctx context.Context, topic string, key, value []byte, headers map[string][]byte) (Pos, error)

	// Subscribe returns a Subscription that yields records for topic in
	// partition order, honoring consumerGroup's durably committed
	// position on restart. startPos, if non-nil, seeds the group's
	// position when none has been committed yet.
	Subscribe(ctx context.Context, topic, consumerGroup string, startPos *Pos) (Subscription, error)

	// GetPositions returns the durably committed position per
	// partition for (topic, consumerGroup).
	GetPositions(ctx context.Context, topic, consumerGroup string) (map[int]Pos, error)

	// Close releases backend resources.
	Close() error
}

// Subscription is a lazy, effectively infinite sequence of records.
type Subscription interface {
	// Next blocks until a record is available, ctx is canceled, or the
	// subscription is closed. ok is false only when the subscription
	// has been closed (not on each record).
	Next(ctx context.Context) (Record, bool, error)

	// Commit durably advances consumerGroup's position past rec.
	Commit(ctx context.Context, rec Record) error

	// Close stops the subscription.
	Close() error
}
