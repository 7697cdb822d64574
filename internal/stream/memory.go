package stream

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cuemby/entdb/internal/entdberr"
)

// DefaultPartitions is the partition count the in-memory backend
// assigns every topic, chosen to give small multi-tenant test fixtures
// enough spread to exercise cross-partition fan-out without requiring
// runtime configuration (the reference backend, unlike Kafka/Kinesis,
// has no out-of-band topic provisioning step).
const DefaultPartitions = 8

// MemoryLog is the reference in-memory Log implementation of EntDB
// §4.L. It preserves per-key ordering, assigns partitions by a stable
// hash of the key, and notifies blocked subscribers on new appends.
type MemoryLog struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{topics: make(map[string]*memoryTopic)}
}

type memoryTopic struct {
	mu         sync.Mutex
	partitions []*memoryPartition
	groups     map[string]map[int]int64 // consumer group -> partition -> next offset to read
}

type memoryPartition struct {
	mu      sync.Mutex
	cond    *sync.Cond
	records []Record
	closed  bool
}

func newMemoryPartition() *memoryPartition {
	p := &memoryPartition{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (l *MemoryLog) topic(name string) *memoryTopic {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.topics[name]
	if !ok {
		t = &memoryTopic{groups: make(map[string]map[int]int64)}
		t.partitions = make([]*memoryPartition, DefaultPartitions)
		for i := range t.partitions {
			t.partitions[i] = newMemoryPartition()
		}
		l.topics[name] = t
	}
	return t
}

func partitionFor(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % DefaultPartitions)
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, topicName string, key, value []byte, headers map[string][]byte) (Pos, error) {
	select {
	case <-ctx.Done():
		return Pos{}, entdberr.WrapRetryable(entdberr.Timeout, "append canceled", ctx.Err())
	default:
	}
	t := l.topic(topicName)
	pi := partitionFor(key)
	part := t.partitions[pi]

	part.mu.Lock()
	defer part.mu.Unlock()
	offset := int64(len(part.records))
	pos := Pos{Topic: topicName, Partition: pi, Offset: offset, TsMs: time.Now().UnixMilli()}
	rec := Record{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...), Headers: headers, Pos: pos}
	part.records = append(part.records, rec)
	part.cond.Broadcast()
	return pos, nil
}

// Subscribe implements Log.
func (l *MemoryLog) Subscribe(ctx context.Context, topicName, consumerGroup string, startPos *Pos) (Subscription, error) {
	t := l.topic(topicName)
	t.mu.Lock()
	cursors, ok := t.groups[consumerGroup]
	if !ok {
		cursors = make(map[int]int64)
		if startPos != nil {
			cursors[startPos.Partition] = startPos.Offset
		}
		t.groups[consumerGroup] = cursors
	}
	t.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	return &memorySubscription{
		log: l, topic: t, topicName: topicName, group: consumerGroup,
		ctx: sctx, cancel: cancel, rrIndex: 0,
	}, nil
}

// GetPositions implements Log.
func (l *MemoryLog) GetPositions(ctx context.Context, topicName, consumerGroup string) (map[int]Pos, error) {
	t := l.topic(topicName)
	t.mu.Lock()
	cursors := t.groups[consumerGroup]
	out := make(map[int]Pos, len(cursors))
	for p, off := range cursors {
		out[p] = Pos{Topic: topicName, Partition: p, Offset: off}
	}
	t.mu.Unlock()
	return out, nil
}

// Close implements Log.
func (l *MemoryLog) Close() error { return nil }

type memorySubscription struct {
	log       *MemoryLog
	topic     *memoryTopic
	topicName string
	group     string
	ctx       context.Context
	cancel    context.CancelFunc
	rrIndex   int
}

// Next scans partitions round-robin starting from rrIndex, returning
// the next uncommitted record it finds. If none are ready it waits on
// the condition variable of the partition at rrIndex (woken by Append)
// up to context cancellation.
func (s *memorySubscription) Next(ctx context.Context) (Record, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return Record{}, false, ctx.Err()
		case <-s.ctx.Done():
			return Record{}, false, nil
		default:
		}

		n := len(s.topic.partitions)
		for i := 0; i < n; i++ {
			pi := (s.rrIndex + i) % n
			part := s.topic.partitions[pi]

			s.topic.mu.Lock()
			next := s.topic.groups[s.group][pi]
			s.topic.mu.Unlock()

			part.mu.Lock()
			if int64(len(part.records)) > next {
				rec := part.records[next]
				part.mu.Unlock()
				s.rrIndex = (pi + 1) % n
				return rec, true, nil
			}
			part.mu.Unlock()
		}

		// Nothing ready anywhere; block on the rrIndex partition's condvar with a
		// short wait so we re-scan other partitions periodically.
		part := s.topic.partitions[s.rrIndex%n]
		part.mu.Lock()
		waitCh := make(chan struct{})
		go func() {
			part.cond.L.Lock()
			part.cond.Wait()
			part.cond.L.Unlock()
			close(waitCh)
		}()
		part.mu.Unlock()

		select {
		case <-waitCh:
		case <-time.After(25 * time.Millisecond):
			// Bounds the race between the check above and the goroutine
			// registering its Wait(); worst case we just re-scan early.
			part.cond.Broadcast()
		case <-ctx.Done():
			part.cond.Broadcast()
			return Record{}, false, ctx.Err()
		case <-s.ctx.Done():
			part.cond.Broadcast()
			return Record{}, false, nil
		}
	}
}

// Commit implements Subscription.
func (s *memorySubscription) Commit(ctx context.Context, rec Record) error {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	cursors := s.topic.groups[s.group]
	if cursors == nil {
		cursors = make(map[int]int64)
		s.topic.groups[s.group] = cursors
	}
	cursors[rec.Pos.Partition] = rec.Pos.Offset + 1
	return nil
}

// Close implements Subscription.
func (s *memorySubscription) Close() error {
	s.cancel()
	for _, p := range s.topic.partitions {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}
	return nil
}
