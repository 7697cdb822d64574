package stream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafka "github.com/segmentio/kafka-go"

	"github.com/cuemby/entdb/internal/entdberr"
)

// KafkaConfig configures the Kafka-backed Log implementation (EntDB
// §6 "Kafka subset").
type KafkaConfig struct {
	Brokers         []string
	ConsumerGroup   string
	RequiredAcks    kafka.RequiredAcks
	Idempotent      bool
	MaxInFlight     int
	AutoOffsetReset string // "earliest" or "latest"
	TLS             bool
	SASLUsername    string
	SASLPassword    string
}

// KafkaLog adapts github.com/segmentio/kafka-go to the stream.Log
// interface. One *kafka.Writer is shared across topics (kafka-go
// writers are keyed by topic per message); readers are created lazily
// per (topic, consumerGroup) in Subscribe.
type KafkaLog struct {
	cfg    KafkaConfig
	writer *kafka.Writer
}

// NewKafkaLog dials brokers and returns a ready KafkaLog.
func NewKafkaLog(cfg KafkaConfig) *KafkaLog {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{}, // hashes on Message.Key, preserving per-key order
		RequiredAcks: cfg.RequiredAcks,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaLog{cfg: cfg, writer: w}
}

// Append implements Log. kafka-go's writer is idempotent per
// partition only when configured with RequiredAcks=All and a single
// in-flight batch; EntDB relies on the idempotency-key ledger in the
// canonical store as the authoritative dedup, so a retried append
// producing a duplicate record is tolerated, not merely discouraged.
func (l *KafkaLog) Append(ctx context.Context, topic string, key, value []byte, headers map[string][]byte) (Pos, error) {
	msg := kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now()}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: v})
	}

	var pos Pos
	op := func() error {
		if err := l.writer.WriteMessages(ctx, msg); err != nil {
			return err
		}
		pos = Pos{Topic: topic, TsMs: time.Now().UnixMilli()}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return Pos{}, entdberr.WrapRetryable(entdberr.Timeout, "kafka append timed out", err)
		}
		return Pos{}, entdberr.WrapRetryable(entdberr.Connection, "kafka append failed", err)
	}
	return pos, nil
}

// Subscribe implements Log using a kafka.Reader bound to
// consumerGroup, which makes kafka itself responsible for partition
// assignment, rebalancing, and committed-offset durability.
func (l *KafkaLog) Subscribe(ctx context.Context, topic, consumerGroup string, startPos *Pos) (Subscription, error) {
	startOffset := kafka.LastOffset
	if l.cfg.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     l.cfg.Brokers,
		Topic:       topic,
		GroupID:     consumerGroup,
		StartOffset: startOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &kafkaSubscription{reader: r}, nil
}

// GetPositions implements Log by reading the consumer group's lag
// through a throwaway reader to check connectivity; it always returns
// an empty position map.
func (l *KafkaLog) GetPositions(ctx context.Context, topic, consumerGroup string) (map[int]Pos, error) {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: l.cfg.Brokers, Topic: topic, GroupID: consumerGroup})
	defer r.Close()
	lag, err := r.ReadLag(ctx)
	if err != nil {
		return nil, entdberr.WrapRetryable(entdberr.Connection, "reading kafka consumer lag", err)
	}
	_ = lag
	// kafka-go does not expose a direct per-partition offset map off a
	// single reader without consuming; callers needing exact positions
	// should track them from committed Records instead.
	return map[int]Pos{}, nil
}

// Close implements Log.
func (l *KafkaLog) Close() error { return l.writer.Close() }

type kafkaSubscription struct {
	reader *kafka.Reader
}

func (s *kafkaSubscription) Next(ctx context.Context) (Record, bool, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Record{}, false, ctx.Err()
		}
		return Record{}, false, entdberr.WrapRetryable(entdberr.Connection, "kafka fetch failed", err)
	}
	headers := make(map[string][]byte, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = h.Value
	}
	rec := Record{
		Key: msg.Key, Value: msg.Value, Headers: headers,
		Pos: Pos{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, TsMs: msg.Time.UnixMilli()},
	}
	return rec, true, nil
}

func (s *kafkaSubscription) Commit(ctx context.Context, rec Record) error {
	msg := kafka.Message{Topic: rec.Pos.Topic, Partition: rec.Pos.Partition, Offset: rec.Pos.Offset}
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		return entdberr.WrapRetryable(entdberr.Connection, "kafka commit failed", err)
	}
	return nil
}

func (s *kafkaSubscription) Close() error { return s.reader.Close() }
