package stream

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/entdb/internal/entdberr"
)

// KinesisConfig configures the Kinesis-backed Log implementation
// (EntDB §6 "Kinesis subset"). The stream is assumed pre-provisioned;
// EntDB does not create or resize Kinesis streams.
type KinesisConfig struct {
	StreamName       string
	IteratorType     types.ShardIteratorType // e.g. TRIM_HORIZON, LATEST
	MaxRecordsPerGet int32
}

// KinesisLog adapts the AWS SDK v2 Kinesis client to the stream.Log
// interface. Because Kinesis has no native consumer-group concept,
// committed positions are tracked locally per (topic, consumerGroup);
// EntDB §9's open question notes this is also true of the reference
// in-memory backend's simplifications and must be honored by real
// backends via their own position-store, which here is an in-process
// map (durable backends should persist it, e.g. to DynamoDB — left as
// a configuration point for operators, out of scope for this package).
type KinesisLog struct {
	client *kinesis.Client
	cfg    KinesisConfig

	mu        sync.Mutex
	positions map[string]map[int]Pos // consumerGroup -> shard index -> last committed Pos
}

// NewKinesisLog builds a KinesisLog from an already-configured AWS SDK
// client (construction of the aws.Config is left to main, following
// the SDK's own convention of loading config once per process).
func NewKinesisLog(client *kinesis.Client, cfg KinesisConfig) *KinesisLog {
	if cfg.MaxRecordsPerGet == 0 {
		cfg.MaxRecordsPerGet = 100
	}
	return &KinesisLog{client: client, cfg: cfg, positions: make(map[string]map[int]Pos)}
}

// Append implements Log, using the partition key as the Kinesis
// PartitionKey so that per-key records land in the same shard and
// stay ordered.
func (l *KinesisLog) Append(ctx context.Context, topicName string, key, value []byte, headers map[string][]byte) (Pos, error) {
	pk := string(key)
	if pk == "" {
		pk = "default"
	}

	var out *kinesis.PutRecordOutput
	op := func() error {
		var err error
		out, err = l.client.PutRecord(ctx, &kinesis.PutRecordInput{
			StreamName:   aws.String(l.cfg.StreamName),
			Data:         value,
			PartitionKey: aws.String(pk),
		})
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return Pos{}, entdberr.WrapRetryable(entdberr.Timeout, "kinesis PutRecord timed out", err)
		}
		return Pos{}, entdberr.WrapRetryable(entdberr.Connection, "kinesis PutRecord failed", err)
	}
	return Pos{Topic: topicName, TsMs: time.Now().UnixMilli()}, nil
}

// Subscribe implements Log by opening a shard iterator per shard of
// the stream and round-robining Next() calls across them, analogous
// to MemoryLog's partition round-robin.
func (l *KinesisLog) Subscribe(ctx context.Context, topicName, consumerGroup string, startPos *Pos) (Subscription, error) {
	desc, err := l.client.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(l.cfg.StreamName)})
	if err != nil {
		return nil, entdberr.WrapRetryable(entdberr.Connection, "describing kinesis stream", err)
	}

	sub := &kinesisSubscription{log: l, consumerGroup: consumerGroup, topicName: topicName}
	for _, shard := range desc.StreamDescription.Shards {
		itType := l.cfg.IteratorType
		if itType == "" {
			itType = types.ShardIteratorTypeTrimHorizon
		}
		in := &kinesis.GetShardIteratorInput{
			StreamName:        aws.String(l.cfg.StreamName),
			ShardId:           shard.ShardId,
			ShardIteratorType: itType,
		}
		it, err := l.client.GetShardIterator(ctx, in)
		if err != nil {
			return nil, entdberr.WrapRetryable(entdberr.Connection, "getting kinesis shard iterator", err)
		}
		sub.shards = append(sub.shards, &kinesisShardState{shardID: aws.ToString(shard.ShardId), iterator: aws.ToString(it.ShardIterator)})
	}
	return sub, nil
}

// GetPositions implements Log from the locally tracked commit map.
func (l *KinesisLog) GetPositions(ctx context.Context, topicName, consumerGroup string) (map[int]Pos, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]Pos, len(l.positions[consumerGroup]))
	for k, v := range l.positions[consumerGroup] {
		out[k] = v
	}
	return out, nil
}

// Close implements Log.
func (l *KinesisLog) Close() error { return nil }

type kinesisShardState struct {
	shardID  string
	iterator string
	buffer   []types.Record
}

type kinesisSubscription struct {
	log           *KinesisLog
	consumerGroup string
	topicName     string
	shards        []*kinesisShardState
	rr            int
}

func (s *kinesisSubscription) Next(ctx context.Context) (Record, bool, error) {
	n := len(s.shards)
	if n == 0 {
		return Record{}, false, entdberr.New(entdberr.Internal, "kinesis subscription has no shards")
	}
	for {
		select {
		case <-ctx.Done():
			return Record{}, false, ctx.Err()
		default:
		}
		for i := 0; i < n; i++ {
			si := (s.rr + i) % n
			shard := s.shards[si]
			if len(shard.buffer) == 0 {
				if shard.iterator == "" {
					continue
				}
				out, err := s.log.client.GetRecords(ctx, &kinesis.GetRecordsInput{
					ShardIterator: aws.String(shard.iterator),
					Limit:         aws.Int32(s.log.cfg.MaxRecordsPerGet),
				})
				if err != nil {
					return Record{}, false, entdberr.WrapRetryable(entdberr.Connection, "kinesis GetRecords failed", err)
				}
				shard.iterator = aws.ToString(out.NextShardIterator)
				shard.buffer = out.Records
			}
			if len(shard.buffer) > 0 {
				rec := shard.buffer[0]
				shard.buffer = shard.buffer[1:]
				s.rr = (si + 1) % n
				return Record{
					Key:   []byte(aws.ToString(rec.PartitionKey)),
					Value: rec.Data,
					Pos: Pos{
						Topic:     s.topicName,
						Partition: si,
						TsMs:      rec.ApproximateArrivalTimestamp.UnixMilli(),
					},
				}, true, nil
			}
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return Record{}, false, ctx.Err()
		}
	}
}

func (s *kinesisSubscription) Commit(ctx context.Context, rec Record) error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	m := s.log.positions[s.consumerGroup]
	if m == nil {
		m = make(map[int]Pos)
		s.log.positions[s.consumerGroup] = m
	}
	m[rec.Pos.Partition] = rec.Pos
	return nil
}

func (s *kinesisSubscription) Close() error { return nil }
