package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

// DefaultConsumerGroup is the archiver's consumer group. It is always
// distinct from the applier's (EntDB §5: "the archiver and applier
// are separate consumer groups"), so the archiver's committed offsets
// never affect applied state and vice versa.
const DefaultConsumerGroup = "entdb-archiver"

// Config bounds when a PendingSegment flushes and where it lands.
type Config struct {
	Prefix          string        // e.g. "archive"
	MaxBytes        int64         // flush when a segment reaches this size
	MaxEntries      int           // flush when a segment reaches this entry count
	FlushInterval   time.Duration // background ticker flush
	Gzip            bool
}

// DefaultConfig returns reasonable flush thresholds for a single
// EntDB process.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:        prefix,
		MaxBytes:      8 << 20,
		MaxEntries:    5000,
		FlushInterval: 30 * time.Second,
		Gzip:          true,
	}
}

// Archiver consumes one topic under DefaultConsumerGroup and uploads
// immutable newline-delimited JSON segments to an objstore.Store.
type Archiver struct {
	log    stream.Log
	store  objstore.Store
	topic  string
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	pending  map[pendingKey]*pendingSegment
	// lastRecord is the record each segment must fully flush
	// before the subscription may commit past it; the archiver only
	// commits a record once its segment (which may span several
	// records) has been durably uploaded.
	lastRecord map[pendingKey]stream.Record
}

// New builds an Archiver over topic, uploading flushed segments to store.
func New(log stream.Log, store objstore.Store, topic string, cfg Config, logger zerolog.Logger) *Archiver {
	return &Archiver{
		log:        log,
		store:      store,
		topic:      topic,
		cfg:        cfg,
		logger:     logger.With().Str("component", "archiver").Logger(),
		pending:    make(map[pendingKey]*pendingSegment),
		lastRecord: make(map[pendingKey]stream.Record),
	}
}

// Run subscribes to the topic under DefaultConsumerGroup and archives
// records until ctx is canceled, flushing on size, count, ticker, or
// shutdown (EntDB §4.R "Flush triggers").
func (a *Archiver) Run(ctx context.Context) error {
	sub, err := a.log.Subscribe(ctx, a.topic, DefaultConsumerGroup, nil)
	if err != nil {
		return entdberr.Wrap(entdberr.Connection, "subscribing archiver to log", err)
	}
	defer sub.Close()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	recordsCh := make(chan stream.Record)
	errCh := make(chan error, 1)
	go func() {
		for {
			rec, ok, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					close(recordsCh)
					return
				}
				errCh <- err
				return
			}
			if !ok {
				close(recordsCh)
				return
			}
			select {
			case recordsCh <- rec:
			case <-ctx.Done():
				close(recordsCh)
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(context.Background(), sub)
			return nil

		case err := <-errCh:
			return entdberr.Wrap(entdberr.Connection, "archiver stream read failed", err)

		case <-ticker.C:
			a.flushAll(ctx, sub)

		case rec, ok := <-recordsCh:
			if !ok {
				a.flushAll(context.Background(), sub)
				return nil
			}
			if err := a.ingest(ctx, sub, rec); err != nil {
				return err
			}
		}
	}
}

// ingest buffers rec into its (tenant, partition) segment and flushes
// immediately if a size or count trigger fires.
func (a *Archiver) ingest(ctx context.Context, sub stream.Subscription, rec stream.Record) error {
	var event txn.TransactionEvent
	if err := json.Unmarshal(rec.Value, &event); err != nil {
		a.logger.Error().Err(err).Str("pos", rec.Pos.String()).Msg("archiver dropping malformed record")
		return sub.Commit(ctx, rec)
	}

	key := pendingKey{tenantID: event.TenantID, partition: rec.Pos.Partition}

	a.mu.Lock()
	seg, ok := a.pending[key]
	if !ok {
		seg = newPendingSegment(rec.Pos.Offset)
		a.pending[key] = seg
	}
	seg.add(Entry{
		Event:      json.RawMessage(rec.Value),
		Position:   rec.Pos,
		Checksum:   checksum(rec.Value),
		ArchivedAt: time.Now().UnixMilli(),
	}, len(rec.Value))
	a.lastRecord[key] = rec
	trigger := seg.sizeBytes >= a.cfg.MaxBytes || len(seg.entries) >= a.cfg.MaxEntries
	a.mu.Unlock()

	if trigger {
		return a.flushOne(ctx, sub, key)
	}
	return nil
}

// flushAll flushes every pending segment, best-effort; a failed
// upload leaves the segment buffered for the next trigger (EntDB
// §4.R "On upload failure the segment is re-enqueued for retry").
func (a *Archiver) flushAll(ctx context.Context, sub stream.Subscription) {
	a.mu.Lock()
	keys := make([]pendingKey, 0, len(a.pending))
	for k := range a.pending {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	for _, k := range keys {
		if err := a.flushOne(ctx, sub, k); err != nil {
			a.logger.Error().Err(err).Str("tenant_id", k.tenantID).Msg("archiver flush failed")
		}
	}
}

// flushOne uploads the buffered segment for key and, only on upload
// success, commits the archiver's position past the segment's last
// record (EntDB §4.R "After a successful upload the ... consumer
// commits the record").
func (a *Archiver) flushOne(ctx context.Context, sub stream.Subscription, key pendingKey) error {
	a.mu.Lock()
	seg, ok := a.pending[key]
	if !ok || len(seg.entries) == 0 {
		a.mu.Unlock()
		return nil
	}
	lastRec := a.lastRecord[key]
	a.mu.Unlock()

	body, err := serializeSegment(seg, a.cfg.Gzip)
	if err != nil {
		return entdberr.Wrap(entdberr.Internal, "serializing archive segment", err)
	}

	objKey := segmentKey(a.cfg.Prefix, key.tenantID, key.partition, seg.fromOffset, seg.toOffset(), a.cfg.Gzip)
	if err := a.store.Put(ctx, objKey, bytes.NewReader(body), int64(len(body))); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.pending, key)
	delete(a.lastRecord, key)
	a.mu.Unlock()

	a.logger.Info().Str("key", objKey).Int("entries", len(seg.entries)).Msg("archived segment")
	return sub.Commit(ctx, lastRec)
}

// serializeSegment renders a segment as newline-delimited canonical
// JSON, optionally gzip-compressed (EntDB §4.R).
func serializeSegment(seg *pendingSegment, gzipEnabled bool) ([]byte, error) {
	var buf bytes.Buffer
	var enc *json.Encoder
	var gz *gzip.Writer
	if gzipEnabled {
		gz = gzip.NewWriter(&buf)
		enc = json.NewEncoder(gz)
	} else {
		enc = json.NewEncoder(&buf)
	}
	for _, e := range seg.entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
