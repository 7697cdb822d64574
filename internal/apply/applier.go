// Package apply implements the Applier of EntDB §4.A: the single
// consumer that turns TransactionEvents off the log into canonical
// store mutations and mailbox fanout, enforcing idempotency and
// schema-fingerprint pinning along the way.
package apply

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/schema"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

// DefaultConsumerGroup is the consumer group the applier subscribes
// under; the archiver always uses a different, independent group
// (EntDB §5 "the archiver and applier are separate consumer groups").
const DefaultConsumerGroup = "entdb-applier"

// Result records the outcome of applying one stream record.
type Result struct {
	Pos            stream.Pos
	TenantID       string
	IdempotencyKey string
	Success        bool
	Skipped        bool
	Error          string
	CreatedNodeIDs []string
}

// Applier consumes a single topic and drives the canonical/mailbox
// stores forward one TransactionEvent at a time.
type Applier struct {
	log        stream.Log
	canonical  *canonical.Manager
	mailbox    *mailbox.Manager
	observer   *schema.Observer
	topic      string
	logger     zerolog.Logger

	running       atomic.Bool
	processedCount atomic.Int64
	errorCount     atomic.Int64
	lastPos        atomic.Value // stream.Pos
}

// New builds an Applier over topic, writing into canon and mbox,
// enforcing fingerprint pinning via obs.
func New(log stream.Log, canon *canonical.Manager, mbox *mailbox.Manager, obs *schema.Observer, topic string, logger zerolog.Logger) *Applier {
	a := &Applier{log: log, canonical: canon, mailbox: mbox, observer: obs, topic: topic, logger: logger.With().Str("component", "applier").Logger()}
	a.lastPos.Store(stream.Pos{})
	return a
}

// Stats is a point-in-time snapshot of the applier's counters (EntDB
// §4.A "Statistics: running flag, processed_count, error_count, last
// position").
type Stats struct {
	Running        bool
	ProcessedCount int64
	ErrorCount     int64
	LastPos        stream.Pos
}

// CurrentStats returns the applier's counters.
func (a *Applier) CurrentStats() Stats {
	return Stats{
		Running:        a.running.Load(),
		ProcessedCount: a.processedCount.Load(),
		ErrorCount:     a.errorCount.Load(),
		LastPos:        a.lastPos.Load().(stream.Pos),
	}
}

// Run subscribes to the topic under DefaultConsumerGroup and applies
// records until ctx is canceled. It returns nil on clean cancellation
// and a non-nil error only for stream I/O failures outside a single
// event's apply step (EntDB §4.A: "An exception outside apply_event
// ... propagates and terminates the loop so a supervisor restarts").
func (a *Applier) Run(ctx context.Context) error {
	sub, err := a.log.Subscribe(ctx, a.topic, DefaultConsumerGroup, nil)
	if err != nil {
		return entdberr.Wrap(entdberr.Connection, "subscribing applier to log", err)
	}
	defer sub.Close()

	a.running.Store(true)
	defer a.running.Store(false)

	for {
		rec, ok, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return entdberr.Wrap(entdberr.Connection, "applier stream read failed", err)
		}
		if !ok {
			return nil
		}

		result := a.applyRecord(ctx, rec)
		a.processedCount.Add(1)
		a.lastPos.Store(rec.Pos)
		if !result.Success && !result.Skipped {
			a.errorCount.Add(1)
			a.logger.Error().
				Str("tenant_id", result.TenantID).
				Str("pos", rec.Pos.String()).
				Str("error", result.Error).
				Msg("applying transaction event failed")
		}

		if err := sub.Commit(ctx, rec); err != nil {
			return entdberr.Wrap(entdberr.Connection, "committing applier position", err)
		}
	}
}

// applyRecord implements the per-record algorithm of EntDB §4.A steps
// 1-8. It never returns an error: every failure mode short of stream
// I/O is captured in the returned Result so the caller can ack and
// keep the pipeline moving.
func (a *Applier) applyRecord(ctx context.Context, rec stream.Record) Result {
	var event txn.TransactionEvent
	if err := json.Unmarshal(rec.Value, &event); err != nil {
		return Result{Pos: rec.Pos, Success: false, Error: "malformed transaction event: " + err.Error()}
	}

	store, err := a.canonical.Get(ctx, event.TenantID)
	if err != nil {
		return Result{Pos: rec.Pos, TenantID: event.TenantID, Success: false, Error: err.Error()}
	}

	alreadyApplied, err := store.CheckIdempotency(ctx, event.IdempotencyKey)
	if err != nil {
		return Result{Pos: rec.Pos, TenantID: event.TenantID, Success: false, Error: err.Error()}
	}
	if alreadyApplied {
		return Result{Pos: rec.Pos, TenantID: event.TenantID, IdempotencyKey: event.IdempotencyKey, Skipped: true, Success: true}
	}

	if event.SchemaFingerprint != "" && !a.observer.Matches(event.SchemaFingerprint) {
		return Result{
			Pos: rec.Pos, TenantID: event.TenantID, IdempotencyKey: event.IdempotencyKey,
			Success: false, Error: "schema fingerprint mismatch",
		}
	}

	aliases := txn.NewAliasMap()
	var createdIDs []string
	var fanoutItems []pendingFanout

	applyErr := store.RunEventTx(ctx, func(tx *canonical.EventTx) error {
		created, err := ApplyOps(tx, event.TenantID, event.Ops, event.TsMs, aliases)
		for _, c := range created {
			createdIDs = append(createdIDs, c.Node.NodeID)
			fanoutItems = append(fanoutItems, planFanout(c.Node, c.Op, event.TsMs)...)
		}
		if err != nil {
			return err
		}
		return tx.RecordAppliedEvent(event.IdempotencyKey, rec.Pos, time.Now().UnixMilli())
	})

	if applyErr != nil {
		return Result{
			Pos: rec.Pos, TenantID: event.TenantID, IdempotencyKey: event.IdempotencyKey,
			Success: false, Error: applyErr.Error(),
		}
	}

	for _, f := range fanoutItems {
		if _, err := a.mailbox.AddItem(ctx, event.TenantID, f.recipient, f.item); err != nil {
			a.logger.Warn().Err(err).Str("tenant_id", event.TenantID).Msg("mailbox fanout failed after commit")
		}
	}

	return Result{
		Pos: rec.Pos, TenantID: event.TenantID, IdempotencyKey: event.IdempotencyKey,
		Success: true, CreatedNodeIDs: createdIDs,
	}
}
