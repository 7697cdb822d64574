// Package snapshot implements the Snapshotter of EntDB §4.N: a
// periodic loop that exports each tenant's canonical database to
// object storage alongside a manifest recording the stream position
// it was taken at.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/objstore"
	"github.com/cuemby/entdb/internal/storage/canonical"
)

// Config bounds when and how snapshots are taken.
type Config struct {
	Prefix         string // e.g. "snapshots"
	Interval       time.Duration
	MinEventsSince int64 // 0 disables the threshold
	Gzip           bool
	MaxConcurrent  int
}

// DefaultConfig returns a one-hour snapshot cadence.
func DefaultConfig(prefix string) Config {
	return Config{Prefix: prefix, Interval: time.Hour, Gzip: true, MaxConcurrent: 4}
}

// Manifest is the sibling JSON object written alongside every
// snapshot blob (EntDB §4.N step 6).
type Manifest struct {
	TenantID          string `json:"tenant_id"`
	SnapshotTsMs      int64  `json:"snapshot_ts"`
	LastStreamPos     string `json:"last_stream_pos"`
	SchemaFingerprint string `json:"schema_fingerprint"`
	Checksum          string `json:"checksum"`
	SizeBytes         int64  `json:"size_bytes"`
	S3Key             string `json:"s3_key"`
}

// lastTaken records, per tenant, the wall-clock time and event count
// observed at the last successful snapshot.
type lastTaken struct {
	at     time.Time
	events int64
}

// Snapshotter iterates tenant databases on an interval, uploading a
// consistent copy of each to store.
type Snapshotter struct {
	canonical *canonical.Manager
	registry  *graph.Registry
	store     objstore.Store
	cfg       Config
	logger    zerolog.Logger

	sem     chan struct{}
	lastMu  sync.Mutex
	last    map[string]lastTaken
}

// New builds a Snapshotter backed by canon, stamping manifests with
// registry's current schema fingerprint.
func New(canon *canonical.Manager, registry *graph.Registry, store objstore.Store, cfg Config, logger zerolog.Logger) *Snapshotter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Snapshotter{
		canonical: canon,
		registry:  registry,
		store:     store,
		cfg:       cfg,
		logger:    logger.With().Str("component", "snapshotter").Logger(),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		last:      make(map[string]lastTaken),
	}
}

// Run loops until ctx is canceled, sweeping every known tenant on
// cfg.Interval and snapshotting those that need it.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Snapshotter) sweep(ctx context.Context) {
	tenants, err := s.canonical.DiscoverTenants()
	if err != nil {
		s.logger.Error().Err(err).Msg("discovering tenants for snapshot sweep")
		return
	}

	for _, tenantID := range tenants {
		tenantID := tenantID
		if !s.needsSnapshot(ctx, tenantID) {
			continue
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			if err := s.SnapshotNow(ctx, tenantID); err != nil {
				s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("snapshot failed")
			}
		}()
	}
}

// needsSnapshot implements EntDB §4.N step 1: no prior snapshot, the
// last one's age exceeds the interval, or (optionally) enough events
// have accumulated since.
func (s *Snapshotter) needsSnapshot(ctx context.Context, tenantID string) bool {
	s.lastMu.Lock()
	prev, ok := s.last[tenantID]
	s.lastMu.Unlock()
	if !ok {
		return true
	}
	if time.Since(prev.at) >= s.cfg.Interval {
		return true
	}
	if s.cfg.MinEventsSince > 0 {
		store, err := s.canonical.Get(ctx, tenantID)
		if err != nil {
			return false
		}
		count, err := store.AppliedEventCount(ctx)
		if err != nil {
			return false
		}
		if count-prev.events >= s.cfg.MinEventsSince {
			return true
		}
	}
	return false
}

// SnapshotNow implements EntDB §4.N's ad-hoc operational path: it
// snapshots tenantID immediately, bypassing the need-snapshot check.
func (s *Snapshotter) SnapshotNow(ctx context.Context, tenantID string) error {
	store, err := s.canonical.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp("", "entdb-snapshot-*.sqlite")
	if err != nil {
		return entdberr.Wrap(entdberr.Internal, "creating snapshot temp file", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	defer os.Remove(tmpPath)

	if err := store.BackupTo(ctx, tmpPath); err != nil {
		return err
	}

	lastPos, err := store.LastStreamPos(ctx)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		return entdberr.Wrap(entdberr.Internal, "reading snapshot temp file", err)
	}

	body := raw
	if s.cfg.Gzip {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return entdberr.Wrap(entdberr.Internal, "gzipping snapshot", err)
		}
		if err := gz.Close(); err != nil {
			return entdberr.Wrap(entdberr.Internal, "closing gzip writer", err)
		}
		body = buf.Bytes()
	}

	sum := sha256.Sum256(body)
	checksum := "sha256:" + hex.EncodeToString(sum[:])
	nowMs := time.Now().UnixMilli()
	ext := ".sqlite"
	if s.cfg.Gzip {
		ext = ".sqlite.gz"
	}
	key := fmt.Sprintf("%s/tenant=%s/ts=%d%s", s.cfg.Prefix, tenantID, nowMs, ext)

	if err := s.store.Put(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return err
	}

	manifest := Manifest{
		TenantID:          tenantID,
		SnapshotTsMs:      nowMs,
		LastStreamPos:     lastPos,
		SchemaFingerprint: s.registry.Fingerprint(),
		Checksum:          checksum,
		SizeBytes:         int64(len(body)),
		S3Key:             key,
	}
	manifestBody, err := json.Marshal(manifest)
	if err != nil {
		return entdberr.Wrap(entdberr.Internal, "marshaling snapshot manifest", err)
	}
	manifestKey := key + ".manifest.json"
	if err := s.store.Put(ctx, manifestKey, bytes.NewReader(manifestBody), int64(len(manifestBody))); err != nil {
		return err
	}

	events, _ := store.AppliedEventCount(ctx)
	s.lastMu.Lock()
	s.last[tenantID] = lastTaken{at: time.Now(), events: events}
	s.lastMu.Unlock()

	s.logger.Info().Str("tenant_id", tenantID).Str("key", key).Msg("snapshot uploaded")
	return nil
}
