// Package canonical implements the per-tenant embedded database of
// EntDB §4.C: nodes, edges, the derived visibility index, and the
// applied-events idempotency ledger. One *Store serves one tenant;
// the Manager (manager.go) owns a pool of Stores keyed by
// tenant id, the way internal/storage/sqlite's callers open one
// connection per repository database.
package canonical

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cuemby/entdb/internal/entdberr"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
    tenant_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    type_id INTEGER NOT NULL,
    payload_json TEXT NOT NULL DEFAULT '{}',
    owner_actor TEXT NOT NULL DEFAULT '',
    acl_blob TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(tenant_id, type_id);
CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(tenant_id, owner_actor);
CREATE INDEX IF NOT EXISTS idx_nodes_updated ON nodes(tenant_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS edges (
    tenant_id TEXT NOT NULL,
    edge_type_id INTEGER NOT NULL,
    from_node_id TEXT NOT NULL,
    to_node_id TEXT NOT NULL,
    props_json TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, edge_type_id, from_node_id, to_node_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(tenant_id, from_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(tenant_id, to_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(tenant_id, edge_type_id);

CREATE TABLE IF NOT EXISTS node_visibility (
    tenant_id TEXT NOT NULL,
    node_id TEXT NOT NULL,
    principal TEXT NOT NULL,
    PRIMARY KEY (tenant_id, node_id, principal)
);
CREATE INDEX IF NOT EXISTS idx_visibility_principal ON node_visibility(tenant_id, principal, node_id);

CREATE TABLE IF NOT EXISTS applied_events (
    tenant_id TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    stream_pos TEXT NOT NULL,
    applied_at INTEGER NOT NULL,
    UNIQUE (tenant_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at INTEGER NOT NULL
);
`

var tenantIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeTenantID strips everything but alphanumerics, '-' and '_'
// from a tenant id, producing the token used in the per-tenant file
// name (EntDB §4.C "file paths are derived from a sanitized tenant
// id").
func SanitizeTenantID(tenantID string) string {
	return tenantIDSanitizer.ReplaceAllString(tenantID, "")
}

// Config controls the embedded engine's journaling behavior, mirrored
// from EntDB's "Storage" environment-variable group in §6.
type Config struct {
	DataDir        string
	JournalMode    string // "WAL" or "DELETE"
	BusyTimeoutMs  int
	CacheSizeKB    int // negative per SQLite convention = KB, see PRAGMA cache_size
}

// DefaultConfig returns the journaling defaults EntDB ships with.
func DefaultConfig(dataDir string) Config {
	return Config{DataDir: dataDir, JournalMode: "WAL", BusyTimeoutMs: 5000, CacheSizeKB: 20000}
}

// Store is the canonical store for a single tenant.
type Store struct {
	db       *sql.DB
	tenantID string
	path     string

	mu sync.Mutex // serializes exclusive transactions per tenant
}

func tenantDBPath(dataDir, tenantID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("tenant_%s.db", SanitizeTenantID(tenantID)))
}

// Open opens (creating if absent) the canonical store file for
// tenantID and runs schema initialization.
func Open(ctx context.Context, cfg Config, tenantID string) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "creating data directory", err)
	}
	path := tenantDBPath(cfg.DataDir, tenantID)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "opening canonical store", err)
	}
	db.SetMaxOpenConns(1) // one writer per tenant file; WAL still allows concurrent readers

	s := &Store{db: db, tenantID: tenantID, path: path}
	if err := s.applyPragmas(ctx, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initializeSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applyPragmas(ctx context.Context, cfg Config) error {
	journal := cfg.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	busy := cfg.BusyTimeoutMs
	if busy == 0 {
		busy = 5000
	}
	cache := cfg.CacheSizeKB
	if cache == 0 {
		cache = 20000
	}
	stmts := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy),
		fmt.Sprintf("PRAGMA cache_size=-%d", cache),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return entdberr.Wrap(entdberr.Internal, "applying pragma "+stmt, err)
		}
	}
	return nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return entdberr.Wrap(entdberr.Internal, "initializing tenant schema", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return entdberr.Wrap(entdberr.Internal, "reading schema_version", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version(version, applied_at) VALUES (1, unixepoch('now', 'subsec') * 1000)"); err != nil {
			return entdberr.Wrap(entdberr.Internal, "seeding schema_version", err)
		}
	}
	return nil
}

// TenantExists reports whether tenantID's database file is already
// present on disk, without opening it.
func TenantExists(dataDir, tenantID string) bool {
	_, err := os.Stat(tenantDBPath(dataDir, tenantID))
	return err == nil
}

// Path returns the store's backing file path (used by the
// snapshotter's backup primitive and the restore tool).
func (s *Store) Path() string { return s.path }

// TenantID returns the tenant this store serves.
func (s *Store) TenantID() string { return s.tenantID }

// DB exposes the underlying *sql.DB for components that need the
// engine's own primitives directly (integrity_check, backup).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a BEGIN IMMEDIATE transaction, mirroring the
// internal/storage/sqlite Transaction idiom: immediate mode acquires
// the write lock up front so concurrent writers serialize instead of
// deadlocking on upgrade, and any error or panic rolls back without
// partial effects (EntDB §4.C, last paragraph).
//
// database/sql's *sql.Tx cannot request BEGIN IMMEDIATE directly, so
// the transaction is driven by raw Exec calls on one checked-out
// *sql.Conn; fn receives that conn and issues statements on it.
func (s *Store) withTx(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "acquiring connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "beginning immediate transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			panic(p)
		}
	}()

	if execErr := fn(conn); execErr != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return execErr
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return entdberr.Wrap(entdberr.TransactionError, "committing transaction", err)
	}
	return nil
}
