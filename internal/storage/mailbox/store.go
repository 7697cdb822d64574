package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/storage/canonical"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS mailbox_items (
    item_id TEXT PRIMARY KEY,
    ref_id TEXT NOT NULL,
    source_type_id INTEGER NOT NULL,
    source_node_id TEXT NOT NULL,
    thread_id TEXT NOT NULL DEFAULT '',
    ts INTEGER NOT NULL,
    state_json TEXT NOT NULL DEFAULT '{"read":false}',
    snippet TEXT NOT NULL DEFAULT '',
    metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_mailbox_thread ON mailbox_items(thread_id);
CREATE INDEX IF NOT EXISTS idx_mailbox_source ON mailbox_items(source_node_id);
CREATE INDEX IF NOT EXISTS idx_mailbox_ts ON mailbox_items(ts DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS mailbox_fts USING fts5(
    snippet, content='mailbox_items', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS mailbox_ai AFTER INSERT ON mailbox_items BEGIN
    INSERT INTO mailbox_fts(rowid, snippet) VALUES (new.rowid, new.snippet);
END;
CREATE TRIGGER IF NOT EXISTS mailbox_ad AFTER DELETE ON mailbox_items BEGIN
    INSERT INTO mailbox_fts(mailbox_fts, rowid, snippet) VALUES ('delete', old.rowid, old.snippet);
END;
CREATE TRIGGER IF NOT EXISTS mailbox_au AFTER UPDATE ON mailbox_items BEGIN
    INSERT INTO mailbox_fts(mailbox_fts, rowid, snippet) VALUES ('delete', old.rowid, old.snippet);
    INSERT INTO mailbox_fts(rowid, snippet) VALUES (new.rowid, new.snippet);
END;
`

// sanitizeUser rewrites ':' to '_' so a principal like "user:alice"
// becomes a safe file-name component (EntDB §4.M file path rule).
func sanitizeUser(user string) string {
	return strings.ReplaceAll(user, ":", "_")
}

func dbPath(dataDir, tenantID, user string) string {
	return filepath.Join(dataDir, fmt.Sprintf("mailbox_%s_%s.db",
		canonical.SanitizeTenantID(tenantID), sanitizeUser(user)))
}

// Store is a single user's mailbox within one tenant.
type Store struct {
	db       *sql.DB
	tenantID string
	user     string
}

// exists reports whether user's mailbox database file is present,
// without opening it (read ops on a missing mailbox return empty
// results per EntDB §4.M, rather than creating the file).
func exists(dataDir, tenantID, user string) bool {
	_, err := os.Stat(dbPath(dataDir, tenantID, user))
	return err == nil
}

func open(ctx context.Context, dataDir, tenantID, user string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "creating data directory", err)
	}
	db, err := sql.Open("sqlite3", dbPath(dataDir, tenantID, user))
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "opening mailbox store", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, entdberr.Wrap(entdberr.Internal, "applying pragma "+p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, entdberr.Wrap(entdberr.Internal, "initializing mailbox schema", err)
	}
	return &Store{db: db, tenantID: tenantID, user: user}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Manager owns one *Store per (tenant, user), created lazily on
// write; reads against a user with no mailbox yet are served without
// opening a store at all.
type Manager struct {
	dataDir string
	log     zerolog.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager returns a Manager rooted at dataDir.
func NewManager(dataDir string, log zerolog.Logger) *Manager {
	return &Manager{dataDir: dataDir, log: log.With().Str("component", "mailbox_manager").Logger(), stores: make(map[string]*Store)}
}

func key(tenantID, user string) string { return tenantID + "\x00" + user }

// forRead returns the (tenantID, user) store if it already exists on
// disk, or (nil, false, nil) if not — callers treat the latter as an
// empty result rather than an error.
func (m *Manager) forRead(ctx context.Context, tenantID, user string) (*Store, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenantID, user)
	if s, ok := m.stores[k]; ok {
		return s, true, nil
	}
	if !exists(m.dataDir, tenantID, user) {
		return nil, false, nil
	}
	s, err := open(ctx, m.dataDir, tenantID, user)
	if err != nil {
		return nil, false, err
	}
	m.stores[k] = s
	return s, true, nil
}

// forWrite returns the (tenantID, user) store, creating it if absent
// (EntDB §4.M "write ops create the database lazily").
func (m *Manager) forWrite(ctx context.Context, tenantID, user string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenantID, user)
	if s, ok := m.stores[k]; ok {
		return s, nil
	}
	s, err := open(ctx, m.dataDir, tenantID, user)
	if err != nil {
		return nil, err
	}
	m.stores[k] = s
	return s, nil
}

// CloseAll closes every open mailbox store.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for k, s := range m.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.stores, k)
	}
	return first
}
