package canonical

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/entdb/internal/entdberr"
)

// Manager owns one *Store per tenant, opening them lazily on first
// access (EntDB §4.C "missing tenant → on-demand schema
// initialization") and serving as the applier's and API's single
// entry point into the canonical layer.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager returns a Manager rooted at cfg.DataDir.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, stores: make(map[string]*Store)}
}

// TenantExists reports whether tenantID has a store, without opening
// one (EntDB §4.C tenant_exists).
func (m *Manager) TenantExists(tenantID string) bool {
	m.mu.Lock()
	_, open := m.stores[tenantID]
	m.mu.Unlock()
	if open {
		return true
	}
	return TenantExists(m.cfg.DataDir, tenantID)
}

// Get returns tenantID's store, opening and initializing it if this
// is the first access (EntDB §4.C initialize_tenant).
func (m *Manager) Get(ctx context.Context, tenantID string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[tenantID]; ok {
		return s, nil
	}
	s, err := Open(ctx, m.cfg, tenantID)
	if err != nil {
		return nil, err
	}
	m.stores[tenantID] = s
	return s, nil
}

// Tenants returns the ids of every store opened so far by this
// Manager.
func (m *Manager) Tenants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.stores))
	for id := range m.stores {
		out = append(out, id)
	}
	return out
}

// DiscoverTenants lists every tenant whose database file already
// exists under cfg.DataDir, for the snapshotter's startup sweep
// (EntDB §4.N "iterates tenant databases"). The returned ids are the
// sanitized form baked into each file name; SanitizeTenantID is
// idempotent on ids that were already filesystem-safe, which holds
// for every id this store itself produced.
func (m *Manager) DiscoverTenants() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.DataDir, "tenant_*.db"))
	if err != nil {
		return nil, entdberr.Wrap(entdberr.Internal, "globbing tenant database files", err)
	}
	out := make([]string, 0, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		id := strings.TrimSuffix(strings.TrimPrefix(base, "tenant_"), ".db")
		if id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

// CloseAll closes every open store, e.g. during graceful shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, s := range m.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.stores, id)
	}
	return first
}
