package schema

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/graph"
)

// Observer watches for drift between the applier's pinned schema
// fingerprint and a live Registry, logging (never failing) on
// mismatch: the authoritative compatibility check happens offline via
// the `check` CLI; the observer's job in the write path is purely
// diagnostic.
//
// Shaped like a small poller-object-with-a-logger
// (internal/daemon/discovery.go), generalized from filesystem
// discovery to schema fingerprint comparison.
type Observer struct {
	mu      sync.RWMutex
	pinned  string
	log     zerolog.Logger
	drifted bool
}

// NewObserver returns an Observer pinned to the given fingerprint (the
// empty string means "no fingerprint enforcement yet").
func NewObserver(pinned string, log zerolog.Logger) *Observer {
	return &Observer{pinned: pinned, log: log.With().Str("component", "schema_observer").Logger()}
}

// Pinned returns the fingerprint the applier currently enforces.
func (o *Observer) Pinned() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pinned
}

// Pin updates the enforced fingerprint, e.g. after an operator rolls
// the applier forward to a new schema generation.
func (o *Observer) Pin(fp string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pinned = fp
	o.drifted = false
}

// Observe compares the observer's pinned fingerprint against r's
// current fingerprint and logs a warning exactly once per drift
// episode (it will log again if the registry changes again after
// returning to the pinned value and then drifting a second time).
func (o *Observer) Observe(r *graph.Registry) {
	if !r.Frozen() {
		return
	}
	live := r.Fingerprint()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pinned == "" {
		o.pinned = live
		return
	}
	if live == o.pinned {
		o.drifted = false
		return
	}
	if !o.drifted {
		o.drifted = true
		o.log.Warn().
			Str("pinned_fingerprint", o.pinned).
			Str("live_fingerprint", live).
			Msg("registry fingerprint has drifted from the applier's pinned schema")
	}
}

// Matches reports whether eventFingerprint is compatible with the
// observer's pinned value. An empty eventFingerprint always matches
// (events are not required to carry one); an empty pinned value
// matches anything (no enforcement configured yet).
func (o *Observer) Matches(eventFingerprint string) bool {
	if eventFingerprint == "" {
		return true
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.pinned == "" {
		return true
	}
	return eventFingerprint == o.pinned
}
