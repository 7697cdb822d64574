// Package api implements the API Surface of EntDB §4.X: the single
// entry point writes and reads pass through, sitting in front of the
// log producer and the canonical/mailbox stores.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/graph"
	"github.com/cuemby/entdb/internal/schema"
	"github.com/cuemby/entdb/internal/storage/canonical"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/stream"
	"github.com/cuemby/entdb/internal/txn"
)

// AppliedStatus is one of the values EntDB §6 fixes for a write's
// observed outcome.
type AppliedStatus string

const (
	StatusPending AppliedStatus = "PENDING"
	StatusApplied AppliedStatus = "APPLIED"
	StatusFailed  AppliedStatus = "FAILED"
	StatusUnknown AppliedStatus = "UNKNOWN"
)

// RequestContext carries the tenant and actor every call is scoped to
// (EntDB §4.X "Requests carry a RequestContext").
type RequestContext struct {
	TenantID string
	Actor    string
}

// ExecuteRequest is the write path's input: an ordered operation list
// plus an optional idempotency key and schema fingerprint pin.
type ExecuteRequest struct {
	RequestContext
	IdempotencyKey    string
	SchemaFingerprint string
	Ops               []txn.Operation
	WaitApplied       bool
	WaitDeadline      time.Duration
}

// Receipt is returned for every accepted write (EntDB §4.X).
type Receipt struct {
	TenantID       string
	IdempotencyKey string
	Pos            stream.Pos
}

// ExecuteResponse bundles the receipt with the applied status: PENDING,
// or the observed status if wait_applied was requested, or APPLIED for
// a duplicate idempotency key. ExecuteTransaction leaves CreatedNodeIDs
// empty; node ids are assigned when the applier applies the event.
type ExecuteResponse struct {
	Receipt        Receipt
	CreatedNodeIDs []string
	Status         AppliedStatus
}

// Service is the object the HTTP Handler calls into.
type Service struct {
	log       stream.Log
	topic     string
	canonical *canonical.Manager
	mailbox   *mailbox.Manager
	observer  *schema.Observer
	logger    zerolog.Logger
	pollEvery time.Duration
}

// New builds a Service producing onto topic and reading tenant state
// from canon/mbox, pinning writes to obs's currently observed schema.
func New(log stream.Log, topic string, canon *canonical.Manager, mbox *mailbox.Manager, obs *schema.Observer, logger zerolog.Logger) *Service {
	return &Service{
		log: log, topic: topic, canonical: canon, mailbox: mbox, observer: obs,
		logger: logger.With().Str("component", "api").Logger(), pollEvery: 50 * time.Millisecond,
	}
}

// ExecuteTransaction validates req, produces a TransactionEvent to
// the log keyed by tenant_id, and returns its receipt. A duplicate
// idempotency key is not an error: instead of producing again, a
// receipt carrying the tenant id and idempotency key is returned with
// Status APPLIED; its Pos is left empty (EntDB §4.X).
func (s *Service) ExecuteTransaction(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	if req.TenantID == "" {
		return ExecuteResponse{}, entdberr.New(entdberr.InvalidArgument, "tenant_id is required")
	}
	if req.Actor == "" {
		return ExecuteResponse{}, entdberr.New(entdberr.InvalidArgument, "actor is required")
	}
	if req.SchemaFingerprint != "" && !s.observer.Matches(req.SchemaFingerprint) {
		return ExecuteResponse{}, entdberr.New(entdberr.SchemaMismatch, "schema fingerprint does not match the currently observed schema")
	}

	store, err := s.canonical.Get(ctx, req.TenantID)
	if err != nil {
		return ExecuteResponse{}, err
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	if alreadyApplied, err := store.CheckIdempotency(ctx, idempotencyKey); err != nil {
		return ExecuteResponse{}, err
	} else if alreadyApplied {
		resp := ExecuteResponse{
			Receipt: Receipt{TenantID: req.TenantID, IdempotencyKey: idempotencyKey},
			Status:  StatusApplied,
		}
		return resp, nil
	}

	event := txn.TransactionEvent{
		TenantID:          req.TenantID,
		Actor:             req.Actor,
		IdempotencyKey:    idempotencyKey,
		SchemaFingerprint: req.SchemaFingerprint,
		TsMs:              time.Now().UnixMilli(),
		Ops:               req.Ops,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return ExecuteResponse{}, entdberr.Wrap(entdberr.Internal, "marshaling transaction event", err)
	}

	pos, err := s.log.Append(ctx, s.topic, []byte(req.TenantID), value, nil)
	if err != nil {
		return ExecuteResponse{}, err
	}

	resp := ExecuteResponse{
		Receipt: Receipt{TenantID: req.TenantID, IdempotencyKey: idempotencyKey, Pos: pos},
		Status:  StatusPending,
	}

	if req.WaitApplied {
		status, err := s.waitApplied(ctx, req.TenantID, idempotencyKey, req.WaitDeadline)
		if err != nil {
			return resp, err
		}
		resp.Status = status
	}
	return resp, nil
}

// waitApplied polls the tenant's applied-events ledger until
// idempotencyKey shows up or deadline elapses (EntDB §4.X
// "wait_applied mode polls ... up to a deadline").
func (s *Service) waitApplied(ctx context.Context, tenantID, idempotencyKey string, deadline time.Duration) (AppliedStatus, error) {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	store, err := s.canonical.Get(ctx, tenantID)
	if err != nil {
		return StatusUnknown, err
	}

	deadlineAt := time.Now().Add(deadline)
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		applied, err := store.CheckIdempotency(ctx, idempotencyKey)
		if err != nil {
			return StatusUnknown, err
		}
		if applied {
			return StatusApplied, nil
		}
		if time.Now().After(deadlineAt) {
			return StatusPending, nil
		}
		select {
		case <-ctx.Done():
			return StatusUnknown, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetNode fetches a single node, scoped to tenant_id (EntDB §4.X
// reads "access the canonical and mailbox stores directly").
func (s *Service) GetNode(ctx context.Context, rc RequestContext, nodeID string) (graph.Node, error) {
	if rc.TenantID == "" || rc.Actor == "" {
		return graph.Node{}, entdberr.New(entdberr.InvalidArgument, "tenant_id and actor are required")
	}
	store, err := s.canonical.Get(ctx, rc.TenantID)
	if err != nil {
		return graph.Node{}, err
	}
	node, found, err := store.GetNode(ctx, nodeID)
	if err != nil {
		return graph.Node{}, err
	}
	if !found {
		return graph.Node{}, entdberr.New(entdberr.NotFound, "node not found")
	}
	return node, nil
}

// GetVisibleNodes lists nodes visible to rc.Actor, optionally filtered
// by type, through the visibility index.
func (s *Service) GetVisibleNodes(ctx context.Context, rc RequestContext, typeID *int, limit, offset int) ([]graph.Node, error) {
	if rc.TenantID == "" || rc.Actor == "" {
		return nil, entdberr.New(entdberr.InvalidArgument, "tenant_id and actor are required")
	}
	store, err := s.canonical.Get(ctx, rc.TenantID)
	if err != nil {
		return nil, err
	}
	return store.GetVisibleNodes(ctx, rc.Actor, typeID, limit, offset)
}

// GetEdgesFrom lists outgoing edges of nodeID, optionally filtered by
// edge type.
func (s *Service) GetEdgesFrom(ctx context.Context, rc RequestContext, nodeID string, edgeTypeID *int) ([]graph.Edge, error) {
	if rc.TenantID == "" || rc.Actor == "" {
		return nil, entdberr.New(entdberr.InvalidArgument, "tenant_id and actor are required")
	}
	store, err := s.canonical.Get(ctx, rc.TenantID)
	if err != nil {
		return nil, err
	}
	return store.GetEdgesFrom(ctx, nodeID, edgeTypeID)
}

// GetEdgesTo lists incoming edges of nodeID, optionally filtered by
// edge type.
func (s *Service) GetEdgesTo(ctx context.Context, rc RequestContext, nodeID string, edgeTypeID *int) ([]graph.Edge, error) {
	if rc.TenantID == "" || rc.Actor == "" {
		return nil, entdberr.New(entdberr.InvalidArgument, "tenant_id and actor are required")
	}
	store, err := s.canonical.Get(ctx, rc.TenantID)
	if err != nil {
		return nil, err
	}
	return store.GetEdgesTo(ctx, nodeID, edgeTypeID)
}

// Neighborhood walks outward from nodeID up to depth hops (1-3),
// collecting every node reached and the edges that led to it. depth
// is clamped to [1,3] per EntDB §4.X's "1-3-hop neighborhood
// traversal" contract.
func (s *Service) Neighborhood(ctx context.Context, rc RequestContext, nodeID string, depth int) ([]graph.Node, []graph.Edge, error) {
	if rc.TenantID == "" || rc.Actor == "" {
		return nil, nil, entdberr.New(entdberr.InvalidArgument, "tenant_id and actor are required")
	}
	if depth < 1 {
		depth = 1
	}
	if depth > 3 {
		depth = 3
	}
	store, err := s.canonical.Get(ctx, rc.TenantID)
	if err != nil {
		return nil, nil, err
	}

	seenNodes := map[string]bool{nodeID: true}
	seenEdges := map[string]bool{}
	var nodes []graph.Node
	var edges []graph.Edge

	frontier := []string{nodeID}
	for hop := 0; hop < depth; hop++ {
		var next []string
		for _, id := range frontier {
			out, err := store.GetEdgesFrom(ctx, id, nil)
			if err != nil {
				return nil, nil, err
			}
			for _, e := range out {
				edgeKey := edgeIdentity(e)
				if !seenEdges[edgeKey] {
					seenEdges[edgeKey] = true
					edges = append(edges, e)
				}
				if !seenNodes[e.ToNodeID] {
					seenNodes[e.ToNodeID] = true
					next = append(next, e.ToNodeID)
				}
			}
		}
		frontier = next
	}

	for id := range seenNodes {
		if id == nodeID {
			continue
		}
		node, found, err := store.GetNode(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if found {
			nodes = append(nodes, node)
		}
	}
	return nodes, edges, nil
}

func edgeIdentity(e graph.Edge) string {
	return e.FromNodeID + "\x00" + e.ToNodeID + "\x00" + intToString(e.EdgeTypeID)
}

func intToString(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SearchMailbox runs a full-text search over rc.Actor's mailbox items
// (EntDB §4.X "mailbox FTS endpoints").
func (s *Service) SearchMailbox(ctx context.Context, rc RequestContext, query string, sourceTypeIDs []int, limit, offset int) ([]mailbox.SearchResult, error) {
	if rc.TenantID == "" || rc.Actor == "" {
		return nil, entdberr.New(entdberr.InvalidArgument, "tenant_id and actor are required")
	}
	return s.mailbox.Search(ctx, rc.TenantID, rc.Actor, query, sourceTypeIDs, limit, offset)
}

// ListMailbox lists rc.Actor's mailbox items under filter.
func (s *Service) ListMailbox(ctx context.Context, rc RequestContext, filter mailbox.ListFilter, limit, offset int) ([]mailbox.Item, error) {
	if rc.TenantID == "" || rc.Actor == "" {
		return nil, entdberr.New(entdberr.InvalidArgument, "tenant_id and actor are required")
	}
	return s.mailbox.ListItems(ctx, rc.TenantID, rc.Actor, filter, limit, offset)
}
