package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/entdb/internal/entdberr"
	"github.com/cuemby/entdb/internal/observability/metrics"
	"github.com/cuemby/entdb/internal/storage/mailbox"
	"github.com/cuemby/entdb/internal/txn"
)

// Request is the single JSON envelope every call to the HTTP surface
// carries: an operation name, a tenant/actor pair, and operation-
// specific arguments.
type Request struct {
	Operation string          `json:"operation"`
	TenantID  string          `json:"tenant_id"`
	Actor     string          `json:"actor"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Response is the single JSON envelope returned for every call.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

const (
	opExecuteTransaction = "execute_transaction"
	opGetNode            = "get_node"
	opGetVisibleNodes    = "get_visible_nodes"
	opGetEdgesFrom       = "get_edges_from"
	opGetEdgesTo         = "get_edges_to"
	opNeighborhood       = "neighborhood"
	opSearchMailbox      = "search_mailbox"
	opListMailbox        = "list_mailbox"
)

// Handler adapts a Service onto a single net/http endpoint, dispatched
// by Request.Operation, in the style of a JSON-RPC daemon (EntDB's
// wire surface is transport-agnostic per §4.X "interface contract
// only"; net/http is one concrete binding of it).
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

// NewHandler builds a Handler over svc.
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "api-http").Logger()}
}

// Routes returns the handler mounted at the paths it serves.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/rpc", h.serveRPC)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", h.serveHealthz)
	return mux
}

func (h *Handler) serveHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) serveRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, http.StatusBadRequest, Response{Error: "malformed request body", Code: string(entdberr.InvalidArgument)})
		metrics.APIRequestsTotal.WithLabelValues(req.Operation, "error").Inc()
		return
	}

	resp, httpStatus := h.dispatch(r.Context(), req)
	writeResponse(w, httpStatus, resp)

	outcome := "success"
	if !resp.Success {
		outcome = "error"
	}
	metrics.APIRequestsTotal.WithLabelValues(req.Operation, outcome).Inc()
	metrics.APIRequestDuration.WithLabelValues(req.Operation).Observe(time.Since(start).Seconds())
}

func (h *Handler) dispatch(ctx context.Context, req Request) (Response, int) {
	rc := RequestContext{TenantID: req.TenantID, Actor: req.Actor}

	switch req.Operation {
	case opExecuteTransaction:
		var args struct {
			IdempotencyKey    string          `json:"idempotency_key,omitempty"`
			SchemaFingerprint string          `json:"schema_fingerprint,omitempty"`
			Ops               json.RawMessage `json:"ops"`
			WaitApplied       bool            `json:"wait_applied,omitempty"`
			WaitDeadlineMs    int64           `json:"wait_deadline_ms,omitempty"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		var ops []txn.Operation
		if len(args.Ops) > 0 {
			if err := json.Unmarshal(args.Ops, &ops); err != nil {
				return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed ops: "+err.Error()))
			}
		}
		execReq := ExecuteRequest{
			RequestContext:    rc,
			IdempotencyKey:    args.IdempotencyKey,
			SchemaFingerprint: args.SchemaFingerprint,
			Ops:               ops,
			WaitApplied:       args.WaitApplied,
			WaitDeadline:      time.Duration(args.WaitDeadlineMs) * time.Millisecond,
		}
		resp, err := h.svc.ExecuteTransaction(ctx, execReq)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(resp)

	case opGetNode:
		var args struct {
			NodeID string `json:"node_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		node, err := h.svc.GetNode(ctx, rc, args.NodeID)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(node)

	case opGetVisibleNodes:
		var args struct {
			TypeID *int `json:"type_id,omitempty"`
			Limit  int  `json:"limit,omitempty"`
			Offset int  `json:"offset,omitempty"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		nodes, err := h.svc.GetVisibleNodes(ctx, rc, args.TypeID, args.Limit, args.Offset)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(nodes)

	case opGetEdgesFrom:
		var args struct {
			NodeID     string `json:"node_id"`
			EdgeTypeID *int   `json:"edge_type_id,omitempty"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		edges, err := h.svc.GetEdgesFrom(ctx, rc, args.NodeID, args.EdgeTypeID)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(edges)

	case opGetEdgesTo:
		var args struct {
			NodeID     string `json:"node_id"`
			EdgeTypeID *int   `json:"edge_type_id,omitempty"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		edges, err := h.svc.GetEdgesTo(ctx, rc, args.NodeID, args.EdgeTypeID)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(edges)

	case opNeighborhood:
		var args struct {
			NodeID string `json:"node_id"`
			Depth  int    `json:"depth"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		nodes, edges, err := h.svc.Neighborhood(ctx, rc, args.NodeID, args.Depth)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(struct {
			Nodes any `json:"nodes"`
			Edges any `json:"edges"`
		}{Nodes: nodes, Edges: edges})

	case opSearchMailbox:
		var args struct {
			Query         string `json:"query"`
			SourceTypeIDs []int  `json:"source_type_ids,omitempty"`
			Limit         int    `json:"limit,omitempty"`
			Offset        int    `json:"offset,omitempty"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		results, err := h.svc.SearchMailbox(ctx, rc, args.Query, args.SourceTypeIDs, args.Limit, args.Offset)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(results)

	case opListMailbox:
		var args struct {
			ThreadID     string `json:"thread_id,omitempty"`
			SourceTypeID *int   `json:"source_type_id,omitempty"`
			UnreadOnly   bool   `json:"unread_only,omitempty"`
			Limit        int    `json:"limit,omitempty"`
			Offset       int    `json:"offset,omitempty"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(entdberr.New(entdberr.InvalidArgument, "malformed args: "+err.Error()))
		}
		items, err := h.svc.ListMailbox(ctx, rc, mailboxFilter(args.ThreadID, args.SourceTypeID, args.UnreadOnly), args.Limit, args.Offset)
		if err != nil {
			return errorResponse(err)
		}
		return dataResponse(items)

	default:
		return errorResponse(entdberr.New(entdberr.InvalidArgument, "unknown operation: "+req.Operation))
	}
}

func mailboxFilter(threadID string, sourceTypeID *int, unreadOnly bool) mailbox.ListFilter {
	return mailbox.ListFilter{ThreadID: threadID, SourceTypeID: sourceTypeID, UnreadOnly: unreadOnly}
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func dataResponse(v any) (Response, int) {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Success: false, Error: err.Error(), Code: string(entdberr.Internal)}, http.StatusInternalServerError
	}
	return Response{Success: true, Data: data}, http.StatusOK
}

func errorResponse(err error) (Response, int) {
	code := entdberr.CodeOf(err)
	return Response{Success: false, Error: err.Error(), Code: string(code)}, httpStatusFor(code)
}

func httpStatusFor(code entdberr.Code) int {
	switch code {
	case entdberr.InvalidArgument, entdberr.SchemaMismatch:
		return http.StatusBadRequest
	case entdberr.NotFound:
		return http.StatusNotFound
	case entdberr.AccessDenied:
		return http.StatusForbidden
	case entdberr.TransactionError, entdberr.SchemaCompat:
		return http.StatusConflict
	case entdberr.Timeout:
		return http.StatusGatewayTimeout
	case entdberr.Connection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
