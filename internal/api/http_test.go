package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestServeRPCExecuteTransaction(t *testing.T) {
	svc := newTestService(t)
	handler := NewHandler(svc, zerolog.Nop())
	routes := handler.Routes()

	execBody, _ := json.Marshal(Request{
		Operation: opExecuteTransaction,
		TenantID:  "acme",
		Actor:     "user:alice",
		Args: mustMarshalArgs(t, map[string]any{
			"idempotency_key": "req-1",
			"ops": []map[string]any{
				{"kind": "create_node", "type_id": 1, "payload": map[string]any{"title": "x"}, "owner_actor": "user:alice"},
			},
		}),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/rpc", bytes.NewReader(execBody))
	routes.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("ServeHTTP() status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response.Success = false, error = %s", resp.Error)
	}
}

func TestServeRPCUnknownOperation(t *testing.T) {
	svc := newTestService(t)
	handler := NewHandler(svc, zerolog.Nop())
	routes := handler.Routes()

	body, _ := json.Marshal(Request{Operation: "bogus", TenantID: "acme", Actor: "user:alice"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/rpc", bytes.NewReader(body))
	routes.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("ServeHTTP() status = %d, want 400", rec.Code)
	}
}

func mustMarshalArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling args failed: %v", err)
	}
	return data
}
