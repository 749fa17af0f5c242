package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

func rpcServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     json.RawMessage `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted) // notification
			return
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID)}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func clientFor(url string) *Client {
	return NewClient(models.MCPServerConfig{Name: "srv", URL: url, TimeoutMs: 2000})
}

func TestInitializeNegotiatesProtocolVersion(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *RPCError) {
		if method != "initialize" {
			return map[string]any{}, nil
		}
		return map[string]any{"protocolVersion": "2024-11-05"}, nil
	})
	defer srv.Close()

	c := clientFor(srv.URL)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if c.protocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q, want the server's", c.protocolVersion)
	}
}

func TestListTools(t *testing.T) {
	srv := rpcServer(t, func(method string, _ json.RawMessage) (any, *RPCError) {
		if method != "tools/list" {
			t.Errorf("unexpected method %q", method)
		}
		return map[string]any{"tools": []map[string]any{
			{"name": "echo", "description": "echoes", "inputSchema": map[string]any{"type": "object"}},
		}}, nil
	})
	defer srv.Close()

	tools, err := clientFor(srv.URL).ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" || tools[0].ServerName != "srv" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestCallToolResult(t *testing.T) {
	srv := rpcServer(t, func(method string, params json.RawMessage) (any, *RPCError) {
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		json.Unmarshal(params, &p)
		if p.Name != "echo" || p.Arguments["text"] != "hi" {
			t.Errorf("params = %+v", p)
		}
		return map[string]any{"content": []map[string]any{{"type": "text", "text": "hi"}}}, nil
	})
	defer srv.Close()

	result, err := clientFor(srv.URL).CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "hi" {
		t.Errorf("Text() = %q", result.Text())
	}
}

func TestCallToolRPCError(t *testing.T) {
	srv := rpcServer(t, func(string, json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32601, Message: "Method not found"}
	})
	defer srv.Close()

	_, err := clientFor(srv.URL).CallTool(context.Background(), "nope", nil)
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != -32601 {
		t.Fatalf("err = %v, want RPCError -32601", err)
	}
	if IsConnectionError(err) {
		t.Error("an RPC error must not be classified as a connection error")
	}
}

func TestSSEResponseParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"from sse\"}]}}\n\n", req.ID)
	}))
	defer srv.Close()

	result, err := clientFor(srv.URL).CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool over SSE: %v", err)
	}
	if result.Text() != "from sse" {
		t.Errorf("Text() = %q, want from sse", result.Text())
	}
}

func TestStatusCodeClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ConnectionReason
	}{
		{http.StatusNotFound, ReasonEndpointNotFound},
		{http.StatusMethodNotAllowed, ReasonNotMCPEndpoint},
		{http.StatusUnauthorized, ReasonRequestRejected},
		{http.StatusInternalServerError, ReasonServerFault},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		err := clientFor(srv.URL).Ping(context.Background())
		srv.Close()

		ce, ok := err.(*ConnectionError)
		if !ok {
			t.Errorf("status %d: err = %v, want ConnectionError", tc.status, err)
			continue
		}
		if ce.Reason != tc.want {
			t.Errorf("status %d: reason = %q, want %q", tc.status, ce.Reason, tc.want)
		}
	}
}

func TestUnreachableServer(t *testing.T) {
	// A closed port: dial fails immediately.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := clientFor(url).Ping(context.Background())
	ce, ok := err.(*ConnectionError)
	if !ok || ce.Reason != ReasonUnreachable {
		t.Fatalf("err = %v, want ConnectionError unreachable", err)
	}
}

func TestSessionIDPropagation(t *testing.T) {
	var sawSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if got := r.Header.Get(sessionIDHeader); got != "" {
			sawSession = got
		}
		w.Header().Set(sessionIDHeader, "session-123")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, req.ID)
	}))
	defer srv.Close()

	c := clientFor(srv.URL)
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("first Ping: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("second Ping: %v", err)
	}
	if sawSession != "session-123" {
		t.Errorf("session header not propagated, saw %q", sawSession)
	}
}
