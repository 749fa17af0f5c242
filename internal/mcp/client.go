// Package mcp implements the Model Context Protocol side of the
// bridge: a minimal JSON-RPC 2.0 client speaking streamable HTTP / SSE,
// and the per-device manager that keeps tool servers connected,
// health-checked, and available to in-flight chat turns.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// DefaultProtocolVersion is offered during the initialize handshake.
const DefaultProtocolVersion = "2025-06-18"

const sessionIDHeader = "Mcp-Session-Id"

// ── Error taxonomy ───────────────────────────────────────────

// ConnectionReason classifies transport failures talking to a server.
type ConnectionReason string

const (
	ReasonEndpointNotFound ConnectionReason = "endpoint_not_found" // 404
	ReasonNotMCPEndpoint   ConnectionReason = "not_mcp_endpoint"   // 405
	ReasonRequestRejected  ConnectionReason = "request_rejected"   // other 4xx
	ReasonServerFault      ConnectionReason = "server_fault"       // 5xx
	ReasonUnreachable      ConnectionReason = "unreachable"        // timeout / refused
)

// ConnectionError is a transport-level failure; the manager reacts to
// these by tearing the connection down and scheduling a reconnect.
type ConnectionError struct {
	Reason ConnectionReason
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp connection error (%s): %v", e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a transport-class failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// RPCError is an application-level JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

// ── Wire types ───────────────────────────────────────────────

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// ToolContent is one content block of a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the tools/call result shape.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Text flattens the result's text content blocks.
func (r *ToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ── Client ───────────────────────────────────────────────────

// Client is the narrow protocol shim the manager talks through:
// initialize, tools/list, tools/call, ping, close.
type Client struct {
	serverName string
	url        string
	headers    map[string]string
	http       *http.Client

	nextID          atomic.Int64
	sessionID       atomic.Value // string
	protocolVersion string
}

// NewClient builds a client for one server config. No network traffic
// happens until Initialize.
func NewClient(cfg models.MCPServerConfig) *Client {
	timeout := 30 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	version := cfg.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}
	return &Client{
		serverName:      cfg.Name,
		url:             cfg.URL,
		headers:         cfg.Headers,
		http:            &http.Client{Timeout: timeout},
		protocolVersion: version,
	}
}

// Initialize performs the MCP handshake and records the negotiated
// session id, if the server issues one.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": c.protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"clientInfo": map[string]string{
			"name":    "r-plusplus-bridge",
			"version": "1.0.0",
		},
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return err
	}
	if result.ProtocolVersion != "" {
		c.protocolVersion = result.ProtocolVersion
	}
	// The initialized notification is fire-and-forget; servers that
	// reject it still serve tools/list fine.
	_ = c.notify(ctx, "notifications/initialized")
	return nil
}

// ListTools fetches the server's advertised tools.
func (c *Client) ListTools(ctx context.Context) ([]models.Tool, error) {
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	tools := make([]models.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, models.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			ServerName:  c.serverName,
		})
	}
	return tools, nil
}

// CallTool invokes a named tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	var result ToolResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks protocol-level liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", map[string]any{}, nil)
}

// Close releases the client. The transport is stateless HTTP, so this
// only drops idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// ── Transport ────────────────────────────────────────────────

// call performs one JSON-RPC round trip and decodes the result into
// out (which may be nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	req := rpcRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	resp, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// notify sends a JSON-RPC notification (no id, no response expected).
func (c *Client) notify(ctx context.Context, method string) error {
	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.applyHeaders(httpReq)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) post(ctx context.Context, req rpcRequest) (*rpcResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.applyHeaders(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{Reason: ReasonUnreachable, Err: err}
	}
	defer httpResp.Body.Close()

	if reason, bad := classifyStatus(httpResp.StatusCode); bad {
		io.Copy(io.Discard, httpResp.Body)
		return nil, &ConnectionError{
			Reason: reason,
			Err:    fmt.Errorf("%s returned HTTP %d", c.url, httpResp.StatusCode),
		}
	}

	if sid := httpResp.Header.Get(sessionIDHeader); sid != "" {
		c.sessionID.Store(sid)
	}

	var resp rpcResponse
	if isEventStream(httpResp) {
		resp, err = readSSEResponse(httpResp.Body)
	} else {
		err = json.NewDecoder(httpResp.Body).Decode(&resp)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.Method, err)
	}
	return &resp, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", c.protocolVersion)
	if sid, ok := c.sessionID.Load().(string); ok && sid != "" {
		req.Header.Set(sessionIDHeader, sid)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

// classifyStatus maps HTTP statuses onto the connection-error taxonomy.
func classifyStatus(code int) (ConnectionReason, bool) {
	switch {
	case code == http.StatusNotFound:
		return ReasonEndpointNotFound, true
	case code == http.StatusMethodNotAllowed:
		return ReasonNotMCPEndpoint, true
	case code >= 500:
		return ReasonServerFault, true
	case code >= 400:
		return ReasonRequestRejected, true
	default:
		return "", false
	}
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// readSSEResponse scans an event stream for the first data payload that
// parses as a JSON-RPC response. Streamable-HTTP servers deliver the
// reply as a single SSE message on the POST response body.
func readSSEResponse(body io.Reader) (rpcResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		if resp.Result != nil || resp.Error != nil {
			return resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return rpcResponse{}, err
	}
	return rpcResponse{}, fmt.Errorf("event stream ended without a response")
}
