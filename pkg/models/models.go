// Package models defines the shared data shapes of the R++ bridge:
// the OpenAI-compatible HTTP surface, the device socket protocol, and
// the MCP server configuration and tool types.
package models

import (
	"encoding/json"
	"time"
)

// ── OpenAI surface ───────────────────────────────────────────

// ChatMessage is a single turn in an OpenAI chat-completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the accepted subset of the OpenAI chat schema.
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatCompletionResponse mirrors the OpenAI chat-completion response shape.
type ChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   CompletionUsage    `json:"usage"`
}

type CompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SpeechRequest is the accepted subset of the OpenAI TTS schema.
type SpeechRequest struct {
	Model          string   `json:"model,omitempty"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
}

// ModelList is the OpenAI GET /v1/models response shape.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// APIError is the OpenAI error envelope written on every failed HTTP call.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

type APIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ── Device socket protocol ───────────────────────────────────

// SocketFrame is the envelope for every frame on the device websocket.
type SocketFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Server → device events.
const (
	EventChatCompletion = "chat_completion"
	EventTextToSpeech   = "text_to_speech"
	EventPong           = "pong"
)

// Device → server events.
const (
	EventHello           = "hello"
	EventResponse        = "response"
	EventTTSResponse     = "tts_response"
	EventMessageReceived = "message_received"
	EventTTSReceived     = "tts_received"
	EventError           = "error"
	EventTTSError        = "tts_error"
	EventPing            = "ping"
)

// HelloData is the first frame a device sends after connecting.
type HelloData struct {
	DeviceID string `json:"deviceId,omitempty"`
	PinCode  string `json:"pinCode,omitempty"`
}

// ChatCommand is the chat_completion payload pushed to the device.
type ChatCommand struct {
	RequestID   string   `json:"requestId"`
	Message     string   `json:"message"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// SpeechCommand is the text_to_speech payload pushed to the device.
type SpeechCommand struct {
	RequestID      string  `json:"requestId"`
	Text           string  `json:"text"`
	Model          string  `json:"model,omitempty"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

// ChatReply is the device's response payload for a chat command.
type ChatReply struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
	Model     string `json:"model,omitempty"`
}

// SpeechReply is the device's tts_response payload. AudioData is base64.
type SpeechReply struct {
	RequestID   string `json:"requestId"`
	AudioData   string `json:"audioData"`
	AudioFormat string `json:"audioFormat,omitempty"`
}

// ErrorReply is the device's error / tts_error payload.
type ErrorReply struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// PingData carries the heartbeat timestamp (milliseconds since epoch).
type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// ── Device registry ──────────────────────────────────────────

// Device is a registered physical device identity.
type Device struct {
	ID        string    `json:"id"`
	PinCode   *string   `json:"pin_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// PinEnabled reports whether requests to this device require a Bearer PIN.
func (d *Device) PinEnabled() bool {
	return d.PinCode != nil && *d.PinCode != ""
}

// DeviceStatus is the GET /{deviceID}/status response.
type DeviceStatus struct {
	DeviceID   string    `json:"device_id"`
	Connected  bool      `json:"connected"`
	PinEnabled bool      `json:"pin_enabled"`
	LastSeen   time.Time `json:"last_seen"`
}

// ── Conversation history ─────────────────────────────────────

// ConversationTurn is one stored chat turn for a device.
type ConversationTurn struct {
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ── MCP ──────────────────────────────────────────────────────

// MCPServerConfig describes one remote MCP tool server for a device.
type MCPServerConfig struct {
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	Capabilities    MCPCapabilities   `json:"capabilities"`
	Headers         map[string]string `json:"headers,omitempty"`
	TimeoutMs       int               `json:"timeout_ms,omitempty"`
	Enabled         bool              `json:"enabled"`
}

type MCPCapabilities struct {
	Tools     MCPToolCapabilities `json:"tools"`
	Resources bool                `json:"resources,omitempty"`
	Prompts   bool                `json:"prompts,omitempty"`
	Sampling  bool                `json:"sampling,omitempty"`
}

type MCPToolCapabilities struct {
	Enabled     bool     `json:"enabled"`
	AutoApprove []string `json:"auto_approve,omitempty"`
}

// Tool is a tool advertised by a connected MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ServerName  string          `json:"serverName"`
}

// MCPServerStatus is the management-API view of one configured server.
type MCPServerStatus struct {
	Config            MCPServerConfig `json:"config"`
	Connected         bool            `json:"connected"`
	ToolCount         int             `json:"tool_count"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
}

// MCPLogEntry is one line of the bounded MCP activity log.
type MCPLogEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	ServerName string    `json:"server_name,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Message    string    `json:"message"`
}

// MCPSession is a lightweight grouping record created by UI clients.
type MCPSession struct {
	ID         string    `json:"id"`
	ServerName string    `json:"server_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty"`
	Active     bool      `json:"active"`
}

// MCPTemplate is a static preset offered at GET /mcp/templates.
type MCPTemplate struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Config      MCPServerConfig `json:"config"`
}
