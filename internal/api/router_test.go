package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/api/handlers"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/broker"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/config"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/history"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/mcp"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/socket"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

type stack struct {
	registry *registry.MemoryRegistry
	broker   *broker.Broker
	server   *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	// Explicit config so ambient RPP_* env vars cannot skew the suite.
	cfg := &config.Config{
		Version: "test",
		Broker:  config.BrokerConfig{RequestTimeout: time.Minute, HistoryWindow: 10},
		MCP:     config.MCPConfig{HealthInterval: 30 * time.Second},
	}
	reg := registry.NewMemoryRegistry()
	hist := history.NewStore(10)
	mgr := mcp.NewManager()
	b := broker.New(reg, hist, mgr, clockwork.NewRealClock(), time.Minute)
	hub := socket.NewHub(reg, b, clockwork.NewRealClock())
	h := handlers.New(cfg, reg, b, hist, mgr)

	srv := httptest.NewServer(NewRouter(cfg, h, reg, hub))
	t.Cleanup(srv.Close)
	return &stack{registry: reg, broker: b, server: srv}
}

func (s *stack) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	return resp, payload
}

func (s *stack) get(t *testing.T, path string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	return resp, payload
}

func errType(t *testing.T, payload []byte) string {
	t.Helper()
	var apiErr models.APIError
	if err := json.Unmarshal(payload, &apiErr); err != nil {
		t.Fatalf("decode error envelope %q: %v", payload, err)
	}
	return apiErr.Error.Type
}

// connectDevice runs the hello handshake over /ws and answers chat and
// speech commands with canned replies until the context ends.
func connectDevice(t *testing.T, ctx context.Context, s *stack, deviceID string) string {
	t.Helper()
	url := "ws" + s.server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	hello, _ := json.Marshal(models.HelloData{DeviceID: deviceID})
	if err := wsjson.Write(ctx, conn, models.SocketFrame{Event: models.EventHello, Data: hello}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var ack models.SocketFrame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read hello ack: %v", err)
	}
	var ackData models.HelloData
	json.Unmarshal(ack.Data, &ackData)

	go func() {
		for {
			var frame models.SocketFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			switch frame.Event {
			case models.EventChatCompletion:
				var cmd models.ChatCommand
				json.Unmarshal(frame.Data, &cmd)
				reply, _ := json.Marshal(models.ChatReply{RequestID: cmd.RequestID, Response: "canned answer"})
				wsjson.Write(ctx, conn, models.SocketFrame{Event: models.EventResponse, Data: reply})
			case models.EventTextToSpeech:
				var cmd models.SpeechCommand
				json.Unmarshal(frame.Data, &cmd)
				reply, _ := json.Marshal(models.SpeechReply{
					RequestID:   cmd.RequestID,
					AudioData:   "aGVsbG8gYXVkaW8=", // "hello audio"
					AudioFormat: cmd.ResponseFormat,
				})
				wsjson.Write(ctx, conn, models.SocketFrame{Event: models.EventTTSResponse, Data: reply})
			}
		}
	}()
	return ackData.DeviceID
}

func chatBody(text string) models.ChatCompletionRequest {
	return models.ChatCompletionRequest{
		Model:    handlers.DeviceModelID,
		Messages: []models.ChatMessage{{Role: "user", Content: text}},
	}
}

func TestChatUnknownDeviceIs404(t *testing.T) {
	s := newStack(t)
	resp, payload := s.post(t, "/nobody-here-00/v1/chat/completions", chatBody("hi"), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if got := errType(t, payload); got != "invalid_request_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestChatDisconnectedDeviceIs503(t *testing.T) {
	s := newStack(t)
	if _, err := s.registry.EnsureDevice(context.Background(), "calm-otter-07"); err != nil {
		t.Fatal(err)
	}

	resp, payload := s.post(t, "/calm-otter-07/v1/chat/completions", chatBody("hi"), nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if got := errType(t, payload); got != "service_unavailable" {
		t.Errorf("error type = %q", got)
	}
	if n := s.broker.PendingCount(); n != 0 {
		t.Errorf("pending entries after rejection: %d", n)
	}
}

func TestChatRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := newStack(t)
	deviceID := connectDevice(t, ctx, s, "")

	resp, payload := s.post(t, "/"+deviceID+"/v1/chat/completions", chatBody("hi"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, payload)
	}
	var completion models.ChatCompletionResponse
	if err := json.Unmarshal(payload, &completion); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if len(completion.Choices) != 1 || completion.Choices[0].Message.Content != "canned answer" {
		t.Errorf("choices = %+v", completion.Choices)
	}
	if completion.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", completion.Choices[0].FinishReason)
	}
}

func TestChatSecondInFlightIs429(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newStack(t)
	deviceID := "calm-otter-07"
	if _, err := s.registry.EnsureDevice(ctx, deviceID); err != nil {
		t.Fatal(err)
	}
	// A bound session that swallows commands, so the first request stays
	// in flight.
	s.registry.BindSession(deviceID, silentSession{})

	if _, err := s.broker.Admit(deviceID, broker.KindChat, ""); err != nil {
		t.Fatalf("first admission: %v", err)
	}

	resp, payload := s.post(t, "/"+deviceID+"/v1/chat/completions", chatBody("hi"), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := errType(t, payload); got != "device_busy" {
		t.Errorf("error type = %q", got)
	}
}

type silentSession struct{}

func (silentSession) Send(context.Context, string, any) error { return nil }
func (silentSession) Close() error                            { return nil }

func TestSpeechRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := newStack(t)
	deviceID := connectDevice(t, ctx, s, "")

	resp, payload := s.post(t, "/"+deviceID+"/v1/audio/speech", models.SpeechRequest{Input: "say hi"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, payload)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", ct)
	}
	if string(payload) != "hello audio" {
		t.Errorf("audio payload = %q", payload)
	}
}

func TestSpeechValidation(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	if _, err := s.registry.EnsureDevice(ctx, "calm-otter-07"); err != nil {
		t.Fatal(err)
	}

	badSpeed := 9.0
	cases := []struct {
		name string
		body models.SpeechRequest
	}{
		{"empty input", models.SpeechRequest{}},
		{"bad format", models.SpeechRequest{Input: "hi", ResponseFormat: "ogg"}},
		{"bad speed", models.SpeechRequest{Input: "hi", Speed: &badSpeed}},
	}
	for _, tc := range cases {
		resp, payload := s.post(t, "/calm-otter-07/v1/audio/speech", tc.body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
			continue
		}
		if got := errType(t, payload); got != "invalid_request_error" {
			t.Errorf("%s: error type = %q", tc.name, got)
		}
	}
}

func TestPinGateOverHTTP(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	if _, err := s.registry.EnsureDevice(ctx, "calm-otter-07"); err != nil {
		t.Fatal(err)
	}

	resp, payload := s.post(t, "/calm-otter-07/enable-pin", map[string]string{"pin": "123456"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable-pin status = %d, body %s", resp.StatusCode, payload)
	}
	var enabled map[string]string
	json.Unmarshal(payload, &enabled)
	if enabled["pin_code"] != "123456" {
		t.Errorf("pin_code = %q", enabled["pin_code"])
	}

	resp, payload = s.get(t, "/calm-otter-07/v1/models", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if got := errType(t, payload); got != "authentication_error" {
		t.Errorf("error type = %q", got)
	}

	resp, _ = s.get(t, "/calm-otter-07/v1/models", map[string]string{"Authorization": "Bearer 123456"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestListModels(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	if _, err := s.registry.EnsureDevice(ctx, "calm-otter-07"); err != nil {
		t.Fatal(err)
	}

	resp, payload := s.get(t, "/calm-otter-07/v1/models", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list models.ModelList
	if err := json.Unmarshal(payload, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != handlers.DeviceModelID {
		t.Errorf("models = %+v", list.Data)
	}
}

func TestHealthAndTemplatesAreUnscoped(t *testing.T) {
	s := newStack(t)

	resp, _ := s.get(t, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	resp, payload := s.get(t, "/mcp/templates", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/mcp/templates status = %d", resp.StatusCode)
	}
	var body struct {
		Templates []models.MCPTemplate `json:"templates"`
		Count     int                  `json:"count"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode templates: %v", err)
	}
	if body.Count == 0 || len(body.Templates) != body.Count {
		t.Errorf("count = %d, templates = %d", body.Count, len(body.Templates))
	}
}

func TestDeviceSyncSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := newStack(t)
	deviceID := connectDevice(t, ctx, s, "calm-otter-07")

	resp, payload := s.post(t, "/"+deviceID+"/sync", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, payload)
	}
	var snap map[string]any
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap["device_id"] != deviceID {
		t.Errorf("device_id = %v", snap["device_id"])
	}
	if snap["connected"] != true {
		t.Errorf("connected = %v", snap["connected"])
	}
}
