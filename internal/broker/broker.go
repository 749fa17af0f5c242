// Package broker correlates OpenAI-style HTTP requests with the
// asynchronous replies of the physical device behind a socket session.
//
// An admitted request gets a collision-resistant requestId, a pending
// table entry, and a timeout timer; the matching device reply (routed
// in by the socket hub) or the timer resolves it, whichever comes
// first. Per-device single-flight admission keeps at most one chat and
// one speech command outstanding per device.
package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/history"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// DefaultTimeout is the reply budget for a dispatched command.
const DefaultTimeout = 60 * time.Second

// Admission and resolution errors, mapped to HTTP statuses by the API layer.
var (
	ErrDeviceBusy         = errors.New("a request of this kind is already in progress for this device")
	ErrDeviceUnavailable  = errors.New("device is not connected")
	ErrServiceUnavailable = errors.New("failed to reach device")
	ErrTimeout            = errors.New("device did not respond in time")
	ErrNoAudioData        = errors.New("device reply contained no audio data")
)

// chatTimeoutFallback is returned to chat clients on timeout. OpenAI
// clients expect text, not a structured error, so the apology stays a
// normal completion.
const chatTimeoutFallback = "I'm sorry, I wasn't able to get a response from your device in time. " +
	"Please check that it is awake and connected, then try again."

// PreambleSource supplies the MCP tool prompt text prepended to
// outgoing chat commands. Implemented by the MCP manager.
type PreambleSource interface {
	BuildPromptPreamble(deviceID string) string
}

// Ticket is handed to the HTTP handler after admission. Exactly one
// Outcome arrives on Done.
type Ticket struct {
	RequestID string
	Done      <-chan Outcome
}

// Broker is the request/response correlation core.
type Broker struct {
	registry registry.DeviceRegistry
	history  *history.Store
	preamble PreambleSource
	clock    clockwork.Clock
	timeout  time.Duration
	table    *pendingTable
}

// New creates a broker. preamble may be nil when no MCP manager is wired.
func New(reg registry.DeviceRegistry, hist *history.Store, preamble PreambleSource, clock clockwork.Clock, timeout time.Duration) *Broker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		registry: reg,
		history:  hist,
		preamble: preamble,
		clock:    clock,
		timeout:  timeout,
		table:    newPendingTable(),
	}
}

// ── Admission ────────────────────────────────────────────────

// Admit validates that the device is reachable and has no in-flight
// request of the same kind, then registers a pending entry and arms the
// timeout timer. Nothing has been sent to the device yet.
func (b *Broker) Admit(deviceID string, kind Kind, responseFormat string) (*Ticket, error) {
	if !b.registry.Connected(deviceID) {
		return nil, ErrDeviceUnavailable
	}

	p := &pendingRequest{
		id:             uuid.New().String(),
		deviceID:       deviceID,
		kind:           kind,
		responseFormat: responseFormat,
		createdAt:      b.clock.Now(),
		done:           make(chan Outcome, 1),
	}
	if !b.table.insert(p) {
		return nil, ErrDeviceBusy
	}
	p.timer = b.clock.AfterFunc(b.timeout, func() { b.expire(p.id) })

	log.Debug().
		Str("device", deviceID).
		Str("request_id", p.id).
		Str("kind", string(kind)).
		Msg("request admitted")

	return &Ticket{RequestID: p.id, Done: p.done}, nil
}

// ── Dispatch ─────────────────────────────────────────────────

// DispatchChat enriches the user message with conversation context and
// the MCP tool preamble, then emits a chat_completion command. A send
// failure rolls the admission back so the single-flight slot frees up.
func (b *Broker) DispatchChat(ctx context.Context, t *Ticket, deviceID string, req models.ChatCompletionRequest) error {
	userMsg := lastUserMessage(req.Messages)

	cmd := models.ChatCommand{
		RequestID:   t.RequestID,
		Message:     b.enrichMessage(deviceID, userMsg),
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if err := b.send(ctx, t, deviceID, models.EventChatCompletion, cmd); err != nil {
		return err
	}
	b.history.Append(deviceID, "user", userMsg)
	return nil
}

// DispatchSpeech emits a text_to_speech command.
func (b *Broker) DispatchSpeech(ctx context.Context, t *Ticket, deviceID string, req models.SpeechRequest) error {
	speed := 1.0
	if req.Speed != nil {
		speed = *req.Speed
	}
	cmd := models.SpeechCommand{
		RequestID:      t.RequestID,
		Text:           req.Input,
		Model:          req.Model,
		Voice:          req.Voice,
		ResponseFormat: req.ResponseFormat,
		Speed:          speed,
	}
	return b.send(ctx, t, deviceID, models.EventTextToSpeech, cmd)
}

func (b *Broker) send(ctx context.Context, t *Ticket, deviceID, event string, data any) error {
	sess, ok := b.registry.SessionFor(deviceID)
	if !ok {
		b.rollback(t.RequestID)
		return ErrServiceUnavailable
	}
	if err := sess.Send(ctx, event, data); err != nil {
		b.rollback(t.RequestID)
		log.Warn().Err(err).Str("device", deviceID).Str("request_id", t.RequestID).Msg("dispatch failed")
		return ErrServiceUnavailable
	}
	return nil
}

// rollback removes an admitted-but-undispatched entry without
// completing its ticket; the handler reports the dispatch error itself.
func (b *Broker) rollback(requestID string) {
	if p := b.table.take(requestID, "", ""); p != nil {
		p.timer.Stop()
	}
}

// enrichMessage prepends the MCP tool preamble and the most recent
// conversation turn to the raw user text.
func (b *Broker) enrichMessage(deviceID, userMsg string) string {
	var sb strings.Builder
	if b.preamble != nil {
		if pre := b.preamble.BuildPromptPreamble(deviceID); pre != "" {
			sb.WriteString(pre)
			sb.WriteString("\n\n")
		}
	}
	if last, ok := b.history.Last(deviceID); ok {
		fmt.Fprintf(&sb, "(previous %s turn: %s)\n\n", last.Role, last.Content)
	}
	sb.WriteString(userMsg)
	return sb.String()
}

func lastUserMessage(msgs []models.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}
	return ""
}

// ── Resolution ───────────────────────────────────────────────

// ResolveChat applies a device chat reply. Unknown ids, already-settled
// requests, and replies claiming the wrong device or kind are silently
// dropped; that covers duplicates, spoofed replies, cross-kind frames,
// and the timeout race.
func (b *Broker) ResolveChat(deviceID string, reply models.ChatReply) {
	p := b.table.take(reply.RequestID, deviceID, KindChat)
	if p == nil {
		log.Debug().Str("device", deviceID).Str("request_id", reply.RequestID).Msg("discarding uncorrelated chat reply")
		return
	}
	p.timer.Stop()
	b.history.Append(deviceID, "assistant", reply.Response)
	p.done <- Outcome{Text: reply.Response, Model: reply.Model}
	log.Info().
		Str("device", deviceID).
		Str("request_id", p.id).
		Dur("latency", b.clock.Since(p.createdAt)).
		Msg("chat request resolved")
}

// ResolveSpeech applies a device tts_response. A reply without audio
// resolves the request as an internal error rather than empty audio.
func (b *Broker) ResolveSpeech(deviceID string, reply models.SpeechReply) {
	p := b.table.take(reply.RequestID, deviceID, KindSpeech)
	if p == nil {
		log.Debug().Str("device", deviceID).Str("request_id", reply.RequestID).Msg("discarding uncorrelated tts reply")
		return
	}
	p.timer.Stop()

	if reply.AudioData == "" {
		p.done <- Outcome{Err: ErrNoAudioData}
		return
	}
	audio, err := base64.StdEncoding.DecodeString(reply.AudioData)
	if err != nil {
		// Some firmwares send raw bytes instead of base64.
		audio = []byte(reply.AudioData)
	}
	format := reply.AudioFormat
	if format == "" {
		format = p.responseFormat
	}
	p.done <- Outcome{Audio: audio, ResponseFormat: format}
	log.Info().
		Str("device", deviceID).
		Str("request_id", p.id).
		Int("bytes", len(audio)).
		Msg("speech request resolved")
}

// ResolveError applies a device error / tts_error event. Error frames
// carry no kind, so any pending request of the claiming device matches.
func (b *Broker) ResolveError(deviceID string, reply models.ErrorReply) {
	p := b.table.take(reply.RequestID, deviceID, "")
	if p == nil {
		return
	}
	p.timer.Stop()
	p.done <- Outcome{Err: fmt.Errorf("device error: %s", reply.Error)}
	log.Warn().
		Str("device", deviceID).
		Str("request_id", p.id).
		Str("error", reply.Error).
		Msg("device reported command failure")
}

// expire fires when the timeout timer wins the race. Chat requests
// degrade to an apologetic completion; speech requests get a structured
// timeout error since there is no safe synthetic audio.
func (b *Broker) expire(requestID string) {
	p := b.table.take(requestID, "", "")
	if p == nil {
		return
	}
	log.Warn().
		Str("device", p.deviceID).
		Str("request_id", p.id).
		Str("kind", string(p.kind)).
		Msg("request timed out waiting for device")

	switch p.kind {
	case KindChat:
		p.done <- Outcome{Text: chatTimeoutFallback, TimedOut: true}
	default:
		p.done <- Outcome{TimedOut: true, Err: ErrTimeout}
	}
}

// PendingCount reports the number of in-flight requests across all
// devices. Exposed for status endpoints and tests.
func (b *Broker) PendingCount() int {
	return b.table.len()
}
