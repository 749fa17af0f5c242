// Package socket owns the persistent device websocket: connection
// handshake, the per-device read loop that routes correlated replies
// into the broker, and the 30s heartbeat.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/broker"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

const (
	// helloTimeout bounds how long a fresh connection may sit silent
	// before identifying itself.
	helloTimeout = 10 * time.Second

	// heartbeatInterval matches the device firmware's ping cadence.
	heartbeatInterval = 30 * time.Second

	// maxFrameBytes allows for base64 audio in tts_response frames.
	maxFrameBytes = 16 << 20
)

// Hub accepts device websocket connections and routes their frames.
type Hub struct {
	registry registry.DeviceRegistry
	broker   *broker.Broker
	clock    clockwork.Clock
}

// NewHub creates a hub bound to the registry and broker.
func NewHub(reg registry.DeviceRegistry, b *broker.Broker, clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{registry: reg, broker: b, clock: clock}
}

// session wraps one live connection. Writes are serialized; coder's
// websocket allows only one concurrent writer per connection.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send emits one event frame to the device.
func (s *session) Send(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsjson.Write(ctx, s.conn, models.SocketFrame{Event: event, Data: raw})
}

// Close tears the connection down.
func (s *session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "replaced")
}

// HandleWS upgrades the request and runs the device connection until it
// drops. Mounted at GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // devices are not browsers
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx := r.Context()
	device, sess, err := h.handshake(ctx, conn)
	if err != nil {
		log.Warn().Err(err).Msg("device handshake rejected")
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	h.registry.BindSession(device.ID, sess)
	defer h.registry.UnbindSession(device.ID, sess)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.heartbeat(hbCtx, device.ID, sess)

	h.readLoop(ctx, device.ID, sess)
}

// handshake waits for the hello frame, resolves (or mints) the device
// identity, and checks the PIN when one is set.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (*models.Device, *session, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var frame models.SocketFrame
	if err := wsjson.Read(helloCtx, conn, &frame); err != nil {
		return nil, nil, fmt.Errorf("read hello: %w", err)
	}
	if frame.Event != models.EventHello {
		return nil, nil, fmt.Errorf("expected hello, got %q", frame.Event)
	}
	var hello models.HelloData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &hello); err != nil {
			return nil, nil, fmt.Errorf("decode hello: %w", err)
		}
	}

	device, err := h.registry.EnsureDevice(ctx, hello.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if device.PinEnabled() {
		if err := h.registry.VerifyPin(ctx, device.ID, hello.PinCode); err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", device.ID, err)
		}
	}

	sess := &session{conn: conn}
	// Echo the (possibly minted) identity back to the device.
	if err := sess.Send(ctx, models.EventHello, models.HelloData{DeviceID: device.ID}); err != nil {
		return nil, nil, fmt.Errorf("ack hello: %w", err)
	}
	return device, sess, nil
}

// heartbeat pings the device every 30s. The device answers pong; a send
// failure just ends the loop, the read loop notices the dead socket.
func (h *Hub) heartbeat(ctx context.Context, deviceID string, sess *session) {
	ticker := h.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			ping := models.PingData{Timestamp: h.clock.Now().UnixMilli()}
			if err := sess.Send(ctx, models.EventPing, ping); err != nil {
				log.Debug().Err(err).Str("device", deviceID).Msg("heartbeat send failed")
				return
			}
		}
	}
}

// readLoop consumes device frames until the connection drops.
func (h *Hub) readLoop(ctx context.Context, deviceID string, sess *session) {
	for {
		var frame models.SocketFrame
		if err := wsjson.Read(ctx, sess.conn, &frame); err != nil {
			closeErr := websocket.CloseError{}
			if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
				log.Info().Str("device", deviceID).Msg("device closed connection")
			} else if ctx.Err() == nil {
				log.Warn().Err(err).Str("device", deviceID).Msg("device socket read failed")
			}
			return
		}
		h.dispatch(ctx, deviceID, sess, frame)
	}
}

// dispatch routes one inbound frame.
func (h *Hub) dispatch(ctx context.Context, deviceID string, sess *session, frame models.SocketFrame) {
	switch frame.Event {

	case models.EventResponse:
		var reply models.ChatReply
		if err := json.Unmarshal(frame.Data, &reply); err != nil {
			log.Warn().Err(err).Str("device", deviceID).Msg("malformed response frame")
			return
		}
		h.broker.ResolveChat(deviceID, reply)

	case models.EventTTSResponse:
		var reply models.SpeechReply
		if err := json.Unmarshal(frame.Data, &reply); err != nil {
			log.Warn().Err(err).Str("device", deviceID).Msg("malformed tts_response frame")
			return
		}
		h.broker.ResolveSpeech(deviceID, reply)

	case models.EventError, models.EventTTSError:
		var reply models.ErrorReply
		if err := json.Unmarshal(frame.Data, &reply); err != nil {
			log.Warn().Err(err).Str("device", deviceID).Msg("malformed error frame")
			return
		}
		h.broker.ResolveError(deviceID, reply)

	case models.EventMessageReceived, models.EventTTSReceived:
		// Delivery acks are informational only, never correlated.
		log.Debug().Str("device", deviceID).Str("event", frame.Event).Msg("command acknowledged")

	case models.EventPing:
		pong := models.PingData{Timestamp: h.clock.Now().UnixMilli()}
		if err := sess.Send(ctx, models.EventPong, pong); err != nil {
			log.Debug().Err(err).Str("device", deviceID).Msg("pong send failed")
		}

	case models.EventPong:
		// Liveness only.

	default:
		log.Warn().Str("device", deviceID).Str("event", frame.Event).Msg("unknown socket event")
	}
}
