// Package handlers implements the HTTP surface of the R++ bridge: the
// OpenAI-compatible endpoints, device/PIN management, and the MCP
// tool-server management API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/broker"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/config"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/history"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/mcp"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// DeviceModelID is the single model identity exposed at /v1/models.
const DeviceModelID = "rabbit-r1"

// Handlers bundles the collaborators every route needs.
type Handlers struct {
	cfg      *config.Config
	registry registry.DeviceRegistry
	broker   *broker.Broker
	history  *history.Store
	mcp      *mcp.Manager
}

// New wires the handler set.
func New(cfg *config.Config, reg registry.DeviceRegistry, b *broker.Broker, hist *history.Store, m *mcp.Manager) *Handlers {
	return &Handlers{cfg: cfg, registry: reg, broker: b, history: hist, mcp: m}
}

// ── Response helpers ─────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError renders the OpenAI error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, models.APIError{
		Error: models.APIErrorDetail{Message: message, Type: errType},
	})
}

// writeBrokerError maps the broker's admission/dispatch taxonomy onto
// HTTP statuses.
func writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrDeviceBusy):
		writeError(w, http.StatusTooManyRequests, "device_busy", err.Error())
	case errors.Is(err, broker.ErrDeviceUnavailable), errors.Is(err, broker.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	case errors.Is(err, broker.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout_error", err.Error())
	case errors.Is(err, broker.ErrNoAudioData):
		writeError(w, http.StatusInternalServerError, "no_audio_data", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
