package handlers

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
)

type pinRequest struct {
	Pin        string `json:"pin,omitempty"`
	CurrentPin string `json:"current_pin,omitempty"`
	NewPin     string `json:"new_pin,omitempty"`
}

// EnablePin handles POST /{deviceID}/enable-pin. When no PIN is
// supplied a random 6-digit one is generated and returned once.
func (h *Handlers) EnablePin(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req pinRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	pin := req.Pin
	if pin == "" {
		pin = fmt.Sprintf("%06d", rand.Intn(1000000))
	}

	if err := h.registry.EnablePin(r.Context(), deviceID, pin); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"device_id": deviceID,
		"pin_code":  pin,
	})
}

// DisablePin handles POST /{deviceID}/disable-pin.
func (h *Handlers) DisablePin(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if err := h.registry.DisablePin(r.Context(), deviceID); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   deviceID,
		"pin_enabled": false,
	})
}

// ChangePin handles POST /{deviceID}/change-pin.
func (h *Handlers) ChangePin(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req pinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NewPin == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "new_pin is required")
		return
	}

	if err := h.registry.ChangePin(r.Context(), deviceID, req.CurrentPin, req.NewPin); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   deviceID,
		"pin_enabled": true,
	})
}

// Info handles GET /{deviceID}/info.
func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	device, err := h.registry.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   device.ID,
		"pin_enabled": device.PinEnabled(),
		"connected":   h.registry.Connected(device.ID),
		"created_at":  device.CreatedAt,
		"last_seen":   device.LastSeen,
	})
}

// Status handles GET /{deviceID}/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	device, err := h.registry.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   device.ID,
		"connected":   h.registry.Connected(device.ID),
		"pin_enabled": device.PinEnabled(),
		"last_seen":   device.LastSeen,
	})
}

// Sync handles POST /{deviceID}/sync: a one-shot snapshot UI clients
// use to refresh their view of the device.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	device, err := h.registry.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":          device.ID,
		"connected":          h.registry.Connected(device.ID),
		"pin_enabled":        device.PinEnabled(),
		"conversation_turns": h.history.Len(device.ID),
		"mcp_servers":        h.mcp.ListServers(device.ID),
	})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "invalid_request_error", err.Error())
	case errors.Is(err, registry.ErrPinRequired):
		writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
}
