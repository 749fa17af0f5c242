package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/internal/registry"
	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// PinAuth gates device-scoped routes behind the device's PIN. Devices
// without a PIN accept unauthenticated requests; devices with one
// require the exact matching `Authorization: Bearer <pin>` value.
type PinAuth struct {
	registry registry.DeviceRegistry
}

// NewPinAuth creates the PIN middleware backed by the device registry.
func NewPinAuth(reg registry.DeviceRegistry) *PinAuth {
	return &PinAuth{registry: reg}
}

// Middleware enforces the PIN for the {deviceID} route subtree.
func (a *PinAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")

		if _, err := a.registry.GetDevice(r.Context(), deviceID); err != nil {
			writeAPIError(w, http.StatusNotFound, "invalid_request_error", "unknown device: "+deviceID)
			return
		}

		if err := a.registry.VerifyPin(r.Context(), deviceID, bearerToken(r)); err != nil {
			if errors.Is(err, registry.ErrPinRequired) {
				writeAPIError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing PIN")
				return
			}
			writeAPIError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeAPIError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIError{
		Error: models.APIErrorDetail{Message: message, Type: errType},
	})
}
