// Package registry tracks device identities, their optional PIN
// credentials, and the live deviceID → socket session map.
package registry

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// Session is a live transport handle for one connected device.
// Implemented by the socket hub.
type Session interface {
	// Send emits one event frame to the device. It must be safe for
	// concurrent use.
	Send(ctx context.Context, event string, data any) error
	// Close tears the connection down.
	Close() error
}

// DeviceRegistry is the identity and session collaborator consulted by
// the broker and the MCP manager. The broker treats the session map as
// read-only; only connect/disconnect events mutate it.
type DeviceRegistry interface {
	// EnsureDevice returns the device with the given id, creating it on
	// first sight. An empty id mints a fresh one.
	EnsureDevice(ctx context.Context, deviceID string) (*models.Device, error)
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)

	// VerifyPin checks a Bearer credential against the device's PIN.
	// Devices without a PIN accept any credential, including none.
	VerifyPin(ctx context.Context, deviceID, pin string) error
	EnablePin(ctx context.Context, deviceID, pin string) error
	DisablePin(ctx context.Context, deviceID string) error
	ChangePin(ctx context.Context, deviceID, oldPin, newPin string) error

	// Session routing.
	BindSession(deviceID string, s Session)
	UnbindSession(deviceID string, s Session)
	SessionFor(deviceID string) (Session, bool)
	Connected(deviceID string) bool
}

// ErrPinRequired is returned when a PIN-protected device is called
// without (or with a wrong) credential.
var ErrPinRequired = fmt.Errorf("invalid or missing PIN")

// ErrDeviceNotFound is returned for unknown device ids.
var ErrDeviceNotFound = fmt.Errorf("device not found")

var pinPattern = regexp.MustCompile(`^\d{6}$`)

// ValidatePin enforces the 6-digit numeric PIN policy.
func ValidatePin(pin string) error {
	if !pinPattern.MatchString(pin) {
		return fmt.Errorf("PIN must be exactly 6 digits")
	}
	return nil
}

// ── In-memory implementation ─────────────────────────────────

// MemoryRegistry is a thread-safe in-memory DeviceRegistry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	sessions map[string]Session
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		devices:  make(map[string]*models.Device),
		sessions: make(map[string]Session),
	}
}

// EnsureDevice returns the device, creating it (and minting an id when
// none is supplied) on first sight. The result is a snapshot; the
// registry keeps mutating its own record on connect/disconnect.
func (r *MemoryRegistry) EnsureDevice(_ context.Context, deviceID string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if deviceID == "" {
		deviceID = mintDeviceID()
	}
	d, ok := r.devices[deviceID]
	if !ok {
		d = &models.Device{
			ID:        deviceID,
			CreatedAt: time.Now().UTC(),
			LastSeen:  time.Now().UTC(),
		}
		r.devices[deviceID] = d
		log.Info().Str("device", deviceID).Msg("device registered")
	}
	snapshot := *d
	return &snapshot, nil
}

// GetDevice retrieves a snapshot of a device by id.
func (r *MemoryRegistry) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	snapshot := *d
	return &snapshot, nil
}

// VerifyPin checks the credential. Devices with pin_code unset accept
// unauthenticated requests.
func (r *MemoryRegistry) VerifyPin(_ context.Context, deviceID, pin string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if !d.PinEnabled() {
		return nil
	}
	if pin != *d.PinCode {
		return ErrPinRequired
	}
	return nil
}

// EnablePin sets a PIN on a device that has none (or replaces an
// existing one after the caller already authenticated).
func (r *MemoryRegistry) EnablePin(ctx context.Context, deviceID, pin string) error {
	if err := ValidatePin(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	d.PinCode = &pin
	log.Info().Str("device", deviceID).Msg("PIN enabled")
	return nil
}

// DisablePin clears the device's PIN.
func (r *MemoryRegistry) DisablePin(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	d.PinCode = nil
	log.Info().Str("device", deviceID).Msg("PIN disabled")
	return nil
}

// ChangePin swaps the PIN after verifying the current one.
func (r *MemoryRegistry) ChangePin(ctx context.Context, deviceID, oldPin, newPin string) error {
	if err := ValidatePin(newPin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if d.PinEnabled() && oldPin != *d.PinCode {
		return ErrPinRequired
	}
	d.PinCode = &newPin
	log.Info().Str("device", deviceID).Msg("PIN changed")
	return nil
}

// ── Session map ──────────────────────────────────────────────

// BindSession records the live socket for a device, replacing any
// previous session (reconnect).
func (r *MemoryRegistry) BindSession(deviceID string, s Session) {
	r.mu.Lock()
	prev := r.sessions[deviceID]
	r.sessions[deviceID] = s
	if d, ok := r.devices[deviceID]; ok {
		d.LastSeen = time.Now().UTC()
	}
	r.mu.Unlock()

	if prev != nil && prev != s {
		_ = prev.Close()
		log.Warn().Str("device", deviceID).Msg("replaced stale session on reconnect")
	}
	log.Info().Str("device", deviceID).Msg("device connected")
}

// UnbindSession clears the session entry, but only if it still belongs
// to the given handle. A reconnect may already have replaced it.
func (r *MemoryRegistry) UnbindSession(deviceID string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceID]; ok && cur == s {
		delete(r.sessions, deviceID)
		if d, ok := r.devices[deviceID]; ok {
			d.LastSeen = time.Now().UTC()
		}
		log.Info().Str("device", deviceID).Msg("device disconnected")
	}
}

// SessionFor returns the live session for a device, if any.
func (r *MemoryRegistry) SessionFor(deviceID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Connected reports whether the device has a live socket.
func (r *MemoryRegistry) Connected(deviceID string) bool {
	_, ok := r.SessionFor(deviceID)
	return ok
}

// ── Device id minting ────────────────────────────────────────

var idAdjectives = []string{
	"funny", "brave", "quiet", "shiny", "rapid", "gentle", "crimson",
	"mellow", "dusty", "lucky", "witty", "cosmic", "amber", "breezy",
}

var idNouns = []string{
	"worm", "otter", "falcon", "pebble", "comet", "badger", "maple",
	"lantern", "rabbit", "thistle", "anchor", "ember", "willow", "sparrow",
}

// mintDeviceID produces a human-friendly adjective-noun-NN identifier.
func mintDeviceID() string {
	return fmt.Sprintf("%s-%s-%02d",
		idAdjectives[rand.Intn(len(idAdjectives))],
		idNouns[rand.Intn(len(idNouns))],
		rand.Intn(100))
}
