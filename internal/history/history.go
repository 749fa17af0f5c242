// Package history keeps a small rolling window of prior chat turns per
// device, used to give the device model context for the next command.
package history

import (
	"sync"
	"time"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// DefaultWindow is the number of turns retained per device.
const DefaultWindow = 10

// Store is a thread-safe bounded conversation window. Oldest turns are
// evicted first once the cap is reached (FIFO, not LRU).
type Store struct {
	mu    sync.RWMutex
	turns map[string][]models.ConversationTurn
	cap   int
}

// NewStore creates a store retaining up to capacity turns per device.
// Non-positive capacity falls back to DefaultWindow.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &Store{
		turns: make(map[string][]models.ConversationTurn),
		cap:   capacity,
	}
}

// Append records a turn for the device, evicting the oldest if full.
func (s *Store) Append(deviceID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := append(s.turns[deviceID], models.ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if len(window) > s.cap {
		window = window[len(window)-s.cap:]
	}
	s.turns[deviceID] = window
}

// Turns returns a copy of the device's window, oldest first.
func (s *Store) Turns(deviceID string) []models.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.turns[deviceID]
	out := make([]models.ConversationTurn, len(window))
	copy(out, window)
	return out
}

// Last returns the most recent turn for the device, if any.
func (s *Store) Last(deviceID string) (models.ConversationTurn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.turns[deviceID]
	if len(window) == 0 {
		return models.ConversationTurn{}, false
	}
	return window[len(window)-1], true
}

// Len reports the number of turns currently stored for the device.
func (s *Store) Len(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[deviceID])
}

// Clear drops the device's window.
func (s *Store) Clear(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, deviceID)
}
