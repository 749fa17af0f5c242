package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AidanTheBandit/R-PlusPlus-sub000/pkg/models"
)

// LogBuffer is a bounded ring of MCP activity lines, shared across
// devices and filtered per device on read.
type LogBuffer struct {
	mu      sync.Mutex
	entries []logEntry
	next    int
	full    bool
}

type logEntry struct {
	deviceID string
	entry    models.MCPLogEntry
}

// NewLogBuffer creates a buffer holding up to capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &LogBuffer{entries: make([]logEntry, capacity)}
}

// Add appends one line, evicting the oldest when full.
func (b *LogBuffer) Add(deviceID, level, serverName, toolName, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = logEntry{
		deviceID: deviceID,
		entry: models.MCPLogEntry{
			ID:         uuid.New().String(),
			Timestamp:  time.Now().UTC(),
			Level:      level,
			ServerName: serverName,
			ToolName:   toolName,
			Message:    message,
		},
	}
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// For returns the device's entries, newest first.
func (b *LogBuffer) For(deviceID string) []models.MCPLogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.next
	if b.full {
		size = len(b.entries)
	}
	out := make([]models.MCPLogEntry, 0, size)
	for i := 1; i <= size; i++ {
		// Walk backwards from the most recently written slot.
		idx := (b.next - i + len(b.entries)) % len(b.entries)
		if b.entries[idx].deviceID == deviceID {
			out = append(out, b.entries[idx].entry)
		}
	}
	return out
}
