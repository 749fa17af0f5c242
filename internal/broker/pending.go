package broker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Kind distinguishes the two command classes a device can execute.
type Kind string

const (
	KindChat   Kind = "chat"
	KindSpeech Kind = "speech"
)

// Outcome is delivered exactly once to the HTTP handler waiting on a
// request: either a device reply, a device-reported error, or the
// timeout fallback.
type Outcome struct {
	Text           string // chat reply or synthesized fallback text
	Model          string
	Audio          []byte // decoded speech audio
	ResponseFormat string
	TimedOut       bool
	Err            error
}

// pendingRequest is one live table entry. The device id doubles as the
// RequestDeviceMap: a reply only resolves the entry when the claimed
// device matches.
type pendingRequest struct {
	id             string
	deviceID       string
	kind           Kind
	responseFormat string
	createdAt      time.Time
	timer          clockwork.Timer
	done           chan Outcome // buffered 1, written exactly once
}

// pendingTable holds all in-flight requests plus the per-device
// single-flight index. An entry is present iff its timer is still armed
// or it is mid-resolution; insert and remove keep both maps in step
// under one lock.
type pendingTable struct {
	mu       sync.Mutex
	byID     map[string]*pendingRequest
	inflight map[string]map[Kind]string // deviceID → kind → requestID
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byID:     make(map[string]*pendingRequest),
		inflight: make(map[string]map[Kind]string),
	}
}

// insert adds the entry unless the device already has one of the same
// kind in flight.
func (t *pendingTable) insert(p *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	kinds := t.inflight[p.deviceID]
	if _, busy := kinds[p.kind]; busy {
		return false
	}
	if kinds == nil {
		kinds = make(map[Kind]string)
		t.inflight[p.deviceID] = kinds
	}
	kinds[p.kind] = p.id
	t.byID[p.id] = p
	return true
}

// take atomically removes and returns the entry, so that exactly one of
// {reply, timeout, rollback} wins. A mismatched device id or kind
// leaves the entry in place and returns nil; the device knows the ids
// of its own pending requests, so a reply of the wrong kind must not
// consume the entry and strand the waiting caller.
func (t *pendingTable) take(requestID, claimedDevice string, kind Kind) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[requestID]
	if !ok {
		return nil
	}
	if claimedDevice != "" && p.deviceID != claimedDevice {
		return nil
	}
	if kind != "" && p.kind != kind {
		return nil
	}
	delete(t.byID, requestID)
	if kinds := t.inflight[p.deviceID]; kinds != nil {
		delete(kinds, p.kind)
		if len(kinds) == 0 {
			delete(t.inflight, p.deviceID)
		}
	}
	return p
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
