package channels

import (
	"sync"
	"time"
)

// Health is the shared connection-state tracker adapters embed to satisfy
// StatusReporter.
type Health struct {
	mu     sync.RWMutex
	status Status
	now    func() time.Time
}

// NewHealth starts disconnected.
func NewHealth() *Health {
	return &Health{now: time.Now}
}

// Status returns the current connection state.
func (h *Health) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// SetConnected marks the adapter connected and stamps LastPing.
func (h *Health) SetConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = Status{Connected: true, LastPing: h.now()}
}

// SetDisconnected marks the adapter down with the failure reason.
func (h *Health) SetDisconnected(errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = Status{Connected: false, Error: errMsg}
}

// Ping refreshes LastPing without changing the connected flag.
func (h *Health) Ping() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.LastPing = h.now()
}
