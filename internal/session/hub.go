package session

import (
	"sync"
	"time"

	"wagate/internal/constants"
	"wagate/internal/models"
)

// LifecycleEvent is a live status change streamed to operators
type LifecycleEvent struct {
	SessionID string               `json:"sessionId"`
	TenantID  string               `json:"tenantId"`
	Status    models.SessionStatus `json:"status"`
	QR        string               `json:"qr,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	At        time.Time            `json:"at"`
}

// Hub fans lifecycle events out to subscribers of one session. Slow
// subscribers lose events rather than block the session's event loop.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan LifecycleEvent]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = constants.DefaultLifecycleSubscriberQueue
	}
	return &Hub{subs: make(map[string]map[chan LifecycleEvent]struct{}), buffer: buffer}
}

// Subscribe registers for sessionID's events. Call the returned func to
// unsubscribe; it closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan LifecycleEvent, func()) {
	ch := make(chan LifecycleEvent, h.buffer)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan LifecycleEvent]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev LifecycleEvent) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers counts open subscriptions for sessionID
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
