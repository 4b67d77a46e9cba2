package platform

import (
	"sync"
	"time"
)

// OutboundEvent is one live-session payload pushed to a webchat subscriber.
type OutboundEvent struct {
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Typing    bool      `json:"typing,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// WebchatHub is the in-process registry of live webchat sessions. A browser
// session subscribes with its (phone_number_id, customer_phone) pair and
// receives outbound events while connected; delivery is best-effort and
// never blocks the sender.
type WebchatHub struct {
	mu       sync.RWMutex
	sessions map[string]chan OutboundEvent
}

func NewWebchatHub() *WebchatHub {
	return &WebchatHub{sessions: make(map[string]chan OutboundEvent)}
}

func sessionKey(phoneNumberID, customerPhone string) string {
	return phoneNumberID + ":" + customerPhone
}

// Subscribe registers a live session and returns its event channel plus an
// unsubscribe func. A second subscriber for the same pair replaces the
// first.
func (h *WebchatHub) Subscribe(phoneNumberID, customerPhone string) (<-chan OutboundEvent, func()) {
	key := sessionKey(phoneNumberID, customerPhone)
	ch := make(chan OutboundEvent, 16)

	h.mu.Lock()
	if old, ok := h.sessions[key]; ok {
		close(old)
	}
	h.sessions[key] = ch
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.sessions[key]; ok && cur == ch {
			delete(h.sessions, key)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Push delivers an event to the live session if one exists. Returns whether
// a subscriber received it.
func (h *WebchatHub) Push(phoneNumberID, customerPhone string, evt OutboundEvent) bool {
	if evt.SentAt.IsZero() {
		evt.SentAt = time.Now()
	}

	h.mu.RLock()
	ch, ok := h.sessions[sessionKey(phoneNumberID, customerPhone)]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case ch <- evt:
		return true
	default:
		// Subscriber is not draining; drop rather than block the worker.
		return false
	}
}

// Sessions reports the number of live sessions.
func (h *WebchatHub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
