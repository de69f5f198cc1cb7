package models

import "time"

// Event names delivered to webhook subscribers
const (
	EventSessionConnected    = "session.connected"
	EventSessionDisconnected = "session.disconnected"
	EventSessionFailed       = "session.failed"
	EventMessageReceived     = "message.received"
	EventMessageSent         = "message.sent"
	EventMessageFailed       = "message.failed"
	EventMessageDelivered    = "message.delivered"
	EventMessageRead         = "message.read"
)

// KnownEvents lists every event a subscription may filter on
var KnownEvents = []string{
	EventSessionConnected,
	EventSessionDisconnected,
	EventSessionFailed,
	EventMessageReceived,
	EventMessageSent,
	EventMessageFailed,
	EventMessageDelivered,
	EventMessageRead,
}

// WebhookSubscription is a tenant endpoint plus its event filter and signing secret
type WebhookSubscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether the subscription listens for event
func (w *WebhookSubscription) Matches(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookEvent is an ephemeral notification produced by the registry or dispatch workers
type WebhookEvent struct {
	Event     string                 `json:"event"`
	TenantID  string                 `json:"tenantId"`
	SessionID string                 `json:"sessionId,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// WebhookPayload is the exact JSON body POSTed to subscribers
type WebhookPayload struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}
