package models

import "time"

// MessageStatus tracks a message through dispatch and receipts
type MessageStatus string

const (
	MessageQueued     MessageStatus = "QUEUED"
	MessageProcessing MessageStatus = "PROCESSING"
	MessageSent       MessageStatus = "SENT"
	MessageDelivered  MessageStatus = "DELIVERED"
	MessageRead       MessageStatus = "READ"
	MessageFailed     MessageStatus = "FAILED"
	MessageReceived   MessageStatus = "RECEIVED"
)

// IsTerminal reports whether the outbound dispatch path is finished
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageSent, MessageDelivered, MessageRead, MessageFailed:
		return true
	}
	return false
}

// MessageDirection distinguishes sent from received messages
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// MessageType is the content kind of a message
type MessageType string

const (
	MessageTypeChat     MessageType = "CHAT"
	MessageTypeImage    MessageType = "IMAGE"
	MessageTypeVideo    MessageType = "VIDEO"
	MessageTypeAudio    MessageType = "AUDIO"
	MessageTypeDocument MessageType = "DOCUMENT"
)

// ParseMessageType maps free-form type names onto a MessageType, falling back to CHAT
func ParseMessageType(s string) MessageType {
	switch s {
	case "IMAGE", "image":
		return MessageTypeImage
	case "VIDEO", "video":
		return MessageTypeVideo
	case "AUDIO", "audio", "ptt", "voice":
		return MessageTypeAudio
	case "DOCUMENT", "document":
		return MessageTypeDocument
	default:
		return MessageTypeChat
	}
}

// Message is the persisted record of one inbound or outbound message
type Message struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"sessionId"`
	TenantID     string           `json:"tenantId"`
	Direction    MessageDirection `json:"direction"`
	Counterpart  string           `json:"counterpart"`
	Body         string           `json:"body"`
	Type         MessageType      `json:"type"`
	MediaRef     string           `json:"mediaRef,omitempty"`
	Status       MessageStatus    `json:"status"`
	ExternalID   string           `json:"externalId,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// OutboundMessageJob is the immutable queue payload for a send
type OutboundMessageJob struct {
	MessageID string      `json:"messageId"`
	SessionID string      `json:"sessionId"`
	TenantID  string      `json:"tenantId"`
	Recipient string      `json:"recipient"`
	Body      string      `json:"body"`
	MediaRef  string      `json:"mediaRef,omitempty"`
	Type      MessageType `json:"type"`
}

// MessageStats groups message counts per status
type MessageStats struct {
	Total    int                   `json:"total"`
	ByStatus map[MessageStatus]int `json:"byStatus"`
}

// SendActivity summarizes recent outbound traffic for admission decisions
type SendActivity struct {
	LastMinute    int
	LastHour      int
	LastDay       int
	NewChatsToday int
	IsNewChat     bool

	// Sends inside the trailing cooldown window, and the oldest of them
	BurstCount  int
	BurstOldest time.Time
}

// MessageUpdate is a partial write applied by a guarded status transition
type MessageUpdate struct {
	Status       MessageStatus
	ExternalID   *string
	ErrorMessage *string
}

// Receipt statuses may only move a message forward
var (
	DeliveredFrom = []MessageStatus{MessageSent}
	ReadFrom      = []MessageStatus{MessageSent, MessageDelivered}
)
