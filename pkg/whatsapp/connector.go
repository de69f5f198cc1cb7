// Package whatsapp is the narrow adapter between the gateway and the
// WhatsApp network client. The session registry only sees Connector and
// Handle; the whatsmeow implementation lives in whatsmeow.go.
package whatsapp

import (
	"context"
	"time"
)

type EventKind string

const (
	EventChallengeCode  EventKind = "challenge_code"
	EventReady          EventKind = "ready"
	EventDisconnected   EventKind = "disconnected"
	EventInboundMessage EventKind = "inbound_message"
	EventAuthFailure    EventKind = "auth_failure"
	EventReceipt        EventKind = "receipt"
)

type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "DELIVERED"
	ReceiptRead      ReceiptStatus = "READ"
)

// InboundMessage is a message received from a counterpart
type InboundMessage struct {
	ID        string
	From      string
	Body      string
	Type      string
	HasMedia  bool
	Timestamp time.Time
}

// Receipt reports delivery or read state for messages we sent
type Receipt struct {
	ExternalIDs []string
	Status      ReceiptStatus
}

// Event is one notification from a live connection. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind    EventKind
	Code    string
	Phone   string
	Reason  string
	Message *InboundMessage
	Receipt *Receipt
}

// Handle is one live connection. Events are delivered in emission order on
// the channel returned by Events; the channel may stay open after Destroy,
// so consumers need their own stop signal.
type Handle interface {
	Send(ctx context.Context, chatID, body string) (string, error)
	SendPresenceAvailable(ctx context.Context) error
	StartTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
	Events() <-chan Event
	Destroy(ctx context.Context) error
}

// Connector opens connections backed by per-session credential storage
type Connector interface {
	Connect(ctx context.Context, sessionID, credentialsPath string) (Handle, error)
}

func ChallengeCode(code string) Event {
	return Event{Kind: EventChallengeCode, Code: code}
}

func Ready(phone string) Event {
	return Event{Kind: EventReady, Phone: phone}
}

func Disconnected(reason string) Event {
	return Event{Kind: EventDisconnected, Reason: reason}
}

func AuthFailure(reason string) Event {
	return Event{Kind: EventAuthFailure, Reason: reason}
}

func Inbound(msg InboundMessage) Event {
	return Event{Kind: EventInboundMessage, Message: &msg}
}

func ReceiptEvent(status ReceiptStatus, externalIDs ...string) Event {
	return Event{Kind: EventReceipt, Receipt: &Receipt{ExternalIDs: externalIDs, Status: status}}
}
