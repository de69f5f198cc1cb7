// Package whatsapptest provides an in-memory Connector for tests.
package whatsapptest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wagate/pkg/whatsapp"
)

// SentMessage is one call to Handle.Send
type SentMessage struct {
	ChatID string
	Body   string
}

// Connector hands out fake handles. ConnectErr, when set, is returned by
// every Connect call instead of a handle.
type Connector struct {
	mu         sync.Mutex
	handles    map[string]*Handle
	attempts   map[string]int
	connectErr error
	nextID     func(n int) string
}

func NewConnector() *Connector {
	return &Connector{
		handles:  make(map[string]*Handle),
		attempts: make(map[string]int),
	}
}

// FailConnect makes subsequent Connect calls fail with err; nil restores success
func (c *Connector) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// ExternalIDs sets the id generator for handles created after the call
func (c *Connector) ExternalIDs(fn func(n int) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID = fn
}

func (c *Connector) Connect(ctx context.Context, sessionID, credentialsPath string) (whatsapp.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts[sessionID]++
	if c.connectErr != nil {
		return nil, c.connectErr
	}

	h := &Handle{
		SessionID:       sessionID,
		CredentialsPath: credentialsPath,
		events:          make(chan whatsapp.Event, 64),
		nextID:          c.nextID,
	}
	c.handles[sessionID] = h
	return h, nil
}

// Attempts counts Connect calls for sessionID, failed ones included
func (c *Connector) Attempts(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[sessionID]
}

// Handle returns the most recent handle for sessionID
func (c *Connector) Handle(sessionID string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[sessionID]
}

// Handle records outbound calls and lets tests push events
type Handle struct {
	SessionID       string
	CredentialsPath string

	mu        sync.Mutex
	events    chan whatsapp.Event
	nextID    func(n int) string
	sent      []SentMessage
	calls     []string
	sendErr   error
	destroyed bool
}

// Emit queues an event as if the network produced it
func (h *Handle) Emit(ev whatsapp.Event) {
	h.events <- ev
}

// FailSend makes Send return err until reset with nil
func (h *Handle) FailSend(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

func (h *Handle) Events() <-chan whatsapp.Event {
	return h.events
}

func (h *Handle) Send(ctx context.Context, chatID, body string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls = append(h.calls, "send")
	if h.destroyed {
		return "", errors.New("handle destroyed")
	}
	if h.sendErr != nil {
		return "", h.sendErr
	}
	h.sent = append(h.sent, SentMessage{ChatID: chatID, Body: body})
	if h.nextID != nil {
		return h.nextID(len(h.sent)), nil
	}
	return fmt.Sprintf("ext-%d", len(h.sent)), nil
}

func (h *Handle) SendPresenceAvailable(ctx context.Context) error {
	return h.record("presence")
}

func (h *Handle) StartTyping(ctx context.Context, chatID string) error {
	return h.record("typing_start")
}

func (h *Handle) StopTyping(ctx context.Context, chatID string) error {
	return h.record("typing_stop")
}

func (h *Handle) record(call string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	return nil
}

func (h *Handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	return nil
}

// Sent returns a copy of every successful Send
func (h *Handle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentMessage(nil), h.sent...)
}

// Calls lists presence, typing and send calls in order
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *Handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}
