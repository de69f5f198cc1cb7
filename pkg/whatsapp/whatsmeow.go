package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"wagate/internal/constants"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// MeowConnector opens whatsmeow clients, one sqlite credential store per
// session.
type MeowConnector struct {
	logger   *logrus.Logger
	logLevel string
	buffer   int
}

func NewMeowConnector(logger *logrus.Logger, logLevel string, buffer int) *MeowConnector {
	if buffer <= 0 {
		buffer = constants.DefaultSessionEventBuffer
	}
	return &MeowConnector{logger: logger, logLevel: logLevel, buffer: buffer}
}

func (c *MeowConnector) Connect(ctx context.Context, sessionID, credentialsPath string) (Handle, error) {
	if err := os.MkdirAll(filepath.Dir(credentialsPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	entry := c.logger.WithField("session_id", sessionID)
	dsn := "file:" + credentialsPath + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, NewLogger(entry, "store", c.logLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	client := whatsmeow.NewClient(device, NewLogger(entry, "client", c.logLevel))
	// Reconnects are owned by the session registry and its retry budget
	client.EnableAutoReconnect = false

	h := &meowHandle{
		client:    client,
		container: container,
		events:    make(chan Event, c.buffer),
		done:      make(chan struct{}),
		logger:    entry,
	}
	client.AddEventHandler(h.handle)

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		h.cancelQR = cancel
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("failed to start pairing: %w", err)
		}
		go h.forwardQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		h.close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return h, nil
}

type meowHandle struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	events    chan Event
	done      chan struct{}
	cancelQR  context.CancelFunc
	logger    *logrus.Entry
	closeOnce sync.Once
}

func (h *meowHandle) Events() <-chan Event {
	return h.events
}

func (h *meowHandle) Send(ctx context.Context, chatID, body string) (string, error) {
	jid, err := ParseChatID(chatID)
	if err != nil {
		return "", err
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (h *meowHandle) SendPresenceAvailable(ctx context.Context) error {
	return h.client.SendPresence(ctx, types.PresenceAvailable)
}

func (h *meowHandle) StartTyping(ctx context.Context, chatID string) error {
	return h.chatPresence(ctx, chatID, types.ChatPresenceComposing)
}

func (h *meowHandle) StopTyping(ctx context.Context, chatID string) error {
	return h.chatPresence(ctx, chatID, types.ChatPresencePaused)
}

func (h *meowHandle) chatPresence(ctx context.Context, chatID string, state types.ChatPresence) error {
	jid, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	return h.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// Destroy disconnects and releases the credential store. Stored credentials
// are kept so the session can reconnect without pairing again.
func (h *meowHandle) Destroy(ctx context.Context) error {
	return h.close()
}

func (h *meowHandle) close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		if h.cancelQR != nil {
			h.cancelQR()
		}
		h.client.Disconnect()
		err = h.container.Close()
	})
	return err
}

func (h *meowHandle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *meowHandle) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			h.emit(ChallengeCode(item.Code))
		case "success":
			h.logger.Info("Pairing completed")
		case "timeout":
			h.emit(AuthFailure("pairing timed out"))
		default:
			if item.Error != nil {
				h.emit(AuthFailure(fmt.Sprintf("pairing failed: %v", item.Error)))
			} else {
				h.logger.WithField("qr_event", item.Event).Debug("Ignoring pairing event")
			}
		}
	}
}

func (h *meowHandle) handle(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		phone := ""
		if h.client.Store.ID != nil {
			phone = h.client.Store.ID.User
		}
		h.emit(Ready(phone))
	case *events.Disconnected:
		h.emit(Disconnected("connection lost"))
	case *events.StreamReplaced:
		h.emit(Disconnected("stream replaced by another client"))
	case *events.ConnectFailure:
		h.emit(Disconnected(fmt.Sprintf("connect failure: %s", evt.Reason)))
	case *events.LoggedOut:
		h.emit(AuthFailure(fmt.Sprintf("logged out: %s", evt.Reason)))
	case *events.TemporaryBan:
		h.emit(AuthFailure(evt.String()))
	case *events.ClientOutdated:
		h.emit(AuthFailure("client outdated"))
	case *events.Message:
		if evt.Info.IsFromMe {
			return
		}
		h.emit(Inbound(inboundFrom(evt)))
	case *events.Receipt:
		status, ok := receiptStatus(evt.Type)
		if !ok || evt.IsFromMe {
			return
		}
		ids := make([]string, len(evt.MessageIDs))
		for i, id := range evt.MessageIDs {
			ids[i] = string(id)
		}
		h.emit(ReceiptEvent(status, ids...))
	}
}

func receiptStatus(t types.ReceiptType) (ReceiptStatus, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return ReceiptDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return ReceiptRead, true
	}
	return "", false
}

func inboundFrom(evt *events.Message) InboundMessage {
	msg := InboundMessage{
		ID:        evt.Info.ID,
		From:      evt.Info.Chat.ToNonAD().String(),
		Type:      "CHAT",
		Timestamp: evt.Info.Timestamp.UTC(),
	}

	m := evt.Message
	switch {
	case m.GetImageMessage() != nil:
		msg.Type, msg.HasMedia, msg.Body = "IMAGE", true, m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		msg.Type, msg.HasMedia, msg.Body = "VIDEO", true, m.GetVideoMessage().GetCaption()
	case m.GetAudioMessage() != nil:
		msg.Type, msg.HasMedia = "AUDIO", true
	case m.GetDocumentMessage() != nil:
		msg.Type, msg.HasMedia, msg.Body = "DOCUMENT", true, m.GetDocumentMessage().GetCaption()
	case m.GetExtendedTextMessage() != nil:
		msg.Body = m.GetExtendedTextMessage().GetText()
	default:
		msg.Body = m.GetConversation()
	}
	return msg
}
