package integration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/models"
	"wagate/pkg/whatsapp"
	"wagate/pkg/whatsapp/whatsapptest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recipientJID = "15551234567@s.whatsapp.net"

func connectedSession(t *testing.T, env *TestEnvironment) (*models.Session, *whatsapptest.Handle) {
	t.Helper()
	s, h := env.StartSession(t, tenantID)
	h.Emit(whatsapp.Ready("15550001111"))
	env.WaitSessionStatus(t, s.ID, models.SessionConnected)
	return s, h
}

func TestDispatch_SendReceiptRead(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Subscribe(t, tenantID, models.EventMessageSent, models.EventMessageDelivered, models.EventMessageRead)
	env.Connector.ExternalIDs(func(int) string { return "abc123" })
	s, h := connectedSession(t, env)

	msg, err := env.Dispatch.Send(context.Background(), dispatch.SendRequest{
		TenantID:  tenantID,
		SessionID: s.ID,
		Recipient: "+15551234567",
		Body:      "order shipped",
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageQueued, msg.Status)

	sent := env.WaitMessageStatus(t, msg.ID, models.MessageSent)
	assert.Equal(t, "abc123", sent.ExternalID)
	require.Len(t, h.Sent(), 1)
	assert.Equal(t, recipientJID, h.Sent()[0].ChatID)
	assert.Equal(t, "order shipped", h.Sent()[0].Body)

	sentHooks := env.WaitWebhooks(t, models.EventMessageSent, 1)
	assert.Equal(t, msg.ID, sentHooks[0].Payload.Data["messageId"])
	assert.Equal(t, "abc123", sentHooks[0].Payload.Data["externalId"])

	h.Emit(whatsapp.ReceiptEvent(whatsapp.ReceiptDelivered, "abc123"))
	env.WaitMessageStatus(t, msg.ID, models.MessageDelivered)
	delivered := env.WaitWebhooks(t, models.EventMessageDelivered, 1)
	assert.Equal(t, msg.ID, delivered[0].Payload.Data["messageId"])

	h.Emit(whatsapp.ReceiptEvent(whatsapp.ReceiptRead, "abc123"))
	env.WaitMessageStatus(t, msg.ID, models.MessageRead)
	env.WaitWebhooks(t, models.EventMessageRead, 1)

	// a late delivered receipt never walks the status back
	h.Emit(whatsapp.ReceiptEvent(whatsapp.ReceiptDelivered, "abc123"))
	assert.Never(t, func() bool {
		m, err := env.DB.GetMessage(context.Background(), msg.ID)
		return err != nil || m.Status != models.MessageRead
	}, 100*pollEvery, pollEvery)
	assert.Len(t, env.Receiver.Named(models.EventMessageDelivered), 1)
}

func TestDispatch_SendFailureIsTerminal(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Subscribe(t, tenantID, models.EventMessageFailed)
	s, h := connectedSession(t, env)
	h.FailSend(errors.New("recipient not on whatsapp"))

	msg, err := env.Dispatch.Send(context.Background(), dispatch.SendRequest{
		TenantID:  tenantID,
		SessionID: s.ID,
		Recipient: "15551234567",
		Body:      "hello",
	})
	require.NoError(t, err)

	failed := env.WaitMessageStatus(t, msg.ID, models.MessageFailed)
	assert.Contains(t, failed.ErrorMessage, "recipient not on whatsapp")

	hooks := env.WaitWebhooks(t, models.EventMessageFailed, 1)
	assert.Equal(t, msg.ID, hooks[0].Payload.Data["messageId"])

	// permanent send errors are not retried
	assert.Equal(t, 1, countCalls(h.Calls(), "send"))
}

func TestDispatch_MessagesPerSessionSentInOrder(t *testing.T) {
	env := NewTestEnvironment(t)
	s, h := connectedSession(t, env)

	bodies := []string{"one", "two", "three"}
	ids := make([]string, 0, len(bodies))
	for _, b := range bodies {
		msg, err := env.Dispatch.Send(context.Background(), dispatch.SendRequest{
			TenantID:  tenantID,
			SessionID: s.ID,
			Recipient: "15551234567",
			Body:      b,
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	for _, id := range ids {
		env.WaitMessageStatus(t, id, models.MessageSent)
	}

	require.Len(t, h.Sent(), len(bodies))
	stats, err := env.DB.MessageStats(context.Background(), tenantID, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ByStatus[models.MessageSent])
}

func TestInbound_StoredAndForwarded(t *testing.T) {
	env := NewTestEnvironment(t)
	secret := env.Subscribe(t, tenantID, models.EventMessageReceived)
	s, h := connectedSession(t, env)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.Emit(whatsapp.Inbound(whatsapp.InboundMessage{
		ID:        "wamid-1",
		From:      recipientJID,
		Body:      "where is my order?",
		Type:      "chat",
		Timestamp: at,
	}))

	hooks := env.WaitWebhooks(t, models.EventMessageReceived, 1)
	data := hooks[0].Payload.Data
	assert.Equal(t, recipientJID, data["from"])
	assert.Equal(t, "where is my order?", data["body"])
	assert.EqualValues(t, at.Unix(), data["timestamp"])
	assert.Equal(t, false, data["hasMedia"])
	assert.NotEmpty(t, secret)

	msgs, err := env.DB.ListMessages(context.Background(), s.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageReceived, msgs[0].Status)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "wamid-1", msgs[0].ExternalID)
	assert.Equal(t, data["messageId"], msgs[0].ID)
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}
