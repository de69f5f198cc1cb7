package integration_test

import (
	"errors"
	"testing"

	"wagate/internal/models"
	"wagate/internal/webhook"
	"wagate/pkg/whatsapp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantID = "acme"

func TestSessionLifecycle_PairingToConnected(t *testing.T) {
	env := NewTestEnvironment(t)
	secret := env.Subscribe(t, tenantID, models.EventSessionConnected)

	s, h := env.StartSession(t, tenantID)
	assert.Equal(t, 1, env.Connector.Attempts(s.ID))

	h.Emit(whatsapp.ChallengeCode("2@pairing-code"))
	qr := env.WaitSessionStatus(t, s.ID, models.SessionQRReady)
	assert.Equal(t, "2@pairing-code", qr.QRPayload)

	h.Emit(whatsapp.Ready("15550001111"))
	connected := env.WaitSessionStatus(t, s.ID, models.SessionConnected)
	assert.Equal(t, "15550001111", connected.LinkedPhone)
	assert.Empty(t, connected.QRPayload)
	assert.Zero(t, connected.RetryCount)

	got := env.WaitWebhooks(t, models.EventSessionConnected, 1)
	require.Len(t, got, 1)
	assert.True(t, webhook.Verify(secret, got[0].Body, got[0].Signature), "delivery must carry a valid signature")
	assert.Equal(t, models.EventSessionConnected, got[0].Payload.Event)
	assert.Equal(t, "15550001111", got[0].Payload.Data["phone"])
	assert.NotEmpty(t, got[0].Payload.Timestamp)
}

func TestSessionLifecycle_ReconnectBudgetExhausted(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Subscribe(t, tenantID, models.EventSessionDisconnected, models.EventSessionFailed)

	s, h := env.StartSession(t, tenantID)
	h.Emit(whatsapp.Ready("15550001111"))
	env.WaitSessionStatus(t, s.ID, models.SessionConnected)

	env.Connector.FailConnect(errors.New("network unreachable"))
	h.Emit(whatsapp.Disconnected("connection lost"))

	failed := env.WaitSessionStatus(t, s.ID, models.SessionFailed)
	assert.Equal(t, 5, failed.RetryCount)
	assert.Contains(t, failed.LastError, "max reconnect attempts (5) exceeded")
	// initial connect plus five failed reconnects
	assert.Equal(t, 6, env.Connector.Attempts(s.ID))
	assert.False(t, env.Registry.PendingReconnect(s.ID))
	assert.False(t, env.Registry.IsSessionActive(s.ID))

	disconnected := env.WaitWebhooks(t, models.EventSessionDisconnected, 1)
	assert.Equal(t, "connection lost", disconnected[0].Payload.Data["reason"])
	failures := env.WaitWebhooks(t, models.EventSessionFailed, 1)
	assert.Contains(t, failures[0].Payload.Data["reason"], "max reconnect attempts")
}

func TestSessionLifecycle_AuthFailureIsTerminal(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Subscribe(t, tenantID, models.EventSessionFailed)

	s, h := env.StartSession(t, tenantID)
	h.Emit(whatsapp.AuthFailure("logged out"))

	failed := env.WaitSessionStatus(t, s.ID, models.SessionFailed)
	assert.Equal(t, "Auth failure: logged out", failed.LastError)
	assert.False(t, env.Registry.PendingReconnect(s.ID))
	assert.Equal(t, 1, env.Connector.Attempts(s.ID))

	got := env.WaitWebhooks(t, models.EventSessionFailed, 1)
	assert.Equal(t, "Auth failure: logged out", got[0].Payload.Data["reason"])
}

func TestSessionLifecycle_DisconnectedSubscriberIgnoresOtherEvents(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Subscribe(t, tenantID, models.EventSessionDisconnected)
	other := env.Subscribe(t, "globex", models.EventSessionConnected)
	require.NotEmpty(t, other)

	s, h := env.StartSession(t, tenantID)
	h.Emit(whatsapp.Ready("15550001111"))
	env.WaitSessionStatus(t, s.ID, models.SessionConnected)

	h.Emit(whatsapp.AuthFailure("logged out"))
	env.WaitSessionStatus(t, s.ID, models.SessionFailed)

	// the other tenant's connected subscription must never see acme's session
	assert.Never(t, func() bool {
		return len(env.Receiver.Named(models.EventSessionConnected)) > 0
	}, 200*pollEvery, pollEvery)
	assert.Empty(t, env.Receiver.Named(models.EventSessionDisconnected))
}
