package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/database"
	apperrors "wagate/internal/errors"
	"wagate/internal/models"
	"wagate/internal/pacing"
	"wagate/pkg/whatsapp"
	"wagate/pkg/whatsapp/whatsapptest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.WebhookEvent
}

func (e *recordingEmitter) Emit(ctx context.Context, ev models.WebhookEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) named(name string) []models.WebhookEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.WebhookEvent
	for _, ev := range e.events {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

type staticPolicy struct {
	policy models.PacingPolicy
}

func (s staticPolicy) Policy(ctx context.Context, tenantID string) (models.PacingPolicy, error) {
	return s.policy, nil
}

type fixture struct {
	reg       *Registry
	db        *database.Database
	connector *whatsapptest.Connector
	emitter   *recordingEmitter
}

func newFixture(t *testing.T, autoReconnect bool) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	policy := pacing.RecommendedDefaults()
	policy.AutoReconnect = autoReconnect

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	f := &fixture{
		db:        db,
		connector: whatsapptest.NewConnector(),
		emitter:   &recordingEmitter{},
	}
	f.reg = NewRegistry(Config{
		CredentialsDir: t.TempDir(),
		ReconnectGrace: 10 * time.Millisecond,
	}, f.connector, db, staticPolicy{policy}, f.emitter, logger)
	t.Cleanup(func() { _ = f.reg.Shutdown(context.Background()) })
	return f
}

func (f *fixture) seed(t *testing.T, id string, status models.SessionStatus, retries int) {
	t.Helper()
	require.NoError(t, f.db.CreateSession(context.Background(), &models.Session{
		ID:         id,
		TenantID:   "tenant1",
		Status:     status,
		RetryCount: retries,
	}))
}

func (f *fixture) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := f.db.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (f *fixture) waitStatus(t *testing.T, id string, status models.SessionStatus) *models.Session {
	t.Helper()
	var s *models.Session
	require.Eventually(t, func() bool {
		s = f.session(t, id)
		return s.Status == status
	}, 2*time.Second, 5*time.Millisecond, "session never reached %s", status)
	return s
}

func TestCreateSession_ConcurrentCallsYieldOneHandle(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionInitializing, 0)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.reg.CreateSession(context.Background(), "s1", "tenant1")
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, already := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperrors.ErrAlreadyActive):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, 1, f.connector.Attempts("s1"))
	assert.True(t, f.reg.IsSessionActive("s1"))
	assert.Equal(t, []string{"s1"}, f.reg.ActiveSessions())
}

func TestCreateSession_AdapterFailure(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionInitializing, 0)
	f.connector.FailConnect(errors.New("browser crashed"))

	err := f.reg.CreateSession(context.Background(), "s1", "tenant1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAdapterInit, apperrors.GetCode(err))

	s := f.session(t, "s1")
	assert.Equal(t, models.SessionFailed, s.Status)
	assert.Equal(t, "browser crashed", s.LastError)
	assert.False(t, f.reg.IsSessionActive("s1"))

	// the reservation is released, so a later create can proceed
	f.connector.FailConnect(nil)
	assert.NoError(t, f.reg.CreateSession(context.Background(), "s1", "tenant1"))
}

func TestCreateSession_RejectsUnsafeIDs(t *testing.T) {
	f := newFixture(t, false)

	err := f.reg.CreateSession(context.Background(), "../escape", "tenant1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAdapterInit, apperrors.GetCode(err))
	assert.Zero(t, f.connector.Attempts("../escape"))
}

func TestEvents_ChallengeThenReady(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionInitializing, 3)

	updates, unsubscribe := f.reg.Hub().Subscribe("s1")
	defer unsubscribe()

	require.NoError(t, f.reg.CreateSession(context.Background(), "s1", "tenant1"))
	h := f.connector.Handle("s1")

	h.Emit(whatsapp.ChallengeCode("2@qr-payload"))
	s := f.waitStatus(t, "s1", models.SessionQRReady)
	assert.Equal(t, "2@qr-payload", s.QRPayload)

	h.Emit(whatsapp.Ready("15551234567"))
	s = f.waitStatus(t, "s1", models.SessionConnected)
	assert.Equal(t, "15551234567", s.LinkedPhone)
	assert.Empty(t, s.QRPayload)
	assert.Zero(t, s.RetryCount)
	assert.NotNil(t, s.LastActiveAt)

	require.Eventually(t, func() bool { return len(f.emitter.named(models.EventSessionConnected)) == 1 }, time.Second, 5*time.Millisecond)
	connected := f.emitter.named(models.EventSessionConnected)[0]
	assert.Equal(t, "tenant1", connected.TenantID)
	assert.Equal(t, "15551234567", connected.Data["phone"])
	assert.Empty(t, f.emitter.named(models.EventSessionDisconnected))

	first := <-updates
	assert.Equal(t, models.SessionQRReady, first.Status)
	assert.Equal(t, "2@qr-payload", first.QR)
	second := <-updates
	assert.Equal(t, models.SessionConnected, second.Status)
}

func TestEvents_InboundMessage(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionConnected, 0)
	require.NoError(t, f.reg.CreateSession(context.Background(), "s1", "tenant1"))

	f.connector.Handle("s1").Emit(whatsapp.Inbound(whatsapp.InboundMessage{
		ID:        "WAID1",
		From:      "15550001111@s.whatsapp.net",
		Body:      "hello there",
		Type:      "IMAGE",
		HasMedia:  true,
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}))

	require.Eventually(t, func() bool { return len(f.emitter.named(models.EventMessageReceived)) == 1 }, time.Second, 5*time.Millisecond)
	ev := f.emitter.named(models.EventMessageReceived)[0]
	assert.Equal(t, "15550001111@s.whatsapp.net", ev.Data["from"])
	assert.Equal(t, "hello there", ev.Data["body"])
	assert.Equal(t, "IMAGE", ev.Data["type"])
	assert.Equal(t, true, ev.Data["hasMedia"])
	assert.NotEmpty(t, ev.Data["messageId"])

	msgs, err := f.db.ListMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, models.MessageReceived, msgs[0].Status)
	assert.Equal(t, models.MessageTypeImage, msgs[0].Type)
	assert.Equal(t, "WAID1", msgs[0].ExternalID)
	assert.NotNil(t, f.session(t, "s1").LastActiveAt)
}

func TestEvents_ReceiptsAdvanceOutbound(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionConnected, 0)
	ctx := context.Background()

	require.NoError(t, f.db.CreateMessage(ctx, &models.Message{
		ID:          "m1", SessionID: "s1", TenantID: "tenant1", Direction: models.DirectionOutbound,
		Counterpart: "15550001111@s.whatsapp.net", Body: "hi", Status: models.MessageSent, ExternalID: "abc123",
	}))
	require.NoError(t, f.reg.CreateSession(ctx, "s1", "tenant1"))
	h := f.connector.Handle("s1")

	h.Emit(whatsapp.ReceiptEvent(whatsapp.ReceiptDelivered, "abc123"))
	h.Emit(whatsapp.ReceiptEvent(whatsapp.ReceiptRead, "abc123"))
	// stale delivered receipt after read changes nothing
	h.Emit(whatsapp.ReceiptEvent(whatsapp.ReceiptDelivered, "abc123"))

	require.Eventually(t, func() bool { return len(f.emitter.named(models.EventMessageRead)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	m, err := f.db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageRead, m.Status)
	assert.Len(t, f.emitter.named(models.EventMessageDelivered), 1)
	assert.Equal(t, "m1", f.emitter.named(models.EventMessageRead)[0].Data["messageId"])
}

func TestEvents_DisconnectWithoutAutoReconnect(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionConnected, 0)
	require.NoError(t, f.reg.CreateSession(context.Background(), "s1", "tenant1"))
	h := f.connector.Handle("s1")

	h.Emit(whatsapp.Disconnected("phone offline"))

	s := f.waitStatus(t, "s1", models.SessionDisconnected)
	assert.Equal(t, "phone offline", s.LastError)
	require.Eventually(t, func() bool { return !f.reg.IsSessionActive("s1") }, time.Second, 5*time.Millisecond)
	assert.True(t, h.Destroyed())
	assert.False(t, f.reg.PendingReconnect("s1"))

	disc := f.emitter.named(models.EventSessionDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, "phone offline", disc[0].Data["reason"])
}

func TestEvents_DisconnectReconnectsWithinBudget(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, "s1", models.SessionConnected, 0)
	require.NoError(t, f.reg.CreateSession(context.Background(), "s1", "tenant1"))

	f.connector.Handle("s1").Emit(whatsapp.Disconnected("stream replaced"))

	require.Eventually(t, func() bool { return f.connector.Attempts("s1") == 2 }, 2*time.Second, 5*time.Millisecond)
	s := f.waitStatus(t, "s1", models.SessionInitializing)
	assert.Equal(t, 1, s.RetryCount)

	f.connector.Handle("s1").Emit(whatsapp.Ready("15551234567"))
	s = f.waitStatus(t, "s1", models.SessionConnected)
	assert.Zero(t, s.RetryCount)
}

func TestEvents_ReconnectBudgetExhaustedAfterInitFailures(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, "s1", models.SessionConnected, 0)
	require.NoError(t, f.reg.CreateSession(context.Background(), "s1", "tenant1"))

	f.connector.FailConnect(errors.New("init failed"))
	f.connector.Handle("s1").Emit(whatsapp.Disconnected("connection lost"))

	var s *models.Session
	require.Eventually(t, func() bool {
		s = f.session(t, "s1")
		return s.Status == models.SessionFailed && s.LastError == "max reconnect attempts (5) exceeded"
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, f.connector.Attempts("s1"), "initial connect plus five failed reconnects")
	assert.Equal(t, 5, f.session(t, "s1").RetryCount)
	assert.False(t, f.reg.PendingReconnect("s1"))
	assert.False(t, f.reg.IsSessionActive("s1"))
	assert.Len(t, f.emitter.named(models.EventSessionFailed), 1)
}

func TestReconnectSession_AtCapFailsWithoutHandle(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, "s1", models.SessionDisconnected, 5)

	err := f.reg.ReconnectSession(context.Background(), "s1", "tenant1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMaxRetriesExceeded)

	s := f.session(t, "s1")
	assert.Equal(t, models.SessionFailed, s.Status)
	assert.Equal(t, "max reconnect attempts (5) exceeded", s.LastError)
	assert.Zero(t, f.connector.Attempts("s1"))
	assert.False(t, f.reg.IsSessionActive("s1"))
}

func TestReconnectSession_ReplacesHandle(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionConnected, 1)
	ctx := context.Background()
	require.NoError(t, f.reg.CreateSession(ctx, "s1", "tenant1"))
	old := f.connector.Handle("s1")

	require.NoError(t, f.reg.ReconnectSession(ctx, "s1", "tenant1"))

	assert.True(t, old.Destroyed())
	current, ok := f.reg.GetClient("s1")
	require.True(t, ok)
	assert.NotSame(t, old, current)

	s := f.session(t, "s1")
	assert.Equal(t, models.SessionInitializing, s.Status)
	assert.Equal(t, 2, s.RetryCount)
}

func TestReconnectSession_NotFound(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionFailed, 0)

	assert.ErrorIs(t, f.reg.ReconnectSession(context.Background(), "missing", ""), apperrors.ErrNotFound)
	assert.ErrorIs(t, f.reg.ReconnectSession(context.Background(), "s1", "other-tenant"), apperrors.ErrNotFound)
}

func TestEvents_AuthFailureDoesNotReconnect(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, "s1", models.SessionQRReady, 0)
	require.NoError(t, f.reg.CreateSession(context.Background(), "s1", "tenant1"))

	f.connector.Handle("s1").Emit(whatsapp.AuthFailure("logged out"))

	s := f.waitStatus(t, "s1", models.SessionFailed)
	assert.Equal(t, "Auth failure: logged out", s.LastError)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.connector.Attempts("s1"))
	assert.False(t, f.reg.PendingReconnect("s1"))
	assert.Len(t, f.emitter.named(models.EventSessionFailed), 1)
}

func TestDestroySession(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, "s1", models.SessionQRReady, 0)
	ctx := context.Background()
	require.NoError(t, f.reg.CreateSession(ctx, "s1", "tenant1"))
	h := f.connector.Handle("s1")

	require.NoError(t, f.reg.DestroySession(ctx, "s1"))
	assert.True(t, h.Destroyed())
	assert.False(t, f.reg.IsSessionActive("s1"))

	s := f.session(t, "s1")
	assert.Equal(t, models.SessionTerminated, s.Status)
	assert.Empty(t, s.QRPayload)

	// idempotent once terminated
	require.NoError(t, f.reg.DestroySession(ctx, "s1"))
	assert.Equal(t, models.SessionTerminated, f.session(t, "s1").Status)
}

func TestDestroySession_CancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, true)
	f.reg.cfg.ReconnectGrace = time.Hour
	f.seed(t, "s1", models.SessionConnected, 0)
	ctx := context.Background()
	require.NoError(t, f.reg.CreateSession(ctx, "s1", "tenant1"))

	f.connector.Handle("s1").Emit(whatsapp.Disconnected("lost"))
	require.Eventually(t, func() bool { return f.reg.PendingReconnect("s1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.reg.DestroySession(ctx, "s1"))
	assert.False(t, f.reg.PendingReconnect("s1"))
	assert.Equal(t, models.SessionTerminated, f.session(t, "s1").Status)
}

// gatedStore parks the first DISCONNECTED write until release is closed
type gatedStore struct {
	*database.Database
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) TransitionSession(ctx context.Context, id string, from []models.SessionStatus, u models.SessionUpdate) (bool, error) {
	if u.Status == models.SessionDisconnected {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Database.TransitionSession(ctx, id, from, u)
}

func TestDestroySession_DuringDisconnectStaysTerminated(t *testing.T) {
	f := newFixture(t, true)
	gate := &gatedStore{Database: f.db, entered: make(chan struct{}), release: make(chan struct{})}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	reg := NewRegistry(Config{
		CredentialsDir: t.TempDir(),
		ReconnectGrace: 10 * time.Millisecond,
	}, f.connector, gate, staticPolicy{pacing.RecommendedDefaults()}, f.emitter, logger)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	f.seed(t, "s1", models.SessionConnected, 0)
	ctx := context.Background()
	require.NoError(t, reg.CreateSession(ctx, "s1", "tenant1"))

	f.connector.Handle("s1").Emit(whatsapp.Disconnected("connection lost"))
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reached the store")
	}

	require.NoError(t, reg.DestroySession(ctx, "s1"))
	close(gate.release)

	// long enough for a wrongly scheduled reconnect to fire several times
	time.Sleep(100 * time.Millisecond)

	s := f.session(t, "s1")
	assert.Equal(t, models.SessionTerminated, s.Status)
	assert.Empty(t, s.LastError)
	assert.Equal(t, 1, f.connector.Attempts("s1"))
	assert.False(t, reg.IsSessionActive("s1"))
	assert.False(t, reg.PendingReconnect("s1"))
	assert.Empty(t, f.emitter.named(models.EventSessionDisconnected))
}

func TestReconnectSession_RefusesTerminated(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, "s1", models.SessionTerminated, 0)

	err := f.reg.ReconnectSession(context.Background(), "s1", "tenant1")
	assert.ErrorIs(t, err, apperrors.ErrSessionUnavailable)
	assert.Zero(t, f.connector.Attempts("s1"))
	assert.False(t, f.reg.IsSessionActive("s1"))

	s := f.session(t, "s1")
	assert.Equal(t, models.SessionTerminated, s.Status)
	assert.Zero(t, s.RetryCount)
}

func TestDestroySession_Missing(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.reg.DestroySession(context.Background(), "ghost"), apperrors.ErrNotFound)
}

func TestProvision_EnforcesTenantLimit(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	first, err := f.reg.Provision(ctx, "tenant1", "Sales")
	require.NoError(t, err)
	assert.Equal(t, models.SessionInitializing, first.Status)
	_, err = f.reg.Provision(ctx, "tenant1", "Support")
	require.NoError(t, err)

	_, err = f.reg.Provision(ctx, "tenant1", "Third")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRateLimit, apperrors.GetCode(err))

	// terminated sessions free a slot
	require.NoError(t, f.reg.DestroySession(ctx, first.ID))
	_, err = f.reg.Provision(ctx, "tenant1", "Third")
	assert.NoError(t, err)
}

func TestInitializeAll_RestoresNonTerminalSessions(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "init", models.SessionInitializing, 0)
	f.seed(t, "qr", models.SessionQRReady, 0)
	f.seed(t, "conn", models.SessionConnected, 0)
	f.seed(t, "disc", models.SessionDisconnected, 0)
	f.seed(t, "dead", models.SessionFailed, 0)
	f.seed(t, "gone", models.SessionTerminated, 0)

	n, err := f.reg.InitializeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.Eventually(t, func() bool { return f.reg.ActiveCount() == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.reg.IsSessionActive("dead"))
	assert.False(t, f.reg.IsSessionActive("gone"))
}

func TestShutdown_LeavesStatusForRecovery(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "s1", models.SessionConnected, 0)
	ctx := context.Background()
	require.NoError(t, f.reg.CreateSession(ctx, "s1", "tenant1"))
	h := f.connector.Handle("s1")

	require.NoError(t, f.reg.Shutdown(ctx))

	assert.True(t, h.Destroyed())
	assert.Zero(t, f.reg.ActiveCount())
	assert.Equal(t, models.SessionConnected, f.session(t, "s1").Status)
	assert.Error(t, f.reg.CreateSession(ctx, "s1", "tenant1"))
}
