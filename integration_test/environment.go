// Package integration_test drives the gateway end to end: real SQLite, the
// in-process broker with live worker pools, signed webhook delivery over
// HTTP, and a fake WhatsApp connector standing in for the network.
package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/constants"
	"wagate/internal/database"
	"wagate/internal/dispatch"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/pacing"
	"wagate/internal/queue"
	"wagate/internal/session"
	"wagate/internal/settings"
	"wagate/internal/webhook"
	"wagate/pkg/circuitbreaker"
	"wagate/pkg/whatsapp/whatsapptest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 5 * time.Second
	pollEvery   = 10 * time.Millisecond
)

// ReceivedWebhook is one POST captured by the receiver
type ReceivedWebhook struct {
	Event     string
	Signature string
	Body      []byte
	Payload   models.WebhookPayload
}

// WebhookReceiver is a tenant endpoint that records every delivery
type WebhookReceiver struct {
	server *httptest.Server

	mu       sync.Mutex
	received []ReceivedWebhook
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	r := &WebhookReceiver{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec := ReceivedWebhook{
			Event:     req.Header.Get(webhook.HeaderEvent),
			Signature: req.Header.Get(webhook.HeaderSignature),
			Body:      body,
		}
		_ = json.Unmarshal(body, &rec.Payload)

		r.mu.Lock()
		r.received = append(r.received, rec)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *WebhookReceiver) URL() string {
	return r.server.URL
}

// Named returns deliveries for one event, in arrival order
func (r *WebhookReceiver) Named(event string) []ReceivedWebhook {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReceivedWebhook
	for _, rec := range r.received {
		if rec.Event == event {
			out = append(out, rec)
		}
	}
	return out
}

// TestEnvironment is a fully wired gateway for one test
type TestEnvironment struct {
	DB            *database.Database
	Broker        *queue.MemoryBroker
	Connector     *whatsapptest.Connector
	Registry      *session.Registry
	Commands      *session.Commands
	Dispatch      *dispatch.Service
	Processor     *dispatch.Processor
	Settings      *settings.Service
	Subscriptions *webhook.Subscriptions
	Metrics       *metrics.Registry
	Receiver      *WebhookReceiver

	workers []*queue.Worker
}

func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.New(filepath.Join(t.TempDir(), "wagate.db"))
	require.NoError(t, err)

	env := &TestEnvironment{
		DB:        db,
		Broker:    queue.NewMemoryBroker(),
		Connector: whatsapptest.NewConnector(),
		Metrics:   metrics.NewRegistry(),
		Receiver:  newWebhookReceiver(t),
	}
	enq := queue.NewClient(env.Broker)

	env.Settings = settings.NewService(db, nil, logger)
	deliverer := webhook.NewDeliverer(2*time.Second, circuitbreaker.NewGroup(circuitbreaker.Settings{}, logger), logger).WithMetrics(env.Metrics)
	emitter := webhook.NewEmitter(db, deliverer, enq, logger).WithMetrics(env.Metrics)
	env.Subscriptions = webhook.NewSubscriptions(db)

	env.Registry = session.NewRegistry(session.Config{
		CredentialsDir: t.TempDir(),
		ReconnectGrace: 10 * time.Millisecond,
	}, env.Connector, db, env.Settings, emitter, logger).WithMetrics(env.Metrics)
	env.Commands = session.NewCommands(env.Registry, enq, logger)

	env.Dispatch = dispatch.NewService(db, env.Settings, enq, logger).WithMetrics(env.Metrics)
	pacer := pacing.NewPacer(pacing.WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}))
	env.Processor = dispatch.NewProcessor(db, env.Registry, env.Settings, emitter, pacer, logger).WithMetrics(env.Metrics)

	fast := 10 * time.Millisecond
	env.workers = []*queue.Worker{
		queue.NewWorker(env.Broker, queue.WorkerConfig{
			Queue: constants.QueueMessages, Concurrency: 2, MaxAttempts: 3,
			InitialBackoff: fast, PollTimeout: fast, PromoteEvery: fast,
		}, env.Processor.Process, logger).OnFailed(env.Processor.OnFailed).WithMetrics(env.Metrics),
		queue.NewWorker(env.Broker, queue.WorkerConfig{
			Queue: constants.QueueWebhooks, Concurrency: 2, MaxAttempts: 3,
			InitialBackoff: fast, PollTimeout: fast, PromoteEvery: fast,
		}, emitter.Handle, logger).WithMetrics(env.Metrics),
		queue.NewWorker(env.Broker, queue.WorkerConfig{
			Queue: constants.QueueSessions, Concurrency: 1, MaxAttempts: 3,
			InitialBackoff: fast, PollTimeout: fast, PromoteEvery: fast,
		}, env.Commands.Handle, logger).OnFailed(env.Commands.OnFailed).WithMetrics(env.Metrics),
	}
	ctx := context.Background()
	for _, w := range env.workers {
		require.NoError(t, w.Start(ctx))
	}

	t.Cleanup(func() {
		for _, w := range env.workers {
			w.Stop(time.Second)
		}
		_ = env.Registry.Shutdown(context.Background())
		env.Broker.Close()
		_ = db.Close()
	})
	return env
}

// Subscribe registers the receiver for events and returns the signing secret
func (env *TestEnvironment) Subscribe(t *testing.T, tenantID string, events ...string) string {
	t.Helper()
	sub, err := env.Subscriptions.Create(context.Background(), tenantID, env.Receiver.URL(), events)
	require.NoError(t, err)
	return sub.Secret
}

// StartSession provisions a session and submits its init command through
// the sessions queue, waiting for the worker to open a handle.
func (env *TestEnvironment) StartSession(t *testing.T, tenantID string) (*models.Session, *whatsapptest.Handle) {
	t.Helper()
	ctx := context.Background()

	s, err := env.Registry.Provision(ctx, tenantID, "integration")
	require.NoError(t, err)
	require.NoError(t, env.Commands.Submit(ctx, session.Command{
		Action:    session.ActionInit,
		SessionID: s.ID,
		TenantID:  tenantID,
	}))

	var h *whatsapptest.Handle
	require.Eventually(t, func() bool {
		h = env.Connector.Handle(s.ID)
		return h != nil && env.Registry.IsSessionActive(s.ID)
	}, waitTimeout, pollEvery, "session worker never connected")
	return s, h
}

func (env *TestEnvironment) Session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := env.DB.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (env *TestEnvironment) WaitSessionStatus(t *testing.T, id string, status models.SessionStatus) *models.Session {
	t.Helper()
	var s *models.Session
	require.Eventually(t, func() bool {
		s = env.Session(t, id)
		return s.Status == status
	}, waitTimeout, pollEvery, "session %s never reached %s", id, status)
	return s
}

func (env *TestEnvironment) WaitMessageStatus(t *testing.T, id string, status models.MessageStatus) *models.Message {
	t.Helper()
	var m *models.Message
	require.Eventually(t, func() bool {
		var err error
		m, err = env.DB.GetMessage(context.Background(), id)
		return err == nil && m != nil && m.Status == status
	}, waitTimeout, pollEvery, "message %s never reached %s", id, status)
	return m
}

func (env *TestEnvironment) WaitWebhooks(t *testing.T, event string, n int) []ReceivedWebhook {
	t.Helper()
	var got []ReceivedWebhook
	require.Eventually(t, func() bool {
		got = env.Receiver.Named(event)
		return len(got) >= n
	}, waitTimeout, pollEvery, "expected %d %s deliveries", n, event)
	return got
}
