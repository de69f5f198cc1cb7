package webhook

import (
	"context"
	"sync"

	"wagate/internal/constants"
	apperrors "wagate/internal/errors"
	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/queue"

	"github.com/sirupsen/logrus"
)

type Store interface {
	ListActiveSubscriptionsForEvent(ctx context.Context, tenantID, event string) ([]models.WebhookSubscription, error)
	GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error)
}

// DeliveryJob is the webhooks queue payload. The secret is looked up again
// by the worker and never travels through the broker.
type DeliveryJob struct {
	SubscriptionID string              `json:"subscriptionId"`
	Event          models.WebhookEvent `json:"event"`
}

// Result is the outcome of one direct delivery
type Result struct {
	SubscriptionID string
	Err            error
}

// Emitter fans an event out to every matching subscription
type Emitter struct {
	store     Store
	deliverer *Deliverer
	queue     queue.Enqueuer
	logger    *logrus.Entry
	errLogger *apperrors.Logger
	metrics   *metrics.Registry
}

// NewEmitter builds an Emitter. With a nil enq every event is delivered directly.
func NewEmitter(store Store, deliverer *Deliverer, enq queue.Enqueuer, logger *logrus.Logger) *Emitter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Emitter{
		store:     store,
		deliverer: deliverer,
		queue:     enq,
		logger:    logging.Component(logger, "webhook-emitter"),
		errLogger: apperrors.NewLogger(logger),
	}
}

func (e *Emitter) WithMetrics(m *metrics.Registry) *Emitter {
	e.metrics = m
	return e
}

// Emit never fails the caller. Delivery problems are logged.
func (e *Emitter) Emit(ctx context.Context, ev models.WebhookEvent) {
	subs, err := e.store.ListActiveSubscriptionsForEvent(ctx, ev.TenantID, ev.Event)
	if err != nil {
		e.errLogger.LogError(err, "Failed to look up webhook subscriptions", logrus.Fields{
			logging.FieldTenantID: ev.TenantID,
			logging.FieldEvent:    ev.Event,
		})
		return
	}
	if len(subs) == 0 {
		return
	}

	pending := subs
	if e.queue != nil {
		pending = e.enqueue(ctx, ev, subs)
	}
	if len(pending) == 0 {
		return
	}

	if e.queue != nil {
		e.metrics.AddToCounter(metrics.WebhookFallbacks, float64(len(pending)), nil, "Webhook deliveries sent directly after an enqueue failure")
	}
	e.DeliverDirect(ctx, ev, pending)
}

// enqueue queues one job per subscription. Once an enqueue fails it stops and
// returns the subscriptions still to be delivered.
func (e *Emitter) enqueue(ctx context.Context, ev models.WebhookEvent, subs []models.WebhookSubscription) []models.WebhookSubscription {
	for i, sub := range subs {
		_, err := e.queue.Enqueue(ctx, constants.QueueWebhooks, DeliveryJob{SubscriptionID: sub.ID, Event: ev})
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				logging.FieldEvent:    ev.Event,
				logging.FieldTenantID: ev.TenantID,
			}).Warn("Webhook queue unavailable, delivering directly")
			return subs[i:]
		}
	}
	return nil
}

// DeliverDirect posts ev to every subscription concurrently, once each. One
// failing endpoint does not hold up the others.
func (e *Emitter) DeliverDirect(ctx context.Context, ev models.WebhookEvent, subs []models.WebhookSubscription) []Result {
	results := make([]Result, len(subs))

	var wg sync.WaitGroup
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Result{
				SubscriptionID: subs[i].ID,
				Err:            e.deliverer.Deliver(ctx, subs[i], ev),
			}
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		e.logger.WithFields(logrus.Fields{
			logging.FieldEvent: ev.Event,
			"failed":           failed,
			"total":            len(subs),
		}).Warn("Some direct webhook deliveries failed")
	}
	return results
}

// Handle is the webhooks queue job handler
func (e *Emitter) Handle(ctx context.Context, job *queue.Job) error {
	var dj DeliveryJob
	if err := job.Decode(&dj); err != nil {
		return err
	}

	sub, err := e.store.GetSubscription(ctx, dj.SubscriptionID)
	if err != nil {
		return apperrors.NewDatabaseError("get webhook subscription", err)
	}
	if sub == nil || !sub.IsActive || sub.TenantID != dj.Event.TenantID || !sub.Matches(dj.Event.Event) {
		e.logger.WithField("subscription_id", dj.SubscriptionID).Debug("Subscription gone or inactive, dropping delivery")
		return nil
	}

	return e.deliverer.Deliver(ctx, *sub, dj.Event)
}
