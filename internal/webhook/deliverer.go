package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wagate/internal/constants"
	apperrors "wagate/internal/errors"
	"wagate/internal/logging"
	"wagate/internal/metrics"
	"wagate/internal/models"
	"wagate/internal/privacy"
	"wagate/internal/tracing"
	"wagate/pkg/circuitbreaker"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// TimestampFormat renders event times as UTC RFC 3339 with milliseconds
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Deliverer POSTs signed payloads to subscriber endpoints. Each endpoint has
// its own circuit breaker.
type Deliverer struct {
	client   *resty.Client
	breakers *circuitbreaker.Group
	logger   *logrus.Entry
	metrics  *metrics.Registry
}

// NewDeliverer builds a Deliverer. breakers may be nil to disable breaking.
func NewDeliverer(timeout time.Duration, breakers *circuitbreaker.Group, logger *logrus.Logger) *Deliverer {
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeoutSec * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "wagate-webhooks/1.0")

	return &Deliverer{
		client:   client,
		breakers: breakers,
		logger:   logging.Component(logger, "webhook-delivery"),
	}
}

func (d *Deliverer) WithMetrics(m *metrics.Registry) *Deliverer {
	d.metrics = m
	return d
}

// Breakers exposes the per-endpoint breakers for status reporting
func (d *Deliverer) Breakers() *circuitbreaker.Group {
	return d.breakers
}

// Payload builds the exact body sent for ev
func Payload(ev models.WebhookEvent) ([]byte, error) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data := ev.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	body, err := json.Marshal(models.WebhookPayload{
		Event:     ev.Event,
		Data:      data,
		Timestamp: ts.UTC().Format(TimestampFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	return body, nil
}

// Deliver sends ev to sub once. Any non-2xx response is an error.
func (d *Deliverer) Deliver(ctx context.Context, sub models.WebhookSubscription, ev models.WebhookEvent) error {
	body, err := Payload(ev)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "webhook.deliver",
		tracing.AttrEvent.String(ev.Event),
		tracing.AttrTenantID.String(sub.TenantID),
	)
	defer span.End()

	log := d.logger.WithFields(logrus.Fields{
		logging.FieldEvent:    ev.Event,
		logging.FieldTenantID: sub.TenantID,
		logging.FieldURL:      privacy.MaskURL(sub.URL),
		"subscription_id":     sub.ID,
	})

	start := time.Now()
	post := func(ctx context.Context) error {
		resp, err := d.client.R().
			SetContext(ctx).
			SetHeader(HeaderSignature, Sign(sub.Secret, body)).
			SetHeader(HeaderEvent, ev.Event).
			SetBody(body).
			Post(sub.URL)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		if !resp.IsSuccess() {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode())
		}
		return nil
	}

	if d.breakers != nil {
		err = d.breakers.Execute(ctx, sub.URL, post)
	} else {
		err = post(ctx)
	}
	elapsed := time.Since(start)
	d.metrics.RecordTimer(metrics.WebhookDuration, elapsed, nil)

	if err != nil {
		tracing.RecordError(ctx, err)
		d.metrics.IncrementCounter(metrics.WebhooksFailed, map[string]string{"event": ev.Event}, "Webhook deliveries that failed")
		log.WithError(err).Warn("Webhook delivery failed")
		return apperrors.Wrap(err, apperrors.ErrCodeWebhookDelivery, "webhook delivery failed").
			WithContext("subscription_id", sub.ID)
	}

	d.metrics.IncrementCounter(metrics.WebhooksDelivered, map[string]string{"event": ev.Event}, "Webhook deliveries accepted")
	log.WithField(logging.FieldDuration, elapsed.Milliseconds()).Debug("Webhook delivered")
	return nil
}
