package webhook

import (
	"context"

	apperrors "wagate/internal/errors"
	"wagate/internal/models"
	"wagate/internal/validation"

	"github.com/google/uuid"
)

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, w *models.WebhookSubscription) error
	ListSubscriptions(ctx context.Context, tenantID string) ([]models.WebhookSubscription, error)
	DeactivateSubscription(ctx context.Context, tenantID, id string) error
}

// Subscriptions manages a tenant's webhook endpoints
type Subscriptions struct {
	store SubscriptionStore
}

func NewSubscriptions(store SubscriptionStore) *Subscriptions {
	return &Subscriptions{store: store}
}

// Create registers url for events. The returned subscription carries the
// generated secret, which is the only time it is shown.
func (s *Subscriptions) Create(ctx context.Context, tenantID, url string, events []string) (*models.WebhookSubscription, error) {
	if err := validation.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := validation.ValidateWebhookURL(url); err != nil {
		return nil, err
	}
	if err := validation.ValidateEventNames(events); err != nil {
		return nil, err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	sub := &models.WebhookSubscription{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		URL:      url,
		Events:   events,
		Secret:   secret,
		IsActive: true,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, apperrors.NewDatabaseError("create webhook subscription", err)
	}
	return sub, nil
}

func (s *Subscriptions) List(ctx context.Context, tenantID string) ([]models.WebhookSubscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list webhook subscriptions", err)
	}
	return subs, nil
}

// Deactivate stops future deliveries. Queued jobs for it are dropped by the worker.
func (s *Subscriptions) Deactivate(ctx context.Context, tenantID, id string) error {
	return s.store.DeactivateSubscription(ctx, tenantID, id)
}
