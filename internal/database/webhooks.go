package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "wagate/internal/errors"
	"wagate/internal/models"
)

const subscriptionColumns = `id, tenant_id, url, events, secret, is_active, created_at`

func (d *Database) scanSubscription(row scanner) (*models.WebhookSubscription, error) {
	var w models.WebhookSubscription
	var events, secret string
	if err := row.Scan(&w.ID, &w.TenantID, &w.URL, &events, &secret, &w.IsActive, &w.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, fmt.Errorf("failed to decode event filter: %w", err)
	}
	plain, err := d.encryptor.Decrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt webhook secret: %w", err)
	}
	w.Secret = plain
	return &w, nil
}

// CreateSubscription stores a subscription, encrypting its secret when enabled
func (d *Database) CreateSubscription(ctx context.Context, w *models.WebhookSubscription) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("failed to encode event filter: %w", err)
	}
	secret, err := d.encryptor.Encrypt(w.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt webhook secret: %w", err)
	}
	w.CreatedAt = d.timestamp()

	query := `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	return withRetry(ctx, "create webhook subscription", func() error {
		_, err := d.db.ExecContext(ctx, query, w.ID, w.TenantID, w.URL, string(events), secret, w.IsActive, w.CreatedAt)
		return err
	})
}

// GetSubscription returns nil, nil when the subscription does not exist
func (d *Database) GetSubscription(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	w, err := d.scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook subscription: %w", err)
	}
	return w, nil
}

// ListSubscriptions returns all of a tenant's subscriptions
func (d *Database) ListSubscriptions(ctx context.Context, tenantID string) ([]models.WebhookSubscription, error) {
	return d.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE tenant_id = ? ORDER BY created_at`, tenantID)
}

// ListActiveSubscriptionsForEvent returns the tenant's active subscriptions whose filter contains event
func (d *Database) ListActiveSubscriptionsForEvent(ctx context.Context, tenantID, event string) ([]models.WebhookSubscription, error) {
	active, err := d.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE tenant_id = ? AND is_active = 1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}

	matching := active[:0]
	for _, w := range active {
		if w.Matches(event) {
			matching = append(matching, w)
		}
	}
	return matching, nil
}

// DeactivateSubscription stops deliveries to a subscription owned by tenantID
func (d *Database) DeactivateSubscription(ctx context.Context, tenantID, id string) error {
	var affected int64
	err := withRetry(ctx, "deactivate webhook subscription", func() error {
		res, err := d.db.ExecContext(ctx,
			`UPDATE webhook_subscriptions SET is_active = 0 WHERE id = ? AND tenant_id = ?`, id, tenantID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("webhook subscription", id)
	}
	return nil
}

func (d *Database) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]models.WebhookSubscription, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		w, err := d.scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
		}
		subs = append(subs, *w)
	}
	return subs, rows.Err()
}
