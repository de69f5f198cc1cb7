package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wagate/internal/models"
)

// GetPolicy returns nil, nil when the tenant has no stored policy
func (d *Database) GetPolicy(ctx context.Context, tenantID string) (*models.PacingPolicy, error) {
	var raw string
	err := d.db.QueryRowContext(ctx, `SELECT policy FROM pacing_policies WHERE tenant_id = ?`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pacing policy: %w", err)
	}

	var p models.PacingPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode pacing policy: %w", err)
	}
	return &p, nil
}

// SavePolicy replaces the tenant's policy
func (d *Database) SavePolicy(ctx context.Context, tenantID string, policy models.PacingPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to encode pacing policy: %w", err)
	}

	query := `INSERT INTO pacing_policies (tenant_id, policy, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET policy = excluded.policy, updated_at = excluded.updated_at`
	return withRetry(ctx, "save pacing policy", func() error {
		_, err := d.db.ExecContext(ctx, query, tenantID, string(raw), d.timestamp())
		return err
	})
}
