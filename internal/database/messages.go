package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"wagate/internal/models"
)

const messageColumns = `id, session_id, tenant_id, direction, counterpart, body, type, media_ref,
	status, external_id, error_message, created_at, updated_at`

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	err := row.Scan(
		&m.ID,
		&m.SessionID,
		&m.TenantID,
		&m.Direction,
		&m.Counterpart,
		&m.Body,
		&m.Type,
		&m.MediaRef,
		&m.Status,
		&m.ExternalID,
		&m.ErrorMessage,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage inserts a message record. Zero timestamps are set to now.
func (d *Database) CreateMessage(ctx context.Context, m *models.Message) error {
	now := d.timestamp()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = now
	if m.Type == "" {
		m.Type = models.MessageTypeChat
	}

	query := `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return withRetry(ctx, "create message", func() error {
		_, err := d.db.ExecContext(ctx, query,
			m.ID, m.SessionID, m.TenantID, m.Direction, m.Counterpart, m.Body, m.Type, m.MediaRef,
			m.Status, m.ExternalID, m.ErrorMessage, m.CreatedAt, m.UpdatedAt,
		)
		return err
	})
}

// GetMessage returns nil, nil when the message does not exist
func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// TransitionMessage applies u only while the message is in one of the from
// statuses. It reports whether a row changed.
func (d *Database) TransitionMessage(ctx context.Context, id string, from []models.MessageStatus, u models.MessageUpdate) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{u.Status, d.timestamp()}
	if u.ExternalID != nil {
		sets = append(sets, "external_id = ?")
		args = append(args, *u.ExternalID)
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}
	args = append(args, id)
	args = append(args, statusArgs(from)...)

	query := `UPDATE messages SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`

	var affected int64
	err := withRetry(ctx, "transition message", func() error {
		res, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected > 0, err
}

// AdvanceReceipts moves outbound messages matched by external id to status,
// skipping any already past it. The updated messages are returned.
func (d *Database) AdvanceReceipts(ctx context.Context, sessionID string, externalIDs []string, status models.MessageStatus) ([]models.Message, error) {
	var from []models.MessageStatus
	switch status {
	case models.MessageDelivered:
		from = models.DeliveredFrom
	case models.MessageRead:
		from = models.ReadFrom
	default:
		return nil, fmt.Errorf("unsupported receipt status %s", status)
	}
	if len(externalIDs) == 0 {
		return nil, nil
	}

	args := []interface{}{sessionID, string(models.DirectionOutbound)}
	for _, id := range externalIDs {
		args = append(args, id)
	}
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND direction = ? AND external_id IN (` + placeholders(len(externalIDs)) + `)`

	candidates, err := d.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var advanced []models.Message
	for _, m := range candidates {
		ok, err := d.TransitionMessage(ctx, m.ID, from, models.MessageUpdate{Status: status})
		if err != nil {
			return advanced, err
		}
		if ok {
			m.Status = status
			advanced = append(advanced, m)
		}
	}
	return advanced, nil
}

// ListMessages returns a session's most recent messages
func (d *Database) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`
	return d.queryMessages(ctx, query, sessionID, limit)
}

// ListStaleMessages returns outbound messages stuck in QUEUED or PROCESSING since before cutoff
func (d *Database) ListStaleMessages(ctx context.Context, cutoff time.Time) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE direction = ? AND status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at`
	return d.queryMessages(ctx, query,
		string(models.DirectionOutbound), string(models.MessageQueued), string(models.MessageProcessing), cutoff.UTC())
}

// DeleteMessagesBefore removes settled messages created before cutoff
func (d *Database) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, "delete old messages", func() error {
		res, err := d.db.ExecContext(ctx,
			`DELETE FROM messages WHERE created_at < ? AND status NOT IN (?, ?)`,
			cutoff.UTC(), string(models.MessageQueued), string(models.MessageProcessing))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// MessageStats counts a tenant's messages per status, optionally for one session
func (d *Database) MessageStats(ctx context.Context, tenantID, sessionID string) (*models.MessageStats, error) {
	query := `SELECT status, COUNT(*) FROM messages WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY status`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message stats: %w", err)
	}
	defer rows.Close()

	stats := &models.MessageStats{ByStatus: make(map[models.MessageStatus]int)}
	for rows.Next() {
		var status models.MessageStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan message stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// SendActivity summarizes a session's outbound traffic for admission.
// Failed messages never reached the network and are not counted.
func (d *Database) SendActivity(ctx context.Context, sessionID, counterpart string, now time.Time, burstWindow time.Duration) (models.SendActivity, error) {
	var a models.SendActivity
	now = now.UTC()

	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)
	y, mo, day := now.Date()
	dayStart := time.Date(y, mo, day, 0, 0, 0, 0, time.UTC)
	burstStart := now.Add(-burstWindow)

	earliest := dayStart
	for _, t := range []time.Time{hourAgo, burstStart} {
		if t.Before(earliest) {
			earliest = t
		}
	}

	outbound := `session_id = ? AND direction = ? AND status != ?`
	base := []interface{}{sessionID, string(models.DirectionOutbound), string(models.MessageFailed)}

	countQuery := `SELECT
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM messages WHERE ` + outbound + ` AND created_at >= ?`
	countArgs := append([]interface{}{minuteAgo, hourAgo, dayStart, burstStart}, base...)
	countArgs = append(countArgs, earliest)

	if err := d.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&a.LastMinute, &a.LastHour, &a.LastDay, &a.BurstCount); err != nil {
		return a, fmt.Errorf("failed to count recent sends: %w", err)
	}
	if burstWindow <= 0 {
		a.BurstCount = 0
	}

	if a.BurstCount > 0 {
		oldestQuery := `SELECT created_at FROM messages WHERE ` + outbound + ` AND created_at >= ? ORDER BY created_at ASC LIMIT 1`
		if err := d.db.QueryRowContext(ctx, oldestQuery, append(base, burstStart)...).Scan(&a.BurstOldest); err != nil {
			return a, fmt.Errorf("failed to read burst window: %w", err)
		}
	}

	newChatsQuery := `SELECT COUNT(*) FROM (
			SELECT counterpart FROM messages WHERE session_id = ? AND direction = ?
			GROUP BY counterpart HAVING MIN(created_at) >= ?
		)`
	if err := d.db.QueryRowContext(ctx, newChatsQuery, sessionID, string(models.DirectionOutbound), dayStart).Scan(&a.NewChatsToday); err != nil {
		return a, fmt.Errorf("failed to count new chats: %w", err)
	}

	var prior int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ? AND counterpart = ?`, sessionID, counterpart).Scan(&prior); err != nil {
		return a, fmt.Errorf("failed to check chat history: %w", err)
	}
	a.IsNewChat = prior == 0

	return a, nil
}

func (d *Database) queryMessages(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}
