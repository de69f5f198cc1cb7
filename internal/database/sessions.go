package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "wagate/internal/errors"
	"wagate/internal/models"
)

const sessionColumns = `id, tenant_id, display_name, status, linked_phone, qr_payload,
	retry_count, last_active_at, last_error, created_at, updated_at`

func scanSession(row scanner) (*models.Session, error) {
	var s models.Session
	var lastActive sql.NullTime
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.DisplayName,
		&s.Status,
		&s.LinkedPhone,
		&s.QRPayload,
		&s.RetryCount,
		&lastActive,
		&s.LastError,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastActive.Valid {
		t := lastActive.Time
		s.LastActiveAt = &t
	}
	return &s, nil
}

// CreateSession inserts a new session record. CreatedAt and UpdatedAt are set here.
func (d *Database) CreateSession(ctx context.Context, s *models.Session) error {
	now := d.timestamp()
	s.CreatedAt, s.UpdatedAt = now, now
	if s.Status == "" {
		s.Status = models.SessionInitializing
	}

	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var lastActive interface{}
	if s.LastActiveAt != nil {
		lastActive = s.LastActiveAt.UTC()
	}

	return withRetry(ctx, "create session", func() error {
		_, err := d.db.ExecContext(ctx, query,
			s.ID, s.TenantID, s.DisplayName, s.Status, s.LinkedPhone, s.QRPayload,
			s.RetryCount, lastActive, s.LastError, s.CreatedAt, s.UpdatedAt,
		)
		return err
	})
}

// GetSession returns nil, nil when the session does not exist
func (d *Database) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// UpdateSession applies the non-nil fields of u
func (d *Database) UpdateSession(ctx context.Context, id string, u models.SessionUpdate) error {
	affected, err := d.updateSession(ctx, id, nil, u)
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("session", id)
	}
	return nil
}

// TransitionSession applies u only while the session is in one of the from
// statuses. It reports whether a row changed.
func (d *Database) TransitionSession(ctx context.Context, id string, from []models.SessionStatus, u models.SessionUpdate) (bool, error) {
	affected, err := d.updateSession(ctx, id, from, u)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (d *Database) updateSession(ctx context.Context, id string, from []models.SessionStatus, u models.SessionUpdate) (int64, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{d.timestamp()}

	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, u.Status)
	}
	if u.LinkedPhone != nil {
		sets = append(sets, "linked_phone = ?")
		args = append(args, *u.LinkedPhone)
	}
	if u.QRPayload != nil {
		sets = append(sets, "qr_payload = ?")
		args = append(args, *u.QRPayload)
	}
	if u.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *u.RetryCount)
	}
	if u.LastActiveAt != nil {
		sets = append(sets, "last_active_at = ?")
		args = append(args, u.LastActiveAt.UTC())
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	args = append(args, id)

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		args = append(args, statusArgs(from)...)
	}

	var affected int64
	err := withRetry(ctx, "update session", func() error {
		res, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ListSessions returns a tenant's sessions, newest first
func (d *Database) ListSessions(ctx context.Context, tenantID string) ([]models.Session, error) {
	return d.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
}

// ListRecoverableSessions returns every session that should get a handle on startup
func (d *Database) ListRecoverableSessions(ctx context.Context) ([]models.Session, error) {
	args := statusArgs(models.RecoverableStatuses)
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (` + placeholders(len(args)) + `) ORDER BY updated_at`
	return d.querySessions(ctx, query, args...)
}

// CountLiveSessions counts a tenant's sessions that hold or are acquiring a connection
func (d *Database) CountLiveSessions(ctx context.Context, tenantID string) (int, error) {
	args := append([]interface{}{tenantID}, statusArgs(models.LiveStatuses)...)
	query := `SELECT COUNT(*) FROM sessions WHERE tenant_id = ? AND status IN (` + placeholders(len(models.LiveStatuses)) + `)`

	var count int
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (d *Database) querySessions(ctx context.Context, query string, args ...interface{}) ([]models.Session, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func statusArgs[S ~string](statuses []S) []interface{} {
	args := make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}
