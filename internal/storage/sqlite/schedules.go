package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"vpnward/internal/storage"
	"vpnward/internal/storage/models"
)

const scheduleColumns = `id, identity, created_at, revoke_at, hours, status, updated_at`

func scanSchedule(row rowScanner) (*models.EphemeralSchedule, error) {
	s := &models.EphemeralSchedule{}
	var updatedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.Identity, &s.CreatedAt, &s.RevokeAt, &s.Hours, &s.Status, &updatedAt); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		s.UpdatedAt = updatedAt.Time
	}
	return s, nil
}

// UpsertSchedule writes the identity's schedule row. The latest write wins.
func (d *DB) UpsertSchedule(ctx context.Context, s *models.EphemeralSchedule) error {
	return upsertSchedule(ctx, d.handle(), s)
}

func upsertSchedule(ctx context.Context, h dbHandle, s *models.EphemeralSchedule) error {
	if s.Status == "" {
		s.Status = models.ScheduleActive
	}
	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.CreatedAt
	}

	query := `
		INSERT INTO ephemeral_schedules (identity, created_at, revoke_at, hours, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			created_at = excluded.created_at,
			revoke_at = excluded.revoke_at,
			hours = excluded.hours,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := h.ExecContext(ctx, query,
		s.Identity, utc(s.CreatedAt), utc(s.RevokeAt), s.Hours, string(s.Status), utc(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

func (d *DB) GetSchedule(ctx context.Context, identity string) (*models.EphemeralSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM ephemeral_schedules WHERE identity = ?`
	s, err := scanSchedule(d.db.QueryRowContext(ctx, query, identity))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *DB) GetSchedules(ctx context.Context, filter storage.ScheduleFilter) ([]*models.EphemeralSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM ephemeral_schedules WHERE 1=1`
	args := []interface{}{}

	if filter.Identity != "" {
		query += " AND identity = ?"
		args = append(args, filter.Identity)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY revoke_at ASC, identity ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*models.EphemeralSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// TransitionSchedule is a compare-and-set on status. It reports whether the
// row moved, which is false when the row is missing or in another state.
// updated_at is set to at.
func (d *DB) TransitionSchedule(ctx context.Context, identity string, at time.Time, to models.ScheduleStatus, from ...models.ScheduleStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s: no source status given", to)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := `UPDATE ephemeral_schedules SET status = ?, updated_at = ?
		WHERE identity = ? AND status IN (` + placeholders + `)`

	args := []interface{}{string(to), utc(at), identity}
	for _, s := range from {
		args = append(args, string(s))
	}

	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition schedule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
