package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"vpnward/internal/storage/models"
)

// UpdateAggregate applies one atomic write to the identity's aggregate row.
func (d *DB) UpdateAggregate(ctx context.Context, identity string, mode models.AggregateMode, p models.AggregatePayload) error {
	return updateAggregate(ctx, d.handle(), identity, mode, p)
}

func updateAggregate(ctx context.Context, h dbHandle, identity string, mode models.AggregateMode, p models.AggregatePayload) error {
	at := utc(p.At)

	var (
		query string
		args  []interface{}
	)

	switch mode {
	case models.AggregateConnect:
		query = `
			INSERT INTO client_stats (identity, first_connection, last_activity, is_online,
			                          current_session_start, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET
				first_connection = COALESCE(client_stats.first_connection, excluded.first_connection),
				last_activity = excluded.last_activity,
				is_online = 1,
				current_session_start = excluded.current_session_start,
				updated_at = excluded.updated_at
		`
		args = []interface{}{identity, at, at, at, at}

	case models.AggregateDisconnect:
		var sent, received, duration, count int64
		if p.Billable {
			sent, received, duration, count = p.BytesSent, p.BytesReceived, p.DurationSeconds, 1
		}
		query = `
			INSERT INTO client_stats (identity, total_sent, total_received, total_duration_seconds,
			                          session_count, first_connection, last_connection, last_activity,
			                          is_online, current_session_start, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
			ON CONFLICT(identity) DO UPDATE SET
				total_sent = client_stats.total_sent + excluded.total_sent,
				total_received = client_stats.total_received + excluded.total_received,
				total_duration_seconds = client_stats.total_duration_seconds + excluded.total_duration_seconds,
				session_count = client_stats.session_count + excluded.session_count,
				first_connection = COALESCE(client_stats.first_connection, excluded.first_connection),
				last_connection = excluded.last_connection,
				last_activity = excluded.last_activity,
				is_online = 0,
				current_session_start = NULL,
				updated_at = excluded.updated_at
		`
		args = []interface{}{identity, sent, received, duration, count, at, at, at, at}

	case models.AggregateActivity:
		query = `
			INSERT INTO client_stats (identity, first_connection, last_activity, is_online,
			                          current_session_start, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET
				last_activity = excluded.last_activity,
				updated_at = excluded.updated_at
		`
		args = []interface{}{identity, at, at, at, at}

	default:
		return fmt.Errorf("unknown aggregate mode %q", mode)
	}

	if _, err := h.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update aggregate (%s): %w", mode, err)
	}
	return nil
}

func (d *DB) GetAggregate(ctx context.Context, identity string) (*models.ClientAggregate, error) {
	return getAggregate(ctx, d.handle(), identity)
}

func getAggregate(ctx context.Context, h dbHandle, identity string) (*models.ClientAggregate, error) {
	query := `
		SELECT identity, total_sent, total_received, total_duration_seconds, session_count,
		       first_connection, last_connection, last_activity, is_online,
		       current_session_start, updated_at
		FROM client_stats WHERE identity = ?
	`
	agg := &models.ClientAggregate{}
	var updatedAt sql.NullTime
	err := h.QueryRowContext(ctx, query, identity).Scan(
		&agg.Identity, &agg.TotalSent, &agg.TotalReceived, &agg.TotalDurationSeconds, &agg.SessionCount,
		&agg.FirstConnection, &agg.LastConnection, &agg.LastActivity, &agg.IsOnline,
		&agg.CurrentSessionStart, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		agg.UpdatedAt = updatedAt.Time
	}
	return agg, nil
}

// Summarize folds every session record into a per-identity projection.
// Online status comes from the presence of an open row, so the result is
// correct straight after a restart.
func (d *DB) Summarize(ctx context.Context, now time.Time) ([]*models.TrafficSummary, error) {
	return summarize(ctx, d.handle(), now)
}

func summarize(ctx context.Context, h dbHandle, now time.Time) ([]*models.TrafficSummary, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_records ORDER BY identity, session_start`
	rows, err := h.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byIdentity := make(map[string]*models.TrafficSummary)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}

		s, ok := byIdentity[rec.Identity]
		if !ok {
			s = &models.TrafficSummary{Identity: rec.Identity}
			byIdentity[rec.Identity] = s
		}
		s.TotalSent += rec.BytesSent
		s.TotalReceived += rec.BytesReceived
		s.TotalDurationSeconds += rec.DurationSeconds
		s.SessionCount++
		s.FirstConnection = earliest(s.FirstConnection, rec.SessionStart)
		s.LastActivity = latest(s.LastActivity, rec.LastUpdated)

		if rec.SessionEnd != nil {
			s.LastConnection = latest(s.LastConnection, *rec.SessionEnd)
			continue
		}
		start := rec.SessionStart
		s.IsOnline = true
		s.CurrentSessionStart = &start
		if d := now.Sub(start); d > 0 {
			s.CurrentSessionDuration = int64(d.Seconds())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summaries := make([]*models.TrafficSummary, 0, len(byIdentity))
	for _, s := range byIdentity {
		s.TotalBytes = s.TotalSent + s.TotalReceived
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].TotalBytes != summaries[j].TotalBytes {
			return summaries[i].TotalBytes > summaries[j].TotalBytes
		}
		return summaries[i].Identity < summaries[j].Identity
	})
	return summaries, nil
}

func earliest(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.Before(*cur) {
		return &t
	}
	return cur
}

func latest(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
