package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vpnward/internal/storage"
	"vpnward/internal/storage/models"
)

const sessionColumns = `
	id, identity, session_start, session_end, bytes_sent, bytes_received,
	duration_seconds, COALESCE(real_address, ''), COALESCE(virtual_address, ''), last_updated
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.SessionRecord, error) {
	rec := &models.SessionRecord{}
	err := row.Scan(
		&rec.ID, &rec.Identity, &rec.SessionStart, &rec.SessionEnd, &rec.BytesSent, &rec.BytesReceived,
		&rec.DurationSeconds, &rec.RealAddress, &rec.VirtualAddress, &rec.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertOpenSession updates the identity's open row in place, inserting it
// when none exists. The partial unique index on open rows is the conflict
// target, so the single-open-row invariant holds by construction.
func (d *DB) UpsertOpenSession(ctx context.Context, u *models.SessionUpdate) error {
	return upsertOpenSession(ctx, d.handle(), u)
}

func upsertOpenSession(ctx context.Context, h dbHandle, u *models.SessionUpdate) error {
	query := `
		INSERT INTO session_records (identity, session_start, session_end, bytes_sent, bytes_received,
		                             duration_seconds, real_address, virtual_address, last_updated)
		VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) WHERE session_end IS NULL DO UPDATE SET
			bytes_sent = excluded.bytes_sent,
			bytes_received = excluded.bytes_received,
			duration_seconds = excluded.duration_seconds,
			real_address = COALESCE(excluded.real_address, session_records.real_address),
			virtual_address = COALESCE(excluded.virtual_address, session_records.virtual_address),
			last_updated = excluded.last_updated
	`
	_, err := h.ExecContext(ctx, query,
		u.Identity, utc(u.SessionStart), u.BytesSent, u.BytesReceived, u.DurationSeconds,
		nullIfEmpty(u.RealAddress), nullIfEmpty(u.VirtualAddress), utc(u.At),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert open session: %w", err)
	}
	return nil
}

// FinalizeSession closes the identity's open row. When no open row exists
// a completed row is inserted directly so the session is never dropped.
func (d *DB) FinalizeSession(ctx context.Context, u *models.SessionUpdate, end time.Time) error {
	return d.withTx(ctx, func(h dbHandle) error {
		return finalizeSession(ctx, h, u, end)
	})
}

func finalizeSession(ctx context.Context, h dbHandle, u *models.SessionUpdate, end time.Time) error {
	query := `
		UPDATE session_records
		SET bytes_sent = ?, bytes_received = ?, duration_seconds = ?, session_end = ?,
		    real_address = COALESCE(?, real_address),
		    virtual_address = COALESCE(?, virtual_address),
		    last_updated = ?
		WHERE identity = ? AND session_end IS NULL
	`
	result, err := h.ExecContext(ctx, query,
		u.BytesSent, u.BytesReceived, u.DurationSeconds, utc(end),
		nullIfEmpty(u.RealAddress), nullIfEmpty(u.VirtualAddress), utc(u.At),
		u.Identity,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	start := u.SessionStart
	if start.IsZero() {
		start = end
	}
	insert := `
		INSERT INTO session_records (identity, session_start, session_end, bytes_sent, bytes_received,
		                             duration_seconds, real_address, virtual_address, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = h.ExecContext(ctx, insert,
		u.Identity, utc(start), utc(end), u.BytesSent, u.BytesReceived, u.DurationSeconds,
		nullIfEmpty(u.RealAddress), nullIfEmpty(u.VirtualAddress), utc(u.At),
	)
	if err != nil {
		return fmt.Errorf("failed to insert completed session: %w", err)
	}
	return nil
}

func (d *DB) GetOpenSession(ctx context.Context, identity string) (*models.SessionRecord, error) {
	return getOpenSession(ctx, d.handle(), identity)
}

func getOpenSession(ctx context.Context, h dbHandle, identity string) (*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_records WHERE identity = ? AND session_end IS NULL`
	rec, err := scanSession(h.QueryRowContext(ctx, query, identity))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *DB) GetOpenSessions(ctx context.Context) ([]*models.SessionRecord, error) {
	return getSessions(ctx, d.handle(), storage.SessionFilter{OpenOnly: true})
}

func (d *DB) GetSessions(ctx context.Context, filter storage.SessionFilter) ([]*models.SessionRecord, error) {
	return getSessions(ctx, d.handle(), filter)
}

func getSessions(ctx context.Context, h dbHandle, filter storage.SessionFilter) ([]*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_records WHERE 1=1`
	args := []interface{}{}

	if filter.Identity != "" {
		query += " AND identity = ?"
		args = append(args, filter.Identity)
	}
	if filter.Since != nil {
		query += " AND last_updated >= ?"
		args = append(args, utc(*filter.Since))
	}
	if filter.OpenOnly {
		query += " AND session_end IS NULL"
	}
	query += " ORDER BY session_start DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
