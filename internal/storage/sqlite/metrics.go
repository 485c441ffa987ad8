package sqlite

import (
	"context"
	"fmt"
	"time"

	"vpnward/internal/storage/models"
)

func (d *DB) RecordMetrics(ctx context.Context, m *models.MetricsSample) error {
	query := `
		INSERT INTO system_metrics (sampled_at, cpu_percent, memory_percent, memory_available,
		                            disk_percent, network_sent, network_received, active_connections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := d.db.ExecContext(ctx, query,
		utc(m.SampledAt), m.CPUPercent, m.MemoryPercent, int64(m.MemoryAvailable),
		m.DiskPercent, int64(m.NetworkSent), int64(m.NetworkReceived), m.ActiveConnections,
	)
	if err != nil {
		return fmt.Errorf("failed to record metrics: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

// GetRecentMetrics returns the newest samples first.
func (d *DB) GetRecentMetrics(ctx context.Context, limit int) ([]*models.MetricsSample, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, sampled_at, cpu_percent, memory_percent, memory_available, disk_percent,
		       network_sent, network_received, active_connections
		FROM system_metrics
		ORDER BY sampled_at DESC, id DESC
		LIMIT ?
	`
	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*models.MetricsSample
	for rows.Next() {
		m := &models.MetricsSample{}
		var memAvail, netSent, netRecv int64
		err := rows.Scan(&m.ID, &m.SampledAt, &m.CPUPercent, &m.MemoryPercent, &memAvail,
			&m.DiskPercent, &netSent, &netRecv, &m.ActiveConnections)
		if err != nil {
			return nil, err
		}
		m.MemoryAvailable = uint64(memAvail)
		m.NetworkSent = uint64(netSent)
		m.NetworkReceived = uint64(netRecv)
		samples = append(samples, m)
	}
	return samples, rows.Err()
}

// PurgeMetrics deletes samples taken before the cutoff.
func (d *DB) PurgeMetrics(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM system_metrics WHERE sampled_at < ?`, utc(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge metrics: %w", err)
	}
	return result.RowsAffected()
}
