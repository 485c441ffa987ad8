package storage

import (
	"context"
	"time"

	"vpnward/internal/storage/models"
)

// Storage defines the interface for data persistence
type Storage interface {
	// Session operations
	UpsertOpenSession(ctx context.Context, u *models.SessionUpdate) error
	FinalizeSession(ctx context.Context, u *models.SessionUpdate, end time.Time) error
	GetOpenSession(ctx context.Context, identity string) (*models.SessionRecord, error) // nil when none
	GetOpenSessions(ctx context.Context) ([]*models.SessionRecord, error)
	GetSessions(ctx context.Context, filter SessionFilter) ([]*models.SessionRecord, error)

	// Aggregate operations
	UpdateAggregate(ctx context.Context, identity string, mode models.AggregateMode, payload models.AggregatePayload) error
	GetAggregate(ctx context.Context, identity string) (*models.ClientAggregate, error) // nil when none
	Summarize(ctx context.Context, now time.Time) ([]*models.TrafficSummary, error)

	// Ephemeral schedule operations
	UpsertSchedule(ctx context.Context, schedule *models.EphemeralSchedule) error
	GetSchedule(ctx context.Context, identity string) (*models.EphemeralSchedule, error) // nil when none
	GetSchedules(ctx context.Context, filter ScheduleFilter) ([]*models.EphemeralSchedule, error)
	// TransitionSchedule moves identity's row to `to`, stamped at, only if its current status is one of `from`.
	TransitionSchedule(ctx context.Context, identity string, at time.Time, to models.ScheduleStatus, from ...models.ScheduleStatus) (bool, error)

	// Metrics operations
	RecordMetrics(ctx context.Context, sample *models.MetricsSample) error
	GetRecentMetrics(ctx context.Context, limit int) ([]*models.MetricsSample, error)
	PurgeMetrics(ctx context.Context, before time.Time) (int64, error)

	// Close closes the storage connection
	Close() error
}

// SessionFilter represents filters for querying session records
type SessionFilter struct {
	Identity string
	Since    *time.Time // rows last updated at or after
	OpenOnly bool
	Limit    int
}

// ScheduleFilter represents filters for querying ephemeral schedules
type ScheduleFilter struct {
	Identity string
	Status   *models.ScheduleStatus
}
