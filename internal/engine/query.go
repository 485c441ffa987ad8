package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"vpnward/internal/expiry"
	"vpnward/internal/storage"
	"vpnward/internal/storage/models"
	pkgerrors "vpnward/pkg/errors"
)

// DefaultHistoryDays is the history window when none is given.
const DefaultHistoryDays = 30

// Query is the read-only surface over the store used by the API, the TUI
// and the CLI. Nothing here depends on the orchestrator having run.
type Query struct {
	store     storage.Storage
	scheduler *expiry.Scheduler
	clock     clockwork.Clock
}

// NewQuery creates a query surface.
func NewQuery(store storage.Storage, scheduler *expiry.Scheduler, clock clockwork.Clock) *Query {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Query{store: store, scheduler: scheduler, clock: clock}
}

// Summary returns per-identity traffic totals, largest first.
func (q *Query) Summary(ctx context.Context) ([]*models.TrafficSummary, error) {
	return q.store.Summarize(ctx, q.clock.Now())
}

// History returns the identity's sessions updated in the last days days.
func (q *Query) History(ctx context.Context, identity string, days int) (*models.SessionHistory, error) {
	if identity == "" {
		return nil, pkgerrors.ErrInvalidIdentity
	}
	if days <= 0 {
		days = DefaultHistoryDays
	}
	since := q.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	sessions, err := q.store.GetSessions(ctx, storage.SessionFilter{Identity: identity, Since: &since})
	if err != nil {
		return nil, err
	}

	h := &models.SessionHistory{Identity: identity, Days: days, Sessions: sessions}
	for _, s := range sessions {
		h.TotalSent += s.BytesSent
		h.TotalReceived += s.BytesReceived
		h.TotalDurationSeconds += s.DurationSeconds
	}
	if h.Sessions == nil {
		h.Sessions = []*models.SessionRecord{}
	}
	return h, nil
}

// Aggregate returns the running totals for one identity.
func (q *Query) Aggregate(ctx context.Context, identity string) (*models.ClientAggregate, error) {
	return q.store.GetAggregate(ctx, identity)
}

// Schedule returns the expiry projection for one identity.
func (q *Query) Schedule(ctx context.Context, identity string) (*expiry.Status, error) {
	return q.scheduler.Status(ctx, identity)
}

// Schedules returns the expiry projection for every identity.
func (q *Query) Schedules(ctx context.Context) ([]*expiry.Status, error) {
	return q.scheduler.List(ctx)
}

// Metrics returns the newest metrics samples.
func (q *Query) Metrics(ctx context.Context, limit int) ([]*models.MetricsSample, error) {
	return q.store.GetRecentMetrics(ctx, limit)
}
