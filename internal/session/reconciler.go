package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"vpnward/internal/status"
	"vpnward/internal/storage"
	"vpnward/internal/storage/models"
	pkgerrors "vpnward/pkg/errors"
)

// DefaultMinSession is the shortest session that counts toward aggregate totals.
const DefaultMinSession = 10 * time.Second

// Source yields the currently connected clients.
type Source interface {
	Snapshot(ctx context.Context) ([]status.Connection, error)
}

// Active is the in-memory state of one connected identity.
type Active struct {
	Identity         string
	StartTime        time.Time
	BaselineSent     int64
	BaselineReceived int64
	LastSent         int64
	LastReceived     int64
	RealAddress      string
	VirtualAddress   string
}

// SessionSent is traffic since the baseline, clamped at zero so a counter
// reset never produces negative usage.
func (a *Active) SessionSent() int64 {
	return clampDelta(a.LastSent, a.BaselineSent)
}

// SessionReceived mirrors SessionSent for the receive counter.
func (a *Active) SessionReceived() int64 {
	return clampDelta(a.LastReceived, a.BaselineReceived)
}

func clampDelta(current, baseline int64) int64 {
	if current < baseline {
		return 0
	}
	return current - baseline
}

// Config represents reconciler configuration
type Config struct {
	MinSession time.Duration
	Debug      bool // log every continuing-session update
}

// TickResult summarizes one reconciliation pass.
type TickResult struct {
	Started   int
	Resumed   int // open rows picked up again by a new tick
	Updated   int
	Finalized int
	Billable  int
	Failures  []*pkgerrors.PersistenceError
}

// Reconciler diffs connection snapshots against the in-memory active table
// and writes session transitions to the store. Tick must not run
// concurrently with itself.
type Reconciler struct {
	store  storage.Storage
	source Source
	clock  clockwork.Clock
	config Config

	mu     sync.Mutex
	active map[string]*Active
}

// NewReconciler creates a reconciler with an empty active table.
func NewReconciler(store storage.Storage, source Source, clock clockwork.Clock, config Config) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.MinSession <= 0 {
		config.MinSession = DefaultMinSession
	}
	return &Reconciler{
		store:  store,
		source: source,
		clock:  clock,
		config: config,
		active: make(map[string]*Active),
	}
}

// Tick reads one snapshot and applies it. A snapshot failure returns the
// *errors.SourceError and leaves all state untouched. Store failures are
// per identity and collected in the result.
func (r *Reconciler) Tick(ctx context.Context) (*TickResult, error) {
	conns, err := r.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, conns), nil
}

// Apply reconciles an already fetched snapshot.
func (r *Reconciler) Apply(ctx context.Context, conns []status.Connection) *TickResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	result := &TickResult{}

	seen := make(map[string]status.Connection, len(conns))
	for _, c := range conns {
		if _, dup := seen[c.Identity]; !dup {
			seen[c.Identity] = c
		}
	}

	for _, identity := range sortedKeys(seen) {
		c := seen[identity]
		if a, ok := r.active[identity]; ok {
			r.update(ctx, a, c, now, result)
		} else {
			r.start(ctx, c, now, result)
		}
	}

	for _, identity := range sortedKeys(r.active) {
		if _, ok := seen[identity]; ok {
			continue
		}
		r.finalize(ctx, r.active[identity], now, result)
		delete(r.active, identity)
	}

	return result
}

// start begins tracking c. An open row left behind for the identity is
// resumed when c continues it and closed otherwise, so its traffic is never
// overwritten by a fresh baseline.
func (r *Reconciler) start(ctx context.Context, c status.Connection, now time.Time, result *TickResult) {
	rec, err := r.store.GetOpenSession(ctx, c.Identity)
	if err != nil {
		r.fail(result, "read open session", c.Identity, err)
	}
	if rec != nil {
		if continues(rec, c) {
			r.active[c.Identity] = resume(rec, c)
			result.Resumed++
			err := r.store.UpdateAggregate(ctx, c.Identity, models.AggregateConnect, models.AggregatePayload{At: rec.SessionStart})
			if err != nil {
				r.fail(result, "connect", c.Identity, err)
				return
			}
			log.Printf("session: %s resumed open session from %s", c.Identity, rec.SessionStart.Format(time.RFC3339))
			return
		}
		if err := r.closeStale(ctx, rec, rec.LastUpdated); err != nil {
			r.fail(result, "close stale session", c.Identity, err)
		}
	}

	a := &Active{
		Identity:         c.Identity,
		StartTime:        now,
		BaselineSent:     c.BytesSent,
		BaselineReceived: c.BytesReceived,
		LastSent:         c.BytesSent,
		LastReceived:     c.BytesReceived,
		RealAddress:      c.RealAddress,
		VirtualAddress:   c.VirtualAddress,
	}
	r.active[c.Identity] = a
	result.Started++

	err = r.store.UpdateAggregate(ctx, c.Identity, models.AggregateConnect, models.AggregatePayload{At: now})
	if err != nil {
		r.fail(result, "connect", c.Identity, err)
		return
	}
	log.Printf("session: %s connected from %s", c.Identity, c.RealAddress)
}

func (r *Reconciler) update(ctx context.Context, a *Active, c status.Connection, now time.Time, result *TickResult) {
	a.LastSent = c.BytesSent
	a.LastReceived = c.BytesReceived
	if c.RealAddress != "" {
		a.RealAddress = c.RealAddress
	}
	if c.VirtualAddress != "" {
		a.VirtualAddress = c.VirtualAddress
	}
	result.Updated++

	if err := r.store.UpsertOpenSession(ctx, r.sessionUpdate(a, now)); err != nil {
		r.fail(result, "upsert open session", a.Identity, err)
		return
	}
	err := r.store.UpdateAggregate(ctx, a.Identity, models.AggregateActivity, models.AggregatePayload{At: now})
	if err != nil {
		r.fail(result, "activity", a.Identity, err)
		return
	}
	if r.config.Debug {
		log.Printf("session: %s sent=%d received=%d", a.Identity, a.SessionSent(), a.SessionReceived())
	}
}

func (r *Reconciler) finalize(ctx context.Context, a *Active, now time.Time, result *TickResult) {
	u := r.sessionUpdate(a, now)
	result.Finalized++

	if err := r.store.FinalizeSession(ctx, u, now); err != nil {
		r.fail(result, "finalize session", a.Identity, err)
	}

	billable := u.DurationSeconds > int64(r.config.MinSession/time.Second)
	err := r.store.UpdateAggregate(ctx, a.Identity, models.AggregateDisconnect, models.AggregatePayload{
		At:              now,
		BytesSent:       u.BytesSent,
		BytesReceived:   u.BytesReceived,
		DurationSeconds: u.DurationSeconds,
		Billable:        billable,
	})
	if err != nil {
		r.fail(result, "disconnect", a.Identity, err)
		return
	}
	if billable {
		result.Billable++
	}
	log.Printf("session: %s disconnected after %ds (sent=%d received=%d billable=%t)",
		a.Identity, u.DurationSeconds, u.BytesSent, u.BytesReceived, billable)
}

func (r *Reconciler) sessionUpdate(a *Active, now time.Time) *models.SessionUpdate {
	return &models.SessionUpdate{
		Identity:        a.Identity,
		SessionStart:    a.StartTime,
		BytesSent:       a.SessionSent(),
		BytesReceived:   a.SessionReceived(),
		DurationSeconds: status.DurationSince(a.StartTime, now),
		RealAddress:     a.RealAddress,
		VirtualAddress:  a.VirtualAddress,
		At:              now,
	}
}

func (r *Reconciler) fail(result *TickResult, op, identity string, err error) {
	pe := &pkgerrors.PersistenceError{Op: op, Identity: identity, Err: err}
	result.Failures = append(result.Failures, pe)
	log.Printf("session: %v", pe)
}

// ActiveSessions returns a copy of the in-memory table, ordered by identity.
func (r *Reconciler) ActiveSessions() []Active {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Active, 0, len(r.active))
	for _, identity := range sortedKeys(r.active) {
		out = append(out, *r.active[identity])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
