package expiry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"vpnward/internal/storage"
	"vpnward/internal/storage/models"
	pkgerrors "vpnward/pkg/errors"
)

// dueGrace absorbs timer firings a hair before the stored revoke time.
const dueGrace = time.Second

// Ops is the credential tooling the scheduler drives.
type Ops interface {
	Revoke(ctx context.Context, identity string) error
	ForceDisconnect(ctx context.Context, identity string) error
}

// Config represents scheduler configuration
type Config struct {
	Workers int64         // concurrent revocations during sweep and restore
	Timeout time.Duration // bound on one revocation including disconnect
}

// RevokeResult is the outcome of one revoke attempt.
type RevokeResult struct {
	Identity string
	Executed bool // false when the status guard skipped it
	Status   models.ScheduleStatus
	Err      error
}

// BatchResult is the outcome of a sweep or restore.
type BatchResult struct {
	Armed   []string
	Revoked []*RevokeResult
}

// Status is the read-only projection of one schedule.
type Status struct {
	Schedule *models.EphemeralSchedule `json:"schedule"`
	TimeLeft time.Duration             `json:"time_left"`
	Armed    bool                      `json:"armed"`
	Due      bool                      `json:"due"`
}

// Scheduler owns the single-shot revocation jobs for ephemeral credentials.
// Persisted status is the arbiter: every revoke re-reads it before acting,
// so a cancel that races a firing job is resolved in the store.
type Scheduler struct {
	store  storage.Storage
	ops    Ops
	clock  clockwork.Clock
	config Config
	cron   gocron.Scheduler
	group  singleflight.Group

	mu      sync.Mutex
	handles map[string]handle
	gen     uint64
	running bool
	ctx     context.Context
}

// handle is the cancellation token for one armed job. gen tells a firing
// job whether it is still the identity's current one.
type handle struct {
	id  uuid.UUID
	gen uint64
}

// NewScheduler creates a new expiry scheduler
func NewScheduler(store storage.Storage, ops Ops, clock clockwork.Clock, config Config) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	cron, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Scheduler{
		store:   store,
		ops:     ops,
		clock:   clock,
		config:  config,
		cron:    cron,
		handles: make(map[string]handle),
		ctx:     context.Background(),
	}, nil
}

// Start starts the scheduler. Jobs fire with ctx as their parent context.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return pkgerrors.ErrAlreadyRunning
	}
	s.ctx = ctx
	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return pkgerrors.ErrSchedulerStopped
	}
	s.running = false
	s.handles = make(map[string]handle)
	s.mu.Unlock()

	// running jobs take s.mu, so shut down without holding it
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScheduleCustomJob runs task every interval on the scheduler.
func (s *Scheduler) ScheduleCustomJob(name string, interval time.Duration, task func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// Schedule persists an active schedule revoking identity in hours and arms
// a job for it, replacing any earlier job. When the scheduler is not
// running the row is only persisted; a running instance picks it up on its
// next sweep.
func (s *Scheduler) Schedule(ctx context.Context, identity string, hours int) (*models.EphemeralSchedule, error) {
	if identity == "" {
		return nil, pkgerrors.ErrInvalidIdentity
	}
	if hours <= 0 {
		return nil, pkgerrors.ErrInvalidHours
	}

	now := s.clock.Now()
	row := &models.EphemeralSchedule{
		Identity:  identity,
		CreatedAt: now,
		RevokeAt:  now.Add(time.Duration(hours) * time.Hour),
		Hours:     hours,
		Status:    models.ScheduleActive,
		UpdatedAt: now,
	}
	if err := s.store.UpsertSchedule(ctx, row); err != nil {
		return nil, &pkgerrors.PersistenceError{Op: "schedule", Identity: identity, Err: err}
	}

	if _, err := s.arm(identity, row.RevokeAt); err != nil {
		return row, err
	}
	log.Printf("expiry: %s scheduled for revocation at %s", identity, row.RevokeAt.Format(time.RFC3339))
	return row, nil
}

// arm registers a one-time job for identity at the given time. It reports
// false without error when the scheduler is not running.
func (s *Scheduler) arm(identity string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false, nil
	}
	s.disarmLocked(identity)

	s.gen++
	gen := s.gen
	job, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(func() {
			s.fire(identity, gen)
		}),
		gocron.WithName("revoke:"+identity),
		gocron.WithTags(identity),
	)
	if err != nil {
		return false, fmt.Errorf("failed to arm revocation for %s: %w", identity, err)
	}
	s.handles[identity] = handle{id: job.ID(), gen: gen}
	return true, nil
}

// disarmLocked removes identity's job. It reports whether one was armed.
func (s *Scheduler) disarmLocked(identity string) bool {
	h, ok := s.handles[identity]
	if !ok {
		return false
	}
	delete(s.handles, identity)
	if err := s.cron.RemoveJob(h.id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		log.Printf("expiry: failed to remove job for %s: %v", identity, err)
	}
	return true
}

func (s *Scheduler) fire(identity string, gen uint64) {
	s.mu.Lock()
	if cur, ok := s.handles[identity]; ok && cur.gen == gen {
		delete(s.handles, identity)
	}
	parent := s.ctx
	s.mu.Unlock()

	res := s.Revoke(parent, identity)
	if res.Err != nil {
		log.Printf("expiry: scheduled revocation of %s ended %s: %v", identity, res.Status, res.Err)
	}
}

// Cancel drops the armed job and marks an active row cancelled. Either
// step may find nothing; only when both do does it report
// errors.ErrNothingToCancel. A job already executing is not interrupted;
// its status check sees the cancellation.
func (s *Scheduler) Cancel(ctx context.Context, identity string) error {
	s.mu.Lock()
	removed := s.disarmLocked(identity)
	s.mu.Unlock()

	moved, err := s.store.TransitionSchedule(ctx, identity, s.clock.Now(), models.ScheduleCancelled, models.ScheduleActive)
	if err != nil {
		return &pkgerrors.PersistenceError{Op: "cancel", Identity: identity, Err: err}
	}
	if !removed && !moved {
		return pkgerrors.ErrNothingToCancel
	}
	log.Printf("expiry: %s cancelled", identity)
	return nil
}

// Revoke runs the revocation for identity if its persisted status still
// allows it. Concurrent calls for one identity share a single execution.
func (s *Scheduler) Revoke(ctx context.Context, identity string) *RevokeResult {
	v, _, _ := s.group.Do(identity, func() (interface{}, error) {
		return s.revoke(ctx, identity), nil
	})
	return v.(*RevokeResult)
}

func (s *Scheduler) revoke(ctx context.Context, identity string) *RevokeResult {
	res := &RevokeResult{Identity: identity}

	row, err := s.store.GetSchedule(ctx, identity)
	if err != nil {
		res.Err = &pkgerrors.PersistenceError{Op: "read schedule", Identity: identity, Err: err}
		return res
	}
	if row == nil {
		res.Err = pkgerrors.ErrScheduleNotFound
		return res
	}
	res.Status = row.Status

	switch row.Status {
	case models.ScheduleActive:
		if row.RevokeAt.After(s.clock.Now().Add(dueGrace)) {
			// replaced by a later schedule after this job was queued
			return res
		}
		moved, err := s.store.TransitionSchedule(ctx, identity, s.clock.Now(), models.ScheduleRevoking, models.ScheduleActive)
		if err != nil {
			res.Err = &pkgerrors.PersistenceError{Op: "mark revoking", Identity: identity, Err: err}
			return res
		}
		if !moved {
			// lost to a concurrent cancel
			if cur, err := s.store.GetSchedule(ctx, identity); err == nil && cur != nil {
				res.Status = cur.Status
			}
			return res
		}
	case models.ScheduleRevoking:
		// interrupted by a crash; finish it
	default:
		return res
	}

	res.Executed = true
	res.Status = models.ScheduleRevoking

	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.ops.Revoke(opCtx, identity); err != nil {
		res.Err = err
		res.Status = models.ScheduleError
		var toolErr *pkgerrors.ToolError
		if errors.As(err, &toolErr) {
			res.Status = models.ScheduleFailed
		}
		s.settle(ctx, identity, res.Status)
		return res
	}

	if err := s.ops.ForceDisconnect(opCtx, identity); err != nil {
		log.Printf("expiry: disconnect after revoking %s: %v", identity, err)
	}

	res.Status = models.ScheduleRevoked
	s.settle(ctx, identity, res.Status)

	s.mu.Lock()
	s.disarmLocked(identity)
	s.mu.Unlock()

	log.Printf("expiry: %s revoked", identity)
	return res
}

// settle records the final status of a revocation in flight.
func (s *Scheduler) settle(ctx context.Context, identity string, to models.ScheduleStatus) {
	if _, err := s.store.TransitionSchedule(ctx, identity, s.clock.Now(), to, models.ScheduleRevoking); err != nil {
		log.Printf("expiry: failed to record %s for %s: %v", to, identity, err)
	}
}

// Restore re-arms persisted active schedules after a restart. Rows whose
// time passed while the process was down are revoked immediately, as are
// rows a crash left in revoking.
func (s *Scheduler) Restore(ctx context.Context) (*BatchResult, error) {
	rows, err := s.activeRows(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	result := &BatchResult{}
	var due []string
	for _, row := range rows {
		if row.IsDue(now) {
			due = append(due, row.Identity)
			continue
		}
		armed, err := s.arm(row.Identity, row.RevokeAt)
		if err != nil {
			log.Printf("expiry: restore %s: %v", row.Identity, err)
			continue
		}
		if armed {
			result.Armed = append(result.Armed, row.Identity)
		}
	}

	revoking := models.ScheduleRevoking
	stuck, err := s.store.GetSchedules(ctx, storage.ScheduleFilter{Status: &revoking})
	if err != nil {
		log.Printf("expiry: failed to load interrupted revocations: %v", err)
	}
	for _, row := range stuck {
		due = append(due, row.Identity)
	}
	result.Revoked = s.revokeAll(ctx, due)

	log.Printf("expiry: restored %d schedules (%d armed, %d overdue)", len(rows), len(result.Armed), len(due))
	return result, nil
}

// Sweep revokes every active row that is already due. It backs up jobs that
// never fired and picks up rows written by other processes.
func (s *Scheduler) Sweep(ctx context.Context) (*BatchResult, error) {
	rows, err := s.activeRows(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var due []string
	result := &BatchResult{}
	for _, row := range rows {
		if row.IsDue(now) {
			due = append(due, row.Identity)
			continue
		}
		if s.isArmed(row.Identity) {
			continue
		}
		if armed, err := s.arm(row.Identity, row.RevokeAt); err == nil && armed {
			result.Armed = append(result.Armed, row.Identity)
		}
	}
	result.Revoked = s.revokeAll(ctx, due)
	return result, nil
}

func (s *Scheduler) activeRows(ctx context.Context) ([]*models.EphemeralSchedule, error) {
	active := models.ScheduleActive
	rows, err := s.store.GetSchedules(ctx, storage.ScheduleFilter{Status: &active})
	if err != nil {
		return nil, fmt.Errorf("failed to load active schedules: %w", err)
	}
	return rows, nil
}

// revokeAll revokes identities with at most config.Workers in flight.
func (s *Scheduler) revokeAll(ctx context.Context, identities []string) []*RevokeResult {
	if len(identities) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(s.config.Workers)
	results := make([]*RevokeResult, len(identities))
	var wg sync.WaitGroup

	for i, identity := range identities {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = &RevokeResult{Identity: identity, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, identity string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.Revoke(ctx, identity)
		}(i, identity)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) isArmed(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[identity]
	return ok
}

// Status returns the projection for one identity.
func (s *Scheduler) Status(ctx context.Context, identity string) (*Status, error) {
	row, err := s.store.GetSchedule(ctx, identity)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, pkgerrors.ErrScheduleNotFound
	}
	return s.project(row), nil
}

// List returns projections for every persisted schedule.
func (s *Scheduler) List(ctx context.Context) ([]*Status, error) {
	rows, err := s.store.GetSchedules(ctx, storage.ScheduleFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.project(row))
	}
	return out, nil
}

func (s *Scheduler) project(row *models.EphemeralSchedule) *Status {
	now := s.clock.Now()
	st := &Status{
		Schedule: row,
		Armed:    s.isArmed(row.Identity),
		Due:      row.IsDue(now),
	}
	if row.Status == models.ScheduleActive && row.RevokeAt.After(now) {
		st.TimeLeft = row.RevokeAt.Sub(now)
	}
	return st
}
