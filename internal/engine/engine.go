package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"vpnward/internal/expiry"
	"vpnward/internal/session"
	"vpnward/internal/storage"
	"vpnward/internal/storage/models"
	pkgerrors "vpnward/pkg/errors"
)

// Config represents orchestrator configuration
type Config struct {
	TickInterval     time.Duration
	ErrorBackoff     time.Duration
	MetricsEvery     int // capture metrics every Nth iteration
	SweepEvery       int // run the expiry sweep every Nth iteration
	MetricsRetention time.Duration
}

// DefaultConfig returns default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:     30 * time.Second,
		ErrorBackoff:     60 * time.Second,
		MetricsEvery:     4,
		SweepEvery:       10,
		MetricsRetention: 30 * 24 * time.Hour,
	}
}

// Sampler captures one metrics reading.
type Sampler interface {
	Sample(ctx context.Context) (*models.MetricsSample, error)
}

// Stats describes the orchestrator's progress.
type Stats struct {
	Running    bool      `json:"running"`
	Iterations uint64    `json:"iterations"`
	LastTick   time.Time `json:"last_tick"`
	LastError  string    `json:"last_error,omitempty"`
	Connected  int       `json:"connected"`
}

// Engine owns the reconciler, the expiry scheduler and the metrics sampler
// and drives them from one periodic loop.
type Engine struct {
	store      storage.Storage
	reconciler *session.Reconciler
	scheduler  *expiry.Scheduler
	sampler    Sampler
	clock      clockwork.Clock
	config     Config

	mu        sync.Mutex
	running   bool
	recovered bool
	iteration uint64
	lastTick  time.Time
	lastErr   error
}

// New creates a new engine
func New(store storage.Storage, reconciler *session.Reconciler, scheduler *expiry.Scheduler, sampler Sampler, clock clockwork.Clock, config Config) *Engine {
	defaults := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = defaults.ErrorBackoff
	}
	if config.MetricsEvery <= 0 {
		config.MetricsEvery = defaults.MetricsEvery
	}
	if config.SweepEvery <= 0 {
		config.SweepEvery = defaults.SweepEvery
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		store:      store,
		reconciler: reconciler,
		scheduler:  scheduler,
		sampler:    sampler,
		clock:      clock,
		config:     config,
	}
}

// Scheduler exposes the expiry scheduler for credential flows.
func (e *Engine) Scheduler() *expiry.Scheduler {
	return e.scheduler
}

// Run starts the scheduler, restores schedules and loops until ctx is
// done. No iteration failure ends the loop; a failed iteration waits
// ErrorBackoff instead of TickInterval.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return pkgerrors.ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start expiry scheduler: %w", err)
	}
	defer func() {
		if err := e.scheduler.Stop(); err != nil {
			log.Printf("engine: %v", err)
		}
	}()

	if _, err := e.scheduler.Restore(ctx); err != nil {
		log.Printf("engine: schedule restore failed: %v", err)
	}

	if e.config.MetricsRetention > 0 {
		err := e.scheduler.ScheduleCustomJob("metrics-retention", 24*time.Hour, func() {
			e.purgeMetrics(ctx)
		})
		if err != nil {
			log.Printf("engine: metrics retention job not scheduled: %v", err)
		}
	}

	log.Printf("engine: running (tick=%s metrics every %d sweep every %d)",
		e.config.TickInterval, e.config.MetricsEvery, e.config.SweepEvery)

	for {
		wait := e.config.TickInterval
		if err := e.Step(ctx); err != nil {
			log.Printf("engine: iteration failed, backing off %s: %v", e.config.ErrorBackoff, err)
			wait = e.config.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			log.Printf("engine: stopped")
			return nil
		case <-e.clock.After(wait):
		}
	}
}

// Step runs one orchestrator iteration: session recovery until it has
// succeeded once, a reconciliation tick, then metrics and the expiry sweep
// on their cadence. A snapshot failure skips only the tick. Panics are
// recovered and returned as errors.
func (e *Engine) Step(ctx context.Context) (err error) {
	e.mu.Lock()
	e.iteration++
	n := e.iteration
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration %d panicked: %v", n, r)
		}
		e.mu.Lock()
		e.lastTick = e.clock.Now()
		e.lastErr = err
		e.mu.Unlock()
	}()

	e.recoverSessions(ctx)

	var errs []error

	result, tickErr := e.reconciler.Tick(ctx)
	switch {
	case tickErr != nil && pkgerrors.IsTransient(tickErr):
		log.Printf("engine: tick skipped: %v", tickErr)
	case tickErr != nil:
		errs = append(errs, tickErr)
	case result.Started+result.Resumed+result.Finalized > 0:
		log.Printf("engine: tick %d started=%d resumed=%d finalized=%d billable=%d failures=%d",
			n, result.Started, result.Resumed, result.Finalized, result.Billable, len(result.Failures))
	}

	if n%uint64(e.config.MetricsEvery) == 0 {
		if err := e.captureMetrics(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if n%uint64(e.config.SweepEvery) == 0 {
		res, err := e.scheduler.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if len(res.Revoked) > 0 {
			log.Printf("engine: sweep revoked %d overdue credentials", len(res.Revoked))
		}
	}

	return errors.Join(errs...)
}

// recoverSessions runs startup session recovery until one attempt succeeds.
func (e *Engine) recoverSessions(ctx context.Context) {
	e.mu.Lock()
	done := e.recovered
	e.mu.Unlock()
	if done {
		return
	}

	if _, err := e.reconciler.Recover(ctx); err != nil {
		log.Printf("engine: session recovery deferred: %v", err)
		return
	}
	e.mu.Lock()
	e.recovered = true
	e.mu.Unlock()
}

func (e *Engine) captureMetrics(ctx context.Context) error {
	if e.sampler == nil {
		return nil
	}
	sample, err := e.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("metrics sample: %w", err)
	}
	if err := e.store.RecordMetrics(ctx, sample); err != nil {
		return &pkgerrors.PersistenceError{Op: "record metrics", Err: err}
	}
	return nil
}

func (e *Engine) purgeMetrics(ctx context.Context) {
	cutoff := e.clock.Now().Add(-e.config.MetricsRetention)
	n, err := e.store.PurgeMetrics(ctx, cutoff)
	if err != nil {
		log.Printf("engine: metrics purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("engine: purged %d metrics samples older than %s", n, cutoff.Format(time.RFC3339))
	}
}

// Stats returns a snapshot of the orchestrator's progress.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Running:    e.running,
		Iterations: e.iteration,
		LastTick:   e.lastTick,
		Connected:  len(e.reconciler.ActiveSessions()),
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}
