package expiry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnward/internal/storage/models"
	"vpnward/internal/storage/sqlite"
	pkgerrors "vpnward/pkg/errors"
)

type fakeOps struct {
	mu          sync.Mutex
	revokes     []string
	disconnects []string
	revokeErr   error
	onRevoke    func(identity string)
}

func (f *fakeOps) Revoke(ctx context.Context, identity string) error {
	if f.onRevoke != nil {
		f.onRevoke(identity)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes = append(f.revokes, identity)
	return f.revokeErr
}

func (f *fakeOps) ForceDisconnect(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, identity)
	return nil
}

func (f *fakeOps) revokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revokes)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.DB {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "expiry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newScheduler(t *testing.T, store *sqlite.DB, ops *fakeOps, clock clockwork.Clock, start bool) *Scheduler {
	t.Helper()
	s, err := NewScheduler(store, ops, clock, Config{Workers: 2, Timeout: 5 * time.Second})
	require.NoError(t, err)
	if start {
		require.NoError(t, s.Start(context.Background()))
		t.Cleanup(func() { _ = s.Stop() })
	}
	return s
}

func status(t *testing.T, store *sqlite.DB, identity string) models.ScheduleStatus {
	t.Helper()
	row, err := store.GetSchedule(context.Background(), identity)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row.Status
}

func TestScheduleThenCancelNeverRevokes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	ops := &fakeOps{}
	clock := clockwork.NewFakeClockAt(t0)
	s := newScheduler(t, store, ops, clock, true)

	row, err := s.Schedule(ctx, "carol", 1)
	require.NoError(t, err)
	assert.True(t, row.RevokeAt.Equal(t0.Add(time.Hour)))
	assert.True(t, s.isArmed("carol"))

	require.NoError(t, s.Cancel(ctx, "carol"))
	assert.Equal(t, models.ScheduleCancelled, status(t, store, "carol"))
	assert.False(t, s.isArmed("carol"))

	clock.Advance(2 * time.Hour)
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Revoked)

	assert.Never(t, func() bool { return ops.revokeCount() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, models.ScheduleCancelled, status(t, store, "carol"))
}

func TestCancelStampsInjectedClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)
	s := newScheduler(t, store, &fakeOps{}, clock, false)

	_, err := s.Schedule(ctx, "carol", 4)
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	require.NoError(t, s.Cancel(ctx, "carol"))

	row, err := store.GetSchedule(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, models.ScheduleCancelled, row.Status)
	assert.True(t, row.UpdatedAt.Equal(t0.Add(90*time.Minute)), "updated_at %s", row.UpdatedAt)
}

func TestCancelTwiceIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	s := newScheduler(t, store, &fakeOps{}, clockwork.NewFakeClockAt(t0), true)

	_, err := s.Schedule(ctx, "carol", 1)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, "carol"))
	err = s.Cancel(ctx, "carol")
	assert.ErrorIs(t, err, pkgerrors.ErrNothingToCancel)
	assert.Equal(t, models.ScheduleCancelled, status(t, store, "carol"))
}

func TestCancelWithoutArmedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)

	// a previous process wrote the row; this scheduler never armed it
	require.NoError(t, store.UpsertSchedule(ctx, &models.EphemeralSchedule{
		Identity: "carol", CreatedAt: t0, RevokeAt: t0.Add(time.Hour), Hours: 1,
	}))
	s := newScheduler(t, store, &fakeOps{}, clock, false)

	require.NoError(t, s.Cancel(ctx, "carol"))
	assert.Equal(t, models.ScheduleCancelled, status(t, store, "carol"))

	assert.ErrorIs(t, s.Cancel(ctx, "nobody"), pkgerrors.ErrNothingToCancel)
}

func TestRestoreRevokesOverdueOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)

	require.NoError(t, store.UpsertSchedule(ctx, &models.EphemeralSchedule{
		Identity:  "dave",
		CreatedAt: t0.Add(-time.Hour - 5*time.Minute),
		RevokeAt:  t0.Add(-5 * time.Minute),
		Hours:     1,
	}))

	var seen models.ScheduleStatus
	ops := &fakeOps{}
	ops.onRevoke = func(identity string) {
		row, err := store.GetSchedule(ctx, identity)
		if err == nil && row != nil {
			seen = row.Status
		}
	}
	s := newScheduler(t, store, ops, clock, true)

	res, err := s.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, res.Revoked, 1)
	assert.Empty(t, res.Armed)
	assert.True(t, res.Revoked[0].Executed)
	assert.NoError(t, res.Revoked[0].Err)

	assert.Equal(t, models.ScheduleRevoking, seen, "persisted before the tool runs")
	assert.Equal(t, []string{"dave"}, ops.revokes)
	assert.Equal(t, []string{"dave"}, ops.disconnects)
	assert.Equal(t, models.ScheduleRevoked, status(t, store, "dave"))

	// a following sweep finds nothing left to do
	sweep, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, sweep.Revoked)
	assert.Equal(t, 1, ops.revokeCount())
}

func TestRestoreFinishesInterruptedRevocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)

	require.NoError(t, store.UpsertSchedule(ctx, &models.EphemeralSchedule{
		Identity:  "frank",
		CreatedAt: t0.Add(-2 * time.Hour),
		RevokeAt:  t0.Add(-time.Hour),
		Hours:     1,
		Status:    models.ScheduleRevoking,
	}))
	ops := &fakeOps{}
	s := newScheduler(t, store, ops, clock, true)

	res, err := s.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, res.Revoked, 1)
	assert.True(t, res.Revoked[0].Executed)
	assert.Equal(t, []string{"frank"}, ops.revokes)
	assert.Equal(t, models.ScheduleRevoked, status(t, store, "frank"))
}

func TestRestoreArmsFutureSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)

	require.NoError(t, store.UpsertSchedule(ctx, &models.EphemeralSchedule{
		Identity: "erin", CreatedAt: t0, RevokeAt: t0.Add(90 * time.Minute), Hours: 2,
	}))
	ops := &fakeOps{}
	s := newScheduler(t, store, ops, clock, true)

	res, err := s.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"erin"}, res.Armed)
	assert.Empty(t, res.Revoked)
	assert.Zero(t, ops.revokeCount())

	st, err := s.Status(ctx, "erin")
	require.NoError(t, err)
	assert.True(t, st.Armed)
	assert.False(t, st.Due)
	assert.Equal(t, 90*time.Minute, st.TimeLeft)
}

func TestToolFailureMarksFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)

	for _, id := range []string{"frank", "grace"} {
		require.NoError(t, store.UpsertSchedule(ctx, &models.EphemeralSchedule{
			Identity: id, CreatedAt: t0.Add(-2 * time.Hour), RevokeAt: t0.Add(-time.Hour), Hours: 1,
		}))
	}

	toolOps := &fakeOps{revokeErr: &pkgerrors.ToolError{Op: "revoke", Identity: "frank", Message: "boom"}}
	res := newScheduler(t, store, toolOps, clock, false).Revoke(ctx, "frank")
	assert.Equal(t, models.ScheduleFailed, res.Status)
	assert.Equal(t, models.ScheduleFailed, status(t, store, "frank"))
	assert.Empty(t, toolOps.disconnects)

	otherOps := &fakeOps{revokeErr: errors.New("unexpected")}
	s := newScheduler(t, store, otherOps, clock, false)
	res = s.Revoke(ctx, "grace")
	assert.Equal(t, models.ScheduleError, res.Status)
	assert.Equal(t, models.ScheduleError, status(t, store, "grace"))

	// terminal rows are never retried
	sweep, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, sweep.Revoked)
	assert.Equal(t, 1, otherOps.revokeCount())
}

func TestRevokeSkipsRowsNotDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	ops := &fakeOps{}
	s := newScheduler(t, store, ops, clockwork.NewFakeClockAt(t0), false)

	_, err := s.Schedule(ctx, "heidi", 3)
	require.NoError(t, err)

	res := s.Revoke(ctx, "heidi")
	assert.False(t, res.Executed)
	assert.Equal(t, models.ScheduleActive, res.Status)
	assert.Zero(t, ops.revokeCount())

	res = s.Revoke(ctx, "nobody")
	assert.ErrorIs(t, res.Err, pkgerrors.ErrScheduleNotFound)
}

func TestConcurrentRevokesRunOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)

	require.NoError(t, store.UpsertSchedule(ctx, &models.EphemeralSchedule{
		Identity: "ivan", CreatedAt: t0.Add(-2 * time.Hour), RevokeAt: t0.Add(-time.Minute), Hours: 1,
	}))

	release := make(chan struct{})
	ops := &fakeOps{onRevoke: func(string) { <-release }}
	s := newScheduler(t, store, ops, clock, false)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Revoke(ctx, "ivan")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, ops.revokeCount())
	assert.Equal(t, models.ScheduleRevoked, status(t, store, "ivan"))
}

func TestRescheduleReplacesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	clock := clockwork.NewFakeClockAt(t0)
	s := newScheduler(t, store, &fakeOps{}, clock, true)

	_, err := s.Schedule(ctx, "judy", 1)
	require.NoError(t, err)
	first := s.handles["judy"]

	_, err = s.Schedule(ctx, "judy", 2)
	require.NoError(t, err)

	s.mu.Lock()
	second := s.handles["judy"]
	count := len(s.handles)
	s.mu.Unlock()
	assert.NotEqual(t, first.id, second.id)
	assert.Equal(t, 1, count)

	st, err := s.Status(ctx, "judy")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Schedule.Hours)
	assert.Equal(t, 2*time.Hour, st.TimeLeft)
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newScheduler(t, newStore(t), &fakeOps{}, clockwork.NewFakeClockAt(t0), false)

	_, err := s.Schedule(ctx, "kim", 0)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidHours)
	_, err = s.Schedule(ctx, "", 1)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidIdentity)
	_, err = s.Status(ctx, "kim")
	assert.ErrorIs(t, err, pkgerrors.ErrScheduleNotFound)
}

func TestArmedJobFiresOnRealClock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)
	ops := &fakeOps{}
	s := newScheduler(t, store, ops, clockwork.NewRealClock(), true)

	at := time.Now().Add(150 * time.Millisecond)
	require.NoError(t, store.UpsertSchedule(ctx, &models.EphemeralSchedule{
		Identity: "leo", CreatedAt: time.Now(), RevokeAt: at, Hours: 1,
	}))
	armed, err := s.arm("leo", at)
	require.NoError(t, err)
	require.True(t, armed)

	assert.Eventually(t, func() bool { return ops.revokeCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		row, err := store.GetSchedule(ctx, "leo")
		return err == nil && row != nil && row.Status == models.ScheduleRevoked
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, s.isArmed("leo"))
}
