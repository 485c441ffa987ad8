package session

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

	"vpnward/internal/status"
	"vpnward/internal/storage"
	"vpnward/internal/storage/models"
	"vpnward/internal/storage/sqlite"
	pkgerrors "vpnward/pkg/errors"
)

type fakeSource struct {
	mu    sync.Mutex
	conns []status.Connection
	err   error
}

func (f *fakeSource) set(conns ...status.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = conns
	f.err = nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) Snapshot(ctx context.Context) ([]status.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]status.Connection(nil), f.conns...), nil
}

func conn(identity string, sent, received int64) status.Connection {
	return status.Connection{
		Identity:       identity,
		RealAddress:    "203.0.113.5:51000",
		VirtualAddress: "10.8.0.2",
		BytesSent:      sent,
		BytesReceived:  received,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *sqlite.DB
	source *fakeSource
	clock  *clockwork.FakeClock
	rec    *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:  store,
		source: &fakeSource{},
		clock:  clockwork.NewFakeClockAt(t0),
	}
	h.rec = NewReconciler(store, h.source, h.clock, Config{MinSession: DefaultMinSession})
	return h
}

func (h *harness) tick(t *testing.T, conns ...status.Connection) *TickResult {
	t.Helper()
	h.source.set(conns...)
	result, err := h.rec.Tick(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Failures)
	return result
}

func (h *harness) openRows(t *testing.T, identity string) int {
	t.Helper()
	rows, err := h.store.GetSessions(context.Background(), storage.SessionFilter{Identity: identity, OpenOnly: true})
	require.NoError(t, err)
	return len(rows)
}

func TestTickAliceThreeSnapshotsThenGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	res := h.tick(t, conn("alice", 0, 0))
	assert.Equal(t, 1, res.Started)

	agg, err := h.store.GetAggregate(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.True(t, agg.IsOnline)
	assert.Zero(t, agg.SessionCount)

	h.clock.Advance(30 * time.Second)
	h.tick(t, conn("alice", 1000, 2000))

	open, err := h.store.GetOpenSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, int64(1000), open.BytesSent)
	assert.Equal(t, int64(30), open.DurationSeconds)

	h.clock.Advance(30 * time.Second)
	h.tick(t, conn("alice", 1500, 3000))
	assert.Equal(t, 1, h.openRows(t, "alice"))

	agg, err = h.store.GetAggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, agg.TotalSent, "totals move only on finalize")

	h.clock.Advance(30 * time.Second)
	res = h.tick(t)
	assert.Equal(t, 1, res.Finalized)
	assert.Equal(t, 1, res.Billable)

	sessions, err := h.store.GetSessions(ctx, storage.SessionFilter{Identity: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsOpen())
	assert.Equal(t, int64(1500), sessions[0].BytesSent)
	assert.Equal(t, int64(3000), sessions[0].BytesReceived)
	assert.Equal(t, int64(90), sessions[0].DurationSeconds)

	agg, err = h.store.GetAggregate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.SessionCount)
	assert.Equal(t, int64(1500), agg.TotalSent)
	assert.Equal(t, int64(3000), agg.TotalReceived)
	assert.False(t, agg.IsOnline)
	assert.Empty(t, h.rec.ActiveSessions())
}

func TestTickBobShortSessionNotBillable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.tick(t, conn("bob", 100, 100))
	h.clock.Advance(3 * time.Second)
	res := h.tick(t)
	assert.Equal(t, 1, res.Finalized)
	assert.Zero(t, res.Billable)

	sessions, err := h.store.GetSessions(ctx, storage.SessionFilter{Identity: "bob"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsOpen())
	assert.Equal(t, int64(3), sessions[0].DurationSeconds)

	agg, err := h.store.GetAggregate(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, agg.SessionCount)
	assert.Zero(t, agg.TotalSent)
	assert.Zero(t, agg.TotalReceived)
	assert.False(t, agg.IsOnline)
}

func TestTickBillingBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration time.Duration
		billable bool
	}{
		{"exactly the threshold", 10 * time.Second, false},
		{"just over the threshold", 11 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)

			h.tick(t, conn("ivan", 0, 0))
			h.clock.Advance(tt.duration)
			res := h.tick(t)
			assert.Equal(t, 1, res.Finalized)

			agg, err := h.store.GetAggregate(ctx, "ivan")
			require.NoError(t, err)
			if tt.billable {
				assert.Equal(t, 1, res.Billable)
				assert.Equal(t, int64(1), agg.SessionCount)
				assert.Equal(t, int64(tt.duration/time.Second), agg.TotalDurationSeconds)
			} else {
				assert.Zero(t, res.Billable)
				assert.Zero(t, agg.SessionCount)
				assert.Zero(t, agg.TotalDurationSeconds)
			}
		})
	}
}

func TestTickNeverLeavesTwoOpenRows(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// identities flap in and out on different cadences
	identities := []string{"alice", "bob", "carol"}
	for i := 0; i < 24; i++ {
		var conns []status.Connection
		for j, id := range identities {
			if (i/(j+1))%2 == 0 {
				conns = append(conns, conn(id, int64(i*100), int64(i*200)))
			}
		}
		h.clock.Advance(15 * time.Second)
		h.tick(t, conns...)

		for _, id := range identities {
			assert.LessOrEqual(t, h.openRows(t, id), 1, "identity %s at step %d", id, i)
		}
	}
}

func TestTickClampsCounterReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.tick(t, conn("alice", 5000, 5000))
	h.clock.Advance(30 * time.Second)
	h.tick(t, conn("alice", 100, 200))

	open, err := h.store.GetOpenSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Zero(t, open.BytesSent)
	assert.Zero(t, open.BytesReceived)
}

func TestTickSourceFailureMutatesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.tick(t, conn("alice", 0, 0))
	h.clock.Advance(30 * time.Second)

	h.source.fail(&pkgerrors.SourceError{Path: "/tmp/status.log", Err: errors.New("read timed out")})
	res, err := h.rec.Tick(ctx)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, pkgerrors.IsTransient(err))

	assert.Len(t, h.rec.ActiveSessions(), 1)
	assert.Zero(t, h.openRows(t, "alice"))
}

func TestTickDuplicateIdentityInSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res := h.tick(t, conn("alice", 10, 10), conn("alice", 99, 99))
	assert.Equal(t, 1, res.Started)

	active := h.rec.ActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, int64(10), active[0].BaselineSent)
}

func TestRecoverResumesAndCloses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	start := t0.Add(-time.Hour)
	require.NoError(t, h.store.UpsertOpenSession(ctx, &models.SessionUpdate{
		Identity: "erin", SessionStart: start, BytesSent: 400, BytesReceived: 800, At: t0.Add(-time.Minute),
	}))
	require.NoError(t, h.store.UpsertOpenSession(ctx, &models.SessionUpdate{
		Identity: "frank", SessionStart: start, BytesSent: 50, BytesReceived: 60, At: t0.Add(-time.Minute),
	}))

	h.source.set(conn("erin", 1000, 2000))
	res, err := h.rec.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"erin"}, res.Resumed)
	assert.Equal(t, []string{"frank"}, res.Closed)

	// frank is closed with his persisted traffic and no billable credit
	assert.Zero(t, h.openRows(t, "frank"))
	frank, err := h.store.GetSessions(ctx, storage.SessionFilter{Identity: "frank"})
	require.NoError(t, err)
	require.Len(t, frank, 1)
	assert.Equal(t, int64(50), frank[0].BytesSent)
	assert.Equal(t, int64(3600), frank[0].DurationSeconds)
	agg, err := h.store.GetAggregate(ctx, "frank")
	require.NoError(t, err)
	assert.Zero(t, agg.SessionCount)

	// erin continues from her persisted values
	h.clock.Advance(30 * time.Second)
	h.tick(t, conn("erin", 1100, 2100))
	open, err := h.store.GetOpenSession(ctx, "erin")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, int64(500), open.BytesSent)
	assert.Equal(t, int64(900), open.BytesReceived)
	assert.True(t, open.SessionStart.Equal(start))
	assert.Equal(t, 1, h.openRows(t, "erin"))
}

func TestRecoverSkippedOnSourceFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.store.UpsertOpenSession(ctx, &models.SessionUpdate{
		Identity: "erin", SessionStart: t0, At: t0,
	}))
	h.source.fail(&pkgerrors.SourceError{Err: pkgerrors.ErrStatusFileNotFound})

	_, err := h.rec.Recover(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, h.openRows(t, "erin"))
	assert.Empty(t, h.rec.ActiveSessions())
}

func TestTickResumesOpenRowLeftByPreviousRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	start := t0.Add(-time.Hour)
	require.NoError(t, h.store.UpsertOpenSession(ctx, &models.SessionUpdate{
		Identity: "erin", SessionStart: start, BytesSent: 400, BytesReceived: 800, At: t0.Add(-time.Minute),
	}))

	res := h.tick(t, conn("erin", 1000, 2000))
	assert.Equal(t, 1, res.Resumed)
	assert.Zero(t, res.Started)

	h.clock.Advance(30 * time.Second)
	h.tick(t, conn("erin", 1100, 2100))

	open, err := h.store.GetOpenSession(ctx, "erin")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, int64(500), open.BytesSent)
	assert.Equal(t, int64(900), open.BytesReceived)
	assert.True(t, open.SessionStart.Equal(start))
}

func TestTickClosesOpenRowOnReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	lastWrite := t0.Add(-10 * time.Minute)
	require.NoError(t, h.store.UpsertOpenSession(ctx, &models.SessionUpdate{
		Identity: "gina", SessionStart: t0.Add(-time.Hour), BytesSent: 5000, BytesReceived: 7000, At: lastWrite,
	}))

	res := h.tick(t, conn("gina", 10, 10))
	assert.Equal(t, 1, res.Started)
	assert.Zero(t, res.Resumed)

	h.clock.Advance(30 * time.Second)
	h.tick(t, conn("gina", 60, 70))

	sessions, err := h.store.GetSessions(ctx, storage.SessionFilter{Identity: "gina"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, h.openRows(t, "gina"))

	var closed, open *models.SessionRecord
	for _, s := range sessions {
		if s.IsOpen() {
			open = s
		} else {
			closed = s
		}
	}
	require.NotNil(t, closed)
	require.NotNil(t, open)
	assert.Equal(t, int64(5000), closed.BytesSent, "earlier traffic kept")
	assert.Equal(t, int64(7000), closed.BytesReceived)
	assert.True(t, closed.SessionEnd.Equal(lastWrite))
	assert.Equal(t, int64(50), open.BytesSent)
	assert.Equal(t, int64(60), open.BytesReceived)

	agg, err := h.store.GetAggregate(ctx, "gina")
	require.NoError(t, err)
	assert.Zero(t, agg.SessionCount, "stale row is not billed")
	assert.True(t, agg.IsOnline)
}

func TestRecoverClosesRowWhenConnectionIsNewer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	lastWrite := t0.Add(-20 * time.Minute)
	require.NoError(t, h.store.UpsertOpenSession(ctx, &models.SessionUpdate{
		Identity: "hank", SessionStart: t0.Add(-time.Hour), BytesSent: 300, BytesReceived: 300, At: lastWrite,
	}))

	c := conn("hank", 900, 900)
	c.ConnectedSince = t0.Add(-5 * time.Minute)
	h.source.set(c)

	res, err := h.rec.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Resumed)
	assert.Equal(t, []string{"hank"}, res.Closed)
	assert.Zero(t, h.openRows(t, "hank"))
	assert.Empty(t, h.rec.ActiveSessions())

	sessions, err := h.store.GetSessions(ctx, storage.SessionFilter{Identity: "hank"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(300), sessions[0].BytesSent)
	assert.True(t, sessions[0].SessionEnd.Equal(lastWrite))
}

func TestRecoverLeavesTrackedIdentities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.tick(t, conn("alice", 0, 0))
	h.clock.Advance(30 * time.Second)
	h.tick(t, conn("alice", 100, 100))

	h.source.set()
	res, err := h.rec.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Closed)
	assert.Equal(t, 1, h.openRows(t, "alice"))

	h.clock.Advance(30 * time.Second)
	h.tick(t)
	sessions, err := h.store.GetSessions(ctx, storage.SessionFilter{Identity: "alice"})
	require.NoError(t, err)
	assert.Len(t, sessions, 1, "finalized once by the tick")
}
