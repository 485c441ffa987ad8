package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnward/internal/engine"
	"vpnward/internal/expiry"
	"vpnward/internal/storage/models"
	"vpnward/internal/storage/sqlite"
)

type nopOps struct{}

func (nopOps) Revoke(ctx context.Context, identity string) error          { return nil }
func (nopOps) ForceDisconnect(ctx context.Context, identity string) error { return nil }

type fixedStats engine.Stats

func (s fixedStats) Stats() engine.Stats { return engine.Stats(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*Server, *sqlite.DB) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	sched, err := expiry.NewScheduler(store, nopOps{}, clock, expiry.Config{})
	require.NoError(t, err)

	stats := fixedStats{Running: true, Iterations: 7, Connected: 2}
	return NewServer(engine.NewQuery(store, sched, clock), stats), store
}

func get(t *testing.T, s *Server, path string) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec.Code, env
}

func finalize(t *testing.T, store *sqlite.DB, identity string, sent int64) {
	t.Helper()
	start := t0.Add(-time.Hour)
	require.NoError(t, store.FinalizeSession(context.Background(), &models.SessionUpdate{
		Identity: identity, SessionStart: start, BytesSent: sent, DurationSeconds: 600, At: start.Add(10 * time.Minute),
	}, start.Add(10*time.Minute)))
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	code, env := get(t, s, "/api/health")
	require.Equal(t, http.StatusOK, code)
	var st engine.Stats
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Running)
	assert.Equal(t, uint64(7), st.Iterations)
}

func TestSummaryIsCached(t *testing.T) {
	s, store := newTestServer(t)
	finalize(t, store, "alice", 100)

	code, env := get(t, s, "/api/traffic/summary")
	require.Equal(t, http.StatusOK, code)
	var first []models.TrafficSummary
	require.NoError(t, json.Unmarshal(env.Data, &first))
	require.Len(t, first, 1)

	finalize(t, store, "bob", 500)

	_, env = get(t, s, "/api/traffic/summary")
	var second []models.TrafficSummary
	require.NoError(t, json.Unmarshal(env.Data, &second))
	assert.Len(t, second, 1, "served from cache")

	s.cache.Flush()
	_, env = get(t, s, "/api/traffic/summary")
	var third []models.TrafficSummary
	require.NoError(t, json.Unmarshal(env.Data, &third))
	require.Len(t, third, 2)
	assert.Equal(t, "bob", third[0].Identity)
}

func TestHistory(t *testing.T) {
	s, store := newTestServer(t)
	finalize(t, store, "alice", 100)

	code, env := get(t, s, "/api/traffic/history/alice?days=7")
	require.Equal(t, http.StatusOK, code)
	var h models.SessionHistory
	require.NoError(t, json.Unmarshal(env.Data, &h))
	assert.Equal(t, 7, h.Days)
	assert.Len(t, h.Sessions, 1)

	code, env = get(t, s, "/api/traffic/history/alice?days=zero")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", env.Status)
}

func TestAggregateNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	code, _ := get(t, s, "/api/clients/ghost")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSchedules(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.UpsertSchedule(context.Background(), &models.EphemeralSchedule{
		Identity: "carol", CreatedAt: t0, RevokeAt: t0.Add(2 * time.Hour), Hours: 2,
	}))

	code, env := get(t, s, "/api/schedules/carol")
	require.Equal(t, http.StatusOK, code)
	var st expiry.Status
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, 2*time.Hour, st.TimeLeft)
	assert.False(t, st.Due)

	code, _ = get(t, s, "/api/schedules/dave")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = get(t, s, "/api/schedules")
	require.Equal(t, http.StatusOK, code)
	var list []expiry.Status
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)
}

func TestMetricsLimit(t *testing.T) {
	s, store := newTestServer(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordMetrics(context.Background(), &models.MetricsSample{
			SampledAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	code, env := get(t, s, "/api/metrics?limit=2")
	require.Equal(t, http.StatusOK, code)
	var samples []models.MetricsSample
	require.NoError(t, json.Unmarshal(env.Data, &samples))
	assert.Len(t, samples, 2)

	code, _ = get(t, s, "/api/metrics?limit=-1")
	assert.Equal(t, http.StatusBadRequest, code)
}
