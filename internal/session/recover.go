package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"vpnward/internal/status"
	"vpnward/internal/storage/models"
)

// RecoverResult reports what startup recovery did with open rows.
type RecoverResult struct {
	Resumed []string // still connected, rebuilt in memory
	Closed  []string // gone or reconnected while we were down, finalized
}

// Recover rebuilds the active table from open session rows left by a
// previous run. Identities still on the same connection resume their
// session with a baseline chosen so persisted traffic carries forward.
// The rest are closed without touching aggregate totals, since the real end
// time is unknown. Identities a tick already tracks are left to it. A
// snapshot failure skips recovery entirely so the caller can retry.
func (r *Reconciler) Recover(ctx context.Context) (*RecoverResult, error) {
	open, err := r.store.GetOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open sessions: %w", err)
	}
	if len(open) == 0 {
		return &RecoverResult{}, nil
	}

	conns, err := r.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	connected := make(map[string]status.Connection, len(conns))
	for _, c := range conns {
		if _, dup := connected[c.Identity]; !dup {
			connected[c.Identity] = c
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	result := &RecoverResult{}

	for _, rec := range open {
		if _, tracked := r.active[rec.Identity]; tracked {
			continue
		}

		c, ok := connected[rec.Identity]
		if ok && continues(rec, c) {
			r.active[rec.Identity] = resume(rec, c)
			err := r.store.UpdateAggregate(ctx, rec.Identity, models.AggregateConnect, models.AggregatePayload{At: rec.SessionStart})
			if err != nil {
				log.Printf("session: recover %s: %v", rec.Identity, err)
			}
			result.Resumed = append(result.Resumed, rec.Identity)
			continue
		}

		// a reconnect ended the old session no later than its last write
		end := now
		if ok {
			end = rec.LastUpdated
		}
		if err := r.closeStale(ctx, rec, end); err != nil {
			log.Printf("session: recover %s: %v", rec.Identity, err)
			continue
		}
		result.Closed = append(result.Closed, rec.Identity)
	}

	log.Printf("session: recovered %d open sessions (%d resumed, %d closed)",
		len(open), len(result.Resumed), len(result.Closed))
	return result, nil
}

// continues reports whether c is the connection rec was recording. A
// connection established after the row's last write, or one whose counters
// are below the persisted traffic, is a new one.
func continues(rec *models.SessionRecord, c status.Connection) bool {
	if !c.ConnectedSince.IsZero() && c.ConnectedSince.After(rec.LastUpdated) {
		return false
	}
	return c.BytesSent >= rec.BytesSent && c.BytesReceived >= rec.BytesReceived
}

// resume rebuilds the active entry for an open row that c continues.
func resume(rec *models.SessionRecord, c status.Connection) *Active {
	return &Active{
		Identity:         rec.Identity,
		StartTime:        rec.SessionStart,
		BaselineSent:     clampDelta(c.BytesSent, rec.BytesSent),
		BaselineReceived: clampDelta(c.BytesReceived, rec.BytesReceived),
		LastSent:         c.BytesSent,
		LastReceived:     c.BytesReceived,
		RealAddress:      firstNonEmpty(c.RealAddress, rec.RealAddress),
		VirtualAddress:   firstNonEmpty(c.VirtualAddress, rec.VirtualAddress),
	}
}

// closeStale finalizes an open row at end with its persisted traffic and
// marks the identity offline without billing it.
func (r *Reconciler) closeStale(ctx context.Context, rec *models.SessionRecord, end time.Time) error {
	u := &models.SessionUpdate{
		Identity:        rec.Identity,
		SessionStart:    rec.SessionStart,
		BytesSent:       rec.BytesSent,
		BytesReceived:   rec.BytesReceived,
		DurationSeconds: status.DurationSince(rec.SessionStart, end),
		At:              end,
	}
	if err := r.store.FinalizeSession(ctx, u, end); err != nil {
		return err
	}
	return r.store.UpdateAggregate(ctx, rec.Identity, models.AggregateDisconnect, models.AggregatePayload{At: end})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
