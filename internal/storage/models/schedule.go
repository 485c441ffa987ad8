package models

import "time"

// ScheduleStatus is the state of an ephemeral credential's revocation.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleRevoking  ScheduleStatus = "revoking"
	ScheduleRevoked   ScheduleStatus = "revoked"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleError     ScheduleStatus = "error"
)

// IsTerminal reports whether no further transition is expected.
func (s ScheduleStatus) IsTerminal() bool {
	switch s {
	case ScheduleRevoked, ScheduleCancelled, ScheduleFailed, ScheduleError:
		return true
	}
	return false
}

// EphemeralSchedule is the persisted automatic-revocation plan for one identity.
type EphemeralSchedule struct {
	ID        int64          `json:"id"`
	Identity  string         `json:"identity"`
	CreatedAt time.Time      `json:"created_at"`
	RevokeAt  time.Time      `json:"revoke_at"`
	Hours     int            `json:"hours"`
	Status    ScheduleStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsDue reports whether an active schedule has reached its revocation time.
func (s *EphemeralSchedule) IsDue(now time.Time) bool {
	return s.Status == ScheduleActive && !s.RevokeAt.After(now)
}
