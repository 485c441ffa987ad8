package models

import "time"

// ClientAggregate holds running totals for one identity.
// Totals move only when a billable session is finalized.
type ClientAggregate struct {
	Identity             string     `json:"identity"`
	TotalSent            int64      `json:"total_sent"`
	TotalReceived        int64      `json:"total_received"`
	TotalDurationSeconds int64      `json:"total_duration_seconds"`
	SessionCount         int64      `json:"session_count"`
	FirstConnection      *time.Time `json:"first_connection,omitempty"`
	LastConnection       *time.Time `json:"last_connection,omitempty"`
	LastActivity         *time.Time `json:"last_activity,omitempty"`
	IsOnline             bool       `json:"is_online"`
	CurrentSessionStart  *time.Time `json:"current_session_start,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// AggregateMode selects which fields an aggregate write touches.
type AggregateMode string

const (
	AggregateConnect    AggregateMode = "connect"    // online, current session start
	AggregateDisconnect AggregateMode = "disconnect" // offline, totals when billable
	AggregateActivity   AggregateMode = "activity"   // last activity only
)

// AggregatePayload is the data for one aggregate write.
type AggregatePayload struct {
	At              time.Time // session start, session end or activity time depending on mode
	BytesSent       int64
	BytesReceived   int64
	DurationSeconds int64
	// Billable is only read for disconnect. Short sessions close offline without touching totals.
	Billable bool
}

// TrafficSummary is the per-identity projection served to the query surface.
type TrafficSummary struct {
	Identity               string     `json:"identity"`
	TotalSent              int64      `json:"total_sent"`
	TotalReceived          int64      `json:"total_received"`
	TotalBytes             int64      `json:"total_bytes"`
	TotalDurationSeconds   int64      `json:"total_duration_seconds"`
	SessionCount           int64      `json:"session_count"`
	FirstConnection        *time.Time `json:"first_connection,omitempty"`
	LastConnection         *time.Time `json:"last_connection,omitempty"`
	LastActivity           *time.Time `json:"last_activity,omitempty"`
	IsOnline               bool       `json:"is_online"`
	CurrentSessionStart    *time.Time `json:"current_session_start,omitempty"`
	CurrentSessionDuration int64      `json:"current_session_duration"`
}
