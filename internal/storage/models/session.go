package models

import "time"

// SessionRecord is one persisted connection session for an identity.
// A nil SessionEnd marks the identity's single open row.
type SessionRecord struct {
	ID              int64      `json:"id"`
	Identity        string     `json:"identity"`
	SessionStart    time.Time  `json:"session_start"`
	SessionEnd      *time.Time `json:"session_end,omitempty"`
	BytesSent       int64      `json:"bytes_sent"`
	BytesReceived   int64      `json:"bytes_received"`
	DurationSeconds int64      `json:"duration_seconds"`
	RealAddress     string     `json:"real_address,omitempty"`
	VirtualAddress  string     `json:"virtual_address,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`
}

// IsOpen reports whether the session has not been finalized yet.
func (r *SessionRecord) IsOpen() bool {
	return r.SessionEnd == nil
}

// SessionUpdate carries the values written by an open-session upsert or a finalize.
type SessionUpdate struct {
	Identity        string
	SessionStart    time.Time
	BytesSent       int64
	BytesReceived   int64
	DurationSeconds int64
	RealAddress     string
	VirtualAddress  string
	At              time.Time // write time, becomes last_updated
}

// SessionHistory is a window of session records with totals over the window.
type SessionHistory struct {
	Identity             string           `json:"identity"`
	Days                 int              `json:"days"`
	Sessions             []*SessionRecord `json:"sessions"`
	TotalSent            int64            `json:"total_sent"`
	TotalReceived        int64            `json:"total_received"`
	TotalDurationSeconds int64            `json:"total_duration_seconds"`
}
