package models

import "time"

// MetricsSample is a point-in-time system and usage snapshot.
type MetricsSample struct {
	ID                int64     `json:"id"`
	SampledAt         time.Time `json:"sampled_at"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	MemoryAvailable   uint64    `json:"memory_available"`
	DiskPercent       float64   `json:"disk_percent"`
	NetworkSent       uint64    `json:"network_sent"`
	NetworkReceived   uint64    `json:"network_received"`
	ActiveConnections int       `json:"active_connections"`
}
