package tui

import (
	"vpnward/internal/expiry"
	"vpnward/internal/storage/models"
)

// Data loading messages.

type summaryLoadedMsg struct {
	summary []*models.TrafficSummary
	err     error
}

type historyLoadedMsg struct {
	history *models.SessionHistory
	err     error
}

type schedulesLoadedMsg struct {
	schedules []*expiry.Status
	err       error
}

type metricsLoadedMsg struct {
	samples []*models.MetricsSample
	err     error
}

// Periodic refresh.

type refreshTickMsg struct{}

// Schedule actions.

type cancelResultMsg struct {
	identity string
	err      error
}

// Notification message.

type clearNotificationMsg struct {
	version int
}
