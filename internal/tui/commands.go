package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const (
	refreshInterval = 5 * time.Second
	metricsShown    = 12
)

// loadSummary fetches per-client totals.
func loadSummary(q Querier) tea.Cmd {
	return func() tea.Msg {
		summary, err := q.Summary(context.Background())
		return summaryLoadedMsg{summary: summary, err: err}
	}
}

// loadHistory fetches one client's recent sessions.
func loadHistory(q Querier, identity string) tea.Cmd {
	return func() tea.Msg {
		history, err := q.History(context.Background(), identity, 0)
		return historyLoadedMsg{history: history, err: err}
	}
}

// loadSchedules fetches every schedule projection.
func loadSchedules(q Querier) tea.Cmd {
	return func() tea.Msg {
		schedules, err := q.Schedules(context.Background())
		return schedulesLoadedMsg{schedules: schedules, err: err}
	}
}

// loadMetrics fetches the newest samples.
func loadMetrics(q Querier) tea.Cmd {
	return func() tea.Msg {
		samples, err := q.Metrics(context.Background(), metricsShown)
		return metricsLoadedMsg{samples: samples, err: err}
	}
}

func loadAll(q Querier) tea.Cmd {
	return tea.Batch(loadSummary(q), loadSchedules(q), loadMetrics(q))
}

// refreshTick fires after refreshInterval.
func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

// cancelSchedule cancels a pending revocation.
func cancelSchedule(c Canceller, identity string) tea.Cmd {
	return func() tea.Msg {
		err := c.Cancel(context.Background(), identity)
		return cancelResultMsg{identity: identity, err: err}
	}
}

// clearNotification returns a command that fires after a delay.
func clearNotification(d time.Duration, version int) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return clearNotificationMsg{version: version}
	})
}
