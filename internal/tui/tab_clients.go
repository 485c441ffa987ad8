package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"vpnward/internal/storage/models"
)

type clientsModel struct {
	table   table.Model
	summary []*models.TrafficSummary
	width   int
	height  int

	// Drill-down into one client's sessions.
	history      *models.SessionHistory
	historyTable table.Model
}

func newClientsModel() clientsModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Client", Width: 20},
			{Title: "Online", Width: 10},
			{Title: "Sent", Width: 10},
			{Title: "Received", Width: 10},
			{Title: "Total", Width: 10},
			{Title: "Sessions", Width: 8},
			{Title: "Last Seen", Width: 16},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())

	h := table.New(
		table.WithColumns([]table.Column{
			{Title: "Start", Width: 16},
			{Title: "End", Width: 16},
			{Title: "Duration", Width: 10},
			{Title: "Sent", Width: 10},
			{Title: "Received", Width: 10},
			{Title: "Address", Width: 22},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	h.SetStyles(tableStyles())

	return clientsModel{table: t, historyTable: h}
}

func (cm *clientsModel) setSize(w, h int) {
	cm.width = w
	cm.height = h
	cm.table.SetWidth(w)
	cm.table.SetHeight(maxInt(h-1, 3))
	cm.historyTable.SetWidth(w)
	cm.historyTable.SetHeight(maxInt(h-3, 3))
}

func (cm *clientsModel) setSummary(summary []*models.TrafficSummary) {
	cm.summary = summary
	rows := make([]table.Row, len(summary))
	for i, s := range summary {
		online := "-"
		if s.IsOnline {
			online = formatSeconds(s.CurrentSessionDuration)
		}
		rows[i] = table.Row{
			s.Identity,
			online,
			formatBytes(s.TotalSent),
			formatBytes(s.TotalReceived),
			formatBytes(s.TotalBytes),
			fmt.Sprintf("%d", s.SessionCount),
			formatTime(s.LastActivity),
		}
	}
	cm.table.SetRows(rows)
	if cm.table.Cursor() >= len(rows) {
		cm.table.GotoTop()
	}
}

func (cm *clientsModel) setHistory(h *models.SessionHistory) {
	cm.history = h
	rows := make([]table.Row, len(h.Sessions))
	for i, s := range h.Sessions {
		end := "open"
		if s.SessionEnd != nil {
			end = formatTime(s.SessionEnd)
		}
		rows[i] = table.Row{
			formatTime(&s.SessionStart),
			end,
			formatSeconds(s.DurationSeconds),
			formatBytes(s.BytesSent),
			formatBytes(s.BytesReceived),
			s.RealAddress,
		}
	}
	cm.historyTable.SetRows(rows)
	cm.historyTable.GotoTop()
}

func (cm *clientsModel) online() int {
	n := 0
	for _, s := range cm.summary {
		if s.IsOnline {
			n++
		}
	}
	return n
}

func (cm *clientsModel) selected() *models.TrafficSummary {
	i := cm.table.Cursor()
	if i < 0 || i >= len(cm.summary) {
		return nil
	}
	return cm.summary[i]
}

func (cm *clientsModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if km, ok := msg.(tea.KeyMsg); ok {
		switch {
		case cm.history != nil && key.Matches(km, keys.Back):
			cm.history = nil
			return nil
		case cm.history == nil && key.Matches(km, keys.Enter):
			if s := cm.selected(); s != nil {
				return loadHistory(root.query, s.Identity)
			}
			return nil
		}
	}

	var cmd tea.Cmd
	if cm.history != nil {
		cm.historyTable, cmd = cm.historyTable.Update(msg)
	} else {
		cm.table, cmd = cm.table.Update(msg)
	}
	return cmd
}

func (cm *clientsModel) View() string {
	if cm.history != nil {
		h := cm.history
		title := titleStyle.MarginBottom(0).Render(fmt.Sprintf("%s, last %d days", h.Identity, h.Days))
		totals := dimStyle.Render(fmt.Sprintf("%d sessions, sent %s, received %s, online %s",
			len(h.Sessions), formatBytes(h.TotalSent), formatBytes(h.TotalReceived),
			formatSeconds(h.TotalDurationSeconds)))
		content := lipgloss.JoinVertical(lipgloss.Left, title, totals, cm.historyTable.View())
		return forceHeight(content, cm.width, cm.height)
	}

	if len(cm.summary) == 0 {
		return forceHeight(dimStyle.Render("No traffic recorded yet."), cm.width, cm.height)
	}
	return forceHeight(cm.table.View(), cm.width, cm.height)
}
