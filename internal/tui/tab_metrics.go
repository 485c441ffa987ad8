package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"vpnward/internal/storage/models"
)

type metricsModel struct {
	width   int
	height  int
	samples []*models.MetricsSample
}

func newMetricsModel() metricsModel {
	return metricsModel{}
}

func (mm *metricsModel) setSize(w, h int) {
	mm.width = w
	mm.height = h
}

func (mm *metricsModel) setSamples(samples []*models.MetricsSample) {
	mm.samples = samples
}

func (mm *metricsModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	return nil
}

func (mm *metricsModel) View() string {
	w := mm.width - 6
	if w < 30 {
		w = 30
	}

	if len(mm.samples) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			cardTitleStyle.Render("Host"),
			dimStyle.Render("No samples yet. They are recorded while 'vpnward serve' runs."),
		)
		return forceHeight(cardStyle.Width(w).Render(content), mm.width, mm.height)
	}

	latest := mm.samples[0]
	hostCard := lipgloss.JoinVertical(lipgloss.Left,
		cardTitleStyle.Render("Host"),
		mm.row("Sampled", latest.SampledAt.Local().Format("15:04:05")),
		mm.row("CPU", usageStyle(latest.CPUPercent).Render(fmt.Sprintf("%.1f%%", latest.CPUPercent))),
		mm.row("Memory", usageStyle(latest.MemoryPercent).Render(fmt.Sprintf("%.1f%%", latest.MemoryPercent))),
		mm.row("Mem Free", formatBytes(int64(latest.MemoryAvailable))),
		mm.row("Disk", usageStyle(latest.DiskPercent).Render(fmt.Sprintf("%.1f%%", latest.DiskPercent))),
	)
	netCard := lipgloss.JoinVertical(lipgloss.Left,
		cardTitleStyle.Render("Network"),
		mm.row("Clients", fmt.Sprintf("%d", latest.ActiveConnections)),
		mm.row("Sent", formatBytes(int64(latest.NetworkSent))),
		mm.row("Received", formatBytes(int64(latest.NetworkReceived))),
	)

	var cards string
	if mm.width > 80 {
		halfW := (w - 4) / 2
		cards = lipgloss.JoinHorizontal(lipgloss.Top,
			cardStyle.Width(halfW).Render(hostCard), "  ", cardStyle.Width(halfW).Render(netCard))
	} else {
		cards = lipgloss.JoinVertical(lipgloss.Left,
			cardStyle.Width(w).Render(hostCard), cardStyle.Width(w).Render(netCard))
	}

	return forceHeight(lipgloss.JoinVertical(lipgloss.Left, cards, mm.trend()), mm.width, mm.height)
}

// trend renders CPU over the loaded samples, oldest first.
func (mm *metricsModel) trend() string {
	const bars = "▁▂▃▄▅▆▇█"
	levels := []rune(bars)
	var b strings.Builder
	for i := len(mm.samples) - 1; i >= 0; i-- {
		pct := mm.samples[i].CPUPercent
		idx := int(pct / 100 * float64(len(levels)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(levels) {
			idx = len(levels) - 1
		}
		b.WriteRune(levels[idx])
	}
	return cardLabelStyle.Render("CPU trend:") + " " + spinnerStyle.Render(b.String())
}

func (mm *metricsModel) row(label, value string) string {
	return cardLabelStyle.Render(label+":") + " " + cardValueStyle.Render(value)
}
