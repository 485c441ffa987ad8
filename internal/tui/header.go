package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
)

var tabNames = []string{"Clients", "Schedules", "Metrics"}

func renderHeader(activeTab int, online, pending int, width int) string {
	logo := logoStyle.Render("VPNWARD")

	var pills []string
	if online > 0 {
		pills = append(pills, onlinePillStyle.Render(fmt.Sprintf(" %d ONLINE ", online)))
	} else {
		pills = append(pills, idlePillStyle.Render(" IDLE "))
	}
	if pending > 0 {
		pills = append(pills, pendingPillStyle.Render(fmt.Sprintf(" %d PENDING ", pending)))
	}
	badges := strings.Join(pills, " ")

	var tabs []string
	for i, name := range tabNames {
		if i == activeTab {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(name))
		}
	}
	tabBar := lipgloss.JoinHorizontal(lipgloss.Bottom, tabs...)

	gap := width - lipgloss.Width(logo) - lipgloss.Width(badges)
	if gap < 1 {
		gap = 1
	}
	topRow := logo + strings.Repeat(" ", gap) + badges

	return lipgloss.JoinVertical(lipgloss.Left, topRow, tabBar, separator(width))
}

func separator(width int) string {
	return lipgloss.NewStyle().
		Foreground(colorBorder).
		Render(strings.Repeat("─", maxInt(width, 0)))
}

func renderFooter(helpText string, width int) string {
	return lipgloss.JoinVertical(lipgloss.Left, separator(width), helpBarStyle.Render(helpText))
}

func renderHelpBar(showFull bool) string {
	if showFull {
		return renderFullHelp()
	}
	return renderShortHelp()
}

func renderShortHelp() string {
	return renderBindings(keys.ShortHelp(), " | ")
}

func renderFullHelp() string {
	var lines []string
	for _, group := range keys.FullHelp() {
		lines = append(lines, renderBindings(group, "  "))
	}
	return strings.Join(lines, "\n")
}

func renderBindings(bindings []key.Binding, sep string) string {
	var parts []string
	for _, b := range bindings {
		if !b.Enabled() {
			continue
		}
		parts = append(parts, helpKeyStyle.Render(b.Help().Key)+" "+helpDescStyle.Render(b.Help().Desc))
	}
	return strings.Join(parts, helpSepStyle.Render(sep))
}
