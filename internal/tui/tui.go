package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"vpnward/internal/expiry"
	"vpnward/internal/storage/models"
)

// Tab indices.
const (
	tabClients   = 0
	tabSchedules = 1
	tabMetrics   = 2
	tabCount     = 3
)

// Querier is the read side the dashboard renders.
type Querier interface {
	Summary(ctx context.Context) ([]*models.TrafficSummary, error)
	History(ctx context.Context, identity string, days int) (*models.SessionHistory, error)
	Schedules(ctx context.Context) ([]*expiry.Status, error)
	Metrics(ctx context.Context, limit int) ([]*models.MetricsSample, error)
}

// Canceller cancels a pending revocation.
type Canceller interface {
	Cancel(ctx context.Context, identity string) error
}

// Deps holds all dependencies injected into the TUI.
type Deps struct {
	Query     Querier
	Canceller Canceller
}

// Model is the root BubbleTea model.
type Model struct {
	query     Querier
	canceller Canceller

	width  int
	height int

	activeTab int
	showHelp  bool

	clientsTab   clientsModel
	schedulesTab schedulesModel
	metricsTab   metricsModel

	notification    string
	notificationErr bool
	notifVersion    int
}

// NewModel creates a new root Model.
func NewModel(deps Deps) *Model {
	return &Model{
		query:        deps.Query,
		canceller:    deps.Canceller,
		activeTab:    tabClients,
		clientsTab:   newClientsModel(),
		schedulesTab: newSchedulesModel(),
		metricsTab:   newMetricsModel(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(loadAll(m.query), refreshTick())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	prevNotifVersion := m.notifVersion

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		ch := m.contentHeight()
		m.clientsTab.setSize(msg.Width, ch)
		m.schedulesTab.setSize(msg.Width, ch)
		m.metricsTab.setSize(msg.Width, ch)
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleGlobalKey(msg); handled {
			return m, cmd
		}

	case summaryLoadedMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Load failed: %v", msg.err), true)
		} else {
			m.clientsTab.setSummary(msg.summary)
		}
	case historyLoadedMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("History failed: %v", msg.err), true)
		} else {
			m.clientsTab.setHistory(msg.history)
		}
	case schedulesLoadedMsg:
		if msg.err == nil {
			m.schedulesTab.setSchedules(msg.schedules)
		}
	case metricsLoadedMsg:
		if msg.err == nil {
			m.metricsTab.setSamples(msg.samples)
		}

	case refreshTickMsg:
		cmds = append(cmds, loadAll(m.query), refreshTick())

	case cancelResultMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Cancel %s failed: %v", msg.identity, msg.err), true)
		} else {
			m.setNotification(fmt.Sprintf("Revocation cancelled: %s", msg.identity), false)
		}
		cmds = append(cmds, loadSchedules(m.query))

	case clearNotificationMsg:
		if msg.version == m.notifVersion {
			m.notification = ""
			m.notificationErr = false
		}
	}

	if m.notifVersion > prevNotifVersion && m.notification != "" {
		cmds = append(cmds, clearNotification(4*time.Second, m.notifVersion))
	}

	switch m.activeTab {
	case tabClients:
		cmds = append(cmds, m.clientsTab.Update(msg, m))
	case tabSchedules:
		cmds = append(cmds, m.schedulesTab.Update(msg, m))
	case tabMetrics:
		cmds = append(cmds, m.metricsTab.Update(msg, m))
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := renderHeader(m.activeTab, m.clientsTab.online(), m.schedulesTab.pending(), m.width)

	var content string
	switch m.activeTab {
	case tabClients:
		content = m.clientsTab.View()
	case tabSchedules:
		content = m.schedulesTab.View()
	case tabMetrics:
		content = m.metricsTab.View()
	}

	parts := []string{header}
	if m.notification != "" {
		if m.notificationErr {
			parts = append(parts, notifErrorStyle.Render("! "+m.notification))
		} else {
			parts = append(parts, notifSuccessStyle.Render("* "+m.notification))
		}
	}
	parts = append(parts, content, renderFooter(renderHelpBar(m.showHelp), m.width))
	output := lipgloss.JoinVertical(lipgloss.Left, parts...)

	// Force exactly m.height lines to prevent BubbleTea rendering drift.
	return forceHeight(output, m.width, m.height)
}

// forceHeight pads or truncates s to exactly height lines of width.
func forceHeight(s string, width, height int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	blank := strings.Repeat(" ", width)
	for len(lines) < height {
		lines = append(lines, blank)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) contentHeight() int {
	overhead := 5
	if m.showHelp {
		overhead += 2
	}
	h := m.height - overhead
	if h < 1 {
		h = 1
	}
	return h
}

// handleGlobalKey reports whether the key was consumed before the tabs
// see it.
func (m *Model) handleGlobalKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	// Typing into the schedules filter must not trigger shortcuts.
	if m.activeTab == tabSchedules && m.schedulesTab.list.FilterState() == list.Filtering {
		return nil, false
	}

	switch {
	case key.Matches(msg, keys.Quit):
		return tea.Quit, true

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		ch := m.contentHeight()
		m.clientsTab.setSize(m.width, ch)
		m.schedulesTab.setSize(m.width, ch)
		m.metricsTab.setSize(m.width, ch)
		return nil, true

	case key.Matches(msg, keys.TabNext):
		m.activeTab = (m.activeTab + 1) % tabCount
		return nil, true

	case key.Matches(msg, keys.TabPrev):
		m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		return nil, true

	case key.Matches(msg, keys.Refresh):
		return loadAll(m.query), true
	}
	return nil, false
}

func (m *Model) setNotification(text string, isErr bool) {
	m.notification = text
	m.notificationErr = isErr
	m.notifVersion++
}

// NewProgram creates a bubbletea program with alt screen.
func NewProgram(deps Deps) *tea.Program {
	return tea.NewProgram(NewModel(deps), tea.WithAltScreen())
}
