package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"vpnward/internal/expiry"
	"vpnward/internal/storage/models"
)

// scheduleItem implements list.Item for the schedules list.
type scheduleItem struct {
	status *expiry.Status
}

func (i scheduleItem) Title() string       { return i.status.Schedule.Identity }
func (i scheduleItem) FilterValue() string { return i.status.Schedule.Identity }
func (i scheduleItem) Description() string {
	row := i.status.Schedule
	parts := []string{string(row.Status), fmt.Sprintf("%dh", row.Hours), "at " + formatTime(&row.RevokeAt)}
	switch {
	case i.status.Due:
		parts = append(parts, "due")
	case i.status.TimeLeft > 0:
		parts = append(parts, formatDuration(i.status.TimeLeft)+" left")
	}
	if i.status.Armed {
		parts = append(parts, "armed")
	}
	return strings.Join(parts, " | ")
}

// scheduleItemDelegate renders each schedule item.
type scheduleItemDelegate struct{}

func (d scheduleItemDelegate) Height() int                             { return 2 }
func (d scheduleItemDelegate) Spacing() int                            { return 0 }
func (d scheduleItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d scheduleItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	si, ok := item.(scheduleItem)
	if !ok {
		return
	}

	title := si.Title()
	desc := scheduleStyle(si.status.Schedule.Status, si.status.Due).PaddingLeft(2).Render(si.Description())

	if index == m.Index() {
		title = lipgloss.NewStyle().Bold(true).Foreground(colorPurple).Render("> " + title)
	} else {
		title = lipgloss.NewStyle().Foreground(colorFg).Render("  " + title)
	}

	fmt.Fprintf(w, "%s\n%s", title, desc)
}

// schedulesModel manages the schedules tab.
type schedulesModel struct {
	list      list.Model
	schedules []*expiry.Status
	width     int
	height    int
}

func newSchedulesModel() schedulesModel {
	l := list.New(nil, scheduleItemDelegate{}, 0, 0)
	l.Title = "Scheduled revocations"
	l.SetShowHelp(false)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle
	l.Styles.FilterPrompt = lipgloss.NewStyle().Foreground(colorPurple)
	l.Styles.FilterCursor = lipgloss.NewStyle().Foreground(colorPurple)

	return schedulesModel{list: l}
}

func (sm *schedulesModel) setSize(w, h int) {
	sm.width = w
	sm.height = h
	sm.list.SetSize(w, h)
}

func (sm *schedulesModel) setSchedules(schedules []*expiry.Status) {
	sm.schedules = schedules
	items := make([]list.Item, len(schedules))
	for i, s := range schedules {
		items[i] = scheduleItem{status: s}
	}
	sm.list.SetItems(items)
}

func (sm *schedulesModel) pending() int {
	n := 0
	for _, s := range sm.schedules {
		if !s.Schedule.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (sm *schedulesModel) selected() *expiry.Status {
	item, ok := sm.list.SelectedItem().(scheduleItem)
	if !ok {
		return nil
	}
	return item.status
}

func (sm *schedulesModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if km, ok := msg.(tea.KeyMsg); ok && sm.list.FilterState() != list.Filtering {
		if key.Matches(km, keys.Cancel) {
			st := sm.selected()
			if st == nil || st.Schedule.Status != models.ScheduleActive || root.canceller == nil {
				return nil
			}
			return cancelSchedule(root.canceller, st.Schedule.Identity)
		}
	}

	var cmd tea.Cmd
	sm.list, cmd = sm.list.Update(msg)
	return cmd
}

func (sm *schedulesModel) View() string {
	if len(sm.schedules) == 0 {
		return forceHeight(dimStyle.Render("No scheduled revocations."), sm.width, sm.height)
	}
	return forceHeight(sm.list.View(), sm.width, sm.height)
}
