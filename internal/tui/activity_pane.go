package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dispatch/internal/events"
)

const (
	listWidth = 28
	maxItems  = 200 // oldest finished items are dropped beyond this
)

// Item status values.
const (
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

// ActivityItem is one task or workflow step as seen through its events.
type ActivityItem struct {
	Subject   string // task id, or "<execution>/<step>"
	Label     string
	AgentID   string
	Status    string
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// ActivityPaneModel lists recent tasks and steps, with a scrollable log of the
// selected one.
type ActivityPaneModel struct {
	items       map[string]*ActivityItem
	order       []string // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewActivityPaneModel creates an empty activity pane.
func NewActivityPaneModel() ActivityPaneModel {
	return ActivityPaneModel{
		items:    make(map[string]*ActivityItem),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the activity pane.
func (m ActivityPaneModel) Update(msg tea.Msg) (ActivityPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}
		return m, cmd

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
		return m, nil

	case events.Event:
		if m.apply(msg) {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}
	}
	return m, cmd
}

// apply folds ev into the items and reports whether the selected item changed.
func (m *ActivityPaneModel) apply(ev events.Event) bool {
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		it := m.item(e.ID, "task "+e.ID, e.Timestamp)
		it.AgentID = e.AgentID
		it.Status = StatusRunning
		it.log(e.Timestamp, "attempt %d started on %s", e.Attempt, e.AgentID)

	case events.TaskRetryingEvent:
		it := m.item(e.ID, "task "+e.ID, e.Timestamp)
		it.Status = StatusRetrying
		it.log(e.Timestamp, "attempt %d failed: %s (retry in %v)", e.Attempt, e.Err, e.Delay)

	case events.TaskCompletedEvent:
		it := m.item(e.ID, "task "+e.ID, e.Timestamp)
		it.Status = StatusCompleted
		it.Duration = e.Duration
		it.log(e.Timestamp, "completed in %v", e.Duration.Round(time.Millisecond))
		if e.Result != "" {
			it.Log = append(it.Log, e.Result)
		}

	case events.TaskFailedEvent:
		it := m.item(e.ID, "task "+e.ID, e.Timestamp)
		it.Status = StatusFailed
		it.Duration = e.Duration
		it.log(e.Timestamp, "failed after %d attempts: %s", e.Attempts, e.Err)

	case events.TaskCancelledEvent:
		it := m.item(e.ID, "task "+e.ID, e.Timestamp)
		it.Status = StatusCancelled
		it.log(e.Timestamp, "cancelled")

	case events.StepStartedEvent:
		it := m.item(e.Subject(), "step "+e.StepID, e.Timestamp)
		it.AgentID = e.AgentID
		it.Status = StatusRunning
		it.log(e.Timestamp, "started on %s", e.AgentID)

	case events.StepRetryingEvent:
		it := m.item(e.Subject(), "step "+e.StepID, e.Timestamp)
		it.Status = StatusRetrying
		it.log(e.Timestamp, "attempt %d failed: %s", e.Attempt, e.Err)

	case events.StepCompletedEvent:
		it := m.item(e.Subject(), "step "+e.StepID, e.Timestamp)
		it.Status = StatusCompleted
		it.Duration = e.Duration
		it.log(e.Timestamp, "completed in %v", e.Duration.Round(time.Millisecond))

	case events.StepFailedEvent:
		it := m.item(e.Subject(), "step "+e.StepID, e.Timestamp)
		it.Status = StatusFailed
		it.log(e.Timestamp, "failed: %s", e.Err)

	case events.StepSkippedEvent:
		it := m.item(e.Subject(), "step "+e.StepID, e.Timestamp)
		it.Status = StatusSkipped
		it.log(e.Timestamp, "skipped: %s", e.Reason)

	default:
		return false
	}

	m.trim()
	if len(m.order) == 1 {
		m.selectedIdx = 0
	}
	return m.SelectedSubject() == ev.Subject()
}

// item returns the item for subject, creating it if needed.
func (m *ActivityPaneModel) item(subject, label string, at time.Time) *ActivityItem {
	if it, ok := m.items[subject]; ok {
		return it
	}
	it := &ActivityItem{Subject: subject, Label: label, StartTime: at}
	m.items[subject] = it
	m.order = append(m.order, subject)
	return it
}

func (it *ActivityItem) log(at time.Time, format string, args ...any) {
	it.Log = append(it.Log, at.Format("15:04:05")+" "+fmt.Sprintf(format, args...))
}

// trim drops the oldest finished items once the list exceeds maxItems.
func (m *ActivityPaneModel) trim() {
	for len(m.order) > maxItems {
		drop := -1
		for i, subject := range m.order {
			if s := m.items[subject].Status; s != StatusRunning && s != StatusRetrying {
				drop = i
				break
			}
		}
		if drop < 0 {
			return
		}
		delete(m.items, m.order[drop])
		m.order = append(m.order[:drop], m.order[drop+1:]...)
		if m.selectedIdx > drop || m.selectedIdx >= len(m.order) {
			m.selectedIdx = max(0, m.selectedIdx-1)
		}
	}
}

// Items returns the items in display order.
func (m ActivityPaneModel) Items() []ActivityItem {
	out := make([]ActivityItem, 0, len(m.order))
	for _, subject := range m.order {
		out = append(out, *m.items[subject])
	}
	return out
}

// SelectedSubject returns the subject of the selected item.
func (m ActivityPaneModel) SelectedSubject() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// View renders the activity pane.
func (m ActivityPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m ActivityPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Activity")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, subject := range m.order {
		it := m.items[subject]
		label := it.Label
		if len(label) > listWidth-4 {
			label = label[:listWidth-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(it.Status), label)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusRetrying:
		return StyleStatusRunning.Render("↻")
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusSkipped, StatusCancelled:
		return StyleStatusSkipped.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

// updateViewportContent shows the selected item's log.
func (m *ActivityPaneModel) updateViewportContent() {
	it, ok := m.items[m.SelectedSubject()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := fmt.Sprintf("%s  [%s]", it.Subject, it.Status)
	if it.AgentID != "" {
		header += "  agent " + it.AgentID
	}
	m.viewport.SetContent(header + "\n\n" + strings.Join(it.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *ActivityPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-listWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *ActivityPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *ActivityPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
