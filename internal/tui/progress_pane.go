package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dispatch/internal/events"
)

// ProgressPaneModel shows scheduler counters and workflow execution totals.
type ProgressPaneModel struct {
	mode        string
	queued      int
	executing   int
	completed   int
	failed      int
	cancelled   int
	agents      int
	utilization float64

	workflowsRunning   int
	workflowsCompleted int
	workflowsFailed    int
	running            map[string]bool // execution ids

	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{running: make(map[string]bool)}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.SchedulerProgressEvent:
		m.mode = msg.Mode
		m.queued = msg.Queued
		m.executing = msg.Executing
		m.completed = msg.Completed
		m.failed = msg.Failed
		m.cancelled = msg.Cancelled
		m.agents = msg.Agents
		m.utilization = msg.Utilization

	case events.ExecutionStartedEvent:
		if !m.running[msg.ExecutionID] {
			m.running[msg.ExecutionID] = true
			m.workflowsRunning++
		}

	case events.ExecutionFinishedEvent:
		if m.running[msg.ExecutionID] {
			delete(m.running, msg.ExecutionID)
			m.workflowsRunning--
		}
		if msg.State == "completed" {
			m.workflowsCompleted++
		} else {
			m.workflowsFailed++
		}
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	mode := m.mode
	if mode == "" {
		mode = "-"
	}
	fmt.Fprintf(&b, "Mode:      %s   Agents: %d   Load: %.0f%%\n", mode, m.agents, m.utilization*100)
	fmt.Fprintf(&b, "Queued:    %s\n", StyleStatusPending.Render(fmt.Sprint(m.queued)))
	fmt.Fprintf(&b, "Executing: %s\n", StyleStatusRunning.Render(fmt.Sprint(m.executing)))
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.completed)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	if m.cancelled > 0 {
		fmt.Fprintf(&b, "Cancelled: %d\n", m.cancelled)
	}
	b.WriteString("\n")

	if bar := m.bar(min(m.width-4, 40)); bar != "" {
		b.WriteString(bar)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Workflows: %d running, %s done, %s failed\n",
		m.workflowsRunning,
		StyleStatusComplete.Render(fmt.Sprint(m.workflowsCompleted)),
		StyleStatusFailed.Render(fmt.Sprint(m.workflowsFailed)))

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// bar draws finished, failed, executing and queued tasks proportionally.
func (m ProgressPaneModel) bar(width int) string {
	total := m.queued + m.executing + m.completed + m.failed
	if total == 0 || width <= 0 {
		return ""
	}
	completedWidth := (m.completed * width) / total
	failedWidth := (m.failed * width) / total
	runningWidth := (m.executing * width) / total
	pendingWidth := width - completedWidth - failedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", completedWidth))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
	bar += StyleStatusRunning.Render(strings.Repeat("-", runningWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
	return fmt.Sprintf("[%s]  %d/%d", bar, m.completed+m.failed, total)
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
