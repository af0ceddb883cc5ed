package tui

import (
	"github.com/charmbracelet/lipgloss"
)

const (
	colorAccent  = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("240")
	colorRunning = lipgloss.Color("214")
	colorDone    = lipgloss.Color("42")
	colorFailed  = lipgloss.Color("196")
)

var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorAccent)

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorMuted)
)

// Status colours for tasks, steps and counters.
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(colorRunning).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(colorDone).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(colorFailed).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(colorMuted)
	StyleStatusSkipped  = lipgloss.NewStyle().Foreground(colorMuted).Italic(true)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	StyleSelected = lipgloss.NewStyle().Reverse(true)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleHelpKey  = lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Bold(true)
)
