package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the dashboard key bindings.
type keyMap struct {
	Next     key.Binding
	Prev     key.Binding
	Activity key.Binding
	Progress key.Binding
	Up       key.Binding
	Down     key.Binding
	Scroll   key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Next:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next pane")),
	Prev:     key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "prev pane")),
	Activity: key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "activity")),
	Progress: key.NewBinding(key.WithKeys("2"), key.WithHelp("2", "progress")),
	Up:       key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "prev item")),
	Down:     key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next item")),
	Scroll:   key.NewBinding(key.WithKeys("pgup", "pgdown"), key.WithHelp("pgup/pgdn", "scroll log")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Activity, k.Progress, k.Down, k.Up, k.Scroll, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Next, k.Prev, k.Activity, k.Progress},
		{k.Up, k.Down, k.Scroll, k.Quit},
	}
}

// HelpView renders the one-line help bar.
func HelpView(width int) string {
	h := help.New()
	h.Width = width
	h.Styles.ShortKey = StyleHelpKey
	h.Styles.ShortDesc = StyleHelp
	h.Styles.ShortSeparator = StyleHelp
	return h.View(keys)
}
