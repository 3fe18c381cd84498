// Package components holds reusable terminal UI widgets.
package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"loginpilot/internal/adapter/tui/theme"
)

// KeyHint is one keybinding shown in the status bar.
type KeyHint struct {
	Key  string // e.g. "p"
	Desc string // e.g. "Pause"
}

// StatusBarModel renders a bottom line with key hints on the left and run
// state on the right.
type StatusBarModel struct {
	Hints []KeyHint
	RunID string
	Extra string // e.g. "Paused"
	width int
}

// NewStatusBar creates an empty status bar.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	var hints []string
	for _, h := range m.Hints {
		hints = append(hints, theme.StatusKey.Render(h.Key)+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	var parts []string
	if m.Extra != "" {
		parts = append(parts, theme.TextWarning.Render(m.Extra))
	}
	if m.RunID != "" {
		parts = append(parts, theme.TextMuted.Render("run "+m.RunID))
	}
	right := strings.Join(parts, "  ")

	inner := m.width - theme.StatusBar.GetHorizontalFrameSize()
	gap := inner - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return theme.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}
