// Package theme holds the colors, styles and symbols of the terminal UI.
// Colors are adaptive so they read on light and dark terminals.
//
// NO_COLOR (https://no-color.org/) is honored by lipgloss's color profile
// detection.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"loginpilot/internal/domain"
)

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}

	ColorBorder       = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	ColorBorderActive = lipgloss.AdaptiveColor{Light: "#1565c0", Dark: "#42a5f5"}

	ColorBgAlt = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	ColorFgDim = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
)

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)
)

var (
	Title = lipgloss.NewStyle().
		Foreground(ColorAccent).
		Bold(true)

	FocusBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorderActive)

	UnfocusedBorder = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(ColorBorder)

	StatusBar = lipgloss.NewStyle().
			Foreground(ColorFgDim).
			Background(ColorBgAlt).
			Padding(0, 1)

	StatusKey = lipgloss.NewStyle().
			Foreground(ColorInfo).
			Bold(true)

	StatValue = lipgloss.NewStyle().
			Foreground(ColorInfo).
			Bold(true)

	StatLabel = lipgloss.NewStyle().
			Foreground(ColorMuted)
)

// EntryStyle returns the text style for an entry status.
func EntryStyle(s domain.EntryStatus) lipgloss.Style {
	switch s {
	case domain.StatusSuccess:
		return TextSuccess
	case domain.StatusError:
		return TextError
	case domain.StatusActionRequired:
		return TextWarning
	case domain.StatusProcessing:
		return TextInfo
	}
	return TextMuted
}

// EntrySymbol returns the glyph shown next to an entry status.
func EntrySymbol(s domain.EntryStatus) string {
	switch s {
	case domain.StatusSuccess:
		return SymbolSuccess
	case domain.StatusError:
		return SymbolError
	case domain.StatusActionRequired:
		return SymbolWarning
	case domain.StatusProcessing:
		return SymbolSpinner
	}
	return SymbolBullet
}

// Clamp returns v clamped to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
