package console

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/loamlab/loam/internal/stage"
)

// Adaptive palette tuned for light and dark terminals.
var (
	colorText    = lipgloss.AdaptiveColor{Light: "#1A1A1A", Dark: "#F8F8F2"}
	colorSubtext = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#BFBFBF"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#6272A4"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#D0D0D0", Dark: "#44475A"}

	colorPrimary = lipgloss.AdaptiveColor{Light: "#6B47D9", Dark: "#BD93F9"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#006080", Dark: "#8BE9FD"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#007700", Dark: "#50FA7B"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#B06800", Dark: "#FFB86C"}
	colorDanger  = lipgloss.AdaptiveColor{Light: "#CC0000", Dark: "#FF5555"}
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder)

	focusedPanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(colorPrimary)

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	labelStyle  = lipgloss.NewStyle().Foreground(colorSubtext)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	accentStyle = lipgloss.NewStyle().Foreground(colorPrimary)
	okStyle     = lipgloss.NewStyle().Foreground(colorSuccess)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarning)
	errStyle    = lipgloss.NewStyle().Foreground(colorDanger)

	cursorRowStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
)

// renderBar draws a fixed-width progress bar for a value in [0, 100].
func renderBar(percent float64, width int) string {
	if width <= 0 {
		return ""
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	color := colorInfo
	if percent >= 100 {
		color = colorSuccess
	}
	return lipgloss.NewStyle().Foreground(color).Render(bar)
}

// checkboxGlyph renders the tri-state selection marker.
func checkboxGlyph(state stage.CheckState) string {
	switch state {
	case stage.StateChecked:
		return okStyle.Render("[x]")
	case stage.StatePartial:
		return warnStyle.Render("[~]")
	default:
		return mutedStyle.Render("[ ]")
	}
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
