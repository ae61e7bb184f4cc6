package report

import "github.com/charmbracelet/lipgloss"

const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconRunning = "▶"
	IconBullet  = "•"
)

// Theme holds the console styles. Styles are bound to a renderer so color
// output follows the destination writer, not os.Stdout.
type Theme struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Accent  lipgloss.Style
	Muted   lipgloss.Style
}

func NewTheme(r *lipgloss.Renderer) Theme {
	primary := lipgloss.Color("#7C3AED")   // Purple
	secondary := lipgloss.Color("#06B6D4") // Cyan
	success := lipgloss.Color("#22C55E")   // Green
	warning := lipgloss.Color("#EAB308")   // Yellow
	errorC := lipgloss.Color("#EF4444")    // Red
	muted := lipgloss.Color("#6B7280")     // Gray

	return Theme{
		Header:  r.NewStyle().Bold(true).Foreground(primary),
		Success: r.NewStyle().Foreground(success),
		Warning: r.NewStyle().Foreground(warning),
		Error:   r.NewStyle().Bold(true).Foreground(errorC),
		Accent:  r.NewStyle().Foreground(secondary),
		Muted:   r.NewStyle().Foreground(muted),
	}
}
