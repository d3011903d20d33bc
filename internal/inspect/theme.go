package inspect

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles used by the terminal report.
type Theme struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Dim       lipgloss.Style
	Succeeded lipgloss.Style
	Running   lipgloss.Style
	Failed    lipgloss.Style
}

// NewTheme returns the default colours, or unstyled output when plain is set.
func NewTheme(plain bool) Theme {
	if plain {
		s := lipgloss.NewStyle()
		return Theme{Title: s, Label: s, Dim: s, Succeeded: s, Running: s, Failed: s}
	}
	return Theme{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
		Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
	}
}

func (t Theme) status(s string) lipgloss.Style {
	switch s {
	case "succeeded":
		return t.Succeeded
	case "failed":
		return t.Failed
	default:
		return t.Running
	}
}
