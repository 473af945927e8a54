package inspect

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles of the terminal report.
type Theme struct {
	Success  lipgloss.Style
	Unstable lipgloss.Style
	Failure  lipgloss.Style
	Aborted  lipgloss.Style
	Running  lipgloss.Style
	Dim      lipgloss.Style
	Header   lipgloss.Style
	Stage    lipgloss.Style
	Parallel lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Unstable: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Failure:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Aborted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
		Running:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Stage:    lipgloss.NewStyle().Bold(true),
		Parallel: lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD")),
	}
}

// NewPlainTheme renders without colors or attributes.
func NewPlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Success: plain, Unstable: plain, Failure: plain, Aborted: plain,
		Running: plain, Dim: plain, Header: plain, Stage: plain, Parallel: plain,
	}
}
