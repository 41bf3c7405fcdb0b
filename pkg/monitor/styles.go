package monitor

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
	errStyle     = lipgloss.NewStyle().Foreground(errorColor)
	spinnerStyle = lipgloss.NewStyle().Foreground(primaryColor)

	statusStyles = map[string]lipgloss.Style{
		"pending":      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"in_flight":    lipgloss.NewStyle().Foreground(warningColor),
		"failed_retry": lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		"failed_final": lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		"succeeded":    lipgloss.NewStyle().Foreground(mutedColor),
	}
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}

func formatStatus(s string) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(s)
	}
	return s
}
