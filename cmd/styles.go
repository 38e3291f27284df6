package cmd

import "github.com/charmbracelet/lipgloss"

// theme groups the styles used by the inspection commands.
type theme struct {
	title   lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	border  lipgloss.Style
	muted   lipgloss.Style
	ok      lipgloss.Style
	problem lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		title: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("223")),
		cell: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("252")),
		border: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		ok: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("114")),
		problem: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("203")),
	}
}
