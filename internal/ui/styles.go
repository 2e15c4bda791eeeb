// Package ui renders chatlog output for terminals: live sync progress,
// run summaries, channel status tables and interactive confirmation.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Theme holds the styles used for terminal output.
type Theme struct {
	Title   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Fail    lipgloss.Style
	Muted   lipgloss.Style
	Label   lipgloss.Style
	Header  lipgloss.Style
	Summary lipgloss.Style
}

// NewTheme returns styles bound to a renderer for out. Colors are dropped
// when out is not a terminal or NO_COLOR is set.
func NewTheme(out io.Writer) Theme {
	r := lipgloss.NewRenderer(out, termenv.WithColorCache(true))
	if !IsTerminal(out) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}

	return Theme{
		Title:   r.NewStyle().Bold(true),
		OK:      r.NewStyle().Foreground(lipgloss.Color("2")),
		Warn:    r.NewStyle().Foreground(lipgloss.Color("3")),
		Fail:    r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Muted:   r.NewStyle().Faint(true),
		Label:   r.NewStyle().Width(9),
		Header:  r.NewStyle().Bold(true).Underline(true),
		Summary: r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
