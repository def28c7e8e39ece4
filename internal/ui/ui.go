// Package ui holds the lipgloss styles used for CLI output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s as a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as a failure marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders s de-emphasized.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// Field is one label/value row of a key-value listing.
type Field struct {
	Label string
	Value string
}

// RenderFields renders aligned "label: value" rows.
func RenderFields(fields []Field) string {
	width := 0
	for _, f := range fields {
		if len(f.Label) > width {
			width = len(f.Label)
		}
	}

	var b strings.Builder
	for _, f := range fields {
		label := fmt.Sprintf("%-*s", width+1, f.Label+":")
		fmt.Fprintf(&b, "   %s %s\n", labelStyle.Render(label), f.Value)
	}
	return b.String()
}
