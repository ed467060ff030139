package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ormasoftchile/syrin/pkg/kernel/rules"
)

// Status glyphs carry meaning without relying on color alone.
const (
	glyphPassed  = "✓"
	glyphFailed  = "✗"
	glyphWarning = "⚠"
	glyphError   = "!"
	glyphSkipped = "○"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	passStyle   = lipgloss.NewStyle().Foreground(colorGreen)
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorRed)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)

	codeStyle = lipgloss.NewStyle().Bold(true).Width(6)
)

// severityGlyph renders the glyph for a diagnostic severity.
func severityGlyph(s rules.Severity) string {
	if s == rules.SeverityError {
		return failStyle.Render(glyphFailed)
	}
	return warnStyle.Render(glyphWarning)
}

// statusGlyph renders the glyph for a test status.
func statusGlyph(status string) string {
	switch status {
	case "passed":
		return passStyle.Render(glyphPassed)
	case "failed":
		return failStyle.Render(glyphFailed)
	case "skipped":
		return dimStyle.Render(glyphSkipped)
	default:
		return failStyle.Render(glyphError)
	}
}
