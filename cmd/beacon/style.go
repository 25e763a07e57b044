package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

// printer writes command output, styled only when the writer is a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, color: colorEnabled(w)}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(titleStyle, fmt.Sprintf(format, args...)))
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) Dim(format string, args ...any) {
	fmt.Fprintln(p.w, p.render(dimStyle, fmt.Sprintf(format, args...)))
}

// Status prints one labelled result line with a marker for PASS, WARN, FAIL
// or SKIP.
func (p *printer) Status(status, label, message string) {
	marker, style := "-", dimStyle
	switch status {
	case "PASS", "ok":
		marker, style = "✓", passStyle
	case "WARN":
		marker, style = "!", warnStyle
	case "FAIL", "error":
		marker, style = "✗", failStyle
	}
	fmt.Fprintf(p.w, "%s %-14s %s\n", p.render(style, marker), label, message)
}

// Box prints text framed when styled, plain otherwise.
func (p *printer) Box(text string) {
	if !p.color {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintln(p.w, boxStyle.Render(text))
}
