// Package report renders the operator-facing console output of a run.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type Printer struct {
	w     io.Writer
	theme Theme
}

func New(w io.Writer) *Printer {
	if w == nil {
		w = io.Discard
	}
	return &Printer{w: w, theme: NewTheme(lipgloss.NewRenderer(w))}
}

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) Header(title string) {
	p.printf("\n%s\n", p.theme.Header.Render("========== "+strings.ToUpper(title)+" =========="))
}

func (p *Printer) Success(format string, args ...any) {
	p.printf("%s\n", p.theme.Success.Render(IconSuccess+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Warn(format string, args ...any) {
	p.printf("%s\n", p.theme.Warning.Render(IconWarning+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Error(format string, args ...any) {
	p.printf("%s\n", p.theme.Error.Render(IconError+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Info(format string, args ...any) {
	p.printf("%s\n", fmt.Sprintf(format, args...))
}

// ServiceLine is one running service in the startup summary.
type ServiceLine struct {
	Name        string
	URL         string
	Description string
	LogPath     string
}

type Link struct {
	Label string
	URL   string
}

func (p *Printer) Summary(lines []ServiceLine, links []Link) {
	p.Success("All services started successfully:")
	for _, l := range lines {
		desc := ""
		if l.Description != "" {
			desc = " " + p.theme.Muted.Render("("+l.Description+")")
		}
		p.printf("  %s %s: %s%s\n", IconRunning, p.theme.Accent.Render(l.Name), l.URL, desc)
		p.printf("     Logs: %s\n", l.LogPath)
	}
	if len(links) > 0 {
		p.printf("\n%s\n", p.theme.Accent.Render("URLs:"))
		for _, l := range links {
			p.printf("   %s: %s\n", l.Label, p.theme.Warning.Render(l.URL))
		}
	}
	p.printf("\n%s\n", p.theme.Warning.Render("Press Ctrl+C to stop all services"))
}
