package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/podforge/podforge/internal/events"
	"golang.org/x/term"
)

var _ events.Sink = (*progressPrinter)(nil)

// progressPrinter renders run events as one line each.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	width int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	width := 80
	if f, ok := w.(*os.File); ok {
		if tw, _, err := term.GetSize(int(f.Fd())); err == nil && tw > 0 { //nolint:gosec
			width = tw
		}
	}
	return &progressPrinter{w: w, width: width}
}

// Handle implements events.Sink.
func (p *progressPrinter) Handle(e events.Event) error {
	line := p.format(e)
	if line == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.w, line)
	return err //nolint:wrapcheck
}

func (p *progressPrinter) format(e events.Event) string {
	pl := e.Payload
	percent := subtle(fmt.Sprintf("[%3.0f%%]", pl.Percent))

	var label, detail string
	switch e.Name {
	case events.TaskDone:
		label = keyword("done ")
		detail = pl.UtteranceID
		if pl.Message != "" {
			detail += " (" + pl.Message + ")"
		}
	case events.TaskFailed:
		label = failure("fail ")
		detail = pl.UtteranceID + " " + pl.Message
	case events.TaskRetry:
		label = warning("retry")
		detail = pl.UtteranceID + " " + pl.Message
	case events.RunState:
		label = subtle("run  ")
		detail = pl.Status
	case events.RunManifest:
		label = success("✓    ")
		detail = pl.Message
	default:
		// queued, running and intermediate progress would flood the
		// terminal.
		return ""
	}

	prefix := fmt.Sprintf("%s %s ", percent, label)
	room := p.width - lipgloss.Width(prefix)
	if room < 10 {
		room = 10
	}
	return prefix + runewidth.Truncate(detail, room, "…")
}
