package main

import (
	"fmt"
	"io"

	"github.com/hochfrequenz/crewwatch/internal/display"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
)

// printer is the plain-output sink: it streams display lines and prints the
// banner whenever it changes. The timeline is printed once, on the final
// update.
type printer struct {
	w        io.Writer
	banner   string
	timeline bool
}

func newPrinter(w io.Writer, timeline bool) *printer {
	return &printer{w: w, timeline: timeline}
}

// OnUpdate implements monitor.Sink
func (p *printer) OnUpdate(u monitor.Update) {
	for _, l := range u.Lines {
		fmt.Fprintln(p.w, display.RenderLine(l))
	}

	if text, ok := display.Banner(u.Snapshot); ok && text != p.banner {
		p.banner = text
		completed, total := display.Progress(u.Snapshot)
		fmt.Fprintf(p.w, "%s  (%d/%d, %s)\n", display.RenderBanner(u.Snapshot), completed, total, display.FormatDuration(u.Elapsed))
	}

	if u.Final && p.timeline {
		fmt.Fprintln(p.w)
		fmt.Fprintln(p.w, display.Timeline{}.Render(u.Snapshot))
	}
}
