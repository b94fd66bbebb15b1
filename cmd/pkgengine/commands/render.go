package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/pkgengine/pkgengine/pkg/build"
	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/protocol"
)

// renderer prints helper output and command results.
type renderer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool

	phase   lipgloss.Style
	pkg     lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	header  lipgloss.Style
}

func newRenderer(w io.Writer, noColor, asJSON bool) *renderer {
	terminal := false
	if f, ok := w.(*os.File); ok {
		terminal = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	lr := lipgloss.NewRenderer(w)
	if noColor || !terminal || os.Getenv("NO_COLOR") != "" {
		lr.SetColorProfile(termenv.Ascii)
	}

	return &renderer{
		w:       w,
		json:    asJSON,
		phase:   lr.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#5FAFFF"}),
		pkg:     lr.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5F00AF", Dark: "#D7AFFF"}),
		success: lr.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FD75F"}),
		failure: lr.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}),
		muted:   lr.NewStyle().Faint(true),
		header:  lr.NewStyle().Bold(true).Underline(true),
	}
}

func (r *renderer) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...)
}

// line prints one helper output line. In JSON mode lines are passed
// through unchanged.
func (r *renderer) line(l *protocol.Line) {
	if r.json {
		if l.Status != nil {
			r.writeJSON(l.Status)
		} else {
			r.writeJSON(l.Event)
		}
		return
	}

	if st := l.Status; st != nil {
		r.printf("%s %s\n", r.phase.Render(fmt.Sprintf("[%3d%%]", st.Progress)), st.Message)
		return
	}

	ev := l.Event
	switch ev.EventType {
	case protocol.EventDone:
		r.printf("%s %s\n", r.success.Render("✓"), ev.Message)
	case protocol.EventError:
		r.printf("%s %s\n", r.failure.Render("✗"), strings.TrimPrefix(ev.Message, protocol.ErrorPrefix))
		if ev.Error != nil && ev.Error.RecoveryAction != "" {
			r.printf("  %s\n", r.muted.Render(ev.Error.RecoveryAction))
		}
	case protocol.EventLog:
		r.printf("%s\n", r.muted.Render(ev.Message))
	default:
		percent := ""
		if ev.Percent != nil {
			percent = fmt.Sprintf(" %3d%%", *ev.Percent)
		}
		target := ""
		if ev.Package != "" {
			target = " " + r.pkg.Render(ev.Package)
		}
		r.printf("%s%s%s %s\n", r.phase.Render(string(ev.EventType)), target, percent, r.muted.Render(ev.Message))
	}
}

func (r *renderer) buildLine(line string) {
	if r.json {
		r.writeJSON(protocol.Event{EventType: protocol.EventLog, Message: line})
		return
	}
	r.printf("  %s\n", r.muted.Render(line))
}

func (r *renderer) buildStep(step build.Step, i, total int) {
	if r.json {
		r.writeJSON(map[string]interface{}{"build_step": step, "index": i + 1, "total": total})
		return
	}
	r.printf("%s %s %s\n", r.phase.Render(fmt.Sprintf("(%d/%d) building", i+1, total)), r.pkg.Render(step.Name), step.Version)
}

// failed prints a final error. ClassifiedErrors show their recovery hint.
func (r *renderer) failed(err error) {
	ce := classify.FromError(err)
	if r.json {
		r.writeJSON(protocol.Event{EventType: protocol.EventError, Message: protocol.ErrorPrefix + ce.Error(), Error: ce})
		return
	}
	r.printf("%s %s\n", r.failure.Render("✗"), ce.Error())
	if ce.RecoveryAction != "" {
		r.printf("  %s\n", r.muted.Render(ce.RecoveryAction))
	}
}

func (r *renderer) done(message string) {
	if r.json {
		r.writeJSON(protocol.Event{EventType: protocol.EventDone, Percent: protocol.Percent(100), Message: message})
		return
	}
	r.printf("%s %s\n", r.success.Render("✓"), message)
}

// table prints rows under a header, padded to the widest cell.
func (r *renderer) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	pad := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if i == len(cells)-1 {
				parts[i] = c
				continue
			}
			parts[i] = c + strings.Repeat(" ", widths[i]-len(c))
		}
		return strings.Join(parts, "  ")
	}

	r.printf("%s\n", r.header.Render(pad(header)))
	for _, row := range rows {
		r.printf("%s\n", pad(row))
	}
}

func (r *renderer) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.printf("%s\n", data)
}
