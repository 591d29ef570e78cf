package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"buildsched/internal/task"
)

type styles struct {
	color   bool
	ok      lipgloss.Style
	fail    lipgloss.Style
	skip    lipgloss.Style
	dim     lipgloss.Style
	heading lipgloss.Style
}

func newStyles(color bool) styles {
	s := styles{color: color}
	if !color {
		return s
	}
	s.ok = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	s.fail = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	s.skip = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	s.dim = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	s.heading = lipgloss.NewStyle().Bold(true)
	return s
}

func (s styles) render(st lipgloss.Style, text string) string {
	if !s.color {
		return text
	}
	return st.Render(text)
}

func (s styles) status(st task.Status) string {
	switch st {
	case task.Success:
		return s.render(s.ok, "ok")
	case task.LogicFailure:
		return s.render(s.fail, "FAILED")
	case task.ExceptionFailure:
		return s.render(s.fail, "CRASHED")
	case task.Skipped:
		return s.render(s.skip, "skipped")
	default:
		return s.render(s.dim, st.String())
	}
}

// SummaryOptions controls WriteSummary.
type SummaryOptions struct {
	Color bool
	// Tasks lists every recorded task, not only failures.
	Tasks bool
}

// WriteSummary prints the outcome of the last run. Failures are always listed;
// exception failures include their captured stack.
func (r *Recorder) WriteSummary(w io.Writer, opts SummaryOptions) error {
	st := newStyles(opts.Color)
	sum := r.Summarize()
	var b strings.Builder

	for _, rec := range r.Records() {
		failed := rec.Status.Failed()
		if !failed && !opts.Tasks {
			continue
		}
		line := fmt.Sprintf("%-8s %s", st.status(rec.Status), rec.ID)
		if rec.Duration > 0 {
			line += " " + st.render(st.dim, "("+rec.Duration.Round(time.Millisecond).String()+")")
		}
		if rec.Bounced {
			line += " " + st.render(st.dim, "(not started)")
		}
		b.WriteString(line + "\n")
		if rec.Error != "" && failed {
			b.WriteString("    " + rec.Error + "\n")
		}
		if rec.Stack != "" && rec.Status == task.ExceptionFailure {
			for _, l := range strings.Split(strings.TrimRight(rec.Stack, "\n"), "\n") {
				b.WriteString("    " + st.render(st.dim, l) + "\n")
			}
		}
	}

	verdict := st.render(st.ok, "build succeeded")
	if !sum.OK() {
		verdict = st.render(st.fail, "build failed")
	}
	b.WriteString(st.render(st.heading, verdict))
	fmt.Fprintf(&b, ": %d tasks, %d ok, %d failed, %d crashed, %d skipped, %d not run in %s\n",
		sum.Total, sum.Succeeded, sum.Failed, sum.Crashed, sum.Skipped, sum.NotRun, sum.Duration.Round(time.Millisecond))
	if sum.Err != "" && sum.Failed+sum.Crashed == 0 {
		b.WriteString("    " + sum.Err + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
