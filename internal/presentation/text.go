package presentation

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/snort3test/internal/history"
	"github.com/zjrosen/snort3test/internal/job"
	"github.com/zjrosen/snort3test/internal/outcome"
	"github.com/zjrosen/snort3test/internal/tree"
)

// State colors, shared by every text view.
var (
	PassedColor  = lipgloss.AdaptiveColor{Light: "#40A02B", Dark: "#A6E3A1"}
	FailedColor  = lipgloss.AdaptiveColor{Light: "#D20F39", Dark: "#F38BA8"}
	ErroredColor = lipgloss.AdaptiveColor{Light: "#FE640B", Dark: "#FAB387"}
	SkippedColor = lipgloss.AdaptiveColor{Light: "#8C8FA1", Dark: "#6C7086"}
	RunningColor = lipgloss.AdaptiveColor{Light: "#1E66F5", Dark: "#89B4FA"}
	MutedColor   = lipgloss.AdaptiveColor{Light: "#6C6F85", Dark: "#A6ADC8"}
)

var stateIcons = map[job.State]string{
	job.StateRunning: "…",
	job.StatePassed:  "✓",
	job.StateFailed:  "✗",
	job.StateErrored: "!",
	job.StateSkipped: "-",
}

// Text renders human readable output with lipgloss. Colors are dropped
// automatically when the writer is not a terminal.
type Text struct {
	w       io.Writer
	states  map[job.State]lipgloss.Style
	suite   lipgloss.Style
	muted   lipgloss.Style
	heading lipgloss.Style
}

// NewText creates a renderer bound to w.
func NewText(w io.Writer) *Text {
	r := lipgloss.NewRenderer(w)
	color := func(c lipgloss.AdaptiveColor) lipgloss.Style { return r.NewStyle().Foreground(c) }
	return &Text{
		w: w,
		states: map[job.State]lipgloss.Style{
			job.StateRunning: color(RunningColor),
			job.StatePassed:  color(PassedColor),
			job.StateFailed:  color(FailedColor).Bold(true),
			job.StateErrored: color(ErroredColor).Bold(true),
			job.StateSkipped: color(SkippedColor),
		},
		suite:   r.NewStyle().Bold(true),
		muted:   color(MutedColor),
		heading: r.NewStyle().Bold(true).Underline(true),
	}
}

func (t *Text) state(s job.State) string {
	icon, ok := stateIcons[s]
	if !ok {
		icon = "?"
	}
	return t.states[s].Render(icon + " " + string(s))
}

// Tree writes the tree below n with box drawing guides. Leaves show their
// last known state when states is non-nil.
func (t *Text) Tree(n *tree.Node, states StateLookup) error {
	var b strings.Builder
	b.WriteString(t.suite.Render(n.Label))
	b.WriteByte('\n')
	t.children(&b, n.Children, "", states)
	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *Text) children(b *strings.Builder, nodes []*tree.Node, prefix string, states StateLookup) {
	for i, c := range nodes {
		branch, indent := "├── ", "│   "
		if i == len(nodes)-1 {
			branch, indent = "└── ", "    "
		}
		b.WriteString(t.muted.Render(prefix + branch))
		if !c.IsLeaf() {
			b.WriteString(t.suite.Render(c.Label))
			b.WriteByte('\n')
			t.children(b, c.Children, prefix+indent, states)
			continue
		}
		b.WriteString(c.Label)
		if c.Description != "" && c.Description != c.Label {
			b.WriteString(t.muted.Render("  " + c.Description))
		}
		if states != nil {
			if s, ok := states(c.ID); ok {
				b.WriteString("  " + t.state(s))
			}
		}
		b.WriteByte('\n')
	}
}

// Result writes one terminal or running report. Messages are indented
// below the status line.
func (t *Text) Result(r job.Result, root string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", t.state(r.State), relative(root, r.ID))
	if msg := strings.TrimRight(r.Message, "\n"); msg != "" && r.State != job.StatePassed {
		for _, line := range strings.Split(msg, "\n") {
			b.WriteString(t.muted.Render("    "+line) + "\n")
		}
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

// Summary writes the per-state totals of a finished run.
func (t *Text) Summary(s outcome.Summary, elapsed time.Duration, cancelled bool) error {
	parts := make([]string, 0, len(s))
	for _, st := range s.States() {
		parts = append(parts, t.states[st].Render(fmt.Sprintf("%d %s", s[st], st)))
	}
	line := fmt.Sprintf("%d tests: %s", s.Total(), strings.Join(parts, ", "))
	if s.Total() == 0 {
		line = "0 tests"
	}
	line += t.muted.Render(fmt.Sprintf(" (%s)", elapsed.Round(time.Millisecond)))
	if cancelled {
		line += " " + t.states[job.StateErrored].Render("cancelled")
	}
	_, err := io.WriteString(t.w, line+"\n")
	return err
}

// Runs writes a table of recorded runs, newest first.
func (t *Text) Runs(runs []history.Run) error {
	var b strings.Builder
	b.WriteString(t.heading.Render("Recent runs") + "\n")
	if len(runs) == 0 {
		b.WriteString(t.muted.Render("no runs recorded") + "\n")
	}
	for _, r := range runs {
		status := "running"
		if r.FinishedAt != nil {
			status = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		if r.Cancelled {
			status += " cancelled"
		}
		fmt.Fprintf(&b, "%s  %s  %s  %s\n",
			r.ID[:min(8, len(r.ID))],
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			t.muted.Render(status),
			t.counts(r.Counts))
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

// Records writes the stored results of one run.
func (t *Text) Records(recs []history.Record, root string) error {
	for _, r := range recs {
		if err := t.Result(job.Result{ID: r.TestID, State: r.State, Message: r.Message}, root); err != nil {
			return err
		}
	}
	return nil
}

func (t *Text) counts(c map[job.State]int) string {
	s := outcome.Summary(c)
	parts := make([]string, 0, len(c))
	for _, st := range s.States() {
		parts = append(parts, t.states[st].Render(fmt.Sprintf("%d %s", c[st], st)))
	}
	return strings.Join(parts, " ")
}

// relative shortens id to a path below root when possible.
func relative(root, id string) string {
	if root == "" {
		return id
	}
	if rest, ok := strings.CutPrefix(id, strings.TrimSuffix(root, "/")+"/"); ok {
		return rest
	}
	return id
}
