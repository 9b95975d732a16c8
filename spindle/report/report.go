// Package report renders run results for people and for machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/models"
)

type Options struct {
	// print the output of every step, not just of failed ones
	Verbose bool
}

var marks = map[string]string{
	string(models.StatusKindSuccess):   "✓",
	string(models.StatusKindFailed):    "✗",
	string(models.StatusKindCancelled): "⊘",
	string(models.StatusKindSkipped):   "-",
	string(models.StepTimedOut):        "⏱",
}

func mark(outcome string) string {
	if m, ok := marks[outcome]; ok {
		return m
	}
	return "?"
}

// JSON writes res as indented JSON.
func JSON(w io.Writer, res *models.WorkflowResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// Text writes a tree of jobs and steps with their outcomes. Output of
// failed steps is included with escape sequences removed.
func Text(w io.Writer, res *models.WorkflowResult, opts Options) error {
	p := &printer{w: w}

	name := res.Workflow
	if name == "" {
		name = "workflow"
	}
	p.printf("%s %s: %s%s (%s)\n",
		mark(string(res.Outcome)), name, res.Outcome, reason(res.Reason),
		Duration(res.FinishedAt.Sub(res.StartedAt)))

	for _, j := range res.Jobs {
		p.printf("  %s %s: %s%s", mark(string(j.Outcome)), j.Name, j.Outcome, reason(j.Reason))
		if !j.StartedAt.IsZero() {
			p.printf(" (%s)", Duration(j.FinishedAt.Sub(j.StartedAt)))
		}
		if j.ContinueOnError && j.Outcome == models.StatusKindFailed {
			p.printf(" [continue-on-error]")
		}
		p.printf("\n")
		if j.Error != "" && j.Outcome != models.StatusKindCancelled {
			p.printf("      error: %s\n", j.Error)
		}

		for _, s := range j.Steps {
			p.printf("    %s %s: %s%s", mark(string(s.Outcome)), s.Name, s.Outcome, reason(s.Reason))
			if s.Outcome != models.StepSkipped {
				p.printf(" (%s)", Duration(s.Duration))
			}
			if s.ContinuedOnError {
				p.printf(" [continued]")
			}
			p.printf("\n")

			if s.Output == "" || !(opts.Verbose || s.Outcome.Failed()) {
				continue
			}
			for _, line := range strings.Split(strings.TrimRight(StripANSI(s.Output), "\n"), "\n") {
				p.printf("      | %s\n", line)
			}
			if s.Truncated {
				p.printf("      | ... output truncated after %s\n", humanize.Bytes(uint64(len(s.Output))))
			}
		}
	}

	return p.err
}

// History writes one line per run, newest first as given.
func History(w io.Writer, runs []db.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tEVENT\tSTATUS\tCREATED\tDURATION")
	for _, r := range runs {
		dur := "-"
		if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
			dur = Duration(r.FinishedAt.Sub(r.StartedAt))
		}
		ev := string(r.Event.Kind)
		if b := r.Event.BranchName(); b != "" {
			ev += " " + b
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s%s\t%s\t%s\n",
			r.Id, r.Workflow, ev, r.Status, reason(r.Reason), Ago(r.CreatedAt), dur)
	}
	return tw.Flush()
}

// Ago is a compact relative time like "5min ago".
func Ago(t time.Time) string {
	return humanize.CustomRelTime(t, time.Now(), "ago", "from now", []humanize.RelTimeMagnitude{
		{D: time.Second, Format: "now", DivBy: time.Second},
		{D: 2 * time.Second, Format: "1s %s", DivBy: 1},
		{D: time.Minute, Format: "%ds %s", DivBy: time.Second},
		{D: 2 * time.Minute, Format: "1min %s", DivBy: 1},
		{D: time.Hour, Format: "%dmin %s", DivBy: time.Minute},
		{D: 2 * time.Hour, Format: "1hr %s", DivBy: 1},
		{D: humanize.Day, Format: "%dhrs %s", DivBy: time.Hour},
		{D: 2 * humanize.Day, Format: "1d %s", DivBy: 1},
		{D: 20 * humanize.Day, Format: "%dd %s", DivBy: humanize.Day},
		{D: 8 * humanize.Week, Format: "%dw %s", DivBy: humanize.Week},
		{D: humanize.Year, Format: "%dmo %s", DivBy: humanize.Month},
		{D: math.MaxInt64, Format: "a long while %s", DivBy: 1},
	})
}

// Duration renders d with millisecond precision below a minute and
// second precision above.
func Duration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func reason(r string) string {
	if r == "" {
		return ""
	}
	return " (" + r + ")"
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}
