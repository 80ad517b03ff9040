package evals

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"
	"time"
)

// Reporter writes a finished run somewhere.
type Reporter interface {
	Report(run *EvalRun) error
}

// JSONReporter writes the whole run as JSON.
type JSONReporter struct {
	path   string
	indent bool
	out    io.Writer
}

// NewJSONReporter writes to path, creating its directory. An empty path or
// "-" writes to stdout.
func NewJSONReporter(path string, indent bool) *JSONReporter {
	return &JSONReporter{path: path, indent: indent, out: os.Stdout}
}

func (r *JSONReporter) Report(run *EvalRun) error {
	var (
		data []byte
		err  error
	)
	if r.indent {
		data, err = json.MarshalIndent(run, "", "  ")
	} else {
		data, err = json.Marshal(run)
	}
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	if r.path == "" || r.path == "-" {
		_, err := fmt.Fprintf(r.out, "%s\n", data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	return os.WriteFile(r.path, data, 0o644)
}

// ConsoleReporter prints a human-readable summary. Verbose adds a line per
// trial and per grade.
type ConsoleReporter struct {
	verbose bool
	color   bool
	out     io.Writer
}

// NewConsoleReporter prints to stdout.
func NewConsoleReporter(verbose, color bool) *ConsoleReporter {
	return NewConsoleReporterTo(os.Stdout, verbose, color)
}

// NewConsoleReporterTo prints to w.
func NewConsoleReporterTo(w io.Writer, verbose, color bool) *ConsoleReporter {
	return &ConsoleReporter{verbose: verbose, color: color, out: w}
}

func (r *ConsoleReporter) Report(run *EvalRun) error {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "\n== Evaluation: %s ==\n", run.Suite.Name)
	fmt.Fprintf(tw, "run\t%s\n", run.ID)
	if run.Config != nil {
		fmt.Fprintf(tw, "seed\t%d\n", run.Config.Seed)
	}
	fmt.Fprintf(tw, "started\t%s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "duration\t%s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))

	s := run.Summary
	fmt.Fprintf(tw, "\ntasks\t%d\n", s.TotalTasks)
	fmt.Fprintf(tw, "trials\t%d (passed %d, failed %d, errors %d)\n",
		s.TotalTrials, s.PassedTrials, s.FailedTrials, s.ErrorTrials)
	fmt.Fprintf(tw, "pass rate\t%s\n", r.rate(s.OverallPassRate))
	fmt.Fprintf(tw, "avg score\t%.2f\n", s.AvgScore)
	fmt.Fprintf(tw, "avg steps\t%.1f\n", s.AvgSteps)
	fmt.Fprintf(tw, "avg reversions\t%.2f\n", s.AvgReversions)
	fmt.Fprintf(tw, "avg latency\t%s\n", s.AvgLatency.Round(time.Microsecond))

	if r.verbose {
		r.trials(tw, run.Trials)
	}
	r.graders(tw, s)
	r.passMetrics(tw, s)
	fmt.Fprintln(tw)

	return tw.Flush()
}

func (r *ConsoleReporter) trials(w io.Writer, trials []*Trial) {
	fmt.Fprintf(w, "\ntrial\tresult\tscore\tsteps\treversions\n")
	for _, t := range trials {
		fmt.Fprintf(w, "%s #%d\t%s\t%.2f\t%d\t%d\n",
			t.TaskID, t.TrialNumber, r.mark(t.Passed), t.Score, t.Metrics.Steps, t.Metrics.Reversions)
		if t.Error != "" {
			fmt.Fprintf(w, "  error\t%s\n", truncate(t.Error, 60))
		}
		for _, g := range t.GradeResults {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", g.GraderType, r.mark(g.Passed), truncate(g.Feedback, 50))
		}
	}
}

func (r *ConsoleReporter) graders(w io.Writer, s *RunSummary) {
	if len(s.ByGraderType) == 0 {
		return
	}
	types := make([]GraderType, 0, len(s.ByGraderType))
	for t := range s.ByGraderType {
		types = append(types, t)
	}
	slices.Sort(types)

	fmt.Fprintf(w, "\ngrader\truns\tpassed\tpass rate\tavg score\n")
	for _, t := range types {
		st := s.ByGraderType[t]
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%.2f\n", t, st.TotalRuns, st.Passed, r.rate(st.PassRate), st.AvgScore)
	}
}

func (r *ConsoleReporter) passMetrics(w io.Writer, s *RunSummary) {
	if len(s.PassAtK) == 0 {
		return
	}
	ks := make([]int, 0, len(s.PassAtK))
	for k := range s.PassAtK {
		ks = append(ks, k)
	}
	slices.Sort(ks)

	fmt.Fprintf(w, "\nk\tpass@k\tpass^k\n")
	for _, k := range ks {
		fmt.Fprintf(w, "%d\t%.1f%%\t%.1f%%\n", k, s.PassAtK[k]*100, s.PassPowerK[k]*100)
	}
}

// ANSI colours.
const (
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiReset  = "\033[0m"
)

func (r *ConsoleReporter) paint(code, s string) string {
	if !r.color {
		return s
	}
	return code + s + ansiReset
}

func (r *ConsoleReporter) mark(passed bool) string {
	if passed {
		return r.paint(ansiGreen, "pass")
	}
	return r.paint(ansiRed, "FAIL")
}

// rate formats a pass rate, green from 80% and yellow from 50%.
func (r *ConsoleReporter) rate(v float64) string {
	s := fmt.Sprintf("%.1f%%", v*100)
	switch {
	case v >= 0.8:
		return r.paint(ansiGreen, s)
	case v >= 0.5:
		return r.paint(ansiYellow, s)
	default:
		return r.paint(ansiRed, s)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// MultiReporter fans a run out to several reporters.
type MultiReporter struct {
	reporters []Reporter
}

// NewMultiReporter creates a MultiReporter.
func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{reporters: reporters}
}

// Report runs every reporter and joins their errors.
func (r *MultiReporter) Report(run *EvalRun) error {
	var errs []error
	for _, rep := range r.reporters {
		if err := rep.Report(run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
