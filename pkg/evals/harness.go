package evals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/generate"
	"github.com/soypete/phraseguard/pkg/logits"
	"github.com/soypete/phraseguard/pkg/metrics"
	"github.com/soypete/phraseguard/pkg/store"
)

var (
	// ErrInvalidSuite is returned for a suite that cannot be run.
	ErrInvalidSuite = errors.New("invalid suite")
	// ErrInvalidConfig is returned for negative concurrency, trials or
	// timeout.
	ErrInvalidConfig = errors.New("invalid eval config")
)

const (
	defaultPreset    = "greedy"
	defaultMaxLength = 32
)

// Progress reports a trial changing status.
type Progress struct {
	TaskID string
	Trial  int
	Status string
	Passed bool
}

// ProgressFunc receives progress reports. Trials run concurrently, so it
// may be called from several goroutines at once.
type ProgressFunc func(Progress)

// Harness runs suites.
type Harness struct {
	config   EvalConfig
	graders  *Registry
	store    store.EventStore
	logger   *slog.Logger
	progress ProgressFunc
}

// Option configures a Harness.
type Option func(*Harness)

// WithStore saves every trial as a run with its events.
func WithStore(s store.EventStore) Option {
	return func(h *Harness) { h.store = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// WithProgress reports trial progress to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(h *Harness) { h.progress = fn }
}

// WithGraders replaces the built-in grader registry.
func WithGraders(r *Registry) Option {
	return func(h *Harness) { h.graders = r }
}

// NewHarness creates a harness. A nil config uses DefaultConfig.
func NewHarness(config *EvalConfig, opts ...Option) (*Harness, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Concurrency < 0 || config.TrialsPerTask < 0 || config.Timeout < 0 {
		return nil, fmt.Errorf("%w: concurrency, trials and timeout must not be negative", ErrInvalidConfig)
	}

	h := &Harness{
		config:  *config,
		graders: DefaultRegistry(),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *EvalConfig {
	return &EvalConfig{
		OutputDir:     "./results",
		Concurrency:   4,
		TrialsPerTask: 1,
		Seed:          1,
		Timeout:       time.Minute,
	}
}

// LoadConfig reads an EvalConfig from YAML. Missing fields keep their
// defaults.
func LoadConfig(path string) (*EvalConfig, error) {
	config := DefaultConfig()
	if err := decodeYAML(path, config); err != nil {
		return nil, fmt.Errorf("load eval config: %w", err)
	}
	return config, nil
}

// LoadSuite reads and validates a suite. Unknown keys are rejected so a
// misspelt grader option does not silently pass.
func LoadSuite(path string) (*Suite, error) {
	var suite Suite
	if err := decodeYAML(path, &suite); err != nil {
		return nil, fmt.Errorf("load suite: %w", err)
	}
	if suite.Name == "" {
		suite.Name = filepath.Base(path)
	}
	if len(suite.Tasks) == 0 {
		return nil, fmt.Errorf("%w: %s has no tasks", ErrInvalidSuite, path)
	}
	for i := range suite.Tasks {
		if err := validateTask(&suite.Tasks[i]); err != nil {
			return nil, err
		}
	}
	return &suite, nil
}

func decodeYAML(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w: task without id", ErrInvalidSuite)
	}
	if len(task.Input.Prompts) == 0 {
		return fmt.Errorf("%w: task %s has no prompts", ErrInvalidSuite, task.ID)
	}
	if err := task.Input.Model.Validate(); err != nil {
		return fmt.Errorf("%w: task %s: %w", ErrInvalidSuite, task.ID, err)
	}
	if _, err := banned.NewPhraseSet(task.Input.Phrases); err != nil {
		return fmt.Errorf("%w: task %s: %w", ErrInvalidSuite, task.ID, err)
	}
	return nil
}

// Run runs every task TrialsPerTask times. Trials come back grouped by task
// in suite order, then by trial number. A cancelled ctx aborts the run.
func (h *Harness) Run(ctx context.Context, suite *Suite) (*EvalRun, error) {
	started := time.Now()
	run := &EvalRun{
		ID:        fmt.Sprintf("run-%s-%s", suite.Name, started.Format("20060102-150405")),
		StartedAt: started,
		Config:    &h.config,
		Suite:     suite,
	}

	perTask := max(h.config.TrialsPerTask, 1)
	run.Trials = make([]*Trial, len(suite.Tasks)*perTask)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(h.config.Concurrency, 1))
	for i := range suite.Tasks {
		for n := range perTask {
			g.Go(func() error {
				run.Trials[i*perTask+n] = h.runTrial(gctx, &suite.Tasks[i], n+1)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if h.config.SaveEvents && h.config.OutputDir != "" {
		if err := h.saveEvents(run); err != nil {
			h.logger.Warn("failed to save trial events", "run", run.ID, "error", err)
		}
	}

	run.CompletedAt = time.Now()
	run.Summary = summarize(suite, run.Trials, perTask)

	h.logger.Info("evaluation finished",
		"suite", suite.Name, "trials", len(run.Trials), "pass_rate", run.Summary.OverallPassRate)
	return run, nil
}

// RunSingleTask runs one trial of task. The trial is returned even when it
// failed to generate.
func (h *Harness) RunSingleTask(ctx context.Context, task *Task) (*Trial, error) {
	if err := validateTask(task); err != nil {
		return nil, err
	}
	trial := h.runTrial(ctx, task, 1)
	if trial.Error != "" {
		return trial, fmt.Errorf("trial failed: %s", trial.Error)
	}
	return trial, nil
}

func (h *Harness) runTrial(ctx context.Context, task *Task, n int) *Trial {
	trial := &Trial{
		ID:          fmt.Sprintf("%s-%d-%d", task.ID, n, time.Now().UnixNano()),
		TaskID:      task.ID,
		TrialNumber: n,
		Seed:        h.config.Seed + uint64(n),
		StartedAt:   time.Now(),
		Metrics:     &TrialMetrics{},
	}
	h.report(Progress{TaskID: task.ID, Trial: n, Status: StatusStarted})

	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	res, err := h.generate(ctx, task, trial.Seed)
	trial.CompletedAt = time.Now()
	trial.Metrics.Latency = trial.CompletedAt.Sub(trial.StartedAt)

	if err != nil {
		trial.Error = err.Error()
		trial.Outcome = &Outcome{ExitReason: "error"}
		if errors.Is(err, context.DeadlineExceeded) {
			trial.Outcome.ExitReason = "timeout"
		}
		h.logger.Debug("trial failed", "task", task.ID, "trial", n, "error", err)
		h.report(Progress{TaskID: task.ID, Trial: n, Status: StatusError})
		return trial
	}

	trial.Outcome = &Outcome{ExitReason: "completed", Generated: make([][]int, len(res.Sequences))}
	for i := range res.Sequences {
		trial.Outcome.Generated[i] = res.Generated(i)
	}
	trial.Events = res.Events
	trial.Metrics.record(res)

	trial.GradeResults = h.grade(ctx, task, trial)
	trial.Score, trial.Passed = CompositeScore(trial.GradeResults, task.Graders)

	h.report(Progress{TaskID: task.ID, Trial: n, Status: StatusCompleted, Passed: trial.Passed})
	return trial
}

func (m *TrialMetrics) record(res *generate.Result) {
	m.Steps = res.Steps
	m.Reversions = res.Reversions
	for _, e := range res.Events {
		switch e.Kind {
		case banned.EventDetected:
			m.Detections++
		case banned.EventCompleted:
			m.Completions++
		case banned.EventCandidatesExhausted:
			m.Exhausted++
		}
	}
}

// generate builds the mechanism and host loop for a task and runs it.
func (h *Harness) generate(ctx context.Context, task *Task, seed uint64) (*generate.Result, error) {
	in := task.Input

	ps, err := banned.NewPhraseSet(in.Phrases)
	if err != nil {
		return nil, err
	}
	epsilon := banned.DefaultEpsilon
	if in.Epsilon != nil {
		epsilon = *in.Epsilon
	}

	events := &generate.EventLog{}
	mech, err := banned.New(ps, len(in.Prompts),
		banned.WithEpsilon(epsilon),
		banned.WithSeed(seed),
		banned.WithObserver(events),
		banned.WithObserver(metrics.Observer{}),
		banned.WithLogger(h.logger),
	)
	if err != nil {
		return nil, err
	}

	presetName := in.Preset
	if presetName == "" {
		presetName = defaultPreset
	}
	preset := logits.GetPreset(presetName)
	if preset == nil {
		return nil, fmt.Errorf("unknown sampler preset: %s", presetName)
	}
	sc := preset.Config
	if sc.Seed < 0 {
		sc.Seed = int64(seed)
	}
	sampler, err := logits.NewSampler(sc)
	if err != nil {
		return nil, err
	}

	maxLength := in.MaxLength
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	model := in.Model
	gen, err := generate.New(&model, mech, sampler,
		generate.WithFilters(sc.Filters()),
		generate.WithEOS(in.EOS),
		generate.WithMaxLength(maxLength),
		generate.WithEventLog(events),
		generate.WithLogger(h.logger),
	)
	if err != nil {
		return nil, err
	}

	res, err := gen.Run(ctx, in.Prompts)
	if err != nil {
		return nil, err
	}

	if h.store != nil {
		sr := store.NewRun(task.ID, mech)
		if err := h.store.SaveRun(ctx, sr); err != nil {
			return nil, fmt.Errorf("save run: %w", err)
		}
		if err := h.store.AppendEvents(ctx, sr.ID, res.Events); err != nil {
			return nil, fmt.Errorf("save events: %w", err)
		}
	}
	return res, nil
}

// grade runs the task's graders in order. A grader that errors yields a
// failed result carrying the error instead of aborting the trial.
func (h *Harness) grade(ctx context.Context, task *Task, trial *Trial) []*GradeResult {
	results := make([]*GradeResult, len(task.Graders))
	for i := range task.Graders {
		gc := &task.Graders[i]
		res, err := h.graders.Grade(ctx, task, trial, gc)
		if err != nil {
			res = &GradeResult{
				GraderType: gc.Type,
				Feedback:   "grader error: " + err.Error(),
				Error:      err.Error(),
			}
		}
		results[i] = res
	}
	return results
}

// saveEvents writes one JSON file per trial under OutputDir/events/<run id>.
func (h *Harness) saveEvents(run *EvalRun) error {
	dir := filepath.Join(h.config.OutputDir, "events", run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create event dir: %w", err)
	}

	var errs []error
	for _, trial := range run.Trials {
		data, err := json.MarshalIndent(trial.Events, "", "  ")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := fmt.Sprintf("%s-trial-%d.json", trial.TaskID, trial.TrialNumber)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Harness) report(p Progress) {
	if h.progress != nil {
		h.progress(p)
	}
}
