package evals

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/soypete/phraseguard/pkg/banned"
)

// ErrUnknownGrader is returned for a grader type nothing is registered for.
var ErrUnknownGrader = errors.New("unknown grader type")

// Grader judges a finished trial. Graders must be safe for concurrent use.
type Grader interface {
	Type() GraderType
	Grade(ctx context.Context, task *Task, trial *Trial, config *GraderConfig) (*GradeResult, error)
}

// Registry maps grader types to graders.
type Registry struct {
	mu      sync.RWMutex
	graders map[GraderType]Grader
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{graders: make(map[GraderType]Grader)}
}

// DefaultRegistry returns a registry holding the built-in graders.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NoBannedGrader{})
	r.Register(ExactOutputGrader{})
	r.Register(MaxReversionsGrader{})
	r.Register(EventCountGrader{})
	return r
}

// Register adds g, replacing any grader of the same type.
func (r *Registry) Register(g Grader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graders[g.Type()] = g
}

// Lookup returns the grader for t.
func (r *Registry) Lookup(t GraderType) (Grader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGrader, t)
	}
	return g, nil
}

// Grade looks up config.Type and runs it.
func (r *Registry) Grade(ctx context.Context, task *Task, trial *Trial, config *GraderConfig) (*GradeResult, error) {
	g, err := r.Lookup(config.Type)
	if err != nil {
		return nil, err
	}
	return g.Grade(ctx, task, trial, config)
}

func noOutcome(t GraderType) *GradeResult {
	return &GradeResult{GraderType: t, Feedback: "No outcome available"}
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// NoBannedGrader passes when no banned phrase appears in any generated
// sequence. The score is the clean fraction of sequences.
type NoBannedGrader struct{}

func (NoBannedGrader) Type() GraderType { return GraderTypeNoBanned }

func (g NoBannedGrader) Grade(_ context.Context, task *Task, trial *Trial, _ *GraderConfig) (*GradeResult, error) {
	if trial.Outcome == nil {
		return noOutcome(g.Type()), nil
	}

	ps, err := banned.NewPhraseSet(task.Input.Phrases)
	if err != nil {
		return nil, fmt.Errorf("task phrases: %w", err)
	}

	var violations []map[string]any
	for i, gen := range trial.Outcome.Generated {
		if phrase, pos, found := ps.FindIn(gen); found {
			violations = append(violations, map[string]any{
				"sequence": i,
				"phrase":   phrase,
				"position": pos,
			})
		}
	}

	total := len(trial.Outcome.Generated)
	clean := total - len(violations)
	score := 1.0
	if total > 0 {
		score = float64(clean) / float64(total)
	}

	return &GradeResult{
		GraderType: g.Type(),
		Passed:     len(violations) == 0,
		Score:      score,
		Feedback:   fmt.Sprintf("%d of %d sequences free of banned phrases", clean, total),
		Details:    map[string]any{"violations": violations},
	}, nil
}

// ExactOutputGrader compares generated tokens with config "expected", one
// token list per sequence.
type ExactOutputGrader struct{}

func (ExactOutputGrader) Type() GraderType { return GraderTypeExactOutput }

func (g ExactOutputGrader) Grade(_ context.Context, _ *Task, trial *Trial, config *GraderConfig) (*GradeResult, error) {
	if trial.Outcome == nil {
		return noOutcome(g.Type()), nil
	}

	want, err := intRows(config.Config["expected"])
	if err != nil {
		return nil, fmt.Errorf("expected: %w", err)
	}

	got := trial.Outcome.Generated
	n := max(len(want), len(got))
	var mismatched []int
	for i := range n {
		if i >= len(want) || i >= len(got) || !slices.Equal(want[i], got[i]) {
			mismatched = append(mismatched, i)
		}
	}
	matched := n - len(mismatched)

	score := 0.0
	if n > 0 {
		score = float64(matched) / float64(n)
	}

	return &GradeResult{
		GraderType: g.Type(),
		Passed:     len(mismatched) == 0 && len(want) > 0,
		Score:      score,
		Feedback:   fmt.Sprintf("%d sequences match, %d differ", matched, len(mismatched)),
		Details:    map[string]any{"mismatched": mismatched},
	}, nil
}

// MaxReversionsGrader passes when the trial needed at most config "max"
// reversions. Over the limit the score falls off as max/reversions.
type MaxReversionsGrader struct{}

func (MaxReversionsGrader) Type() GraderType { return GraderTypeMaxReversions }

func (g MaxReversionsGrader) Grade(_ context.Context, _ *Task, trial *Trial, config *GraderConfig) (*GradeResult, error) {
	if trial.Metrics == nil {
		return noOutcome(g.Type()), nil
	}

	limit, ok := toInt(config.Config["max"])
	if !ok {
		return nil, fmt.Errorf("max must be an integer, got %v", config.Config["max"])
	}

	got := trial.Metrics.Reversions
	score := 1.0
	if got > limit {
		score = float64(limit) / float64(got)
	}

	return &GradeResult{
		GraderType: g.Type(),
		Passed:     got <= limit,
		Score:      score,
		Feedback:   fmt.Sprintf("%d reversions (max %d)", got, limit),
		Details:    map[string]any{"reversions": got, "max": limit},
	}, nil
}

// EventCountGrader counts events of config "kind" and checks the count
// against the optional bounds "min" and "max".
type EventCountGrader struct{}

func (EventCountGrader) Type() GraderType { return GraderTypeEventCount }

func (g EventCountGrader) Grade(_ context.Context, _ *Task, trial *Trial, config *GraderConfig) (*GradeResult, error) {
	kind, _ := config.Config["kind"].(string)
	if kind == "" {
		return nil, errors.New("kind is required")
	}

	count := 0
	for _, e := range trial.Events {
		if string(e.Kind) == kind {
			count++
		}
	}

	ok := true
	if lo, set := toInt(config.Config["min"]); set && count < lo {
		ok = false
	}
	if hi, set := toInt(config.Config["max"]); set && count > hi {
		ok = false
	}

	return &GradeResult{
		GraderType: g.Type(),
		Passed:     ok,
		Score:      boolScore(ok),
		Feedback:   fmt.Sprintf("%d %s events", count, kind),
		Details:    map[string]any{"kind": kind, "count": count},
	}, nil
}

// toInt accepts the integer shapes YAML and JSON decoding produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func intRows(v any) ([][]int, error) {
	rows, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("want a list of token lists, got %T", v)
	}
	out := make([][]int, len(rows))
	for i, r := range rows {
		toks, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("row %d: want a token list, got %T", i, r)
		}
		out[i] = make([]int, len(toks))
		for j, t := range toks {
			n, ok := toInt(t)
			if !ok {
				return nil, fmt.Errorf("row %d token %d: not an integer: %v", i, j, t)
			}
			out[i][j] = n
		}
	}
	return out, nil
}

// CompositeScore is the weighted mean of results, configs[i] weighting
// results[i]. The trial passes when every required grader passed.
func CompositeScore(results []*GradeResult, configs []GraderConfig) (float64, bool) {
	if len(results) == 0 {
		return 0, false
	}

	var sum, weights float64
	passed := true
	for i, res := range results {
		w := 1.0
		if i < len(configs) {
			if configs[i].Weight > 0 {
				w = configs[i].Weight
			}
			if configs[i].Required && !res.Passed {
				passed = false
			}
		}
		sum += res.Score * w
		weights += w
	}
	return sum / weights, passed
}
