// Package generate is a batched host loop for the banned phrase mechanism:
// it scores, filters, ranks and samples one token per sequence, hands the
// step to the mechanism and adopts whatever history it returns.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/logits"
)

var (
	// ErrStepBudget is returned when generation does not settle within the
	// configured number of steps.
	ErrStepBudget = errors.New("step budget exhausted")

	// ErrInvalidPrompts is returned when prompts do not match the batch.
	ErrInvalidPrompts = errors.New("invalid prompts")

	// ErrInvalidModel is returned for malformed model output or config.
	ErrInvalidModel = errors.New("invalid model")
)

// Generator drives one batch of generation. It is not safe for concurrent
// Run calls since it shares the Mechanism.
type Generator struct {
	model   Model
	mech    *banned.Mechanism
	sampler *logits.Sampler
	filters *logits.FilterChain

	eos       int
	maxLength int
	maxSteps  int
	events    *EventLog
	logger    *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithFilters sets the score filters applied before ranking.
func WithFilters(chain *logits.FilterChain) Option {
	return func(g *Generator) { g.filters = chain }
}

// WithEOS sets the token that ends a sequence.
func WithEOS(token int) Option {
	return func(g *Generator) { g.eos = token }
}

// WithMaxLength caps the number of generated tokens per sequence.
func WithMaxLength(n int) Option {
	return func(g *Generator) { g.maxLength = n }
}

// WithMaxSteps caps the total number of Process calls, rewinds included.
func WithMaxSteps(n int) Option {
	return func(g *Generator) { g.maxSteps = n }
}

// WithEventLog attaches the log the mechanism reports to, so Result carries
// the run's events. The same log must be registered with banned.WithObserver.
func WithEventLog(l *EventLog) Option {
	return func(g *Generator) { g.events = l }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// New creates a generator. A nil sampler means greedy decoding.
func New(model Model, mech *banned.Mechanism, sampler *logits.Sampler, opts ...Option) (*Generator, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidModel)
	}
	if mech == nil {
		return nil, errors.New("generate: nil mechanism")
	}
	if sampler == nil {
		var err error
		if sampler, err = logits.NewSampler(logits.GreedyConfig); err != nil {
			return nil, err
		}
	}

	g := &Generator{
		model:     model,
		mech:      mech,
		sampler:   sampler,
		eos:       -1,
		maxLength: sampler.Config().MaxTokens,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.maxLength <= 0 {
		return nil, fmt.Errorf("generate: max length must be positive, got %d", g.maxLength)
	}
	if g.maxSteps <= 0 {
		g.maxSteps = 16 * (g.maxLength + 1) * mech.BatchSize()
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g, nil
}

// Result is the outcome of one Run.
type Result struct {
	// Sequences holds each prompt followed by its generated tokens,
	// including the EOS token when one ended the sequence.
	Sequences  [][]int        `json:"sequences"`
	PromptLen  int            `json:"prompt_len"`
	Steps      int            `json:"steps"`
	Reversions int            `json:"reversions"`
	Events     []banned.Event `json:"events,omitempty"`
}

// Generated returns the tokens sequence i produced after its prompt.
func (r *Result) Generated(i int) []int {
	return slices.Clone(r.Sequences[i][r.PromptLen:])
}

// Decode renders every generated continuation with tok.
func (r *Result) Decode(tok logits.Tokenizer) []string {
	out := make([]string, len(r.Sequences))
	for i := range r.Sequences {
		out[i] = tok.Decode(r.Generated(i))
	}
	return out
}

// Run generates from prompts until every sequence emits EOS or reaches the
// max length. Prompts must all have the same length, one per batch row.
// The mechanism is reset first.
func (g *Generator) Run(ctx context.Context, prompts [][]int) (*Result, error) {
	n := g.mech.BatchSize()
	if len(prompts) != n {
		return nil, fmt.Errorf("%w: got %d prompts for batch size %d", ErrInvalidPrompts, len(prompts), n)
	}
	promptLen := len(prompts[0])
	for i, p := range prompts {
		if len(p) != promptLen {
			return nil, fmt.Errorf("%w: prompt %d has length %d, prompt 0 has %d", ErrInvalidPrompts, i, len(p), promptLen)
		}
	}

	g.mech.Reset()
	if g.events != nil {
		g.events.Reset()
	}

	history := make([][]int, n)
	for i, p := range prompts {
		history[i] = slices.Clone(p)
	}

	// final holds the full row of every finished sequence. Finished rows
	// are replayed from it when a rewind truncates them.
	final := make([][]int, n)
	done := 0

	res := &Result{PromptLen: promptLen}
	for done < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if res.Steps >= g.maxSteps {
			return nil, fmt.Errorf("%w: %d steps, %d of %d sequences finished", ErrStepBudget, res.Steps, done, n)
		}

		step, err := g.step(ctx, history, final)
		if err != nil {
			return nil, err
		}

		out, err := g.mech.Process(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", res.Steps, err)
		}
		res.Steps++
		if out.Reverted >= 0 {
			res.Reversions++
			g.logger.Debug("sequence reverted",
				"sequence", out.Reverted, "timestep", out.Timestep, "token", out.Emitted[out.Reverted])
		}

		for i := range history {
			history[i] = append(out.History[i], out.Emitted[i])
		}

		// A queued sequence will be rewound, so it keeps generating until its
		// revert applies. With epsilon 0 the revert never comes.
		queued := g.mech.Queue()
		enforce := g.mech.Epsilon() > 0
		for i, row := range history {
			if final[i] != nil || (enforce && slices.Contains(queued, i)) {
				continue
			}
			if row[len(row)-1] == g.eos || len(row)-promptLen >= g.maxLength {
				final[i] = slices.Clone(row)
				done++
				if err := g.mech.Finish(i); err != nil {
					return nil, err
				}
			}
		}
	}

	res.Sequences = final
	if g.events != nil {
		res.Events = g.events.Events()
	}
	g.logger.Info("generation finished",
		"batch", n, "steps", res.Steps, "reversions", res.Reversions)
	return res, nil
}

// step builds the mechanism input for the current history.
func (g *Generator) step(ctx context.Context, history, final [][]int) (banned.Step, error) {
	n := len(history)
	t := len(history[0])
	step := banned.Step{
		History: history,
		Emitted: make([]int, n),
		Ranking: make([][]int, n),
	}

	scores, err := g.model.Scores(ctx, history)
	if err != nil {
		return step, fmt.Errorf("model scores: %w", err)
	}
	if len(scores) != n {
		return step, fmt.Errorf("%w: %d score rows for batch size %d", ErrInvalidModel, len(scores), n)
	}

	if g.filters != nil {
		scores = g.filters.ApplyBatch(scores, history)
	}

	for i := range history {
		if final[i] != nil {
			tok := g.eos
			if t < len(final[i]) {
				tok = final[i][t]
			}
			step.Emitted[i] = tok
			step.Ranking[i] = []int{tok}
			continue
		}

		sc := scores[i]
		if g.filters == nil {
			sc = slices.Clone(sc)
		}
		ranking := logits.RankCandidates(sc)
		tok := g.sampler.Sample(sc, ranking)
		if tok < 0 {
			tok = g.eos
		}
		step.Emitted[i] = tok
		step.Ranking[i] = ranking
	}
	return step, nil
}

// EventLog collects mechanism events. Safe for concurrent use.
type EventLog struct {
	mu     sync.Mutex
	events []banned.Event
}

// Observe implements banned.Observer.
func (l *EventLog) Observe(e banned.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a copy of the collected events.
func (l *EventLog) Events() []banned.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// Count returns how many events of kind were collected.
func (l *EventLog) Count(kind banned.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Reset drops the collected events.
func (l *EventLog) Reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}
