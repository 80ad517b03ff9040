// Package banned keeps banned token phrases out of batched autoregressive
// generation. The host loop calls Process once per timestep; the mechanism
// tracks partial matches, and when a phrase completes it rewinds the batch to
// where the phrase began and substitutes the next-best ranked token.
package banned

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
)

// DefaultEpsilon enforces every completed phrase.
const DefaultEpsilon = 1.0

// Step is the host loop's view of one generation timestep.
type Step struct {
	// History holds one row per sequence. All rows have the same length,
	// which is the current timestep.
	History [][]int
	// Emitted is the token the sampler chose for each sequence.
	Emitted []int
	// Ranking is each sequence's vocabulary ranked by score, best first.
	Ranking [][]int
}

// StepResult is what the host loop should adopt for the step. When Rewound
// is set, every row was truncated to Timestep and generation resumes there.
type StepResult struct {
	History    [][]int
	Emitted    []int
	Overridden []bool
	Timestep   int
	Rewound    bool
	// Reverted is the sequence whose correction was applied this step, or -1.
	Reverted int
}

// Option configures a Mechanism.
type Option func(*Mechanism)

// WithEpsilon sets the probability that a completed phrase is reverted on
// each gate attempt.
func WithEpsilon(eps float64) Option {
	return func(m *Mechanism) { m.rev.epsilon = eps }
}

// WithRandSource injects the gate's random source.
func WithRandSource(src RandSource) Option {
	return func(m *Mechanism) { m.rev.rng = src }
}

// WithSeed is shorthand for WithRandSource(NewSeededSource(seed)).
func WithSeed(seed uint64) Option {
	return func(m *Mechanism) { m.rev.rng = NewSeededSource(seed) }
}

// WithLogger sets the structured logger. Transitions log at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mechanism) { m.logger = logger }
}

// WithObserver adds an event observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(m *Mechanism) { m.observers = append(m.observers, o) }
}

// Mechanism is the banned-phrase controller for one batch.
type Mechanism struct {
	mu sync.Mutex

	phrases   *PhraseSet
	batchSize int
	seqs      []*sequenceState
	rev       reverter

	logger    *slog.Logger
	observers []Observer

	nextPriority uint64

	// advanced holds pre-step progress of every sequence the tracker or
	// detector touched during the current Process call.
	advanced map[int]progress
}

// New creates a mechanism for a fixed batch size.
func New(phrases *PhraseSet, batchSize int, opts ...Option) (*Mechanism, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}
	if phrases == nil {
		phrases = MustPhraseSet()
	}

	m := &Mechanism{
		phrases:   phrases,
		batchSize: batchSize,
		rev: reverter{
			epsilon:   DefaultEpsilon,
			reverting: -1,
		},
		advanced: make(map[int]progress),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.rev.epsilon < 0 || m.rev.epsilon > 1 || math.IsNaN(m.rev.epsilon) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidEpsilon, m.rev.epsilon)
	}
	if m.rev.rng == nil {
		m.rev.rng = runtimeSource{}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}

	m.resetLocked()
	return m, nil
}

// Process runs one timestep. It never mutates step; the returned result
// holds fresh slices.
func (m *Mechanism) Process(step Step) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timestep, err := m.checkShape(step)
	if err != nil {
		return nil, err
	}

	res := newStepResult(step, timestep)
	if m.phrases.Empty() {
		return res, nil
	}

	clear(m.advanced)
	defer clear(m.advanced)

	m.applyReplay(res, -1)

	if m.rev.reverting >= 0 {
		m.advanceReverting(res)
	}

	rankings := cloneRankings(step)
	if m.rev.reverting < 0 && len(m.rev.queue) > 0 && m.maybeApplyRevert(res) {
		m.applyReplay(res, res.Reverted)
		// The step's rankings belong to the timestep the batch just left.
		// Every row's ranking at the rewind point was kept with the head's
		// snapshot.
		head := m.seqs[res.Reverted].detected
		rankings = func() [][]int { return head.rankings }
	}

	m.track(res)

	if !m.rev.hasPending(m.seqs) {
		m.detect(res, rankings)
	}

	return res, nil
}

// Finish tells the mechanism that the host ended sequence i. Its tracking
// state is discarded and it is dropped from the revert queue.
func (m *Mechanism) Finish(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= m.batchSize {
		return fmt.Errorf("%w: %d", ErrSequenceOutOfRange, i)
	}

	s := m.seqs[i]
	if s.finished {
		return nil
	}
	m.rev.remove(i)
	s.toIdle()
	s.finished = true
	m.emit(newEvent(EventFinished, i, -1))
	return nil
}

// Reset returns the mechanism to its freshly constructed state.
func (m *Mechanism) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Mechanism) resetLocked() {
	m.seqs = make([]*sequenceState, m.batchSize)
	for i := range m.seqs {
		m.seqs[i] = newSequenceState(i)
	}
	m.rev.queue = nil
	m.rev.reverting = -1
	m.nextPriority = 0
	clear(m.advanced)
}

// Active reports whether any phrase is configured.
func (m *Mechanism) Active() bool { return !m.phrases.Empty() }

// Epsilon returns the gate probability.
func (m *Mechanism) Epsilon() float64 { return m.rev.epsilon }

// BatchSize returns the fixed batch size.
func (m *Mechanism) BatchSize() int { return m.batchSize }

// Phrases returns the configured phrase set.
func (m *Mechanism) Phrases() *PhraseSet { return m.phrases }

// State returns a copy of sequence i's state.
func (m *Mechanism) State(i int) (SequenceView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= m.batchSize {
		return SequenceView{}, fmt.Errorf("%w: %d", ErrSequenceOutOfRange, i)
	}
	return m.seqs[i].view(), nil
}

// States returns a copy of every sequence's state.
func (m *Mechanism) States() []SequenceView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SequenceView, len(m.seqs))
	for i, s := range m.seqs {
		out[i] = s.view()
	}
	return out
}

// QueueLen returns the number of sequences waiting for or undergoing
// reversion.
func (m *Mechanism) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rev.queue)
}

// Queue returns the revert queue, head first.
func (m *Mechanism) Queue() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rev.queue)
}

func (m *Mechanism) checkShape(step Step) (int, error) {
	switch {
	case len(step.History) != m.batchSize:
		return 0, fmt.Errorf("%w: history has %d rows, batch size is %d", ErrBatchShapeMismatch, len(step.History), m.batchSize)
	case len(step.Emitted) != m.batchSize:
		return 0, fmt.Errorf("%w: %d emitted tokens, batch size is %d", ErrBatchShapeMismatch, len(step.Emitted), m.batchSize)
	case len(step.Ranking) != m.batchSize:
		return 0, fmt.Errorf("%w: %d rankings, batch size is %d", ErrBatchShapeMismatch, len(step.Ranking), m.batchSize)
	}

	timestep := len(step.History[0])
	for i, row := range step.History {
		if len(row) != timestep {
			return 0, fmt.Errorf("%w: history row %d has length %d, row 0 has %d", ErrBatchShapeMismatch, i, len(row), timestep)
		}
	}
	return timestep, nil
}

func newStepResult(step Step, timestep int) *StepResult {
	res := &StepResult{
		History:    make([][]int, len(step.History)),
		Emitted:    slices.Clone(step.Emitted),
		Overridden: make([]bool, len(step.History)),
		Timestep:   timestep,
		Reverted:   -1,
	}
	for i, row := range step.History {
		res.History[i] = slices.Clone(row)
	}
	return res
}

func (m *Mechanism) emit(ev Event) {
	if ev.Kind == EventCandidatesExhausted {
		m.logger.Warn("candidate ranking exhausted",
			"sequence", ev.Sequence, "timestep", ev.Timestep, "offset", ev.Offset)
	} else {
		m.logger.Debug("banned phrase transition",
			"event", string(ev.Kind), "sequence", ev.Sequence, "timestep", ev.Timestep,
			"phrase", ev.Phrase, "token", ev.Token)
	}
	for _, o := range m.observers {
		o.Observe(ev)
	}
}
