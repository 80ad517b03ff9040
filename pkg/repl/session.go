package repl

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/soypete/phraseguard/pkg/banned"
)

// Session is a hand-driven host loop: it owns the token history and a
// mechanism, and applies each step command to both.
type Session struct {
	mu sync.Mutex

	mech    *banned.Mechanism
	prompts [][]int
	history [][]int
	pending []banned.Event
	out     *Output

	Commands []string // Command history
}

// NewSession creates a mechanism for one sequence per prompt.
func NewSession(ps *banned.PhraseSet, prompts [][]int, out *Output, opts ...banned.Option) (*Session, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("need at least one prompt")
	}
	for i, p := range prompts {
		if len(p) != len(prompts[0]) {
			return nil, fmt.Errorf("prompt %d has %d tokens, prompt 0 has %d", i, len(p), len(prompts[0]))
		}
	}
	if out == nil {
		out = NewOutput()
	}

	s := &Session{
		prompts: clone(prompts),
		history: clone(prompts),
		out:     out,
	}
	mech, err := banned.New(ps, len(prompts), append(opts, banned.WithObserver(s))...)
	if err != nil {
		return nil, err
	}
	s.mech = mech
	return s, nil
}

// Observe implements banned.Observer.
func (s *Session) Observe(e banned.Event) {
	s.pending = append(s.pending, e)
}

// Mechanism returns the session's mechanism.
func (s *Session) Mechanism() *banned.Mechanism { return s.mech }

// History returns a copy of the token history.
func (s *Session) History() [][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.history)
}

// Timestep returns the current history length.
func (s *Session) Timestep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[0])
}

// AddToHistory records an input line.
func (s *Session) AddToHistory(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, line)
}

// Execute runs a parsed command. Quit returns io.EOF.
func (s *Session) Execute(cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Type {
	case CommandTypeStep:
		return s.step(cmd.Rows)
	case CommandTypeState:
		s.printState()
	case CommandTypeQueue:
		s.out.PrintMessage("queue: %v\n", s.mech.Queue())
	case CommandTypeHistory:
		for i, row := range s.history {
			s.out.PrintMessage("  %d: %s\n", i, s.out.FormatRow(row))
		}
	case CommandTypeFinish:
		err := s.mech.Finish(cmd.Sequence)
		s.printEvents()
		return err
	case CommandTypeReset:
		s.mech.Reset()
		s.history = clone(s.prompts)
		s.pending = nil
		s.out.PrintMessage("reset to t=%d\n", len(s.history[0]))
	case CommandTypeClear:
		s.out.ClearScreen()
	case CommandTypeHelp:
		s.out.PrintMessage("%s", GetREPLHelp())
	case CommandTypeQuit:
		return io.EOF
	}
	return nil
}

func (s *Session) step(rows []StepRow) error {
	if len(rows) != len(s.history) {
		return fmt.Errorf("step needs %d rows, got %d", len(s.history), len(rows))
	}

	step := banned.Step{
		History: clone(s.history),
		Emitted: make([]int, len(rows)),
		Ranking: make([][]int, len(rows)),
	}
	for i, r := range rows {
		step.Emitted[i] = r.Emitted
		step.Ranking[i] = r.Ranking
	}

	res, err := s.mech.Process(step)
	if err != nil {
		s.pending = nil
		return err
	}

	for i := range res.History {
		res.History[i] = append(res.History[i], res.Emitted[i])
	}
	s.history = res.History

	if res.Rewound {
		s.out.PrintMessage("rewound to t=%d, reverting sequence %d\n", res.Timestep, res.Reverted)
	}
	for i, tok := range res.Emitted {
		mark := ""
		if res.Overridden[i] {
			mark = fmt.Sprintf(" (overrides %d)", rows[i].Emitted)
		}
		s.out.PrintMessage("  %d: emit %d%s -> %s\n", i, tok, mark, s.out.FormatRow(s.history[i]))
	}
	s.printEvents()
	return nil
}

func (s *Session) printEvents() {
	for _, e := range s.pending {
		var b strings.Builder
		fmt.Fprintf(&b, "  event %s seq=%d", e.Kind, e.Sequence)
		if e.Timestep >= 0 {
			fmt.Fprintf(&b, " t=%d", e.Timestep)
		}
		if e.Phrase >= 0 {
			fmt.Fprintf(&b, " phrase=%d", e.Phrase)
		}
		if e.Token >= 0 {
			fmt.Fprintf(&b, " token=%d", e.Token)
		}
		if e.Offset >= 0 {
			fmt.Fprintf(&b, " offset=%d", e.Offset)
		}
		s.out.PrintMessage("%s\n", b.String())
	}
	s.pending = nil
}

func (s *Session) printState() {
	ps := s.mech.Phrases()
	for _, v := range s.mech.States() {
		s.out.PrintMessage("  %d: %s", v.Index, v.Status)
		if v.Finished {
			s.out.PrintMessage(" finished")
		}
		for _, m := range v.Matches {
			s.out.PrintMessage(" phrase %d %d/%d", m.Phrase, m.Matched, len(ps.At(m.Phrase)))
		}
		if v.SnapshotTimestep >= 0 {
			s.out.PrintMessage(" snapshot t=%d", v.SnapshotTimestep)
		}
		if v.PauseTimestep >= 0 {
			s.out.PrintMessage(" paused at t=%d", v.PauseTimestep)
		}
		if len(v.ReplayTimesteps) > 0 {
			s.out.PrintMessage(" replay %v", v.ReplayTimesteps)
		}
		s.out.PrintMessage("\n")
	}
}

func clone(rows [][]int) [][]int {
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}
