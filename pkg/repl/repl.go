package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// REPL drives a Session from a terminal or a script.
type REPL struct {
	session     *Session
	output      *Output
	historyFile string
	echo        bool
}

// Option configures a REPL.
type Option func(*REPL)

// WithHistoryFile sets the readline history file. Empty disables history.
func WithHistoryFile(path string) Option {
	return func(r *REPL) { r.historyFile = path }
}

// WithEcho prints each scripted line before running it.
func WithEcho(echo bool) Option {
	return func(r *REPL) { r.echo = echo }
}

// NewREPL creates a REPL for session.
func NewREPL(session *Session, opts ...Option) *REPL {
	r := &REPL{
		session:     session,
		output:      session.out,
		historyFile: DefaultHistoryFile(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reads commands from the terminal until quit or EOF.
func (r *REPL) Run() error {
	in, err := newLineReader(r.session, r.historyFile)
	if err != nil {
		return err
	}
	defer in.close()

	r.printWelcome()
	for {
		line, err := in.readLine()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				r.output.PrintMessage("\nGoodbye!\n")
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}
		if r.Handle(line) {
			r.output.PrintMessage("Goodbye!\n")
			return nil
		}
	}
}

// RunScript runs one command per line of src. Blank lines and lines
// starting with # are skipped. It stops at quit or the end of input.
func (r *REPL) RunScript(src io.Reader) error {
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if r.echo {
			r.output.PrintMessage("%s%s\n", prompt(r.session), line)
		}
		if r.Handle(line) {
			return nil
		}
	}
	return scanner.Err()
}

// Handle runs one input line and reports whether the REPL should exit.
func (r *REPL) Handle(line string) bool {
	return handleLine(r.session, r.output, line)
}

func handleLine(s *Session, out *Output, line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	s.AddToHistory(line)

	cmd, err := ParseCommand(line)
	if err != nil {
		out.PrintError("%v\n", err)
		return false
	}
	if err := s.Execute(cmd); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		out.PrintError("%v\n", err)
	}
	return false
}

func (r *REPL) printWelcome() {
	m := r.session.Mechanism()
	r.output.PrintMessage("phraseguard REPL: %d phrases, batch %d, epsilon %.2f\n",
		m.Phrases().Len(), m.BatchSize(), m.Epsilon())
	r.output.PrintMessage("Type 'help' for commands.\n\n")
}
