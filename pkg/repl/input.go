package repl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
)

// lineReader is a terminal line editor whose prompt tracks the session.
type lineReader struct {
	rl      *readline.Instance
	session *Session
}

func newLineReader(session *Session, historyFile string) (*lineReader, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(commandNames))
	for _, name := range commandNames {
		items = append(items, readline.PcItem(name))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt(session),
		HistoryFile:     historyFile,
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    readline.NewPrefixCompleter(items...),
	})
	if err != nil {
		return nil, fmt.Errorf("create readline: %w", err)
	}
	return &lineReader{rl: rl, session: session}, nil
}

func (r *lineReader) readLine() (string, error) {
	r.rl.SetPrompt(prompt(r.session))
	return r.rl.Readline()
}

func (r *lineReader) close() error {
	return r.rl.Close()
}

// prompt shows the batch timestep and, while a revert is pending, the queue
// depth.
func prompt(s *Session) string {
	if n := s.Mechanism().QueueLen(); n > 0 {
		return fmt.Sprintf("phraseguard[t=%d q=%d]> ", s.Timestep(), n)
	}
	return fmt.Sprintf("phraseguard[t=%d]> ", s.Timestep())
}

// DefaultHistoryFile is where line history is kept between runs.
func DefaultHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "phraseguard_history")
	}
	return filepath.Join(home, ".phraseguard_history")
}
