package repl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandType identifies a REPL command.
type CommandType int

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeStep
	CommandTypeState
	CommandTypeQueue
	CommandTypeHistory
	CommandTypeFinish
	CommandTypeReset
	CommandTypeClear
	CommandTypeHelp
	CommandTypeQuit
)

// commandNames lists the primary spelling of every command, in help order.
var commandNames = []string{"step", "state", "queue", "history", "finish", "reset", "clear", "help", "quit"}

// CommandNames returns the primary command names for completion.
func CommandNames() []string {
	return append([]string(nil), commandNames...)
}

// ErrSyntax is returned for input that does not parse.
var ErrSyntax = errors.New("syntax error")

// Command represents a parsed command.
type Command struct {
	Type CommandType
	Name string
	// Rows holds one entry per sequence for step.
	Rows []StepRow
	// Sequence is the argument to finish.
	Sequence int
	Raw      string
}

// StepRow is one sequence's emitted token and its candidate ranking.
type StepRow struct {
	Emitted int
	Ranking []int
}

// ParseCommand parses one input line.
//
//	step <tok> [| <rank...>] [; <tok> [| <rank...>]]...
//
// gives the emitted token and ranking for each sequence of the batch. A row
// without a ranking ranks only its emitted token.
func ParseCommand(input string) (*Command, error) {
	input = strings.TrimSpace(input)
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return &Command{Type: CommandTypeUnknown, Raw: input}, nil
	}

	name := strings.TrimPrefix(parts[0], "/")
	cmd := &Command{Name: name, Raw: input}
	args := parts[1:]

	switch name {
	case "step", "s":
		cmd.Type = CommandTypeStep
		rows, err := parseRows(strings.TrimSpace(strings.TrimPrefix(input, parts[0])))
		if err != nil {
			return nil, err
		}
		cmd.Rows = rows
	case "state", "st":
		cmd.Type = CommandTypeState
	case "queue":
		cmd.Type = CommandTypeQueue
	case "history":
		cmd.Type = CommandTypeHistory
	case "finish":
		cmd.Type = CommandTypeFinish
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: finish takes one sequence index", ErrSyntax)
		}
		i, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad sequence index %q", ErrSyntax, args[0])
		}
		cmd.Sequence = i
	case "reset":
		cmd.Type = CommandTypeReset
	case "clear", "cls":
		cmd.Type = CommandTypeClear
	case "help", "h", "?":
		cmd.Type = CommandTypeHelp
	case "quit", "exit", "q":
		cmd.Type = CommandTypeQuit
	default:
		return nil, fmt.Errorf("%w: unknown command %q (try help)", ErrSyntax, name)
	}

	if cmd.Type != CommandTypeStep && cmd.Type != CommandTypeFinish && len(args) > 0 {
		return nil, fmt.Errorf("%w: %s takes no arguments", ErrSyntax, name)
	}
	return cmd, nil
}

func parseRows(s string) ([]StepRow, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: step needs a token for each sequence", ErrSyntax)
	}

	var rows []StepRow
	for i, part := range strings.Split(s, ";") {
		emitted, ranking, hasRanking := strings.Cut(part, "|")

		toks, err := parseTokens(emitted)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if len(toks) != 1 {
			return nil, fmt.Errorf("%w: row %d: want one emitted token, got %d", ErrSyntax, i, len(toks))
		}

		row := StepRow{Emitted: toks[0], Ranking: []int{toks[0]}}
		if hasRanking {
			rank, err := parseTokens(ranking)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			if len(rank) == 0 {
				return nil, fmt.Errorf("%w: row %d: empty ranking", ErrSyntax, i)
			}
			row.Ranking = rank
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseTokens(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad token id %q", ErrSyntax, f)
		}
		out = append(out, n)
	}
	return out, nil
}

// GetREPLHelp returns help text for REPL commands.
func GetREPLHelp() string {
	return `
phraseguard - step the banned phrase mechanism by hand

Commands:
  step <tok> [| <rank...>] [; ...]   Process one timestep, one row per sequence
  state, st                          Show every sequence's tracking state
  queue                              Show the revert queue
  history                            Show the current token history
  finish <i>                         Mark sequence i as finished
  reset                              Clear history and mechanism state
  clear, cls                         Clear the screen
  help, h, ?                         Show this help message
  quit, exit, q                      Exit the REPL

Example, phrase [7 8] banned with 9 as the runner up:
  > step 7 | 7 9
  > step 8 | 8 9
  > step 1 | 1
`
}
