package repl

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/soypete/phraseguard/pkg/logits"
)

// Output writes REPL responses.
type Output struct {
	writer io.Writer
	tok    logits.Tokenizer
}

// NewOutput creates an output writing to stdout.
func NewOutput() *Output {
	return &Output{writer: os.Stdout}
}

// SetWriter sets the output writer
func (o *Output) SetWriter(w io.Writer) {
	o.writer = w
}

// SetTokenizer makes token rows print with their decoded text.
func (o *Output) SetTokenizer(tok logits.Tokenizer) {
	o.tok = tok
}

// PrintMessage prints a message to the output
func (o *Output) PrintMessage(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// PrintError prints an error message
func (o *Output) PrintError(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, "error: "+format, args...)
}

// PrintWarning prints a warning message
func (o *Output) PrintWarning(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, "warning: "+format, args...)
}

// FormatRow renders a token row, with its text when a tokenizer is set.
func (o *Output) FormatRow(row []int) string {
	parts := make([]string, len(row))
	for i, t := range row {
		parts[i] = fmt.Sprint(t)
	}
	s := "[" + strings.Join(parts, " ") + "]"
	if o.tok != nil {
		s += fmt.Sprintf(" %q", o.tok.Decode(row))
	}
	return s
}

// ClearScreen clears the terminal screen
func (o *Output) ClearScreen() {
	fmt.Fprint(o.writer, "\033[H\033[2J")
}
