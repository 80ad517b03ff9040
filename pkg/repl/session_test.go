package repl

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/logits"
)

func newTestSession(t *testing.T, prompts [][]int) (*Session, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	out := NewOutput()
	out.SetWriter(&buf)
	s, err := NewSession(banned.MustPhraseSet([]int{7, 8}), prompts, out, banned.WithEpsilon(1))
	require.NoError(t, err)
	return s, &buf
}

func TestSessionRevertsPhrase(t *testing.T) {
	s, buf := newTestSession(t, [][]int{{0}})

	assert.False(t, handleLine(s, s.out, "step 7 | 7 9"))
	assert.Contains(t, buf.String(), "event detected seq=0")

	assert.False(t, handleLine(s, s.out, "step 8 | 8 9"))
	assert.Contains(t, buf.String(), "event completed seq=0")
	assert.Equal(t, [][]int{{0, 7, 8}}, s.History())

	buf.Reset()
	handleLine(s, s.out, "queue")
	assert.Equal(t, "queue: [0]\n", buf.String())

	buf.Reset()
	handleLine(s, s.out, "step 1 | 1")
	assert.Contains(t, buf.String(), "rewound to t=1")
	assert.Contains(t, buf.String(), "event reverted seq=0")
	assert.Equal(t, [][]int{{0, 9}}, s.History())
	assert.Equal(t, 2, s.Timestep())
}

func TestSessionStateAndReset(t *testing.T) {
	s, buf := newTestSession(t, [][]int{{0}, {0}})

	handleLine(s, s.out, "step 7 | 7 9; 3")
	buf.Reset()
	handleLine(s, s.out, "state")
	assert.Contains(t, buf.String(), "0: tracking phrase 0 1/2")
	assert.Contains(t, buf.String(), "1: idle")

	buf.Reset()
	handleLine(s, s.out, "reset")
	assert.Equal(t, "reset to t=1\n", buf.String())
	assert.Equal(t, [][]int{{0}, {0}}, s.History())
}

func TestSessionErrors(t *testing.T) {
	s, buf := newTestSession(t, [][]int{{0}, {0}})

	handleLine(s, s.out, "step 7")
	assert.Contains(t, buf.String(), "error: step needs 2 rows, got 1")

	buf.Reset()
	handleLine(s, s.out, "finish 4")
	assert.Contains(t, buf.String(), "error: ")
	assert.Contains(t, buf.String(), banned.ErrSequenceOutOfRange.Error())

	buf.Reset()
	handleLine(s, s.out, "bogus")
	assert.Contains(t, buf.String(), "unknown command")

	buf.Reset()
	handleLine(s, s.out, "finish 1")
	assert.Contains(t, buf.String(), "event finished seq=1")

	assert.True(t, handleLine(s, s.out, "quit"))
	assert.Equal(t, []string{"step 7", "finish 4", "bogus", "finish 1", "quit"}, s.Commands)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(banned.MustPhraseSet([]int{7}), nil, nil)
	assert.Error(t, err)

	_, err = NewSession(banned.MustPhraseSet([]int{7}), [][]int{{0}, {0, 1}}, nil)
	assert.Error(t, err)
}

func TestFormatRowWithTokenizer(t *testing.T) {
	out := NewOutput()
	assert.Equal(t, "[1 2]", out.FormatRow([]int{1, 2}))

	out.SetTokenizer(logits.NewVocabTokenizer([]string{"a", "b", "c"}))
	assert.Equal(t, `[1 2] "bc"`, out.FormatRow([]int{1, 2}))
}

func TestRunScript(t *testing.T) {
	s, buf := newTestSession(t, [][]int{{0}})
	r := NewREPL(s, WithHistoryFile(""), WithEcho(true))

	script := `# ban 7 8
step 7 | 7 9
step 8 | 8 9

step 1 | 1
quit
step 5
`
	require.NoError(t, r.RunScript(strings.NewReader(script)))

	assert.Equal(t, [][]int{{0, 9}}, s.History())
	assert.Contains(t, buf.String(), "phraseguard[t=1]> step 7 | 7 9")
	assert.Contains(t, buf.String(), "phraseguard[t=3 q=1]> step 1 | 1")
	assert.Equal(t, []string{"step 7 | 7 9", "step 8 | 8 9", "step 1 | 1", "quit"}, s.Commands)
}

func TestCommandNamesParse(t *testing.T) {
	for _, name := range CommandNames() {
		if name == "step" || name == "finish" {
			continue
		}
		cmd, err := ParseCommand(name)
		require.NoError(t, err, name)
		assert.NotEqual(t, CommandTypeUnknown, cmd.Type, name)
	}
}
