package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/logits"
)

const testEOS = 1

// scriptedSevenEight drives prompt [0] towards 7 8, with 9 as the runner up
// after 0 and EOS after either 8 or 9. Prompt [2] produces 3 then EOS.
func scriptedSevenEight() *ScriptedModel {
	return &ScriptedModel{
		VocabSize: 10,
		Rules: []Rule{
			{After: []int{0}, Next: []int{7, 9}},
			{After: []int{7}, Next: []int{8, 9}},
			{After: []int{8}, Next: []int{testEOS}},
			{After: []int{9}, Next: []int{testEOS}},
			{After: []int{2}, Next: []int{3}},
			{After: []int{3}, Next: []int{testEOS}},
		},
		Default: []int{5},
	}
}

func newGenerator(t *testing.T, model Model, phrases *banned.PhraseSet, batch int, opts ...Option) (*Generator, *EventLog) {
	t.Helper()
	log := &EventLog{}
	mech, err := banned.New(phrases, batch, banned.WithObserver(log))
	require.NoError(t, err)

	opts = append([]Option{WithEOS(testEOS), WithMaxLength(10), WithEventLog(log)}, opts...)
	g, err := New(model, mech, nil, opts...)
	require.NoError(t, err)
	return g, log
}

func TestRunWithoutPhrases(t *testing.T) {
	g, _ := newGenerator(t, scriptedSevenEight(), nil, 1)

	res, err := g.Run(context.Background(), [][]int{{0}})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0, 7, 8, testEOS}}, res.Sequences)
	assert.Equal(t, []int{7, 8, testEOS}, res.Generated(0))
	assert.Equal(t, 3, res.Steps)
	assert.Zero(t, res.Reversions)
}

func TestRunRevertsBannedPhrase(t *testing.T) {
	g, log := newGenerator(t, scriptedSevenEight(), banned.MustPhraseSet([]int{7, 8}), 1)

	res, err := g.Run(context.Background(), [][]int{{0}})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0, 9, testEOS}}, res.Sequences)
	assert.Equal(t, 4, res.Steps)
	assert.Equal(t, 1, res.Reversions)

	assert.Equal(t, 1, log.Count(banned.EventDetected))
	assert.Equal(t, 1, log.Count(banned.EventCompleted))
	assert.Equal(t, 1, log.Count(banned.EventReverted))
	assert.Equal(t, 1, log.Count(banned.EventRevertFinished))
	assert.Equal(t, 1, log.Count(banned.EventFinished))
	assert.Len(t, res.Events, len(log.Events()))
}

func TestRunReplaysFinishedRowsAfterRewind(t *testing.T) {
	g, _ := newGenerator(t, scriptedSevenEight(), banned.MustPhraseSet([]int{7, 8}), 2)

	res, err := g.Run(context.Background(), [][]int{{0}, {2}})
	require.NoError(t, err)

	// Row 1 finished before row 0's revert rewound the batch, and comes
	// back unchanged.
	assert.Equal(t, [][]int{{0, 9, testEOS}, {2, 3, testEOS}}, res.Sequences)
	assert.Equal(t, 1, res.Reversions)
}

func TestRunAppliesFilters(t *testing.T) {
	chain := logits.NewChainBuilder().WithBannedTokens("no_seven", []int{7}).Build()
	g, _ := newGenerator(t, scriptedSevenEight(), banned.MustPhraseSet([]int{7, 8}), 1, WithFilters(chain))

	res, err := g.Run(context.Background(), [][]int{{0}})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{0, 9, testEOS}}, res.Sequences)
	assert.Zero(t, res.Reversions)
}

func TestRunStopsAtMaxLength(t *testing.T) {
	g, _ := newGenerator(t, &ScriptedModel{VocabSize: 6, Default: []int{5}}, nil, 1, WithMaxLength(3))

	res, err := g.Run(context.Background(), [][]int{{0}})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 5, 5, 5}}, res.Sequences)
}

func TestRunStepBudget(t *testing.T) {
	g, _ := newGenerator(t, &ScriptedModel{VocabSize: 6, Default: []int{5}}, nil, 1,
		WithMaxLength(100), WithMaxSteps(3))

	_, err := g.Run(context.Background(), [][]int{{0}})
	assert.True(t, errors.Is(err, ErrStepBudget), "got %v", err)
}

func TestRunHonoursCancellation(t *testing.T) {
	g, _ := newGenerator(t, scriptedSevenEight(), nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Run(ctx, [][]int{{0}})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestRunRejectsBadPrompts(t *testing.T) {
	g, _ := newGenerator(t, scriptedSevenEight(), nil, 2)

	_, err := g.Run(context.Background(), [][]int{{0}})
	assert.True(t, errors.Is(err, ErrInvalidPrompts))

	_, err = g.Run(context.Background(), [][]int{{0}, {1, 2}})
	assert.True(t, errors.Is(err, ErrInvalidPrompts))
}

func TestRunModelError(t *testing.T) {
	boom := errors.New("boom")
	model := ModelFunc(func(context.Context, [][]int) ([][]float32, error) { return nil, boom })
	g, _ := newGenerator(t, model, nil, 1)

	_, err := g.Run(context.Background(), [][]int{{0}})
	assert.True(t, errors.Is(err, boom))
}

func TestRunDecode(t *testing.T) {
	tok := logits.NewVocabTokenizer([]string{"<s>", "</s>", "a", "b"})
	model := &ScriptedModel{
		VocabSize: 4,
		Rules: []Rule{
			{After: []int{0}, Next: []int{2}},
			{After: []int{2}, Next: []int{3}},
			{After: []int{3}, Next: []int{1}},
		},
	}
	g, _ := newGenerator(t, model, nil, 1, WithEOS(tok.EOSToken()))

	res, err := g.Run(context.Background(), [][]int{{tok.BOSToken()}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ab"}, res.Decode(tok))
}

func TestNewValidation(t *testing.T) {
	mech, err := banned.New(nil, 1)
	require.NoError(t, err)

	_, err = New(nil, mech, nil)
	assert.True(t, errors.Is(err, ErrInvalidModel))

	_, err = New(scriptedSevenEight(), nil, nil)
	assert.Error(t, err)

	_, err = New(scriptedSevenEight(), mech, nil, WithMaxLength(-1))
	assert.Error(t, err)
}

func TestScriptedModel(t *testing.T) {
	m := &ScriptedModel{
		VocabSize: 4,
		Rules: []Rule{
			{After: []int{1}, Next: []int{2}},
			{After: []int{0, 1}, Next: []int{3, 2}},
		},
		Default: []int{0},
	}
	require.NoError(t, m.Validate())

	scores, err := m.Scores(context.Background(), [][]int{{0, 1}, {2, 1}, {2}})
	require.NoError(t, err)

	assert.Equal(t, []int{3, 2, 0, 1}, logits.RankCandidates(scores[0]), "longest suffix wins")
	assert.Equal(t, []int{2, 0, 1, 3}, logits.RankCandidates(scores[1]))
	assert.Equal(t, []int{0, 1, 2, 3}, logits.RankCandidates(scores[2]), "default ordering")

	bad := &ScriptedModel{VocabSize: 2, Default: []int{5}}
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidModel))
	assert.Error(t, (&ScriptedModel{}).Validate())
}
