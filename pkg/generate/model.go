package generate

import (
	"context"
	"fmt"
	"slices"
)

// Model scores the next token for every sequence in a batch. The returned
// slice has one row per history row and VocabSize entries per row.
type Model interface {
	Scores(ctx context.Context, history [][]int) ([][]float32, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, history [][]int) ([][]float32, error)

func (f ModelFunc) Scores(ctx context.Context, history [][]int) ([][]float32, error) {
	return f(ctx, history)
}

// Rule prefers Next, best first, whenever a history ends with After.
// An empty After matches every history.
type Rule struct {
	After []int `yaml:"after" json:"after"`
	Next  []int `yaml:"next" json:"next"`
}

// ScriptedModel is a deterministic Model driven by suffix rules. The rule
// with the longest matching suffix wins, earlier rules breaking ties. Tokens
// a rule does not list share one low score, so they rank by token id.
type ScriptedModel struct {
	VocabSize int    `yaml:"vocab_size" json:"vocab_size"`
	Rules     []Rule `yaml:"rules" json:"rules"`
	// Default is used when no rule matches.
	Default []int `yaml:"default,omitempty" json:"default,omitempty"`
}

const scriptedBaseline = -10

// Validate checks that every listed token is inside the vocabulary.
func (m *ScriptedModel) Validate() error {
	if m.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidModel, m.VocabSize)
	}
	check := func(where string, toks []int) error {
		for _, t := range toks {
			if t < 0 || t >= m.VocabSize {
				return fmt.Errorf("%w: %s token %d outside vocabulary of %d", ErrInvalidModel, where, t, m.VocabSize)
			}
		}
		return nil
	}
	for i, r := range m.Rules {
		if err := check(fmt.Sprintf("rule %d", i), r.Next); err != nil {
			return err
		}
	}
	return check("default", m.Default)
}

// Scores implements Model.
func (m *ScriptedModel) Scores(ctx context.Context, history [][]int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(history))
	for i, row := range history {
		out[i] = m.score(row)
	}
	return out, nil
}

func (m *ScriptedModel) score(row []int) []float32 {
	scores := make([]float32, m.VocabSize)
	for i := range scores {
		scores[i] = scriptedBaseline
	}

	next := m.Default
	best := -1
	for _, r := range m.Rules {
		if len(r.After) > best && hasSuffix(row, r.After) {
			best = len(r.After)
			next = r.Next
		}
	}

	for rank, tok := range next {
		if tok >= 0 && tok < len(scores) && scores[tok] == scriptedBaseline {
			scores[tok] = float32(len(next) - rank)
		}
	}
	return scores
}

func hasSuffix(row, suffix []int) bool {
	if len(suffix) > len(row) {
		return false
	}
	return slices.Equal(row[len(row)-len(suffix):], suffix)
}
