// Package logits turns raw model scores into the per-step inputs the
// banned-phrase mechanism needs: filtered scores, a candidate ranking and a
// sampled token.
//
// Filters run before ranking, so a token a filter bans drops to the bottom
// of the ranking and is only ever offered as a correction of last resort.
package logits

import (
	"maps"
	"math"
	"slices"
	"sync/atomic"
)

// NegativeInfinity is the score of a banned token.
var NegativeInfinity = float32(math.Inf(-1))

// ScoreContext describes the sequence whose scores are being filtered.
type ScoreContext struct {
	// Sequence is the batch index.
	Sequence int
	// History is the sequence's tokens so far. Filters must not modify it.
	History []int
}

// ScoreFilter rewrites one row of scores before ranking.
type ScoreFilter interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Apply modifies scores in place and returns them.
	Apply(scores []float32, ctx *ScoreContext) []float32
}

// toggle is embedded by the filters below. The zero value is enabled, and
// flipping it is safe while a chain is applying the filter.
type toggle struct {
	off atomic.Bool
}

func (t *toggle) Enabled() bool           { return !t.off.Load() }
func (t *toggle) SetEnabled(enabled bool) { t.off.Store(!enabled) }

// TokenBanFilter sets a fixed set of tokens to NegativeInfinity.
type TokenBanFilter struct {
	toggle
	name string
	ids  []int
}

// NewTokenBanFilter bans ids. Duplicates and negative ids are dropped.
func NewTokenBanFilter(name string, ids ...int) *TokenBanFilter {
	kept := slices.DeleteFunc(slices.Clone(ids), func(id int) bool { return id < 0 })
	slices.Sort(kept)
	return &TokenBanFilter{name: name, ids: slices.Compact(kept)}
}

func (f *TokenBanFilter) Name() string { return f.name }

// Tokens returns the banned ids in ascending order.
func (f *TokenBanFilter) Tokens() []int { return slices.Clone(f.ids) }

func (f *TokenBanFilter) Apply(scores []float32, _ *ScoreContext) []float32 {
	for _, id := range f.ids {
		if id >= len(scores) {
			break
		}
		scores[id] = NegativeInfinity
	}
	return scores
}

// LogitBiasFilter adds a constant to the score of selected tokens.
type LogitBiasFilter struct {
	toggle
	bias map[int]float32
}

// NewLogitBiasFilter copies bias, so later changes to the map have no effect.
func NewLogitBiasFilter(bias map[int]float32) *LogitBiasFilter {
	return &LogitBiasFilter{bias: maps.Clone(bias)}
}

func (f *LogitBiasFilter) Name() string { return "logit_bias" }

func (f *LogitBiasFilter) Apply(scores []float32, _ *ScoreContext) []float32 {
	for id, b := range f.bias {
		if id >= 0 && id < len(scores) {
			scores[id] += b
		}
	}
	return scores
}

// RepetitionPenaltyFilter makes tokens already present in the last Window
// history tokens less likely: a positive score is divided by Penalty and a
// negative one multiplied by it. Window 0 covers the whole history.
type RepetitionPenaltyFilter struct {
	toggle
	Penalty float32
	Window  int
}

func NewRepetitionPenaltyFilter(penalty float32, window int) *RepetitionPenaltyFilter {
	return &RepetitionPenaltyFilter{Penalty: penalty, Window: window}
}

func (f *RepetitionPenaltyFilter) Name() string { return "repetition_penalty" }

func (f *RepetitionPenaltyFilter) Apply(scores []float32, ctx *ScoreContext) []float32 {
	if ctx == nil || f.Penalty <= 0 || f.Penalty == 1 {
		return scores
	}
	hist := ctx.History
	if f.Window > 0 && len(hist) > f.Window {
		hist = hist[len(hist)-f.Window:]
	}

	done := make(map[int]struct{}, len(hist))
	for _, id := range hist {
		if id < 0 || id >= len(scores) {
			continue
		}
		if _, ok := done[id]; ok {
			continue
		}
		done[id] = struct{}{}
		if s := scores[id]; s > 0 {
			scores[id] = s / f.Penalty
		} else {
			scores[id] = s * f.Penalty
		}
	}
	return scores
}
