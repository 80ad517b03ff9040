package logits

import (
	"slices"
	"sync"
)

// FilterChain applies score filters in the order they were added. One chain
// serves every sequence of a batch, so filters must not keep per-sequence
// state; anything sequence-specific arrives through ScoreContext.
type FilterChain struct {
	mu      sync.RWMutex
	filters []ScoreFilter
}

// NewFilterChain creates a chain holding filters.
func NewFilterChain(filters ...ScoreFilter) *FilterChain {
	return &FilterChain{filters: filters}
}

// Add appends a filter to the chain.
func (c *FilterChain) Add(filter ScoreFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, filter)
}

// Len returns the number of filters in the chain.
func (c *FilterChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Names lists the filters in application order, enabled or not.
func (c *FilterChain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// SetEnabled switches the named filter on or off and reports whether it was
// found.
func (c *FilterChain) SetEnabled(name string, enabled bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.filters {
		if f.Name() == name {
			f.SetEnabled(enabled)
			return true
		}
	}
	return false
}

// Apply runs every enabled filter over scores in place.
func (c *FilterChain) Apply(scores []float32, ctx *ScoreContext) []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, f := range c.filters {
		if f.Enabled() {
			scores = f.Apply(scores, ctx)
		}
	}
	return scores
}

// ApplyBatch filters a copy of every score row against the matching history
// row. The input rows are left untouched so a model may hand out cached
// slices.
func (c *FilterChain) ApplyBatch(scores [][]float32, history [][]int) [][]float32 {
	out := make([][]float32, len(scores))
	for i, row := range scores {
		ctx := &ScoreContext{Sequence: i}
		if i < len(history) {
			ctx.History = history[i]
		}
		out[i] = c.Apply(slices.Clone(row), ctx)
	}
	return out
}

// Banned counts the tokens a filter pass pushed to NegativeInfinity.
func Banned(scores []float32) int {
	n := 0
	for _, s := range scores {
		if s == NegativeInfinity {
			n++
		}
	}
	return n
}

// ChainBuilder builds a FilterChain fluently.
type ChainBuilder struct {
	chain *FilterChain
}

// NewChainBuilder creates an empty builder.
func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{chain: NewFilterChain()}
}

// With adds any filter.
func (b *ChainBuilder) With(filter ScoreFilter) *ChainBuilder {
	b.chain.Add(filter)
	return b
}

// WithBannedTokens bans single tokens outright. Use it for tokens that must
// never be sampled; multi-token phrases belong to the banned package.
func (b *ChainBuilder) WithBannedTokens(name string, tokenIDs []int) *ChainBuilder {
	b.chain.Add(NewTokenBanFilter(name, tokenIDs...))
	return b
}

// WithLogitBias adds fixed per-token biases.
func (b *ChainBuilder) WithLogitBias(biases map[int]float32) *ChainBuilder {
	b.chain.Add(NewLogitBiasFilter(biases))
	return b
}

// WithRepetitionPenalty penalizes tokens seen in the last window tokens.
func (b *ChainBuilder) WithRepetitionPenalty(penalty float32, window int) *ChainBuilder {
	b.chain.Add(NewRepetitionPenaltyFilter(penalty, window))
	return b
}

// Build returns the chain.
func (b *ChainBuilder) Build() *FilterChain {
	return b.chain
}
