package logits

import (
	"math"
	"slices"
	"testing"
)

func ones(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 1.0
	}
	return s
}

func TestFilterChainApply(t *testing.T) {
	chain := NewFilterChain(
		NewTokenBanFilter("ban_one", 1),
		NewTokenBanFilter("ban_two", 2),
	)
	if chain.Len() != 2 {
		t.Fatalf("expected chain length 2, got %d", chain.Len())
	}

	result := chain.Apply(ones(10), &ScoreContext{})

	if !math.IsInf(float64(result[1]), -1) {
		t.Errorf("expected token 1 to be -inf")
	}
	if !math.IsInf(float64(result[2]), -1) {
		t.Errorf("expected token 2 to be -inf")
	}
	if result[0] != 1.0 {
		t.Errorf("expected token 0 to be unchanged")
	}
	if got := Banned(result); got != 2 {
		t.Errorf("expected 2 banned tokens, got %d", got)
	}
}

func TestFilterChainSetEnabled(t *testing.T) {
	chain := NewFilterChain(NewTokenBanFilter("ban_one", 1))

	if !chain.SetEnabled("ban_one", false) {
		t.Fatal("expected filter to be found")
	}
	result := chain.Apply(ones(5), &ScoreContext{})
	if result[1] != 1.0 {
		t.Errorf("disabled filter should not ban token 1, got %f", result[1])
	}

	chain.SetEnabled("ban_one", true)
	result = chain.Apply(ones(5), &ScoreContext{})
	if !math.IsInf(float64(result[1]), -1) {
		t.Errorf("enabled filter should ban token 1")
	}

	if chain.SetEnabled("missing", true) {
		t.Error("expected unknown filter to be reported")
	}
}

func TestFilterChainApplyBatch(t *testing.T) {
	chain := NewChainBuilder().WithRepetitionPenalty(2.0, 0).Build()

	scores := [][]float32{
		{4, 4, 4},
		{4, 4, 4},
	}
	history := [][]int{{0}, {2}}

	out := chain.ApplyBatch(scores, history)

	if !slices.Equal(out[0], []float32{2, 4, 4}) {
		t.Errorf("row 0: got %v", out[0])
	}
	if !slices.Equal(out[1], []float32{4, 4, 2}) {
		t.Errorf("row 1: got %v", out[1])
	}
	if !slices.Equal(scores[0], []float32{4, 4, 4}) {
		t.Errorf("input rows must not be modified, got %v", scores[0])
	}
}

func TestChainBuilder(t *testing.T) {
	chain := NewChainBuilder().
		WithBannedTokens("no_eos", []int{0}).
		WithLogitBias(map[int]float32{3: 2.5}).
		Build()

	want := []string{"no_eos", "logit_bias"}
	if got := chain.Names(); !slices.Equal(got, want) {
		t.Fatalf("expected names %v, got %v", want, got)
	}

	result := chain.Apply(ones(5), &ScoreContext{})
	if !math.IsInf(float64(result[0]), -1) {
		t.Errorf("expected token 0 to be -inf")
	}
	if result[3] != 3.5 {
		t.Errorf("expected token 3 to be 3.5, got %f", result[3])
	}
}
