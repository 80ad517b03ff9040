package logits

import (
	"math"
	"sort"
)

// RankCandidates returns every token id ordered by score, best first.
// Equal scores keep ascending token id order, and NaN sorts last, so the
// ranking is deterministic for identical scores.
func RankCandidates(scores []float32) []int {
	ranking := make([]int, len(scores))
	for i := range ranking {
		ranking[i] = i
	}

	sort.SliceStable(ranking, func(a, b int) bool {
		sa, sb := scores[ranking[a]], scores[ranking[b]]
		if isNaN(sa) {
			return false
		}
		if isNaN(sb) {
			return true
		}
		return sa > sb
	})
	return ranking
}

// BatchRank ranks each row of a batch of scores.
func BatchRank(scores [][]float32) [][]int {
	out := make([][]int, len(scores))
	for i, row := range scores {
		out[i] = RankCandidates(row)
	}
	return out
}

func isNaN(f float32) bool { return math.IsNaN(float64(f)) }
