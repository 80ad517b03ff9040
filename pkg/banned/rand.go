package banned

import "math/rand/v2"

// RandSource supplies the uniform draws used by the revert gate.
// *rand.Rand from math/rand/v2 satisfies it.
type RandSource interface {
	Float64() float64
}

// NewSeededSource returns a deterministic source for reproducible runs.
func NewSeededSource(seed uint64) RandSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

type runtimeSource struct{}

func (runtimeSource) Float64() float64 { return rand.Float64() }

// FixedSource replays a fixed list of draws, cycling when exhausted.
// It exists for tests and scripted evaluations.
type FixedSource struct {
	Draws []float64
	next  int
}

func (f *FixedSource) Float64() float64 {
	if len(f.Draws) == 0 {
		return 0
	}
	v := f.Draws[f.next%len(f.Draws)]
	f.next++
	return v
}
