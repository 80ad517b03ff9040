package banned

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvariantsUnderRandomGeneration(t *testing.T) {
	phrases := MustPhraseSet([]int{1, 2}, []int{3}, []int{1, 4, 2}, []int{5, 5}, []int{6, 7, 6})

	for _, seed := range []uint64{1, 2, 3, 4, 5} {
		rng := rand.New(rand.NewPCG(seed, 99))
		const batch = 4
		m := newMechanism(t, phrases, batch, WithEpsilon(0.7), WithSeed(seed))
		h := newHostLoop(t, m, make([][]int, batch)...)

		for range 400 {
			emitted := make([]int, batch)
			ranking := make([][]int, batch)
			for i := range emitted {
				ranking[i] = rng.Perm(9)
				emitted[i] = ranking[i][0]
			}

			res := h.step(emitted, ranking...)
			require.Len(t, res.History, batch)
			for _, row := range res.History {
				require.Len(t, row, res.Timestep)
			}

			reverting, queued := 0, 0
			for _, v := range m.States() {
				assert.Contains(t, []Status{StatusIdle, StatusTracking, StatusPendingRevert, StatusReverting, StatusPaused}, v.Status)
				switch v.Status {
				case StatusReverting:
					reverting++
					queued++
				case StatusPendingRevert:
					queued++
				}
			}
			assert.LessOrEqual(t, reverting, 1)
			assert.Equal(t, queued, m.QueueLen())
		}
	}
}
