package banned

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPhraseSet(t *testing.T) {
	tests := []struct {
		name    string
		input   [][]int
		want    [][]int
		wantErr error
	}{
		{
			name:  "empty set is valid",
			input: nil,
			want:  [][]int{},
		},
		{
			name:  "keeps insertion order",
			input: [][]int{{3, 4}, {1}, {3, 5, 6}},
			want:  [][]int{{3, 4}, {1}, {3, 5, 6}},
		},
		{
			name:  "drops exact duplicates",
			input: [][]int{{1, 2}, {2}, {1, 2}, {1, 2, 3}},
			want:  [][]int{{1, 2}, {2}, {1, 2, 3}},
		},
		{
			name:    "rejects zero-length phrase",
			input:   [][]int{{1}, {}},
			wantErr: ErrInvalidPhrase,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, err := NewPhraseSet(tt.input)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ps.Phrases())
			assert.Equal(t, len(tt.want), ps.Len())
		})
	}
}

func TestPhraseSetCopiesInput(t *testing.T) {
	input := [][]int{{1, 2}}
	ps, err := NewPhraseSet(input)
	require.NoError(t, err)

	input[0][0] = 99
	assert.Equal(t, Phrase{1, 2}, ps.At(0))

	out := ps.At(0)
	out[1] = 42
	assert.Equal(t, Phrase{1, 2}, ps.At(0))
}

func TestPhraseSetStartingWith(t *testing.T) {
	ps := MustPhraseSet([]int{1, 2}, []int{3}, []int{1, 4, 5})

	assert.Equal(t, []int{0, 2}, ps.StartingWith(1))
	assert.Equal(t, []int{1}, ps.StartingWith(3))
	assert.Empty(t, ps.StartingWith(2))
	assert.False(t, ps.Empty())
	assert.True(t, MustPhraseSet().Empty())
}

func TestPhraseSetFindIn(t *testing.T) {
	ps := MustPhraseSet([]int{7, 8}, []int{9})

	phrase, pos, ok := ps.FindIn([]int{1, 7, 2, 7, 8})
	require.True(t, ok)
	assert.Equal(t, 0, phrase)
	assert.Equal(t, 3, pos)

	phrase, pos, ok = ps.FindIn([]int{9, 7, 8})
	require.True(t, ok)
	assert.Equal(t, 1, phrase)
	assert.Equal(t, 0, pos)

	_, _, ok = ps.FindIn([]int{7, 1, 8})
	assert.False(t, ok)

	_, _, ok = ps.FindIn([]int{1, 7})
	assert.False(t, ok)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "tracking", StatusTracking.String())
	assert.Equal(t, "pending_revert", StatusPendingRevert.String())
	assert.Equal(t, "reverting", StatusReverting.String())
	assert.Equal(t, "paused", StatusPaused.String())
	assert.Equal(t, "unknown", Status(42).String())
}
