package banned

import (
	"fmt"
	"slices"
)

// Phrase is an ordered sequence of token ids that must not appear in output.
type Phrase []int

// PhraseSet is an immutable, ordered collection of banned phrases.
// Insertion order is the tie-break order when several phrases complete
// on the same step.
type PhraseSet struct {
	phrases []Phrase
	byFirst map[int][]int
}

// NewPhraseSet builds a phrase set from already-tokenized phrases.
// Exact duplicates are dropped, keeping the first occurrence.
// An empty input is valid and yields an inactive mechanism.
func NewPhraseSet(phrases [][]int) (*PhraseSet, error) {
	ps := &PhraseSet{
		phrases: make([]Phrase, 0, len(phrases)),
		byFirst: make(map[int][]int),
	}

	for i, p := range phrases {
		if len(p) == 0 {
			return nil, fmt.Errorf("phrase %d: %w", i, ErrInvalidPhrase)
		}
		if ps.indexOf(p) >= 0 {
			continue
		}
		idx := len(ps.phrases)
		ps.phrases = append(ps.phrases, Phrase(slices.Clone(p)))
		ps.byFirst[p[0]] = append(ps.byFirst[p[0]], idx)
	}

	return ps, nil
}

// MustPhraseSet is like NewPhraseSet but panics on error. Intended for tests
// and static tables.
func MustPhraseSet(phrases ...[]int) *PhraseSet {
	ps, err := NewPhraseSet(phrases)
	if err != nil {
		panic(err)
	}
	return ps
}

// Len returns the number of distinct phrases.
func (ps *PhraseSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.phrases)
}

// Empty reports whether the set holds no phrases.
func (ps *PhraseSet) Empty() bool { return ps.Len() == 0 }

// At returns a copy of phrase i.
func (ps *PhraseSet) At(i int) Phrase {
	return slices.Clone(ps.phrases[i])
}

// Phrases returns a copy of every phrase in insertion order.
func (ps *PhraseSet) Phrases() [][]int {
	out := make([][]int, ps.Len())
	for i := range out {
		out[i] = slices.Clone(ps.phrases[i])
	}
	return out
}

// StartingWith returns the indices of phrases whose first token is tok,
// in insertion order.
func (ps *PhraseSet) StartingWith(tok int) []int {
	if ps == nil {
		return nil
	}
	return ps.byFirst[tok]
}

// FindIn scans tokens for the earliest occurrence of any phrase. It returns
// the phrase index and the start position of the match.
func (ps *PhraseSet) FindIn(tokens []int) (phrase, pos int, ok bool) {
	for pos = range tokens {
		for _, idx := range ps.StartingWith(tokens[pos]) {
			p := ps.phrases[idx]
			if pos+len(p) <= len(tokens) && slices.Equal(tokens[pos:pos+len(p)], p) {
				return idx, pos, true
			}
		}
	}
	return -1, -1, false
}

func (ps *PhraseSet) phrase(i int) Phrase { return ps.phrases[i] }

func (ps *PhraseSet) indexOf(p []int) int {
	for _, idx := range ps.byFirst[p[0]] {
		if slices.Equal(ps.phrases[idx], p) {
			return idx
		}
	}
	return -1
}
