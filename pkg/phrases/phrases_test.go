package phrases

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/logits"
)

func testTokenizer() *logits.VocabTokenizer {
	return logits.NewVocabTokenizer([]string{
		"<s>", "</s>", "hello", " world", "Hello", " hello", " Hello", "x",
	})
}

// bracketing wraps every encoding in BOS/EOS the way HF tokenizers do.
type bracketing struct{ *logits.VocabTokenizer }

func (b bracketing) StringToTokens(s string) []int {
	ids := b.VocabTokenizer.StringToTokens(s)
	return append(append([]int{b.BOSToken()}, ids...), b.EOSToken())
}

func TestForms(t *testing.T) {
	got := Forms("  Hello World ", AllVariants)
	assert.Equal(t, []string{"hello world", "Hello world", " hello world", " Hello world"}, got)

	assert.Equal(t, []string{"42", " 42"}, Forms("42", AllVariants), "case variants of digits collapse")
	assert.Empty(t, Forms("   ", AllVariants))
	assert.Nil(t, Forms("\t\n", []Variant{VariantSpacedLower}), "blank text must not yield a lone space")
}

func TestParseVariants(t *testing.T) {
	vs, err := ParseVariants(nil)
	require.NoError(t, err)
	assert.Equal(t, AllVariants, vs)

	vs, err = ParseVariants([]string{"lower", " spaced_title"})
	require.NoError(t, err)
	assert.Equal(t, []Variant{VariantLower, VariantSpacedTitle}, vs)

	_, err = ParseVariants([]string{"upper"})
	assert.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestExpand(t *testing.T) {
	tok := testTokenizer()

	got := Expand([]string{"Hello World"}, tok, nil)
	assert.Equal(t, [][]int{{2, 3}, {4, 3}, {5, 3}, {6, 3}}, got)

	got = Expand([]string{"hello world"}, bracketing{tok}, []Variant{VariantSpacedLower})
	assert.Equal(t, [][]int{{5, 3}}, got, "special tokens are stripped")

	got = Expand([]string{"???"}, tok, nil)
	assert.Empty(t, got, "forms with no tokens are dropped")

	spaced := logits.NewVocabTokenizer([]string{"<s>", "</s>", " ", "x"})
	assert.Empty(t, Expand([]string{" ", "   "}, spaced, nil), "blank phrases never ban the space token")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		check   func(t *testing.T, f *File)
	}{
		{
			name: "yaml text phrases",
			data: "epsilon: 0.5\nvariants: [lower]\nphrases:\n  - hello world\n",
			check: func(t *testing.T, f *File) {
				assert.Equal(t, 0.5, f.EpsilonOr(1))
				assert.Equal(t, []Variant{VariantLower}, f.Variants)
				assert.Equal(t, []string{"hello world"}, f.Phrases)
			},
		},
		{
			name: "json token ids",
			data: `{"token_ids": [[1, 2], [3]]}`,
			check: func(t *testing.T, f *File) {
				assert.Equal(t, [][]int{{1, 2}, {3}}, f.TokenIDs)
				assert.Equal(t, 1.0, f.EpsilonOr(1))
			},
		},
		{name: "empty document", data: "", wantErr: ErrInvalidFile},
		{name: "no phrases", data: "epsilon: 1\n", wantErr: ErrInvalidFile},
		{name: "epsilon out of range", data: "epsilon: 2\nphrases: [a]\n", wantErr: ErrInvalidFile},
		{name: "unknown variant", data: "variants: [upper]\nphrases: [a]\n", wantErr: ErrInvalidFile},
		{name: "empty token list", data: "token_ids: [[]]\n", wantErr: ErrInvalidFile},
		{name: "negative token", data: "token_ids: [[-1]]\n", wantErr: ErrInvalidFile},
		{name: "unknown field", data: "phrases: [a]\nbanned: true\n", wantErr: ErrInvalidFile},
		{name: "blank phrase", data: "phrases: [a, '   ']\n", wantErr: ErrInvalidFile},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Parse([]byte(tc.data))
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			tc.check(t, f)
		})
	}
}

func TestLoadAndBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phrases.yaml")
	data := "variants: [lower, spaced_lower]\nphrases:\n  - hello world\ntoken_ids:\n  - [7]\n  - [2, 3]\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	f, err := Load(path)
	require.NoError(t, err)

	ps, err := Build(f, testTokenizer())
	require.NoError(t, err)

	// [2 3] appears both explicitly and from the lower variant.
	assert.Equal(t, 3, ps.Len())
	assert.Equal(t, banned.Phrase{7}, ps.At(0))
	assert.Equal(t, banned.Phrase{2, 3}, ps.At(1))
	assert.Equal(t, banned.Phrase{5, 3}, ps.At(2))
}

func TestBuildWithoutTokenizer(t *testing.T) {
	_, err := Build(&File{Phrases: []string{"hello"}}, nil)
	assert.True(t, errors.Is(err, ErrNoTokenizer))

	ps, err := Build(&File{TokenIDs: [][]int{{1}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ps.Len())
}

func TestBuildRejectsBadVariant(t *testing.T) {
	_, err := Build(&File{Phrases: []string{"hello"}, Variants: []Variant{"upper"}}, testTokenizer())
	assert.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestTokenPhrasesCopies(t *testing.T) {
	f := &File{TokenIDs: [][]int{{1, 2}}}
	ids, err := f.TokenPhrases(nil)
	require.NoError(t, err)
	ids[0][0] = 9
	assert.True(t, slices.Equal(f.TokenIDs[0], []int{1, 2}))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
