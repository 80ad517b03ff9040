package logits

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testVocab() []string {
	return []string{"<s>", "</s>", "hello", " world", "hell", "o", " ", "w", "orld", "World", " World"}
}

func TestVocabTokenizerSpecialTokens(t *testing.T) {
	tok := NewVocabTokenizer(testVocab())

	if tok.BOSToken() != 0 {
		t.Errorf("expected BOS 0, got %d", tok.BOSToken())
	}
	if tok.EOSToken() != 1 {
		t.Errorf("expected EOS 1, got %d", tok.EOSToken())
	}
	if !tok.IsSpecialToken(1) || tok.IsSpecialToken(2) {
		t.Error("special token detection is wrong")
	}
	if tok.VocabSize() != 11 {
		t.Errorf("expected vocab size 11, got %d", tok.VocabSize())
	}
}

func TestVocabTokenizerStringToTokens(t *testing.T) {
	tok := NewVocabTokenizer(testVocab())

	tests := []struct {
		in   string
		want []int
	}{
		{"hello world", []int{2, 3}},
		{"hello World", []int{2, 10}},
		{"hello", []int{2}},
		{"hellx", []int{4}},
		{"héllo", []int{5}},
		{"", nil},
	}

	for _, tc := range tests {
		got := tok.StringToTokens(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("StringToTokens(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestVocabTokenizerDecode(t *testing.T) {
	tok := NewVocabTokenizer(testVocab())

	got := tok.Decode([]int{0, 2, 3, 1})
	if got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
	if tok.TokenToString(99) != "" {
		t.Error("expected empty string for out of range token")
	}
}

func TestLoadVocab(t *testing.T) {
	dir := t.TempDir()

	textPath := filepath.Join(dir, "vocab.txt")
	if err := os.WriteFile(textPath, []byte("a\nb\n</s>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := LoadVocab(textPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.VocabSize() != 3 || tok.EOSToken() != 2 {
		t.Errorf("unexpected text vocab: size=%d eos=%d", tok.VocabSize(), tok.EOSToken())
	}

	jsonPath := filepath.Join(dir, "vocab.json")
	if err := os.WriteFile(jsonPath, []byte(`{"x": 1, "y": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err = LoadVocab(jsonPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.TokenToString(1) != "x" {
		t.Errorf("expected token 1 to be x, got %q", tok.TokenToString(1))
	}

	badPath := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badPath, []byte(`42`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadVocab(badPath); !errors.Is(err, ErrVocabFormat) {
		t.Errorf("expected ErrVocabFormat, got %v", err)
	}
}
