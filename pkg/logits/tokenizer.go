package logits

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Tokenizer turns banned phrase text into token ids and generated ids back
// into text.
type Tokenizer interface {
	VocabSize() int
	TokenToString(tokenID int) string

	// StringToTokens encodes s. Implementations may add special tokens
	// around the result; callers building phrases strip them.
	StringToTokens(s string) []int

	// Decode joins the text of tokenIDs, skipping special tokens.
	Decode(tokenIDs []int) string

	IsSpecialToken(tokenID int) bool

	// EOSToken and BOSToken return -1 when the vocabulary has none.
	EOSToken() int
	BOSToken() int
}

// ErrVocabFormat is returned for a JSON vocabulary that is neither a list
// of tokens nor a token to id object.
var ErrVocabFormat = errors.New("vocab must be a JSON array or object")

// Marker spellings recognised as special tokens, lower-cased.
var (
	eosMarkers   = map[string]bool{"</s>": true, "<eos>": true, "<|endoftext|>": true}
	bosMarkers   = map[string]bool{"<s>": true, "<bos>": true}
	otherMarkers = map[string]bool{
		"<pad>": true, "<unk>": true, "[cls]": true, "[sep]": true,
		"[pad]": true, "[unk]": true, "[mask]": true,
		"<|im_start|>": true, "<|im_end|>": true,
	}
)

// VocabTokenizer encodes by greedy longest match against a fixed vocabulary.
// It is enough to map phrase text to ids for small demo vocabularies; it is
// not a BPE implementation.
type VocabTokenizer struct {
	vocab   []string
	ids     map[string]int
	special map[int]bool
	maxLen  int
	eos     int
	bos     int
}

// NewVocabTokenizer builds a tokenizer where token i is vocab[i]. Empty and
// duplicate entries keep their id but are never produced by encoding.
func NewVocabTokenizer(vocab []string) *VocabTokenizer {
	t := &VocabTokenizer{
		vocab:   vocab,
		ids:     make(map[string]int, len(vocab)),
		special: make(map[int]bool),
		eos:     -1,
		bos:     -1,
	}

	for i, tok := range vocab {
		lower := strings.ToLower(tok)
		switch {
		case eosMarkers[lower]:
			t.special[i] = true
			t.eos = i
		case bosMarkers[lower]:
			t.special[i] = true
			t.bos = i
		case otherMarkers[lower]:
			t.special[i] = true
		}

		if tok == "" || t.special[i] {
			continue
		}
		if _, dup := t.ids[tok]; dup {
			continue
		}
		t.ids[tok] = i
		t.maxLen = max(t.maxLen, len(tok))
	}
	return t
}

// LoadVocab reads a vocabulary. Files ending in .json hold either an array
// of tokens or a token to id object; anything else is one token per line.
func LoadVocab(path string) (*VocabTokenizer, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loadJSONVocab(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab file: %w", err)
	}
	defer f.Close()

	var vocab []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		vocab = append(vocab, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab file: %w", err)
	}
	return NewVocabTokenizer(vocab), nil
}

func loadJSONVocab(path string) (*VocabTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab file: %w", err)
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		return NewVocabTokenizer(list), nil
	}

	var byToken map[string]int
	if err := json.Unmarshal(data, &byToken); err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrVocabFormat)
	}
	size := 0
	for _, id := range byToken {
		if id < 0 {
			return nil, fmt.Errorf("%s: negative token id %d: %w", path, id, ErrVocabFormat)
		}
		size = max(size, id+1)
	}
	vocab := make([]string, size)
	for tok, id := range byToken {
		vocab[id] = tok
	}
	return NewVocabTokenizer(vocab), nil
}

func (t *VocabTokenizer) VocabSize() int { return len(t.vocab) }

func (t *VocabTokenizer) TokenToString(tokenID int) string {
	if tokenID < 0 || tokenID >= len(t.vocab) {
		return ""
	}
	return t.vocab[tokenID]
}

// StringToTokens takes the longest vocabulary entry at each position. A rune
// no entry starts with is dropped.
func (t *VocabTokenizer) StringToTokens(s string) []int {
	var out []int
	for len(s) > 0 {
		n := min(t.maxLen, len(s))
		for ; n > 0; n-- {
			if id, ok := t.ids[s[:n]]; ok {
				out = append(out, id)
				break
			}
		}
		if n == 0 {
			_, n = utf8.DecodeRuneInString(s)
		}
		s = s[n:]
	}
	return out
}

func (t *VocabTokenizer) Decode(tokenIDs []int) string {
	var b strings.Builder
	for _, id := range tokenIDs {
		if !t.special[id] {
			b.WriteString(t.TokenToString(id))
		}
	}
	return b.String()
}

func (t *VocabTokenizer) IsSpecialToken(tokenID int) bool { return t.special[tokenID] }

func (t *VocabTokenizer) EOSToken() int { return t.eos }

func (t *VocabTokenizer) BOSToken() int { return t.bos }
