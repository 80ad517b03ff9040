package phrases

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/soypete/phraseguard/pkg/banned"
)

//go:embed schema.json
var schemaJSON []byte

var (
	// ErrInvalidFile is returned when a phrase file fails schema validation.
	ErrInvalidFile = errors.New("invalid phrase file")

	// ErrUnknownVariant is returned for a variant name that is not defined.
	ErrUnknownVariant = errors.New("unknown variant")

	// ErrNoTokenizer is returned when text phrases need a tokenizer and none
	// was given.
	ErrNoTokenizer = errors.New("phrase text requires a tokenizer")
)

// Encoder tokenises text. logits.Tokenizer satisfies it.
type Encoder interface {
	StringToTokens(s string) []int
}

// specialTokens is implemented by tokenizers that mark BOS/EOS style ids.
type specialTokens interface {
	IsSpecialToken(tokenID int) bool
}

// File is the on-disk phrase list. Either form of phrase may be given;
// text phrases are expanded and tokenised, token_ids are used as is.
type File struct {
	Epsilon  *float64  `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	Variants []Variant `yaml:"variants,omitempty" json:"variants,omitempty"`
	Phrases  []string  `yaml:"phrases,omitempty" json:"phrases,omitempty"`
	TokenIDs [][]int   `yaml:"token_ids,omitempty" json:"token_ids,omitempty"`
}

// Load reads and validates a phrase file. YAML and JSON are both accepted.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read phrase file: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse validates data against the phrase file schema and decodes it.
func Parse(data []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse phrase file: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidFile)
	}

	if err := Validate(doc); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode phrase file: %w", err)
	}
	return &f, nil
}

// Validate checks a decoded document against the embedded JSON Schema.
func Validate(doc any) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return fmt.Errorf("%w: %s", ErrInvalidFile, strings.Join(msgs, "; "))
	}
	return nil
}

// Expand tokenises every surface form of every text, in text order and then
// variant order. Special tokens a tokenizer adds around the text are
// stripped, and forms that tokenise to nothing are dropped.
func Expand(texts []string, enc Encoder, variants []Variant) [][]int {
	if len(variants) == 0 {
		variants = AllVariants
	}
	special, _ := enc.(specialTokens)

	var out [][]int
	for _, text := range texts {
		for _, form := range Forms(text, variants) {
			ids := enc.StringToTokens(form)
			if special != nil {
				ids = slices.DeleteFunc(ids, special.IsSpecialToken)
			}
			if len(ids) == 0 {
				continue
			}
			out = append(out, ids)
		}
	}
	return out
}

// TokenPhrases returns every phrase of the file as token ids: explicit
// token_ids first, then expanded text phrases.
func (f *File) TokenPhrases(enc Encoder) ([][]int, error) {
	out := make([][]int, 0, len(f.TokenIDs))
	for _, ids := range f.TokenIDs {
		out = append(out, slices.Clone(ids))
	}

	if len(f.Phrases) > 0 {
		if enc == nil {
			return nil, ErrNoTokenizer
		}
		for _, v := range f.Variants {
			if !v.Valid() {
				return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, v)
			}
		}
		out = append(out, Expand(f.Phrases, enc, f.Variants)...)
	}
	return out, nil
}

// Build turns the file into a phrase set.
func Build(f *File, enc Encoder) (*banned.PhraseSet, error) {
	ids, err := f.TokenPhrases(enc)
	if err != nil {
		return nil, err
	}
	ps, err := banned.NewPhraseSet(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build phrase set: %w", err)
	}
	return ps, nil
}

// EpsilonOr returns the file's epsilon, or def when unset.
func (f *File) EpsilonOr(def float64) float64 {
	if f.Epsilon == nil {
		return def
	}
	return *f.Epsilon
}
