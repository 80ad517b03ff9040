// Package phrases turns banned phrase text into the token id sequences the
// banned package works on. A phrase is expanded into the surface forms it
// can take in running text (sentence start, mid-sentence, capitalised) and
// each form is tokenised separately, since most tokenizers give a word a
// different id with a leading space or an initial capital.
package phrases

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Variant names one surface form of a phrase.
type Variant string

const (
	// VariantLower is the phrase in lower case, as at the start of text.
	VariantLower Variant = "lower"
	// VariantTitle capitalises the first word only.
	VariantTitle Variant = "title"
	// VariantSpacedLower is the lower-case phrase after a space.
	VariantSpacedLower Variant = "spaced_lower"
	// VariantSpacedTitle is the capitalised phrase after a space.
	VariantSpacedTitle Variant = "spaced_title"
)

// AllVariants is the default expansion, in output order.
var AllVariants = []Variant{VariantLower, VariantTitle, VariantSpacedLower, VariantSpacedTitle}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return slices.Contains(AllVariants, v)
}

// ParseVariants converts names to variants. An empty list means all.
func ParseVariants(names []string) ([]Variant, error) {
	if len(names) == 0 {
		return AllVariants, nil
	}
	out := make([]Variant, 0, len(names))
	for _, n := range names {
		v := Variant(strings.TrimSpace(n))
		if !v.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, n)
		}
		out = append(out, v)
	}
	return out, nil
}

// Form renders text in the given variant.
func Form(text string, v Variant) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch v {
	case VariantLower:
		return lower
	case VariantTitle:
		return capitalise(lower)
	case VariantSpacedLower:
		return " " + lower
	case VariantSpacedTitle:
		return " " + capitalise(lower)
	default:
		return lower
	}
}

// Forms renders text in every listed variant, dropping repeats. Blank text
// has no forms; a lone space would otherwise ban the space token.
func Forms(text string, variants []Variant) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []string
	for _, v := range variants {
		f := Form(text, v)
		if f == "" || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func capitalise(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
