// Package text turns free text into word-level tokens for similarity scoring.
package text

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-ego/gse"
)

// Segmenter splits text into word tokens. Token boundaries come from a
// dictionary, so languages without whitespace between words are handled.
type Segmenter interface {
	Cut(text string) []string
}

// DictionarySegmenter is a Segmenter backed by the gse dictionary segmenter.
type DictionarySegmenter struct {
	seg *gse.Segmenter
}

// NewDictionarySegmenter loads the embedded Chinese/English dictionary.
// Loading takes a moment; build one per process and share it.
func NewDictionarySegmenter() (*DictionarySegmenter, error) {
	seg := &gse.Segmenter{}
	if err := seg.LoadDictEmbed(); err != nil {
		return nil, fmt.Errorf("load segmenter dictionary: %w", err)
	}
	return &DictionarySegmenter{seg: seg}, nil
}

// Cut segments text using the dictionary with HMM for unknown words.
func (d *DictionarySegmenter) Cut(text string) []string {
	return d.seg.Cut(text, true)
}

// Normalizer strips punctuation and segments text into lower-case tokens.
type Normalizer struct {
	seg Segmenter
}

// NewNormalizer creates a Normalizer around seg.
func NewNormalizer(seg Segmenter) *Normalizer {
	return &Normalizer{seg: seg}
}

// Tokens returns the non-empty tokens of s. Punctuation and symbols are
// treated as separators, so "canal?" and "canal" produce the same token.
func (n *Normalizer) Tokens(s string) []string {
	cleaned := StripPunctuation(s)
	if strings.TrimSpace(cleaned) == "" {
		return nil
	}
	raw := n.seg.Cut(cleaned)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// StripPunctuation replaces punctuation and symbol runes with spaces and lower-cases the rest.
func StripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
}
