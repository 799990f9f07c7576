// Package vocab maps tokens (or labels) to stable integer ids.
//
// A Vocab is built once, before training, from the dataset splits and is immutable afterwards.
// Index 0 is always the unknown token and index 1 the padding token; the remaining entries are
// ordered by descending frequency, ties broken alphabetically, so the same data always produces
// the same ids.
package vocab

import (
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/gomlx/go-entitydetection/tokenizers/api"
	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	// UnkToken is the token returned for ids (and used for tokens) outside the vocabulary.
	UnkToken = "<unk>"
	// PadToken fills batches up to a common length.
	PadToken = "<pad>"
)

// Vocab is an ordered set of distinct tokens.
type Vocab struct {
	itos  []string
	stoi  map[string]int
	lower bool
}

// Compile time assert that Vocab implements api.TokenizerWithSpans.
var _ api.TokenizerWithSpans = &Vocab{}

// Build counts the tokens of all given sequences and returns the frequency ordered vocabulary.
// If lower is set, tokens are lowercased (after NFC normalization) before counting and lookup.
func Build(lower bool, sequences ...[][]string) *Vocab {
	counts := make(map[string]int)
	for _, seqs := range sequences {
		for _, seq := range seqs {
			for _, token := range seq {
				counts[normalize(token, lower)]++
			}
		}
	}
	delete(counts, UnkToken)
	delete(counts, PadToken)

	tokens := slices.Collect(maps.Keys(counts))
	slices.SortFunc(tokens, func(a, b string) int {
		if counts[a] != counts[b] {
			return counts[b] - counts[a]
		}
		return strings.Compare(a, b)
	})

	itos := append([]string{UnkToken, PadToken}, tokens...)
	v, _ := FromItos(itos, lower)
	return v
}

// FromItos rebuilds a vocabulary from its index-to-string list, e.g. when loading a checkpoint.
func FromItos(itos []string, lower bool) (*Vocab, error) {
	if len(itos) < 2 || itos[0] != UnkToken || itos[1] != PadToken {
		return nil, errors.Errorf("vocabulary must start with %q and %q", UnkToken, PadToken)
	}
	v := &Vocab{
		itos:  slices.Clone(itos),
		stoi:  make(map[string]int, len(itos)),
		lower: lower,
	}
	for i, token := range itos {
		if _, found := v.stoi[token]; found {
			return nil, errors.Errorf("token %q repeated in vocabulary (index %d)", token, i)
		}
		v.stoi[token] = i
	}
	return v, nil
}

// Len returns the number of entries, specials included.
func (v *Vocab) Len() int { return len(v.itos) }

// Lower reports whether tokens are lowercased before lookup.
func (v *Vocab) Lower() bool { return v.lower }

// Itos returns a copy of the index-to-string list.
func (v *Vocab) Itos() []string { return slices.Clone(v.itos) }

// Token returns the token for the index, or UnkToken if it is out of range.
func (v *Vocab) Token(index int) string {
	if index < 0 || index >= len(v.itos) {
		return UnkToken
	}
	return v.itos[index]
}

// Lookup returns the index of the token and whether it is part of the vocabulary.
func (v *Vocab) Lookup(token string) (int, bool) {
	idx, found := v.stoi[normalize(token, v.lower)]
	return idx, found
}

// Index returns the index of the token, or the index of UnkToken.
func (v *Vocab) Index(token string) int {
	if idx, found := v.Lookup(token); found {
		return idx
	}
	return v.stoi[UnkToken]
}

// Numericalize converts a token sequence to ids.
func (v *Vocab) Numericalize(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, token := range tokens {
		ids[i] = v.Index(token)
	}
	return ids
}

// Pad returns the padding index.
func (v *Vocab) Pad() int { return v.stoi[PadToken] }

// EncodeWithSpans splits text on white space and returns the token ids with their byte spans.
func (v *Vocab) EncodeWithSpans(text string) api.EncodingResult {
	var res api.EncodingResult
	for _, span := range Split(text) {
		res.IDs = append(res.IDs, v.Index(text[span.Start:span.End]))
		res.Spans = append(res.Spans, span)
	}
	return res
}

// Split returns the byte spans of the white space separated tokens of text.
func Split(text string) []api.TokenSpan {
	var spans []api.TokenSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, api.TokenSpan{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, api.TokenSpan{Start: start, End: len(text)})
	}
	return spans
}

// Tokenize splits text on white space.
func Tokenize(text string) []string {
	spans := Split(text)
	tokens := make([]string, len(spans))
	for i, span := range spans {
		tokens[i] = text[span.Start:span.End]
	}
	return tokens
}

func normalize(token string, lower bool) string {
	token = norm.NFC.String(token)
	if lower {
		token = cases.Lower(language.Und).String(token)
	}
	return token
}
