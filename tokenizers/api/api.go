// Package api defines how a question is split into vocabulary ids while keeping track of where
// each token came from, so tagged token ranges can be mapped back onto the question text.
package api

// TokenSpan is the byte range of a token in the question: question[Start:End].
type TokenSpan struct {
	Start int
	End   int
}

// EncodingResult holds the vocabulary ids of a question and the span of each token.
type EncodingResult struct {
	IDs   []int
	Spans []TokenSpan
}

// TokenizerWithSpans maps a question to token ids with their spans.
type TokenizerWithSpans interface {
	EncodeWithSpans(text string) EncodingResult
}
