package dataset

import (
	"math/rand/v2"

	"github.com/gomlx/go-entitydetection/vocab"
)

// Batch is a rectangle of examples padded to a common length.
// Tokens and Labels are sequence-major: Tokens[t][b] is token t of example b.
type Batch struct {
	Tokens  [][]int
	Labels  [][]int
	Lengths []int
}

// SeqLen returns the padded sequence length.
func (b *Batch) SeqLen() int { return len(b.Tokens) }

// BatchSize returns the number of examples.
func (b *Batch) BatchSize() int { return len(b.Lengths) }

// FlatLabels returns the labels flattened in sequence-major order, the row order of the model scores.
func (b *Batch) FlatLabels() []int {
	flat := make([]int, 0, b.SeqLen()*b.BatchSize())
	for _, row := range b.Labels {
		flat = append(flat, row...)
	}
	return flat
}

// NewBatch numericalizes and pads the examples.
func NewBatch(examples []Example, text, labels *vocab.Vocab) *Batch {
	maxLen := 0
	for _, ex := range examples {
		maxLen = max(maxLen, len(ex.Tokens))
	}
	b := &Batch{
		Tokens:  make([][]int, maxLen),
		Labels:  make([][]int, maxLen),
		Lengths: make([]int, len(examples)),
	}
	for t := range maxLen {
		b.Tokens[t] = make([]int, len(examples))
		b.Labels[t] = make([]int, len(examples))
	}
	for i, ex := range examples {
		b.Lengths[i] = len(ex.Tokens)
		tokenIDs := text.Numericalize(ex.Tokens)
		labelIDs := labels.Numericalize(ex.Labels)
		for t := range maxLen {
			if t < len(tokenIDs) {
				b.Tokens[t][i] = tokenIDs[t]
				b.Labels[t][i] = labelIDs[t]
			} else {
				b.Tokens[t][i] = text.Pad()
				b.Labels[t][i] = labels.Pad()
			}
		}
	}
	return b
}

// Transpose swaps the two axes of a rectangular matrix: sequence-major to batch-major and back.
func Transpose(m [][]int) [][]int {
	if len(m) == 0 {
		return nil
	}
	res := make([][]int, len(m[0]))
	for j := range res {
		res[j] = make([]int, len(m))
		for i := range m {
			res[j][i] = m[i][j]
		}
	}
	return res
}

// Iterator yields mini-batches over a split.
type Iterator struct {
	examples  []Example
	text      *vocab.Vocab
	labels    *vocab.Vocab
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewIterator creates an iterator. If shuffle is set, each epoch visits the examples in a new
// random order drawn from rng; otherwise the dataset order is kept.
func NewIterator(examples []Example, text, labels *vocab.Vocab, batchSize int, shuffle bool, rng *rand.Rand) *Iterator {
	return &Iterator{
		examples:  examples,
		text:      text,
		labels:    labels,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
	}
}

// Len returns the number of batches per epoch; the last batch may be smaller.
func (it *Iterator) Len() int {
	return (len(it.examples) + it.batchSize - 1) / it.batchSize
}

// NumExamples returns the size of the split.
func (it *Iterator) NumExamples() int { return len(it.examples) }

// Epoch returns an iterator over one pass of the data, yielding batch index and batch.
func (it *Iterator) Epoch() func(yield func(int, *Batch) bool) {
	order := make([]int, len(it.examples))
	if it.shuffle {
		order = it.rng.Perm(len(it.examples))
	} else {
		for i := range order {
			order[i] = i
		}
	}
	return func(yield func(int, *Batch) bool) {
		for batchIdx := range it.Len() {
			start := batchIdx * it.batchSize
			end := min(start+it.batchSize, len(order))
			examples := make([]Example, 0, end-start)
			for _, i := range order[start:end] {
				examples = append(examples, it.examples[i])
			}
			if !yield(batchIdx, NewBatch(examples, it.text, it.labels)) {
				return
			}
		}
	}
}
