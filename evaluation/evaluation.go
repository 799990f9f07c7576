// Package evaluation scores predicted entity labels against gold labels.
//
// Scores are computed over entity spans, not tokens: a predicted span counts as correct only if
// a gold span with the same boundaries (and, for typed evaluation, the same type) exists.
package evaluation

import (
	"slices"
)

// Span is a half-open token range [Start, End) tagged as an entity.
type Span struct {
	Start, End int
	Type       string
}

// Counts accumulates span statistics over many sequences.
type Counts struct {
	Right     int // predicted spans that match a gold span
	Predicted int // all predicted spans
	Gold      int // all gold spans
}

// Add scores one sequence and accumulates the result.
func (c *Counts) Add(gold, pred []int, index2tag []string, typed bool) {
	goldSpans := Spans(gold, index2tag, typed)
	predSpans := Spans(pred, index2tag, typed)
	c.Gold += len(goldSpans)
	c.Predicted += len(predSpans)
	for _, span := range predSpans {
		if slices.Contains(goldSpans, span) {
			c.Right++
		}
	}
}

// PRF returns precision, recall and their harmonic mean. Each ratio is 0 when its denominator is 0.
func (c Counts) PRF() (precision, recall, f1 float64) {
	if c.Predicted > 0 {
		precision = float64(c.Right) / float64(c.Predicted)
	}
	if c.Gold > 0 {
		recall = float64(c.Right) / float64(c.Gold)
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return
}

// Evaluate computes span precision, recall and F1.
//
// gold and pred are lists of batch-major label matrices: gold[i][b] is the label sequence of
// example b in batch i. index2tag maps label ids to tags. With typed set, spans must also agree on
// the entity type encoded after the "B-"/"I-" prefix.
func Evaluate(gold, pred [][][]int, index2tag []string, typed bool) (precision, recall, f1 float64) {
	var counts Counts
	for i := range gold {
		for j := range gold[i] {
			counts.Add(gold[i][j], pred[i][j], index2tag, typed)
		}
	}
	return counts.PRF()
}

// Spans decodes the entity spans of one label sequence.
//
// A tag starting with 'B' opens a new span. A tag starting with 'I' continues the open span, or
// opens one if there is none (IO tagging) or, when typed, if the open span has another type. Any
// other tag (O, padding, unknown) closes the open span. A span still open at the end of the
// sequence ends at its length.
func Spans(labels []int, index2tag []string, typed bool) []Span {
	var (
		spans []Span
		cur   Span
		open  bool
	)
	closeAt := func(k int) {
		if open {
			cur.End = k
			spans = append(spans, cur)
			open = false
		}
	}
	for k, id := range labels {
		tag := ""
		if id >= 0 && id < len(index2tag) {
			tag = index2tag[id]
		}
		kind, entityType := parseTag(tag)
		if !typed {
			entityType = ""
		}
		switch kind {
		case 'B':
			closeAt(k)
			cur, open = Span{Start: k, Type: entityType}, true
		case 'I':
			if open && cur.Type == entityType {
				continue
			}
			closeAt(k)
			cur, open = Span{Start: k, Type: entityType}, true
		default:
			closeAt(k)
		}
	}
	closeAt(len(labels))
	return spans
}

// parseTag splits tags like "B-PER", "I" or "O" into the scheme letter and the entity type.
func parseTag(tag string) (kind byte, entityType string) {
	if tag == "" {
		return 0, ""
	}
	kind = tag[0]
	if kind != 'B' && kind != 'I' {
		return 0, ""
	}
	if len(tag) > 2 && tag[1] == '-' {
		entityType = tag[2:]
	} else if len(tag) > 1 {
		// Tags like "IN" or "BAR" are not part of a tagging scheme.
		return 0, ""
	}
	return kind, entityType
}

// ExactMatch counts the sequences whose predicted labels all equal the gold labels.
// Both arguments are batch-major: one row per sequence.
func ExactMatch(gold, pred [][]int) int {
	n := 0
	for i := range gold {
		if slices.Equal(gold[i], pred[i]) {
			n++
		}
	}
	return n
}
