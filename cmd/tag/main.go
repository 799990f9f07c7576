// tag runs a saved tagger on questions and prints the label of each token and the detected
// entity text. Questions are read from -phrase, or one per line from stdin.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/go-entitydetection/checkpoint"
	"github.com/gomlx/go-entitydetection/evaluation"
	"github.com/gomlx/go-entitydetection/models/tagger"
	"github.com/gomlx/go-entitydetection/tokenizers/api"
	"github.com/gomlx/go-entitydetection/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	var cpPath, phrase string
	flag.StringVar(&cpPath, "checkpoint", "", "Checkpoint written by train")
	flag.StringVar(&phrase, "phrase", "", "Question to tag; if empty questions are read from stdin")
	flag.Parse()
	if cpPath == "" {
		klog.Exitf("Required flag: -checkpoint. See -help.")
	}
	cp, err := checkpoint.Load(cpPath)
	if err != nil {
		klog.Exitf("%+v", err)
	}
	var in io.Reader = os.Stdin
	if phrase != "" {
		in = strings.NewReader(phrase)
	}
	if err := tagAll(cp.Model, cp.Text, cp.Labels, in, os.Stdout); err != nil {
		klog.Exitf("%+v", err)
	}
}

// Tagged is a question with its predicted labels and detected entities.
type Tagged struct {
	Tokens   []string
	Labels   []string
	Entities []string
}

// tagQuestion tags one question. Entities are the substrings of question covered by the
// predicted spans.
func tagQuestion(model *tagger.Model, tok api.TokenizerWithSpans, labels *vocab.Vocab, question string) (*Tagged, error) {
	enc := tok.EncodeWithSpans(question)
	ids, err := model.Tag(enc.IDs)
	if err != nil {
		return nil, err
	}
	res := &Tagged{}
	for i, span := range enc.Spans {
		res.Tokens = append(res.Tokens, question[span.Start:span.End])
		res.Labels = append(res.Labels, labels.Token(ids[i]))
	}
	for _, span := range evaluation.Spans(ids, labels.Itos(), false) {
		start, end := enc.Spans[span.Start].Start, enc.Spans[span.End-1].End
		res.Entities = append(res.Entities, question[start:end])
	}
	return res, nil
}

func tagAll(model *tagger.Model, text, labels *vocab.Vocab, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		tagged, err := tagQuestion(model, text, labels, question)
		if err != nil {
			return errors.WithMessagef(err, "question %q", question)
		}
		for i, token := range tagged.Tokens {
			_, _ = fmt.Fprintln(out, token, tagged.Labels[i])
		}
		_, _ = fmt.Fprintf(out, "Entities: %s\n\n", strings.Join(tagged.Entities, " | "))
	}
	return errors.Wrap(scanner.Err(), "reading questions")
}
