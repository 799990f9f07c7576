// Package train runs the supervised training loop of the entity-detection tagger: mini-batch
// optimization with gradient clipping, periodic validation on the dev split, checkpointing of
// the best model and early stopping.
package train

import (
	"context"
	"io"
	"time"

	"github.com/gomlx/go-entitydetection/dataset"
	"github.com/gomlx/go-entitydetection/evaluation"
	"github.com/gomlx/go-entitydetection/metrics"
	"github.com/gomlx/go-entitydetection/models/tagger"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is what the loop needs from a tagger. *tagger.Model implements it.
type Model interface {
	// Forward returns label log-probabilities with one row per batch position, sequence-major,
	// with dropout disabled.
	Forward(b *dataset.Batch) (*tagger.Scores, error)
	// TrainStep runs the forward pass with dropout, the mean NLL loss, backpropagation, clipping
	// of the global gradient norm to maxNorm and one optimizer update. It returns the scores of
	// the forward pass and the loss.
	TrainStep(b *dataset.Batch, maxNorm float64) (*tagger.Scores, float64, error)
}

var _ Model = &tagger.Model{}

// Checkpointer persists the model when the dev F1 improves.
type Checkpointer interface {
	Checkpoint(s *Session) error
}

// CheckpointerFunc adapts a function to a Checkpointer.
type CheckpointerFunc func(s *Session) error

// Checkpoint implements Checkpointer.
func (fn CheckpointerFunc) Checkpoint(s *Session) error { return fn(s) }

// Options configure the loop.
type Options struct {
	// DevEvery validates every this many iterations.
	DevEvery int
	// LogEvery prints a progress row when iterations%LogEvery == 1 (every iteration if 1).
	LogEvery int
	// ClipGradient is the maximum global gradient norm.
	ClipGradient float64
	// Epochs limits the number of epochs, 0 for no limit.
	Epochs int
}

// Trainer runs the training loop.
type Trainer struct {
	Model        Model
	Train, Dev   *dataset.Iterator
	Index2Tag    []string
	Checkpointer Checkpointer
	// Metrics is optional.
	Metrics *metrics.Metrics
	Options Options

	progress progress
	now      func() time.Time
}

// New creates a trainer. Output receives the progress table.
func New(model Model, train, dev *dataset.Iterator, index2tag []string,
	checkpointer Checkpointer, opts Options, output io.Writer) (*Trainer, error) {
	if opts.DevEvery <= 0 || opts.LogEvery <= 0 {
		return nil, errors.Errorf("DevEvery and LogEvery must be positive, got %d and %d", opts.DevEvery, opts.LogEvery)
	}
	if opts.ClipGradient <= 0 {
		return nil, errors.Errorf("ClipGradient must be positive, got %g", opts.ClipGradient)
	}
	if train.NumExamples() == 0 {
		return nil, errors.New("empty training split")
	}
	return &Trainer{
		Model:        model,
		Train:        train,
		Dev:          dev,
		Index2Tag:    index2tag,
		Checkpointer: checkpointer,
		Options:      opts,
		progress:     progress{w: output},
		now:          time.Now,
	}, nil
}

// Run trains until early stopping, the epochs limit or the cancellation of ctx, and returns the
// final session. On cancellation the session is Done and ctx.Err() is returned with it.
func (t *Trainer) Run(ctx context.Context, s *Session) (*Session, error) {
	start := t.now()
	numBatches := t.Train.Len()
	t.progress.header()
	for {
		if s.State == EarlyStopped {
			t.progress.earlyStop(s.Epoch, s.BestF1)
			t.Metrics.ObserveEarlyStop()
			return s, nil
		}
		if t.Options.Epochs > 0 && s.Epoch >= t.Options.Epochs {
			s.State = Done
			klog.V(1).Infof("Reached epochs limit %d, best dev F1 %g", t.Options.Epochs, s.BestF1)
			return s, nil
		}
		s.Epoch++
		s.NCorrect, s.NTotal = 0, 0

		for batchIdx, batch := range t.Train.Epoch() {
			if err := ctx.Err(); err != nil {
				s.State = Done
				return s, err
			}
			s.Iterations++
			loss, err := t.step(s, batch)
			if err != nil {
				return s, errors.WithMessagef(err, "epoch %d, iteration %d", s.Epoch, s.Iterations)
			}
			t.Metrics.ObserveStep(s.Epoch, loss, s.Accuracy())

			if s.Iterations%t.Options.DevEvery == 0 {
				v, err := t.Validate()
				if err != nil {
					return s, errors.WithMessagef(err, "validation at iteration %d", s.Iterations)
				}
				t.progress.dev(v)
				klog.V(1).Infof("Dev exact match: %d out of %d", v.NCorrect, v.NTotal)
				improved := s.RecordValidation(v)
				t.Metrics.ObserveValidation(v.Precision, v.Recall, v.F1, s.BestF1, s.ItersNotImproved)
				if improved && t.Checkpointer != nil {
					if err := t.Checkpointer.Checkpoint(s); err != nil {
						return s, errors.WithMessagef(err, "checkpoint at iteration %d", s.Iterations)
					}
					t.Metrics.ObserveCheckpoint()
				} else if s.State == EarlyStopped {
					break
				}
			}

			if s.Iterations%t.Options.LogEvery == 1 || t.Options.LogEvery == 1 {
				elapsed := t.now().Sub(start).Seconds()
				t.progress.row(elapsed, s.Epoch, s.Iterations, batchIdx+1, numBatches, loss, s.Accuracy())
			}
		}
	}
}

// step runs one optimization step on batch and returns its loss.
func (t *Trainer) step(s *Session, batch *dataset.Batch) (float64, error) {
	scores, loss, err := t.Model.TrainStep(batch, t.Options.ClipGradient)
	if err != nil {
		return 0, err
	}
	pred := reshape(scores.Argmax(), batch.SeqLen(), batch.BatchSize())
	s.NCorrect += evaluation.ExactMatch(dataset.Transpose(batch.Labels), dataset.Transpose(pred))
	s.NTotal += batch.BatchSize()
	return loss, nil
}

// Validate evaluates the model on the whole dev split, in evaluation mode.
func (t *Trainer) Validate() (Validation, error) {
	return Evaluate(t.Model, t.Dev, t.Index2Tag)
}

// Evaluate tags every batch of it and scores the predicted spans against the gold labels.
// Span decoding ignores entity types.
func Evaluate(model Model, it *dataset.Iterator, index2tag []string) (Validation, error) {
	v, _, err := evaluate(model, it, index2tag, false)
	return v, err
}

// EvaluateWithPredictions is like Evaluate and also returns the predicted label ids of every
// example, in iteration order and trimmed to the example length. The predictions come from the
// same padded batches that are scored.
func EvaluateWithPredictions(model Model, it *dataset.Iterator, index2tag []string) (Validation, [][]int, error) {
	return evaluate(model, it, index2tag, true)
}

func evaluate(model Model, it *dataset.Iterator, index2tag []string, keep bool) (Validation, [][]int, error) {
	var (
		v          Validation
		gold, pred [][][]int
		examples   [][]int
	)
	for _, batch := range it.Epoch() {
		scores, err := model.Forward(batch)
		if err != nil {
			return v, nil, err
		}
		batchGold := dataset.Transpose(batch.Labels)
		batchPred := dataset.Transpose(reshape(scores.Argmax(), batch.SeqLen(), batch.BatchSize()))
		v.NCorrect += evaluation.ExactMatch(batchGold, batchPred)
		v.NTotal += batch.BatchSize()
		gold = append(gold, batchGold)
		pred = append(pred, batchPred)
		if keep {
			for i, labels := range batchPred {
				examples = append(examples, labels[:batch.Lengths[i]])
			}
		}
	}
	v.Precision, v.Recall, v.F1 = evaluation.Evaluate(gold, pred, index2tag, false)
	return v, examples, nil
}

// reshape turns a flat sequence-major slice into a [rows][cols] matrix.
func reshape(flat []int, rows, cols int) [][]int {
	m := make([][]int, rows)
	for r := range m {
		m[r] = flat[r*cols : (r+1)*cols]
	}
	return m
}
