package train

import (
	"bytes"
	"context"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/go-entitydetection/dataset"
	"github.com/gomlx/go-entitydetection/metrics"
	"github.com/gomlx/go-entitydetection/models/tagger"
	"github.com/gomlx/go-entitydetection/vocab"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oracleModel predicts the gold labels of every batch.
type oracleModel struct {
	// calls records "train" for each TrainStep and "eval" for each Forward.
	calls    []string
	maxNorms []float64
	wrong    bool
}

func newOracle() *oracleModel { return &oracleModel{} }

func (m *oracleModel) scores(b *dataset.Batch) *tagger.Scores {
	const numLabels = 4
	scores := tagger.NewScores(b.SeqLen()*b.BatchSize(), numLabels)
	for r, label := range b.FlatLabels() {
		row := scores.Row(r)
		for j := range row {
			row[j] = -10
		}
		if m.wrong {
			label = (label + 1) % numLabels
		}
		row[label] = 0
	}
	return scores
}

func (m *oracleModel) Forward(b *dataset.Batch) (*tagger.Scores, error) {
	m.calls = append(m.calls, "eval")
	return m.scores(b), nil
}

func (m *oracleModel) TrainStep(b *dataset.Batch, maxNorm float64) (*tagger.Scores, float64, error) {
	m.calls = append(m.calls, "train")
	m.maxNorms = append(m.maxNorms, maxNorm)
	return m.scores(b), 0, nil
}

func toySplits() (train, dev []dataset.Example) {
	for range 4 {
		train = append(train, dataset.Example{Tokens: []string{"who", "wrote", "dune"}, Labels: []string{"O", "O", "I"}})
	}
	dev = []dataset.Example{
		{Tokens: []string{"who", "wrote", "dune"}, Labels: []string{"O", "O", "I"}},
		{Tokens: []string{"where", "is", "paris"}, Labels: []string{"O", "O", "I"}},
	}
	return
}

func toyIterators(t *testing.T, batchSize int) (*dataset.Iterator, *dataset.Iterator, *vocab.Vocab, *vocab.Vocab) {
	t.Helper()
	trainEx, devEx := toySplits()
	text := vocab.Build(true, dataset.TokenSequences(trainEx), dataset.TokenSequences(devEx))
	labels := vocab.Build(false, dataset.LabelSequences(trainEx), dataset.LabelSequences(devEx))
	require.Equal(t, []string{"<unk>", "<pad>", "O", "I"}, labels.Itos())
	rng := rand.New(rand.NewPCG(1, 2))
	return dataset.NewIterator(trainEx, text, labels, batchSize, true, rng),
		dataset.NewIterator(devEx, text, labels, batchSize, false, nil), text, labels
}

func TestPatience(t *testing.T) {
	assert.Equal(t, 10, Patience(10, 100, 32, 2000))
	assert.Equal(t, 30, Patience(10, 4, 2, 1))
	assert.Equal(t, 0, Patience(0, 4, 2, 1))
}

func TestRecordValidation(t *testing.T) {
	s := NewSession("run", 1)
	// Zero F1 is not an improvement over the initial best.
	assert.False(t, s.RecordValidation(Validation{}))
	assert.Equal(t, 1, s.ItersNotImproved)

	assert.True(t, s.RecordValidation(Validation{Precision: 0.5, Recall: 0.25, F1: 0.4}))
	assert.Equal(t, 0, s.ItersNotImproved)
	assert.Equal(t, 0.4, s.BestF1)

	// Ties and decreases count once each and keep the best scores.
	assert.False(t, s.RecordValidation(Validation{Precision: 1, Recall: 1, F1: 0.4}))
	assert.Equal(t, 1, s.ItersNotImproved)
	assert.Equal(t, Running, s.State)
	assert.False(t, s.RecordValidation(Validation{F1: 0.1}))
	assert.Equal(t, 2, s.ItersNotImproved)
	assert.Equal(t, EarlyStopped, s.State)
	assert.Equal(t, 0.4, s.BestF1)
	assert.Equal(t, 0.5, s.BestPrecision)
	assert.Equal(t, 0.25, s.BestRecall)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RUNNING", Running.String())
	assert.Equal(t, "EARLY_STOPPED", EarlyStopped.String())
	assert.Equal(t, "DONE", Done.String())
}

func TestEvaluateExactMatch(t *testing.T) {
	_, dev, _, labels := toyIterators(t, 2)
	v, err := Evaluate(newOracle(), dev, labels.Itos())
	require.NoError(t, err)
	assert.Equal(t, Validation{Precision: 1, Recall: 1, F1: 1, NCorrect: 2, NTotal: 2}, v)

	wrong := newOracle()
	wrong.wrong = true
	v, err = Evaluate(wrong, dev, labels.Itos())
	require.NoError(t, err)
	assert.Equal(t, 0, v.NCorrect)
	assert.Equal(t, 2, v.NTotal)
	assert.Equal(t, 0.0, v.F1)
}

func TestRunEarlyStopping(t *testing.T) {
	train, dev, _, labels := toyIterators(t, 2)
	model := newOracle()
	var out bytes.Buffer
	var saved []int
	trainer, err := New(model, train, dev, labels.Itos(),
		CheckpointerFunc(func(s *Session) error {
			saved = append(saved, s.Iterations)
			return nil
		}),
		Options{DevEvery: 1, LogEvery: 1, ClipGradient: 1}, &out)
	require.NoError(t, err)
	trainer.Metrics = metrics.New()

	s, err := trainer.Run(context.Background(), NewSession("run", 2))
	require.NoError(t, err)
	assert.Equal(t, EarlyStopped, s.State)
	// First validation improves to F1=1, the next three tie and the third exceeds the patience.
	assert.Equal(t, []int{1}, saved)
	assert.Equal(t, 4, s.Iterations)
	assert.Equal(t, 2, s.Epoch)
	assert.Equal(t, 3, s.ItersNotImproved)
	assert.Equal(t, 1.0, s.BestF1)

	output := out.String()
	assert.Contains(t, output, "Early Stopping. Epoch: 2, Best Dev F1: 1\n")
	assert.Contains(t, output, "Dev Precision: 100.000000% Recall: 100.000000% F1 Score: 100.000000%")
	// The early stopping iteration prints no progress row.
	assert.Equal(t, 3, strings.Count(output, "% 0.000000"))

	assert.Equal(t, 4.0, testutil.ToFloat64(trainer.Metrics.Iterations))
	assert.Equal(t, 1.0, testutil.ToFloat64(trainer.Metrics.Checkpoints))
	assert.Equal(t, 1.0, testutil.ToFloat64(trainer.Metrics.EarlyStopped))

	assert.Equal(t, []float64{1, 1, 1, 1}, model.maxNorms)
	// Each iteration trains, every validation evaluates.
	assert.Equal(t, []string{"train", "eval", "train", "eval", "train", "eval", "train", "eval"}, model.calls)
}

func TestRunEpochsLimit(t *testing.T) {
	train, dev, _, labels := toyIterators(t, 3)
	trainer, err := New(newOracle(), train, dev, labels.Itos(), nil,
		Options{DevEvery: 100, LogEvery: 100, ClipGradient: 1, Epochs: 3}, &bytes.Buffer{})
	require.NoError(t, err)
	s, err := trainer.Run(context.Background(), NewSession("run", 0))
	require.NoError(t, err)
	assert.Equal(t, Done, s.State)
	assert.Equal(t, 3, s.Epoch)
	assert.Equal(t, 6, s.Iterations)
	assert.Equal(t, 100.0, s.Accuracy())
}

func TestRunCancelled(t *testing.T) {
	train, dev, _, labels := toyIterators(t, 2)
	trainer, err := New(newOracle(), train, dev, labels.Itos(), nil,
		Options{DevEvery: 1, LogEvery: 1, ClipGradient: 1}, &bytes.Buffer{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := trainer.Run(ctx, NewSession("run", 10))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Done, s.State)
	assert.Equal(t, 0, s.Iterations)
}

func TestNewErrors(t *testing.T) {
	train, dev, _, labels := toyIterators(t, 2)
	_, err := New(newOracle(), train, dev, labels.Itos(), nil,
		Options{DevEvery: 0, LogEvery: 1, ClipGradient: 1}, &bytes.Buffer{})
	require.Error(t, err)
	_, err = New(newOracle(), train, dev, labels.Itos(), nil,
		Options{DevEvery: 1, LogEvery: 1}, &bytes.Buffer{})
	require.Error(t, err)
	empty := dataset.NewIterator(nil, nil, nil, 2, false, nil)
	_, err = New(newOracle(), empty, dev, labels.Itos(), nil,
		Options{DevEvery: 1, LogEvery: 1, ClipGradient: 1}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestProgressRow(t *testing.T) {
	var out bytes.Buffer
	p := progress{w: &out}
	p.row(12.3, 1, 101, 5, 10, 0.5, 25)
	want := "    12     1       101     5/10   " + "      50% 0.500000" +
		" " + strings.Repeat(" ", 8) + " " + "     25.0000" + " " + strings.Repeat(" ", 12) + "\n"
	assert.Equal(t, want, out.String())
}

func TestEvaluateWithPredictions(t *testing.T) {
	trainEx, devEx := toySplits()
	devEx = append(devEx, dataset.Example{Tokens: []string{"dune"}, Labels: []string{"I"}})
	text := vocab.Build(true, dataset.TokenSequences(trainEx), dataset.TokenSequences(devEx))
	labels := vocab.Build(false, dataset.LabelSequences(trainEx), dataset.LabelSequences(devEx))
	// The last example is padded in its batch.
	dev := dataset.NewIterator(devEx[1:], text, labels, 2, false, nil)

	model := newOracle()
	v, predictions, err := EvaluateWithPredictions(model, dev, labels.Itos())
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.F1)
	assert.Equal(t, [][]int{{2, 2, 3}, {3}}, predictions)
	assert.Equal(t, []string{"eval"}, model.calls)
}

func TestRunRealTagger(t *testing.T) {
	train, dev, text, labels := toyIterators(t, 2)
	cfg := tagger.Config{Mode: tagger.ModeRNN, WordsNum: text.Len(), WordsDim: 4, Hidden: 4, Labels: labels.Len(), Dropout: 0.1}
	model, err := tagger.New(nil, cfg, rand.New(rand.NewPCG(5, 6)))
	require.NoError(t, err)
	opt, err := tagger.NewAdam(0.05, 0)
	require.NoError(t, err)
	require.NoError(t, model.SetOptimizer(opt))
	var checkpoints int
	trainer, err := New(model, train, dev, labels.Itos(),
		CheckpointerFunc(func(*Session) error { checkpoints++; return nil }),
		Options{DevEvery: 2, LogEvery: 5, ClipGradient: 0.6, Epochs: 20}, &bytes.Buffer{})
	require.NoError(t, err)
	s, err := trainer.Run(context.Background(), NewSession("run", 100))
	require.NoError(t, err)
	assert.Equal(t, Done, s.State)
	assert.Equal(t, 40, s.Iterations)
	// The first dev sentence is the only training sentence, so its entity is learned.
	assert.Positive(t, s.BestF1)
	assert.LessOrEqual(t, s.BestF1, 1.0)
	assert.Positive(t, checkpoints)
}
