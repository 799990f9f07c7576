package tagger

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/go-entitydetection/dataset"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toyBatch() *dataset.Batch {
	// Two sequences of lengths 3 and 2, seq-major, padded with 1.
	return &dataset.Batch{
		Tokens:  [][]int{{2, 4}, {3, 2}, {5, 1}},
		Labels:  [][]int{{2, 0}, {3, 2}, {0, 1}},
		Lengths: []int{3, 2},
	}
}

func toyConfig(mode string) Config {
	return Config{Mode: mode, WordsNum: 6, WordsDim: 3, Hidden: 4, Labels: 4, Window: 1, TrainEmbed: true}
}

func newToyModel(t *testing.T, cfg Config, seed uint64) *Model {
	t.Helper()
	m, err := New(nil, cfg, rand.New(rand.NewPCG(seed, 2)))
	require.NoError(t, err)
	return m
}

func paramData(t *testing.T, m *Model, name string) []float64 {
	t.Helper()
	p, err := m.Param(name)
	require.NoError(t, err)
	res := make([]float64, len(p.Data))
	for i, v := range p.Data {
		res[i] = float64(v)
	}
	return res
}

// referenceForward recomputes the log-probabilities on the host, one token at a time.
func referenceForward(t *testing.T, m *Model, b *dataset.Batch) *Scores {
	t.Helper()
	cfg := m.Config()
	T, B := b.SeqLen(), b.BatchSize()
	D, H, L := cfg.WordsDim, cfg.Hidden, cfg.Labels
	embed := paramData(t, m, EmbedWeight)
	x := func(t, bi int) []float64 {
		tok := b.Tokens[t][bi]
		return embed[tok*D : (tok+1)*D]
	}
	affine := func(weight, bias, in []float64) []float64 {
		out := slices.Clone(bias)
		for i := range out {
			for j, v := range in {
				out[i] += weight[i*len(in)+j] * v
			}
		}
		return out
	}
	relu := func(v []float64) []float64 {
		for i := range v {
			v[i] = max(v[i], 0)
		}
		return v
	}

	enc := make([][]float64, T*B)
	switch cfg.Mode {
	case ModeWindow:
		w, bias := paramData(t, m, WindowWeight), paramData(t, m, WindowBias)
		for ti := range T {
			for bi := range B {
				var concat []float64
				for o := -cfg.Window; o <= cfg.Window; o++ {
					if ti+o >= 0 && ti+o < T {
						concat = append(concat, x(ti+o, bi)...)
					} else {
						concat = append(concat, make([]float64, D)...)
					}
				}
				enc[ti*B+bi] = relu(affine(w, bias, concat))
			}
		}
	case ModeRNN:
		run := func(input, recurrent, bias string, reverse bool) [][]float64 {
			wi, wr, bs := paramData(t, m, input), paramData(t, m, recurrent), paramData(t, m, bias)
			states := make([][]float64, T*B)
			for bi := range B {
				h := make([]float64, H)
				for i := range T {
					ti := i
					if reverse {
						ti = T - 1 - i
					}
					a := affine(wi, bs, x(ti, bi))
					for r := range H {
						for c := range H {
							a[r] += wr[r*H+c] * h[c]
						}
						a[r] = math.Tanh(a[r])
					}
					h = a
					states[ti*B+bi] = h
				}
			}
			return states
		}
		fwd := run(FwdInput, FwdRecurrent, FwdBias, false)
		bwd := run(BwdInput, BwdRecurrent, BwdBias, true)
		for r := range enc {
			enc[r] = append(slices.Clone(fwd[r]), bwd[r]...)
		}
	}

	w1, b1 := paramData(t, m, HiddenWeight), paramData(t, m, HiddenBias)
	w2, b2 := paramData(t, m, OutputWeight), paramData(t, m, OutputBias)
	scores := NewScores(T*B, L)
	for r := range enc {
		logits := affine(w2, b2, relu(affine(w1, b1, enc[r])))
		maxV := slices.Max(logits)
		var sum float64
		for _, v := range logits {
			sum += math.Exp(v - maxV)
		}
		for j, v := range logits {
			scores.Row(r)[j] = v - maxV - math.Log(sum)
		}
	}
	return scores
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, toyConfig(ModeRNN).Validate())
	require.NoError(t, toyConfig("window").Validate())

	cfg := toyConfig("CNN")
	require.Error(t, cfg.Validate())
	cfg = toyConfig(ModeRNN)
	cfg.Hidden = 0
	require.Error(t, cfg.Validate())
	cfg = toyConfig(ModeRNN)
	cfg.Dropout = 1
	require.Error(t, cfg.Validate())
}

func TestForward(t *testing.T) {
	for _, mode := range []string{ModeRNN, ModeWindow} {
		t.Run(mode, func(t *testing.T) {
			m := newToyModel(t, toyConfig(mode), 1)
			scores, err := m.Forward(toyBatch())
			require.NoError(t, err)
			assert.Equal(t, 6, scores.Rows)
			assert.Equal(t, 4, scores.Cols)
			for r := range scores.Rows {
				var sum float64
				for _, lp := range scores.Row(r) {
					assert.LessOrEqual(t, lp, 1e-6)
					sum += math.Exp(lp)
				}
				assert.InDelta(t, 1.0, sum, 1e-5)
			}

			want := referenceForward(t, m, toyBatch())
			for i := range want.Data {
				assert.InDeltaf(t, want.Data[i], scores.Data[i], 1e-4, "score %d", i)
			}
		})
	}
}

func TestForwardRejectsBadBatches(t *testing.T) {
	m := newToyModel(t, toyConfig(ModeWindow), 1)
	b := toyBatch()
	b.Tokens[0][0] = 6
	_, err := m.Forward(b)
	require.Error(t, err)

	_, err = m.Forward(&dataset.Batch{})
	require.Error(t, err)
}

func TestTrainStep(t *testing.T) {
	for _, mode := range []string{ModeRNN, ModeWindow} {
		t.Run(mode, func(t *testing.T) {
			cfg := toyConfig(mode)
			cfg.TrainEmbed = false
			m := newToyModel(t, cfg, 7)
			embedBefore := paramData(t, m, EmbedWeight)
			outputBefore := paramData(t, m, OutputWeight)

			opt, err := NewAdam(0.05, 0)
			require.NoError(t, err)
			require.NoError(t, m.SetOptimizer(opt))

			b := toyBatch()
			var first, last float64
			for step := range 40 {
				scores, loss, err := m.TrainStep(b, 5)
				require.NoError(t, err)
				require.Equal(t, 6, scores.Rows)
				if step == 0 {
					first = loss
				}
				last = loss
			}
			assert.Less(t, last, first)
			assert.Equal(t, embedBefore, paramData(t, m, EmbedWeight))
			assert.NotEqual(t, outputBefore, paramData(t, m, OutputWeight))

			// Without dropout the loss is the mean NLL of the returned scores.
			scores, loss, err := m.TrainStep(b, 5)
			require.NoError(t, err)
			var nll float64
			for r, label := range b.FlatLabels() {
				nll -= scores.Row(r)[label]
			}
			assert.InDelta(t, nll/float64(scores.Rows), loss, 1e-4)
		})
	}
}

func TestTrainStepUpdatesEmbedding(t *testing.T) {
	m := newToyModel(t, toyConfig(ModeWindow), 3)
	before := paramData(t, m, EmbedWeight)
	opt, err := NewAdam(0.01, 0.001)
	require.NoError(t, err)
	require.NoError(t, m.SetOptimizer(opt))
	_, _, err = m.TrainStep(toyBatch(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, before, paramData(t, m, EmbedWeight))
}

func TestTrainStepErrors(t *testing.T) {
	m := newToyModel(t, toyConfig(ModeRNN), 1)
	_, _, err := m.TrainStep(toyBatch(), 1)
	require.Error(t, err)

	opt, err := NewAdam(0.01, 0)
	require.NoError(t, err)
	require.NoError(t, m.SetOptimizer(opt))
	_, _, err = m.TrainStep(toyBatch(), 0)
	require.Error(t, err)

	b := toyBatch()
	b.Labels[1][0] = 4
	_, _, err = m.TrainStep(b, 1)
	require.Error(t, err)

	_, err = NewAdam(0, 0)
	require.Error(t, err)
	_, err = NewAdam(0.1, -1)
	require.Error(t, err)
	require.Error(t, m.SetOptimizer(nil))
}

func TestClipGradNorm(t *testing.T) {
	backend, err := NewBackend("")
	require.NoError(t, err)
	clip := func(maxNorm float32) [][]float32 {
		outputs, err := ExecOnceN(backend, func(a, b, maxNorm *Node) []*Node {
			return ClipGradNorm([]*Node{a, b}, maxNorm)
		}, []float32{3, 0}, []float32{4}, maxNorm)
		require.NoError(t, err)
		res := make([][]float32, len(outputs))
		for i, out := range outputs {
			res[i] = tensors.MustCopyFlatData[float32](out)
		}
		return res
	}

	// Global norm is 5.
	clipped := clip(1)
	assert.InDelta(t, 0.6, clipped[0][0], 1e-5)
	assert.InDelta(t, 0.0, clipped[0][1], 1e-5)
	assert.InDelta(t, 0.8, clipped[1][0], 1e-5)

	clipped = clip(10)
	assert.InDelta(t, 3.0, clipped[0][0], 1e-5)
	assert.InDelta(t, 4.0, clipped[1][0], 1e-5)
}

func TestTag(t *testing.T) {
	m := newToyModel(t, toyConfig(ModeWindow), 3)
	tags, err := m.Tag([]int{2, 3, 4})
	require.NoError(t, err)
	require.Len(t, tags, 3)
	for _, tag := range tags {
		assert.GreaterOrEqual(t, tag, 0)
		assert.Less(t, tag, 4)
	}

	tags, err = m.Tag(nil)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestParams(t *testing.T) {
	cfg := toyConfig(ModeWindow)
	cfg.TrainEmbed = false
	m := newToyModel(t, cfg, 3)
	assert.Equal(t, []string{EmbedWeight, WindowWeight, WindowBias, HiddenWeight, HiddenBias, OutputWeight, OutputBias},
		m.ParamNames())

	embed, err := m.Param(EmbedWeight)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 3}, embed.Shape)
	assert.False(t, embed.Trainable)
	for _, v := range embed.Data {
		assert.LessOrEqual(t, math.Abs(float64(v)), embedInitSpan)
	}

	require.NoError(t, m.SetParam(OutputBias, []float32{1, 2, 3, 4}))
	bias, err := m.Param(OutputBias)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, bias.Data)
	assert.True(t, bias.Trainable)
	require.Error(t, m.SetParam(OutputBias, []float32{1}))
	require.Error(t, m.SetParam("nope", nil))
	_, err = m.Param("nope")
	require.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	backend, err := NewBackend("go")
	require.NoError(t, err)
	require.NotNil(t, backend)
	_, err = NewBackend("no-such-backend")
	require.Error(t, err)
}
