// Package tagger implements the entity-detection sequence tagger: word embeddings, a token
// encoder and a two layer output head producing per-token label log-probabilities.
//
// The model is a GoMLX computation graph. Its parameters are variables of a context.Context,
// gradients come from the graph's automatic differentiation and the update is GoMLX's Adam,
// all executed on a compute.Backend (the pure Go backend by default).
package tagger

import (
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/compute"
	"github.com/gomlx/go-entitydetection/dataset"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// Parameter names, also used as tensor names in checkpoints.
const (
	EmbedWeight  = "embed.weight"
	WindowWeight = "window.weight"
	WindowBias   = "window.bias"
	FwdInput     = "rnn.fwd.w_ih"
	FwdRecurrent = "rnn.fwd.w_hh"
	FwdBias      = "rnn.fwd.bias"
	BwdInput     = "rnn.bwd.w_ih"
	BwdRecurrent = "rnn.bwd.w_hh"
	BwdBias      = "rnn.bwd.bias"
	HiddenWeight = "fc1.weight"
	HiddenBias   = "fc1.bias"
	OutputWeight = "fc2.weight"
	OutputBias   = "fc2.bias"

	embedInitSpan = 0.25
)

// Scope of the model variables in the context.
const Scope = "tagger"

// Scores holds per-token label log-probabilities, one row per token in sequence-major order
// (row t*batchSize+b is token t of example b).
type Scores struct {
	Rows, Cols int
	Data       []float64
}

// NewScores allocates zeroed scores.
func NewScores(rows, cols int) *Scores {
	return &Scores{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// Row returns a view of row r.
func (s *Scores) Row(r int) []float64 { return s.Data[r*s.Cols : (r+1)*s.Cols] }

// Argmax returns the highest scoring column of each row.
func (s *Scores) Argmax() []int {
	res := make([]int, s.Rows)
	for r := range s.Rows {
		row := s.Row(r)
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		res[r] = best
	}
	return res
}

// Param is a host copy of one model parameter.
type Param struct {
	Name      string
	Shape     []int
	Data      []float32
	Trainable bool
}

// Model is the tagger. Forward can be called concurrently, TrainStep cannot.
type Model struct {
	cfg     Config
	backend compute.Backend
	ctx     *context.Context
	names   []string
	vars    map[string]*context.Variable

	evalExec  *context.Exec
	trainExec *context.Exec
	optimizer Optimizer
}

// New creates a model with randomly initialized parameters on backend. A nil backend
// selects the pure Go backend.
//
// Parameters are initialized from rng the same way torch initializes its layers: uniform in
// [-1/sqrt(fanIn), 1/sqrt(fanIn)], and [-0.25, 0.25] for the embedding. rng also seeds dropout.
func New(backend compute.Backend, cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		var err error
		if backend, err = NewBackend(""); err != nil {
			return nil, err
		}
	}
	cfg.Mode = strings.ToUpper(cfg.Mode)
	m := &Model{
		cfg:     cfg,
		backend: backend,
		ctx:     context.New(),
		vars:    make(map[string]*context.Variable),
	}
	modelCtx := m.ctx.In(Scope)
	add := func(name string, k float64, shape ...int) *context.Variable {
		size := 1
		for _, d := range shape {
			size *= d
		}
		data := make([]float32, size)
		for i := range data {
			data[i] = float32((2*rng.Float64() - 1) * k)
		}
		v := modelCtx.VariableWithValue(name, tensors.FromFlatDataAndDimensions(data, shape...))
		m.names = append(m.names, name)
		m.vars[name] = v
		return v
	}

	D, H, L := cfg.WordsDim, cfg.Hidden, cfg.Labels
	add(EmbedWeight, embedInitSpan, cfg.WordsNum, D).SetTrainable(cfg.TrainEmbed)
	switch cfg.Mode {
	case ModeRNN:
		k := 1 / sqrt(H)
		add(FwdInput, k, H, D)
		add(FwdRecurrent, k, H, H)
		add(FwdBias, k, H)
		add(BwdInput, k, H, D)
		add(BwdRecurrent, k, H, H)
		add(BwdBias, k, H)
	case ModeWindow:
		in := D * (2*cfg.Window + 1)
		add(WindowWeight, 1/sqrt(in), H, in)
		add(WindowBias, 1/sqrt(in), H)
	}
	enc := cfg.encoderSize()
	add(HiddenWeight, 1/sqrt(enc), H, enc)
	add(HiddenBias, 1/sqrt(enc), H)
	add(OutputWeight, 1/sqrt(H), L, H)
	add(OutputBias, 1/sqrt(H), L)

	if err := m.ctx.SetRNGStateFromSeed(rng.Int64()); err != nil {
		return nil, errors.WithMessage(err, "seeding dropout")
	}
	var err error
	m.evalExec, err = context.NewExec(backend, m.ctx, m.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating evaluation executor")
	}
	// One graph is compiled per batch shape (sequence length x batch size).
	m.evalExec.SetMaxCache(-1)
	return m, nil
}

// Config returns the architecture configuration.
func (m *Model) Config() Config { return m.cfg }

// Backend returns the backend the model runs on.
func (m *Model) Backend() compute.Backend { return m.backend }

// ParamNames returns the parameter names in creation order.
func (m *Model) ParamNames() []string { return slices.Clone(m.names) }

// Param returns a copy of the current value of the named parameter.
func (m *Model) Param(name string) (*Param, error) {
	v, found := m.vars[name]
	if !found {
		return nil, errors.Errorf("model has no parameter %q", name)
	}
	value, err := v.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "parameter %q", name)
	}
	data, err := tensors.CopyFlatData[float32](value)
	if err != nil {
		return nil, errors.WithMessagef(err, "parameter %q", name)
	}
	return &Param{
		Name:      name,
		Shape:     slices.Clone(v.Shape().Dimensions),
		Data:      data,
		Trainable: v.Trainable,
	}, nil
}

// SetParam overwrites the values of a named parameter, e.g. when loading a checkpoint.
func (m *Model) SetParam(name string, data []float32) error {
	v, found := m.vars[name]
	if !found {
		return errors.Errorf("model has no parameter %q", name)
	}
	shape := v.Shape()
	if len(data) != shape.Size() {
		return errors.Errorf("parameter %q has %d elements, got %d", name, shape.Size(), len(data))
	}
	return v.SetValue(tensors.FromFlatDataAndDimensions(slices.Clone(data), shape.Dimensions...))
}

// Forward computes the label log-probabilities for every position of the padded batch, with
// dropout disabled.
func (m *Model) Forward(b *dataset.Batch) (*Scores, error) {
	tokens, err := m.tokensTensor(b)
	if err != nil {
		return nil, err
	}
	logProbs, err := m.evalExec.Exec1(tokens)
	if err != nil {
		return nil, errors.WithMessage(err, "forward pass")
	}
	defer finalize(logProbs)
	return toScores(logProbs)
}

// Tag returns the most likely label id for each token id of one sequence.
func (m *Model) Tag(tokenIDs []int) ([]int, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}
	b := &dataset.Batch{
		Tokens:  make([][]int, len(tokenIDs)),
		Labels:  make([][]int, len(tokenIDs)),
		Lengths: []int{len(tokenIDs)},
	}
	for t, id := range tokenIDs {
		b.Tokens[t] = []int{id}
		b.Labels[t] = []int{0}
	}
	scores, err := m.Forward(b)
	if err != nil {
		return nil, err
	}
	return scores.Argmax(), nil
}

// tokensTensor validates the batch and converts its token ids to a [T, B] Int32 tensor.
func (m *Model) tokensTensor(b *dataset.Batch) (*tensors.Tensor, error) {
	T, B := b.SeqLen(), b.BatchSize()
	if T == 0 || B == 0 {
		return nil, errors.New("empty batch")
	}
	flat := make([]int32, 0, T*B)
	for t := range T {
		if len(b.Tokens[t]) != B {
			return nil, errors.Errorf("batch row %d has %d tokens, expected %d", t, len(b.Tokens[t]), B)
		}
		for _, tok := range b.Tokens[t] {
			if tok < 0 || tok >= m.cfg.WordsNum {
				return nil, errors.Errorf("token id %d outside vocabulary of size %d", tok, m.cfg.WordsNum)
			}
			flat = append(flat, int32(tok))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, T, B), nil
}

// evalGraph returns the [T*B, labels] log-probabilities of tokens shaped [T, B].
func (m *Model) evalGraph(ctx *context.Context, tokens *Node) *Node {
	return LogSoftmax(m.logitsGraph(ctx, tokens), -1)
}

// logitsGraph builds embedding, encoder and output head. Dropout is only active if ctx is
// marked as training for the graph.
func (m *Model) logitsGraph(ctx *context.Context, tokens *Node) *Node {
	g := tokens.Graph()
	cfg := m.cfg
	T, B := tokens.Shape().Dimensions[0], tokens.Shape().Dimensions[1]
	D, H := cfg.WordsDim, cfg.Hidden
	value := func(name string) *Node { return m.vars[name].ValueGraph(g) }

	x := Gather(value(EmbedWeight), InsertAxes(tokens, -1)) // [T, B, D]
	var enc *Node
	switch cfg.Mode {
	case ModeWindow:
		w := cfg.Window
		padded := x
		if w > 0 {
			zeros := Zeros(g, shapes.Make(x.DType(), w, B, D))
			padded = Concatenate([]*Node{zeros, x, zeros}, 0)
		}
		parts := make([]*Node, 0, 2*w+1)
		for offset := range 2*w + 1 {
			parts = append(parts, SliceAxis(padded, 0, AxisRange(offset, offset+T)))
		}
		in := Reshape(Concatenate(parts, -1), T*B, (2*w+1)*D)
		enc = activations.Relu(dense(in, value(WindowWeight), value(WindowBias)))

	case ModeRNN:
		flat := Reshape(x, T*B, D)
		fwd := rnnGraph(Reshape(dense(flat, value(FwdInput), value(FwdBias)), T, B, H), value(FwdRecurrent), false)
		bwd := rnnGraph(Reshape(dense(flat, value(BwdInput), value(BwdBias)), T, B, H), value(BwdRecurrent), true)
		enc = Reshape(Concatenate([]*Node{fwd, bwd}, -1), T*B, 2*H)
	}

	h1 := activations.Relu(dense(enc, value(HiddenWeight), value(HiddenBias)))
	h1 = layers.DropoutStatic(ctx, h1, cfg.Dropout)
	return dense(h1, value(OutputWeight), value(OutputBias))
}

// rnnGraph runs h_t = tanh(in_t + h_{t-1} W^T) over in shaped [T, B, H], starting from zeros,
// and returns the stacked states [T, B, H]. If reverse is set it runs from the last step.
func rnnGraph(in, recurrent *Node, reverse bool) *Node {
	dims := in.Shape().Dimensions
	T, B, H := dims[0], dims[1], dims[2]
	states := make([]*Node, T)
	var h *Node
	for i := range T {
		t := i
		if reverse {
			t = T - 1 - i
		}
		pre := Reshape(SliceAxis(in, 0, AxisElem(t)), B, H)
		if h != nil {
			pre = Add(pre, MatMul(h, Transpose(recurrent, 0, 1)))
		}
		h = Tanh(pre)
		states[t] = h
	}
	return Stack(states, 0)
}

// dense computes x W^T + b for x [N, in], W [out, in] and b [out].
func dense(x, weight, bias *Node) *Node {
	return Add(MatMul(x, Transpose(weight, 0, 1)), InsertAxes(bias, 0))
}

// nllGraph is the mean negative log-likelihood of labels [T, B] over every position, padding
// included.
func nllGraph(logits, labels *Node) *Node {
	n := labels.Shape().Size()
	return losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{Reshape(labels, n, 1)}, []*Node{logits})
}

func toScores(t *tensors.Tensor) (*Scores, error) {
	dims := t.Shape().Dimensions
	flat, err := tensors.CopyFlatData[float32](t)
	if err != nil {
		return nil, err
	}
	s := NewScores(dims[0], dims[1])
	for i, v := range flat {
		s.Data[i] = float64(v)
	}
	return s, nil
}

func finalize(outputs ...*tensors.Tensor) {
	for _, t := range outputs {
		_ = t.FinalizeAll()
	}
}

func sqrt(n int) float64 { return math.Sqrt(float64(n)) }
