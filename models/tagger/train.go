package tagger

import (
	"github.com/gomlx/go-entitydetection/dataset"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// AdamEpsilon matches torch.optim.Adam.
const AdamEpsilon = 1e-8

// clipEpsilon is added to the gradient norm before computing the clipping coefficient.
const clipEpsilon = 1e-6

// Optimizer is a GoMLX optimizer that can apply precomputed gradients, so the gradients can be
// clipped before the update. The optimizers.Adam family implements it.
type Optimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// NewAdam returns GoMLX's Adam with the given learning rate. A positive weightDecay turns it
// into AdamW: the decay is applied to the weights, scaled by the learning rate.
func NewAdam(learningRate, weightDecay float64) (Optimizer, error) {
	if learningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", learningRate)
	}
	if weightDecay < 0 {
		return nil, errors.Errorf("weight decay must be >= 0, got %g", weightDecay)
	}
	opt := optimizers.Adam().
		LearningRate(learningRate).
		Epsilon(AdamEpsilon).
		WeightDecay(weightDecay).
		Done()
	withGrads, ok := opt.(Optimizer)
	if !ok {
		return nil, errors.Errorf("optimizer %T cannot apply precomputed gradients", opt)
	}
	return withGrads, nil
}

// SetOptimizer selects the optimizer used by TrainStep. Its state (moments, step counter) is
// kept with the model variables.
func (m *Model) SetOptimizer(opt Optimizer) error {
	if opt == nil {
		return errors.New("nil optimizer")
	}
	exec, err := context.NewExec(m.backend, m.ctx, m.trainGraph)
	if err != nil {
		return errors.WithMessage(err, "creating training executor")
	}
	exec.SetMaxCache(-1)
	m.optimizer, m.trainExec = opt, exec
	return nil
}

// TrainStep runs one optimization step on the batch: forward pass with dropout, mean negative
// log-likelihood over every position, backpropagation, clipping of the global gradient L2 norm
// to maxNorm and one optimizer update. The embedding is only updated if Config.TrainEmbed.
//
// It returns the log-probabilities of the forward pass (before the update) and the loss.
func (m *Model) TrainStep(b *dataset.Batch, maxNorm float64) (*Scores, float64, error) {
	if m.trainExec == nil {
		return nil, 0, errors.New("TrainStep called before SetOptimizer")
	}
	if maxNorm <= 0 {
		return nil, 0, errors.Errorf("maximum gradient norm must be positive, got %g", maxNorm)
	}
	tokens, err := m.tokensTensor(b)
	if err != nil {
		return nil, 0, err
	}
	labels, err := m.labelsTensor(b)
	if err != nil {
		return nil, 0, err
	}
	lossT, logProbs, err := m.trainExec.Exec2(tokens, labels, float32(maxNorm))
	if err != nil {
		return nil, 0, errors.WithMessage(err, "training step")
	}
	defer finalize(lossT, logProbs)
	loss, err := tensors.CopyFlatData[float32](lossT)
	if err != nil {
		return nil, 0, err
	}
	scores, err := toScores(logProbs)
	if err != nil {
		return nil, 0, err
	}
	return scores, float64(loss[0]), nil
}

func (m *Model) labelsTensor(b *dataset.Batch) (*tensors.Tensor, error) {
	T, B := b.SeqLen(), b.BatchSize()
	if len(b.Labels) != T {
		return nil, errors.Errorf("batch has %d label rows for %d token rows", len(b.Labels), T)
	}
	flat := make([]int32, 0, T*B)
	for t, row := range b.Labels {
		if len(row) != B {
			return nil, errors.Errorf("label row %d has %d labels, expected %d", t, len(row), B)
		}
		for _, label := range row {
			if label < 0 || label >= m.cfg.Labels {
				return nil, errors.Errorf("label id %d out of range [0, %d)", label, m.cfg.Labels)
			}
			flat = append(flat, int32(label))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, T, B), nil
}

// trainGraph returns the loss and the [T*B, labels] log-probabilities, and updates the
// variables with the clipped gradients.
func (m *Model) trainGraph(ctx *context.Context, tokens, labels, maxNorm *Node) (*Node, *Node) {
	g := tokens.Graph()
	ctx.SetTraining(g, true)
	logits := m.logitsGraph(ctx, tokens)
	loss := nllGraph(logits, labels)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	m.optimizer.UpdateGraphWithGradients(ctx, ClipGradNorm(grads, maxNorm), loss.DType())
	return loss, LogSoftmax(logits, -1)
}

// ClipGradNorm rescales grads so that their global L2 norm is at most maxNorm, a scalar:
// every gradient is multiplied by min(1, maxNorm/(norm+1e-6)).
func ClipGradNorm(grads []*Node, maxNorm *Node) []*Node {
	if len(grads) == 0 {
		return grads
	}
	var sumSq *Node
	for _, grad := range grads {
		s := ReduceAllSum(Square(grad))
		if sumSq == nil {
			sumSq = s
		} else {
			sumSq = Add(sumSq, s)
		}
	}
	norm := Sqrt(sumSq)
	coef := Div(ConvertDType(maxNorm, norm.DType()), AddScalar(norm, clipEpsilon))
	coef = MinScalar(coef, 1.0)
	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, ConvertDType(coef, grad.DType()))
	}
	return clipped
}
