// train fits an entity-detection tagger on the SimpleQuestions entity detection splits and keeps
// the checkpoint with the best dev F1.
//
//	train -data_dir data/processed_simplequestions_dataset -vector_cache data/sq_glove300d.safetensors -entity_detection_mode RNN
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"

	"github.com/gomlx/go-entitydetection/checkpoint"
	"github.com/gomlx/go-entitydetection/config"
	"github.com/gomlx/go-entitydetection/dataset"
	"github.com/gomlx/go-entitydetection/embeddings"
	"github.com/gomlx/go-entitydetection/metrics"
	"github.com/gomlx/go-entitydetection/models/tagger"
	"github.com/gomlx/go-entitydetection/train"
	"github.com/gomlx/go-entitydetection/vocab"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Exitf("%+v", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	session, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Warningf("Training interrupted at epoch %d, iteration %d: best dev F1 %g", session.Epoch, session.Iterations, session.BestF1)
			return
		}
		klog.Exitf("%+v", err)
	}
}

// run trains with cfg, writing the console report to out. The returned session is non-nil
// once training started, even on error.
func run(ctx context.Context, cfg *config.Config, out io.Writer) (*train.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := tagger.NewBackend(cfg.BackendConfig())
	if err != nil {
		return nil, err
	}
	klog.Infof("Training on backend %q", backend.Name())
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)))

	splits, err := dataset.ReadSplits(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	text := vocab.Build(true, dataset.TokenSequences(splits.Train), dataset.TokenSequences(splits.Dev), dataset.TokenSequences(splits.Test))
	labels := vocab.Build(false, dataset.LabelSequences(splits.Train), dataset.LabelSequences(splits.Dev), dataset.LabelSequences(splits.Test))

	cache, err := embeddings.ReadCache(cfg.VectorCache)
	if err != nil {
		return nil, errors.WithMessage(err, "need a word vector cache, see cmd/vectorcache")
	}
	if cache.Dim() != cfg.WordsDim {
		return nil, errors.Errorf("vector cache %q has dimension %d, but words_dim is %d", cfg.VectorCache, cache.Dim(), cfg.WordsDim)
	}
	matrix, _ := embeddings.Attach(text, cache, rng)

	_, _ = fmt.Fprintln(out, "VOCAB num", text.Len())
	_, _ = fmt.Fprintln(out, "Train instance", len(splits.Train))
	_, _ = fmt.Fprintln(out, "Dev instance", len(splits.Dev))
	_, _ = fmt.Fprintln(out, "Test instance", len(splits.Test))
	_, _ = fmt.Fprintln(out, "Entity Type", labels.Len())

	model, err := tagger.New(backend, cfg.TaggerConfig(text.Len(), labels.Len()), rng)
	if err != nil {
		return nil, err
	}
	if err := model.SetParam(tagger.EmbedWeight, matrix.Data); err != nil {
		return nil, err
	}
	optimizer, err := tagger.NewAdam(cfg.LR, cfg.WeightDecay)
	if err != nil {
		return nil, err
	}
	if err := model.SetOptimizer(optimizer); err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		for _, name := range model.ParamNames() {
			p, err := model.Param(name)
			if err != nil {
				return nil, err
			}
			klog.Infof("parameter %s %v trainable=%v", p.Name, p.Shape, p.Trainable)
		}
	}

	trainIter := dataset.NewIterator(splits.Train, text, labels, cfg.BatchSize, true, rng)
	devIter := dataset.NewIterator(splits.Dev, text, labels, cfg.BatchSize, false, nil)
	savePath := checkpoint.Path(cfg.SavePath, cfg.Mode(), cfg.SpecifyPrefix)
	saver := train.CheckpointerFunc(func(s *train.Session) error {
		return checkpoint.Save(savePath, model, text, labels, checkpoint.Metadata{
			RunID:     s.RunID,
			Epoch:     s.Epoch,
			Iteration: s.Iterations,
			Precision: s.BestPrecision,
			Recall:    s.BestRecall,
			F1:        s.BestF1,
		})
	})
	trainer, err := train.New(model, trainIter, devIter, labels.Itos(), saver,
		train.Options{
			DevEvery:     cfg.DevEvery,
			LogEvery:     cfg.LogEvery,
			ClipGradient: cfg.ClipGradient,
			Epochs:       cfg.Epochs,
		}, out)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		trainer.Metrics = metrics.New()
		go func() {
			if err := trainer.Metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				klog.Errorf("%+v", err)
			}
		}()
	}

	patience := train.Patience(cfg.Patience, len(splits.Train), cfg.BatchSize, cfg.DevEvery)
	session := train.NewSession(uuid.NewString(), patience)
	klog.Infof("Run %s: patience %d validations, checkpoints in %q", session.RunID, patience, savePath)
	return trainer.Run(ctx, session)
}
