// evaluate scores a saved tagger on one split of the dataset.
//
//	evaluate -checkpoint saved_checkpoints/rnn/id1_best_model.safetensors -split test
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/go-entitydetection/checkpoint"
	"github.com/gomlx/go-entitydetection/dataset"
	"github.com/gomlx/go-entitydetection/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type options struct {
	checkpoint  string
	dataDir     string
	split       string
	batchSize   int
	predictions string
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	var opts options
	flag.StringVar(&opts.checkpoint, "checkpoint", "", "Checkpoint written by train")
	flag.StringVar(&opts.dataDir, "data_dir", "data/processed_simplequestions_dataset", "Directory with the dataset splits")
	flag.StringVar(&opts.split, "split", dataset.DevSplit, "Split to evaluate: train, valid or test")
	flag.IntVar(&opts.batchSize, "batch_size", 32, "Evaluation batch size")
	flag.StringVar(&opts.predictions, "predictions", "", "If set, write the predicted labels to this Parquet file")
	flag.Parse()
	if opts.checkpoint == "" {
		klog.Exitf("Required flag: -checkpoint. See -help.")
	}
	if err := run(opts, os.Stdout); err != nil {
		klog.Exitf("%+v", err)
	}
}

func run(opts options, out io.Writer) error {
	if opts.batchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", opts.batchSize)
	}
	cp, err := checkpoint.Load(opts.checkpoint)
	if err != nil {
		return err
	}
	klog.Infof("Loaded run %s: epoch %d, iteration %d, dev F1 %g", cp.Metadata.RunID, cp.Metadata.Epoch, cp.Metadata.Iteration, cp.Metadata.F1)

	var examples []dataset.Example
	parquetPath := filepath.Join(opts.dataDir, opts.split+".parquet")
	if _, statErr := os.Stat(parquetPath); statErr == nil {
		examples, err = dataset.ReadParquet(parquetPath)
	} else {
		examples, err = dataset.ReadTSV(filepath.Join(opts.dataDir, opts.split+".txt"))
	}
	if err != nil {
		return err
	}

	it := dataset.NewIterator(examples, cp.Text, cp.Labels, opts.batchSize, false, nil)
	v, predictedIDs, err := train.EvaluateWithPredictions(cp.Model, it, cp.Labels.Itos())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s Precision: %10.6f%% Recall: %10.6f%% F1 Score: %10.6f%%\n",
		opts.split, 100*v.Precision, 100*v.Recall, 100*v.F1)
	_, _ = fmt.Fprintf(out, "Exact match: %d out of %d\n", v.NCorrect, v.NTotal)

	if opts.predictions == "" {
		return nil
	}
	predicted := make([]dataset.Example, len(examples))
	for i, ex := range examples {
		ids := predictedIDs[i]
		predicted[i] = ex
		predicted[i].Labels = make([]string, len(ids))
		for j, id := range ids {
			predicted[i].Labels[j] = cp.Labels.Token(id)
		}
	}
	if err := dataset.WriteParquet(opts.predictions, predicted); err != nil {
		return err
	}
	klog.Infof("Wrote %d predictions to %q", len(predicted), opts.predictions)
	return nil
}
