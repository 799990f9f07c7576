// Package checkpoint saves and restores a trained tagger together with the vocabularies needed
// to use it, as a single safetensors file.
package checkpoint

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/go-entitydetection/internal/filelock"
	"github.com/gomlx/go-entitydetection/models/safetensors"
	"github.com/gomlx/go-entitydetection/models/tagger"
	"github.com/gomlx/go-entitydetection/vocab"
	"github.com/pkg/errors"
)

// FileSuffix is appended to the checkpoint prefix to name the best model file.
const FileSuffix = "_best_model.safetensors"

// Metadata keys.
const (
	keyConfig    = "config"
	keyTextItos  = "text_itos"
	keyTextLower = "text_lower"
	keyLabelItos = "label_itos"
	keyRunID     = "run_id"
	keyEpoch     = "epoch"
	keyIteration = "iteration"
	keyPrecision = "best_precision"
	keyRecall    = "best_recall"
	keyF1        = "best_f1"
	keyCreated   = "created"
)

// Path returns where the best model of a run is stored: <savePath>/<lower(mode)>/<prefix>_best_model.safetensors.
func Path(savePath, mode, prefix string) string {
	return filepath.Join(savePath, strings.ToLower(mode), prefix+FileSuffix)
}

// Metadata describes the training run at the time of the checkpoint.
type Metadata struct {
	RunID     string
	Epoch     int
	Iteration int
	Precision float64
	Recall    float64
	F1        float64
	Created   time.Time
}

// Checkpoint is a restored model with its vocabularies.
type Checkpoint struct {
	Model    *tagger.Model
	Text     *vocab.Vocab
	Labels   *vocab.Vocab
	Metadata Metadata
}

// Save writes model, vocabularies and metadata to path, replacing any previous checkpoint.
// The directory is created if needed.
func Save(path string, model *tagger.Model, text, labels *vocab.Vocab, meta Metadata) error {
	cfgJSON, err := json.Marshal(model.Config())
	if err != nil {
		return errors.Wrap(err, "failed to serialize model config")
	}
	if meta.Created.IsZero() {
		meta.Created = time.Now()
	}
	metadata := map[string]string{
		keyConfig:    string(cfgJSON),
		keyTextItos:  strings.Join(text.Itos(), "\n"),
		keyTextLower: strconv.FormatBool(text.Lower()),
		keyLabelItos: strings.Join(labels.Itos(), "\n"),
		keyRunID:     meta.RunID,
		keyEpoch:     strconv.Itoa(meta.Epoch),
		keyIteration: strconv.Itoa(meta.Iteration),
		keyPrecision: strconv.FormatFloat(meta.Precision, 'g', -1, 64),
		keyRecall:    strconv.FormatFloat(meta.Recall, 'g', -1, 64),
		keyF1:        strconv.FormatFloat(meta.F1, 'g', -1, 64),
		keyCreated:   meta.Created.UTC().Format(time.RFC3339Nano),
	}
	names := model.ParamNames()
	tensorsAndNames := make([]safetensors.TensorAndName, 0, len(names))
	for _, name := range names {
		p, err := model.Param(name)
		if err != nil {
			return err
		}
		tensorsAndNames = append(tensorsAndNames, safetensors.TensorAndName{
			Name:   p.Name,
			Tensor: safetensors.FromFloat32s(p.Data, p.Shape...),
		})
	}
	return filelock.WriteFile(path, func(tmpPath string) error {
		return safetensors.WriteFile(tmpPath, tensorsAndNames, metadata)
	})
}

// Load restores a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %q", path)
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "while opening checkpoint")
	}
	values := make(map[string]string)
	for _, key := range []string{keyConfig, keyTextItos, keyTextLower, keyLabelItos, keyEpoch, keyIteration, keyPrecision, keyRecall, keyF1} {
		value, err := f.MetadataValue(key)
		if err != nil {
			return nil, err
		}
		values[key] = value
	}

	var cfg tagger.Config
	if err := json.Unmarshal([]byte(values[keyConfig]), &cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid model config in %q", path)
	}
	lower, err := strconv.ParseBool(values[keyTextLower])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %q in %q", keyTextLower, path)
	}
	text, err := vocab.FromItos(strings.Split(values[keyTextItos], "\n"), lower)
	if err != nil {
		return nil, errors.WithMessagef(err, "text vocabulary of %q", path)
	}
	labels, err := vocab.FromItos(strings.Split(values[keyLabelItos], "\n"), false)
	if err != nil {
		return nil, errors.WithMessagef(err, "label vocabulary of %q", path)
	}
	if text.Len() != cfg.WordsNum || labels.Len() != cfg.Labels {
		return nil, errors.Errorf("checkpoint %q: vocabulary sizes %d/%d do not match model config %d/%d",
			path, text.Len(), labels.Len(), cfg.WordsNum, cfg.Labels)
	}

	cp := &Checkpoint{Text: text, Labels: labels}
	cp.Metadata.RunID = f.Header.Metadata[keyRunID]
	if cp.Metadata.Epoch, err = strconv.Atoi(values[keyEpoch]); err != nil {
		return nil, errors.Wrapf(err, "invalid %q in %q", keyEpoch, path)
	}
	if cp.Metadata.Iteration, err = strconv.Atoi(values[keyIteration]); err != nil {
		return nil, errors.Wrapf(err, "invalid %q in %q", keyIteration, path)
	}
	for key, dst := range map[string]*float64{keyPrecision: &cp.Metadata.Precision, keyRecall: &cp.Metadata.Recall, keyF1: &cp.Metadata.F1} {
		if *dst, err = strconv.ParseFloat(values[key], 64); err != nil {
			return nil, errors.Wrapf(err, "invalid %q in %q", key, path)
		}
	}
	if created, ok := f.Header.Metadata[keyCreated]; ok {
		if cp.Metadata.Created, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, errors.Wrapf(err, "invalid %q in %q", keyCreated, path)
		}
	}

	// The seed only matters for dropout, which is off outside training.
	cp.Model, err = tagger.New(nil, cfg, rand.New(rand.NewPCG(0, 0)))
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	if err := checkTensors(f, cp.Model); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	for tn, err := range f.IterTensors() {
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q", path)
		}
		data, err := safetensors.Float32s(tn.Tensor)
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", tn.Name)
		}
		if err := cp.Model.SetParam(tn.Name, data); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// checkTensors verifies that the file holds exactly the model parameters, with matching sizes.
func checkTensors(f *safetensors.File, model *tagger.Model) error {
	want := model.ParamNames()
	slices.Sort(want)
	if got := f.ListTensorNames(); !slices.Equal(got, want) {
		return errors.Errorf("tensors %q do not match the model parameters %q", got, want)
	}
	for _, name := range want {
		meta, err := f.GetTensorMetadata(name)
		if err != nil {
			return err
		}
		p, err := model.Param(name)
		if err != nil {
			return err
		}
		if meta.NumElements() != int64(len(p.Data)) || !slices.Equal(meta.Shape, p.Shape) {
			return errors.Errorf("tensor %q has shape %v, model expects %v", name, meta.Shape, p.Shape)
		}
	}
	return nil
}
