// Package config holds the training configuration: defaults, YAML files and command line flags.
package config

import (
	"flag"
	"os"
	"strings"

	"github.com/gomlx/go-entitydetection/models/tagger"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DatasetName is the only supported value of Config.Dataset.
const DatasetName = "EntityDetection"

// ErrUnsupportedDataset is returned by Validate for any dataset other than DatasetName.
var ErrUnsupportedDataset = errors.New("unsupported dataset")

// Config holds every tunable of a training run.
type Config struct {
	Seed int64 `yaml:"seed"`
	// Cuda selects the XLA CUDA backend when Backend is empty. GPU is recorded only: the
	// backend picks its own device.
	Cuda bool `yaml:"cuda"`
	GPU  int  `yaml:"gpu"`
	// Backend is the GoMLX compute backend configuration, e.g. "go" or "xla:cpu".
	Backend string `yaml:"backend"`

	BatchSize    int     `yaml:"batch_size"`
	Epochs       int     `yaml:"epochs"`
	LR           float64 `yaml:"lr"`
	WeightDecay  float64 `yaml:"weight_decay"`
	ClipGradient float64 `yaml:"clip_gradient"`
	DevEvery     int     `yaml:"dev_every"`
	LogEvery     int     `yaml:"log_every"`
	Patience     int     `yaml:"patience"`

	DataDir       string `yaml:"data_dir"`
	VectorCache   string `yaml:"vector_cache"`
	SavePath      string `yaml:"save_path"`
	SpecifyPrefix string `yaml:"specify_prefix"`
	Dataset       string `yaml:"dataset"`

	EntityDetectionMode string  `yaml:"entity_detection_mode"`
	WordsDim            int     `yaml:"words_dim"`
	HiddenSize          int     `yaml:"hidden_size"`
	RNNFCDropout        float64 `yaml:"rnn_fc_dropout"`
	TrainEmbed          bool    `yaml:"train_embed"`
	Window              int     `yaml:"window"`

	// MetricsAddr, if set, is the address where Prometheus metrics are served during training.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Seed:                3435,
		GPU:                 0,
		BatchSize:           32,
		LR:                  1e-4,
		ClipGradient:        0.6,
		DevEvery:            2000,
		LogEvery:            1000,
		Patience:            10,
		DataDir:             "data/processed_simplequestions_dataset",
		VectorCache:         "data/sq_glove300d.safetensors",
		SavePath:            "saved_checkpoints",
		SpecifyPrefix:       "id1",
		Dataset:             DatasetName,
		EntityDetectionMode: tagger.ModeRNN,
		WordsDim:            300,
		HiddenSize:          300,
		RNNFCDropout:        0.3,
		Window:              2,
	}
}

// LoadYAML overwrites the fields present in the YAML file at path.
func (c *Config) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %q", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %q", path)
	}
	return nil
}

// RegisterFlags binds the configuration fields to flags of fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed")
	fs.BoolVar(&c.Cuda, "cuda", c.Cuda, "Train on GPU with the xla:cuda backend (binaries built with -tags xla)")
	fs.IntVar(&c.GPU, "gpu", c.GPU, "GPU device index, used with -cuda")
	fs.StringVar(&c.Backend, "backend", c.Backend, "Compute backend: go, xla:cpu or xla:cuda; empty picks go, or xla:cuda with -cuda")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Mini-batch size")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "Maximum number of epochs, 0 for no limit")
	fs.Float64Var(&c.LR, "lr", c.LR, "Learning rate")
	fs.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "L2 weight decay")
	fs.Float64Var(&c.ClipGradient, "clip_gradient", c.ClipGradient, "Maximum global gradient norm")
	fs.IntVar(&c.DevEvery, "dev_every", c.DevEvery, "Validate every this many iterations")
	fs.IntVar(&c.LogEvery, "log_every", c.LogEvery, "Print a progress row every this many iterations")
	fs.IntVar(&c.Patience, "patience", c.Patience, "Epochs worth of validations without improvement before stopping")
	fs.StringVar(&c.DataDir, "data_dir", c.DataDir, "Directory with train, valid and test splits")
	fs.StringVar(&c.VectorCache, "vector_cache", c.VectorCache, "Pretrained word vector cache (safetensors)")
	fs.StringVar(&c.SavePath, "save_path", c.SavePath, "Directory where checkpoints are saved")
	fs.StringVar(&c.SpecifyPrefix, "specify_prefix", c.SpecifyPrefix, "Checkpoint file name prefix")
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "Dataset name, only "+DatasetName+" is supported")
	fs.StringVar(&c.EntityDetectionMode, "entity_detection_mode", c.EntityDetectionMode, "Tagger encoder: RNN or WINDOW")
	fs.IntVar(&c.WordsDim, "words_dim", c.WordsDim, "Word embedding dimension, must match the vector cache")
	fs.IntVar(&c.HiddenSize, "hidden_size", c.HiddenSize, "Hidden layer size")
	fs.Float64Var(&c.RNNFCDropout, "rnn_fc_dropout", c.RNNFCDropout, "Dropout before the output layer")
	fs.BoolVar(&c.TrainEmbed, "train_embed", c.TrainEmbed, "Fine-tune the word embeddings")
	fs.IntVar(&c.Window, "window", c.Window, "Neighbours on each side used by the WINDOW encoder")
	fs.StringVar(&c.MetricsAddr, "metrics_addr", c.MetricsAddr, "Serve Prometheus metrics on this address, e.g. localhost:9090")
}

// Parse builds the configuration from the defaults, an optional YAML file given with -config,
// and the command line args, in increasing order of precedence.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	c := Default()
	configPath := fs.String("config", "", "YAML configuration file; command line flags take precedence")
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *configPath == "" {
		return c, nil
	}
	if err := c.LoadYAML(*configPath); err != nil {
		return nil, err
	}
	// Re-apply the explicitly given flags over the file values.
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration before any data is loaded.
func (c *Config) Validate() error {
	if c.Dataset != DatasetName {
		return errors.Wrapf(ErrUnsupportedDataset, "%q, only %q is supported", c.Dataset, DatasetName)
	}
	switch {
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.DevEvery <= 0:
		return errors.Errorf("dev_every must be positive, got %d", c.DevEvery)
	case c.LogEvery <= 0:
		return errors.Errorf("log_every must be positive, got %d", c.LogEvery)
	case c.Patience < 0:
		return errors.Errorf("patience must be >= 0, got %d", c.Patience)
	case c.Epochs < 0:
		return errors.Errorf("epochs must be >= 0, got %d", c.Epochs)
	case c.LR <= 0:
		return errors.Errorf("lr must be positive, got %g", c.LR)
	case c.WeightDecay < 0:
		return errors.Errorf("weight_decay must be >= 0, got %g", c.WeightDecay)
	case c.ClipGradient <= 0:
		return errors.Errorf("clip_gradient must be positive, got %g", c.ClipGradient)
	case c.SpecifyPrefix == "":
		return errors.New("specify_prefix must not be empty")
	}
	return c.TaggerConfig(1, 1).Validate()
}

// BackendConfig returns the compute backend configuration to train with.
func (c *Config) BackendConfig() string {
	switch {
	case c.Backend != "":
		return c.Backend
	case c.Cuda:
		return "xla:cuda"
	}
	return "go"
}

// Mode returns the normalized encoder mode.
func (c *Config) Mode() string { return strings.ToUpper(c.EntityDetectionMode) }

// TaggerConfig returns the model architecture for the given vocabulary sizes.
func (c *Config) TaggerConfig(wordsNum, labels int) tagger.Config {
	return tagger.Config{
		Mode:       c.Mode(),
		WordsNum:   wordsNum,
		WordsDim:   c.WordsDim,
		Hidden:     c.HiddenSize,
		Labels:     labels,
		Window:     c.Window,
		Dropout:    c.RNNFCDropout,
		TrainEmbed: c.TrainEmbed,
	}
}
