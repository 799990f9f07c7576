package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-entitydetection/models/tagger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Dataset = "SimpleQuestions"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedDataset))

	for name, mutate := range map[string]func(c *Config){
		"batch_size":    func(c *Config) { c.BatchSize = 0 },
		"dev_every":     func(c *Config) { c.DevEvery = 0 },
		"log_every":     func(c *Config) { c.LogEvery = -1 },
		"patience":      func(c *Config) { c.Patience = -1 },
		"lr":            func(c *Config) { c.LR = 0 },
		"clip_gradient": func(c *Config) { c.ClipGradient = 0 },
		"mode":          func(c *Config) { c.EntityDetectionMode = "GRU" },
		"dropout":       func(c *Config) { c.RNNFCDropout = 1.5 },
	} {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestParse(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
batch_size: 8
lr: 0.01
entity_detection_mode: window
patience: 3
`), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := Parse(fs, []string{"-config", yamlPath, "-patience", "7", "-train_embed"})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 0.01, cfg.LR)
	assert.Equal(t, 7, cfg.Patience)
	assert.True(t, cfg.TrainEmbed)
	assert.Equal(t, tagger.ModeWindow, cfg.Mode())
	assert.Equal(t, 2000, cfg.DevEvery)
	require.NoError(t, cfg.Validate())

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err = Parse(fs, []string{"-dev_every", "5"})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.DevEvery)
	assert.Equal(t, 32, cfg.BatchSize)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	_, err = Parse(fs, []string{"-config", filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
}

func TestTaggerConfig(t *testing.T) {
	cfg := Default()
	tc := cfg.TaggerConfig(100, 5)
	assert.Equal(t, tagger.Config{
		Mode: tagger.ModeRNN, WordsNum: 100, WordsDim: 300, Hidden: 300, Labels: 5, Window: 2, Dropout: 0.3,
	}, tc)
}

func TestBackendConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "go", cfg.BackendConfig())
	cfg.Cuda = true
	assert.Equal(t, "xla:cuda", cfg.BackendConfig())
	cfg.Backend = "xla:cpu"
	assert.Equal(t, "xla:cpu", cfg.BackendConfig())
}
