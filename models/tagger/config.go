package tagger

import (
	"strings"

	"github.com/pkg/errors"
)

// Encoder modes.
const (
	// ModeRNN encodes each token with a bidirectional tanh RNN over the padded batch.
	ModeRNN = "RNN"
	// ModeWindow encodes each token from the concatenated embeddings of its neighbourhood.
	ModeWindow = "WINDOW"
)

// Config holds the architecture hyper-parameters. It is stored in checkpoints.
type Config struct {
	Mode       string  `json:"mode"`
	WordsNum   int     `json:"words_num"`
	WordsDim   int     `json:"words_dim"`
	Hidden     int     `json:"hidden_size"`
	Labels     int     `json:"labels"`
	Window     int     `json:"window"`
	Dropout    float64 `json:"dropout"`
	TrainEmbed bool    `json:"train_embed"`
}

// Validate checks the configuration is usable to build a model.
func (c Config) Validate() error {
	switch strings.ToUpper(c.Mode) {
	case ModeRNN, ModeWindow:
	default:
		return errors.Errorf("unknown tagger mode %q, valid modes are %s and %s", c.Mode, ModeRNN, ModeWindow)
	}
	if c.WordsNum <= 0 || c.WordsDim <= 0 || c.Hidden <= 0 || c.Labels <= 0 {
		return errors.Errorf("tagger dimensions must be positive: words_num=%d words_dim=%d hidden_size=%d labels=%d",
			c.WordsNum, c.WordsDim, c.Hidden, c.Labels)
	}
	if c.Window < 0 {
		return errors.Errorf("window must be >= 0, got %d", c.Window)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	return nil
}

// encoderSize is the width of the per-token encoding fed to the output head.
func (c Config) encoderSize() int {
	if strings.ToUpper(c.Mode) == ModeRNN {
		return 2 * c.Hidden
	}
	return c.Hidden
}
