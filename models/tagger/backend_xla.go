//go:build xla

package tagger

// Registers the XLA backend, for "xla:cpu" and "xla:cuda".
import _ "github.com/gomlx/go-xla/compute/xla"
