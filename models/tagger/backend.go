package tagger

import (
	"github.com/gomlx/compute"
	"github.com/gomlx/compute/gobackend"
	"github.com/pkg/errors"
)

// NewBackend returns the compute backend for config, formatted as "<backend>[:<options>]".
// An empty config or "go" selects the pure Go backend, shared by all models. Accelerators
// (e.g. "xla:cuda") are only available in binaries built with the xla tag.
func NewBackend(config string) (compute.Backend, error) {
	if config == "" || config == gobackend.BackendName {
		return gobackend.GetBackend(), nil
	}
	backend, err := compute.NewWithConfig(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q", config)
	}
	return backend, nil
}
