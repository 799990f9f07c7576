package safetensors

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FromFloat32s creates a Float32 tensor with the given dimensions.
func FromFloat32s(data []float32, dims ...int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// Float32s copies the contents of a Float32 tensor.
func Float32s(t *tensors.Tensor) ([]float32, error) {
	if dtype := t.Shape().DType; dtype != dtypes.Float32 {
		return nil, errors.Errorf("tensor dtype is %s, expected %s", dtype, dtypes.Float32)
	}
	return tensors.CopyFlatData[float32](t)
}
