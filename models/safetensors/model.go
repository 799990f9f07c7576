// Package safetensors reads and writes ".safetensors" files: the checkpoint format for trained taggers
// and the storage format of the pretrained word-vector cache.
//
// Example:
//
//	f, err := safetensors.Open(path)
//	if err != nil {
//		panic(err)
//	}
//	for tensorAndName, err := range f.IterTensors() {
//		if err != nil {
//			panic(err)
//		}
//		fmt.Printf("- Tensor %s: shape=%s\n", tensorAndName.Name, tensorAndName.Tensor.Shape())
//	}
package safetensors

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// File is a parsed .safetensors file: its path, header and the offset where tensor data starts.
type File struct {
	Path       string
	Header     *Header
	dataOffset int64
}

// Header represents the JSON header of a safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata // Tensor name -> metadata
	Metadata map[string]string          // Optional __metadata__ field
}

// TensorMetadata represents metadata for a single tensor in a safetensors file.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, F64, I32, I64, etc.
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end] byte offsets, relative to the data section
}

// NumElements returns the number of elements described by the shape.
func (tm *TensorMetadata) NumElements() int64 {
	n := int64(1)
	for _, d := range tm.Shape {
		n *= int64(d)
	}
	return n
}

// TensorAndName holds a tensor name and its GoMLX tensor data.
type TensorAndName struct {
	Name   string
	Tensor *tensors.Tensor
}

// ListTensorNames returns all tensor names in the file, sorted.
func (f *File) ListTensorNames() []string {
	names := make([]string, 0, len(f.Header.Tensors))
	for name := range f.Header.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetTensorMetadata returns metadata for a specific tensor without loading data.
func (f *File) GetTensorMetadata(tensorName string) (*TensorMetadata, error) {
	meta, ok := f.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found in %s", tensorName, f.Path)
	}
	return meta, nil
}

// MetadataValue returns the value stored under key in the __metadata__ section.
func (f *File) MetadataValue(key string) (string, error) {
	value, ok := f.Header.Metadata[key]
	if !ok {
		return "", errors.Errorf("metadata key %q not found in %s", key, f.Path)
	}
	return value, nil
}
