package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
)

// metadataKey is the reserved header entry holding free-form string metadata.
const metadataKey = "__metadata__"

// headerAlignment pads the JSON header so the data section starts 8-byte aligned.
const headerAlignment = 8

// Write serializes the tensors, in the given order, and the metadata in safetensors format.
func Write(w io.Writer, tensorsAndNames []TensorAndName, metadata map[string]string) error {
	header := make(map[string]any, len(tensorsAndNames)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	payloads := make([][]byte, len(tensorsAndNames))
	var offset int64
	for i, tn := range tensorsAndNames {
		if tn.Tensor == nil {
			return errors.Errorf("tensor %q is nil", tn.Name)
		}
		if _, found := header[tn.Name]; found {
			return errors.Errorf("tensor %q given more than once", tn.Name)
		}
		shape := tn.Tensor.Shape()
		dtypeName, err := dtypeFromGoMLX(shape.DType)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", tn.Name)
		}
		tn.Tensor.MutableBytes(func(data []byte) {
			payloads[i] = bytes.Clone(data)
		})
		end := offset + int64(len(payloads[i]))
		dims := shape.Dimensions
		if dims == nil {
			dims = []int{}
		}
		header[tn.Name] = &TensorMetadata{
			Dtype:       dtypeName,
			Shape:       dims,
			DataOffsets: [2]int64{offset, end},
		}
		offset = end
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode header JSON")
	}
	if rem := len(headerBytes) % headerAlignment; rem != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, headerAlignment-rem)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header JSON")
	}
	for i, payload := range payloads {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrapf(err, "failed to write tensor %s", tensorsAndNames[i].Name)
		}
	}
	return nil
}

// WriteFile creates (or truncates) the file at path and writes the tensors to it.
// Callers that need the file to appear atomically should write to a temporary
// path and rename it, see the checkpoint package.
func WriteFile(path string, tensorsAndNames []TensorAndName, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	buf := bufio.NewWriter(f)
	if err := Write(buf, tensorsAndNames, metadata); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "while writing %s", path)
	}
	if err := buf.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to flush %s", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", path)
	}
	return nil
}
