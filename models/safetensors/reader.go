package safetensors

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MMapReader provides streaming access to tensor data via io.ReaderAt.
type MMapReader struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	Header     *Header
}

// NewMMapReader memory-maps the file for reading tensors.
func (f *File) NewMMapReader() (*MMapReader, error) {
	reader, err := mmap.Open(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", f.Path)
	}
	return &MMapReader{
		reader:     reader,
		dataOffset: f.dataOffset,
		Header:     f.Header,
	}, nil
}

// Close closes the underlying memory-mapped file.
func (mr *MMapReader) Close() error {
	return mr.reader.Close()
}

// ReadTensor reads a tensor by name from the memory-mapped file.
func (mr *MMapReader) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	meta, ok := mr.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found", tensorName)
	}

	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, err
	}

	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))
	tensorOffset := mr.dataOffset + meta.DataOffsets[0]
	var readErr error
	t.MutableBytes(func(data []byte) {
		expectedBytes := meta.DataOffsets[1] - meta.DataOffsets[0]
		if int64(len(data)) != expectedBytes {
			readErr = errors.Errorf("tensor shape %s expected %d bytes, but header has %d bytes", t.Shape(), len(data), expectedBytes)
			return
		}
		n, err := mr.reader.ReadAt(data, tensorOffset)
		if n != len(data) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			readErr = errors.Wrapf(err, "failed to read tensor %s: got %d of %d bytes", tensorName, n, len(data))
		}
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}
