package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// maxHeaderSize is a sanity check on the header length prefix.
const maxHeaderSize = 100 * 1024 * 1024

// Open parses the header of the .safetensors file at path.
// Tensor data is only read on demand, see File.NewMMapReader and File.IterTensors.
func Open(path string) (*File, error) {
	header, dataOffset, err := parseHeader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse header for %s", path)
	}
	return &File{Path: path, Header: header, dataOffset: dataOffset}, nil
}

// parseHeader reads and parses the header from a safetensors file.
// Safetensor format:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: tensor data]
func parseHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > maxHeaderSize {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header JSON")
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}

	header := &Header{
		Tensors:  make(map[string]*TensorMetadata),
		Metadata: make(map[string]string),
	}
	for key, value := range rawHeader {
		if key == metadataKey {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		tm.Name = key
		header.Tensors[key] = &tm
	}

	// Data offset is after the 8-byte size + header
	return header, int64(8 + headerSize), nil
}

// GetTensor reads a single tensor by name.
func (f *File) GetTensor(tensorName string) (*TensorAndName, error) {
	reader, err := f.NewMMapReader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	tensor, err := reader.ReadTensor(tensorName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor %s from %s", tensorName, f.Path)
	}
	return &TensorAndName{Name: tensorName, Tensor: tensor}, nil
}

// IterTensors returns an iterator over all tensors as GoMLX tensors.
// It opens one mmap and reads the tensors in file-offset order.
func (f *File) IterTensors() func(yield func(TensorAndName, error) bool) {
	return func(yield func(TensorAndName, error) bool) {
		reader, err := f.NewMMapReader()
		if err != nil {
			yield(TensorAndName{}, err)
			return
		}
		defer reader.Close()

		for _, tensorName := range sortTensorsByOffset(f.Header) {
			tensor, err := reader.ReadTensor(tensorName)
			if err != nil {
				yield(TensorAndName{}, err)
				return
			}
			if !yield(TensorAndName{Name: tensorName, Tensor: tensor}, nil) {
				return
			}
		}
	}
}

// sortTensorsByOffset returns the tensor names sorted by their file offset for sequential reading.
func sortTensorsByOffset(header *Header) []string {
	names := make([]string, 0, len(header.Tensors))
	for name := range header.Tensors {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		offA, offB := header.Tensors[a].DataOffsets[0], header.Tensors[b].DataOffsets[0]
		switch {
		case offA < offB:
			return -1
		case offA > offB:
			return 1
		}
		return strings.Compare(a, b)
	})
	return names
}

var safetensorToDType = map[string]dtypes.DType{
	"F64":  dtypes.Float64,
	"F32":  dtypes.Float32,
	"I64":  dtypes.Int64,
	"I32":  dtypes.Int32,
	"I16":  dtypes.Int16,
	"I8":   dtypes.Int8,
	"U64":  dtypes.Uint64,
	"U32":  dtypes.Uint32,
	"U16":  dtypes.Uint16,
	"U8":   dtypes.Uint8,
	"BOOL": dtypes.Bool,
}

func dtypeToGoMLX(stDtype string) (dtypes.DType, error) {
	if dtype, found := safetensorToDType[strings.ToUpper(stDtype)]; found {
		return dtype, nil
	}
	dtype, found := dtypes.MapOfNames[strings.ToLower(stDtype)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("dtype %q not supported", stDtype)
	}
	return dtype, nil
}

func dtypeFromGoMLX(dtype dtypes.DType) (string, error) {
	for name, candidate := range safetensorToDType {
		if candidate == dtype {
			return name, nil
		}
	}
	return "", errors.Errorf("dtype %s cannot be written to safetensors", dtype)
}
