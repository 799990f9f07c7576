// Package embeddings manages the pretrained word vector cache and builds the embedding matrix
// of a vocabulary from it.
//
// The cache is a safetensors file holding one F32 tensor named "vectors" with shape [V, D] and,
// in its metadata, the V tokens (newline separated) under "itos" and D under "dim".
package embeddings

import (
	"bufio"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/go-entitydetection/internal/filelock"
	"github.com/gomlx/go-entitydetection/models/safetensors"
	"github.com/gomlx/go-entitydetection/vocab"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoVectorCache is returned when the vector cache file does not exist.
var ErrNoVectorCache = errors.New("vector cache file not found")

// Names used inside the cache file.
const (
	VectorsTensor = "vectors"
	ItosKey       = "itos"
	DimKey        = "dim"
)

// RandomInitSpan bounds the uniform initialization of tokens missing from the cache.
const RandomInitSpan = 0.25

// Cache maps tokens to pretrained vectors.
type Cache struct {
	itos    []string
	stoi    map[string]int
	dim     int
	vectors []float32
}

// NewCache creates a cache from tokens and their row-major vectors. Duplicated tokens keep
// their first vector for lookups.
func NewCache(itos []string, dim int, vectors []float32) (*Cache, error) {
	if dim <= 0 {
		return nil, errors.Errorf("vector dimension must be positive, got %d", dim)
	}
	if len(vectors) != len(itos)*dim {
		return nil, errors.Errorf("%d tokens of dimension %d need %d values, got %d", len(itos), dim, len(itos)*dim, len(vectors))
	}
	c := &Cache{itos: itos, dim: dim, vectors: vectors, stoi: make(map[string]int, len(itos))}
	for i, tok := range itos {
		if _, found := c.stoi[tok]; !found {
			c.stoi[tok] = i
		}
	}
	return c, nil
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int { return len(c.itos) }

// Dim returns the vector dimension.
func (c *Cache) Dim() int { return c.dim }

// Vector returns the vector of token, if present.
func (c *Cache) Vector(token string) ([]float32, bool) {
	i, found := c.stoi[token]
	if !found {
		return nil, false
	}
	return c.vectors[i*c.dim : (i+1)*c.dim], true
}

// Tensor returns the vectors as a [V, D] Float32 tensor.
func (c *Cache) Tensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(c.vectors, len(c.itos), c.dim)
}

// ReadCache loads a vector cache. It returns an error wrapping ErrNoVectorCache if the file
// does not exist.
func ReadCache(path string) (*Cache, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNoVectorCache, "%q", path)
		}
		return nil, errors.Wrapf(err, "failed to stat vector cache %q", path)
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "while opening vector cache")
	}
	itosValue, err := f.MetadataValue(ItosKey)
	if err != nil {
		return nil, err
	}
	dimValue, err := f.MetadataValue(DimKey)
	if err != nil {
		return nil, err
	}
	dim, err := strconv.Atoi(dimValue)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %q metadata in %q", DimKey, path)
	}
	var itos []string
	if itosValue != "" {
		itos = strings.Split(itosValue, "\n")
	}

	meta, err := f.GetTensorMetadata(VectorsTensor)
	if err != nil {
		return nil, err
	}
	if meta.Dtype != "F32" {
		return nil, errors.Errorf("vector cache %q: tensor %q has dtype %s, expected F32", path, VectorsTensor, meta.Dtype)
	}
	if len(meta.Shape) != 2 || meta.Shape[0] != len(itos) || meta.Shape[1] != dim {
		return nil, errors.Errorf("vector cache %q: tensor shape %v does not match %d tokens of dimension %d",
			path, meta.Shape, len(itos), dim)
	}
	tn, err := f.GetTensor(VectorsTensor)
	if err != nil {
		return nil, err
	}
	vectors, err := safetensors.Float32s(tn.Tensor)
	_ = tn.Tensor.FinalizeAll()
	if err != nil {
		return nil, errors.WithMessagef(err, "vector cache %q", path)
	}
	return NewCache(itos, dim, vectors)
}

// Write stores the cache at path. Concurrent writers are serialized and the file appears
// atomically.
func (c *Cache) Write(path string) error {
	for _, tok := range c.itos {
		if strings.ContainsRune(tok, '\n') {
			return errors.Errorf("token %q contains a newline and cannot be stored", tok)
		}
	}
	metadata := map[string]string{
		ItosKey: strings.Join(c.itos, "\n"),
		DimKey:  strconv.Itoa(c.dim),
	}
	tensorsAndNames := []safetensors.TensorAndName{{Name: VectorsTensor, Tensor: c.Tensor()}}
	return filelock.WriteFile(path, func(tmpPath string) error {
		return safetensors.WriteFile(tmpPath, tensorsAndNames, metadata)
	})
}

// ImportGloVe parses vectors in the GloVe text format: one token per line followed by its
// space separated values. A leading "count dim" header line (word2vec text format) is skipped.
func ImportGloVe(r io.Reader) (*Cache, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<26)
	var (
		itos    []string
		vectors []float32
		dim     int
	)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), " \r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, " ")
		if lineNum == 1 && len(fields) == 2 {
			if _, err := strconv.Atoi(fields[0]); err == nil {
				continue
			}
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("line %d: expected a token followed by its vector", lineNum)
		}
		if dim == 0 {
			dim = len(fields) - 1
		} else if len(fields)-1 != dim {
			return nil, errors.Errorf("line %d: token %q has %d values, expected %d", lineNum, fields[0], len(fields)-1, dim)
		}
		for _, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: token %q", lineNum, fields[0])
			}
			vectors = append(vectors, float32(v))
		}
		itos = append(itos, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading vectors")
	}
	if len(itos) == 0 {
		return nil, errors.New("no vectors found")
	}
	return NewCache(itos, dim, vectors)
}

// BuildCache converts the GloVe text file at glovePath into a vector cache at cachePath.
// If cachePath already exists it is left untouched, unless force is set.
func BuildCache(glovePath, cachePath string, force bool) (*Cache, error) {
	if !force {
		if _, err := os.Stat(cachePath); err == nil {
			klog.V(1).Infof("vector cache %q already exists", cachePath)
			return ReadCache(cachePath)
		}
	}
	f, err := os.Open(glovePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vectors file %q", glovePath)
	}
	defer func() { _ = f.Close() }()
	cache, err := ImportGloVe(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while importing %q", glovePath)
	}
	if err := cache.Write(cachePath); err != nil {
		return nil, err
	}
	klog.Infof("Wrote %d vectors of dimension %d to %q", cache.Len(), cache.Dim(), cachePath)
	return cache, nil
}

// Matrix is a row-major embedding matrix, one row per vocabulary entry.
type Matrix struct {
	Rows, Dim int
	Data      []float32
}

// Row returns a view of row i.
func (m *Matrix) Row(i int) []float32 { return m.Data[i*m.Dim : (i+1)*m.Dim] }

// Attach builds the embedding matrix of v: row i is the cached vector of token i when present,
// otherwise each coordinate is drawn uniformly from [-RandomInitSpan, RandomInitSpan].
// It returns the matrix and the number of tokens found in the cache.
func Attach(v *vocab.Vocab, cache *Cache, rng *rand.Rand) (*Matrix, int) {
	m := &Matrix{Rows: v.Len(), Dim: cache.Dim(), Data: make([]float32, v.Len()*cache.Dim())}
	matched := 0
	for i, tok := range v.Itos() {
		row := m.Row(i)
		if vec, found := cache.Vector(tok); found {
			copy(row, vec)
			matched++
			continue
		}
		for j := range row {
			row[j] = float32((2*rng.Float64() - 1) * RandomInitSpan)
		}
	}
	klog.Infof("Embedding match number %d out of %d", matched, v.Len())
	return m, matched
}
