// Package dataset reads the SimpleQuestions entity-detection splits and turns them into padded,
// sequence-major mini-batches.
//
// Each split is a tab separated file with seven columns:
//
//	id  subject  entity  relation  object  question-text  entity-labels
//
// where the question text and the labels are white space separated and of equal length.
// A split may also be given as a Parquet file with columns "id", "text" and "ed".
package dataset

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-entitydetection/vocab"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Split file base names, as produced by the SimpleQuestions preprocessing.
const (
	TrainSplit = "train"
	DevSplit   = "valid"
	TestSplit  = "test"
)

const numColumns = 7

// Example is one question with its per-token entity labels.
type Example struct {
	ID       string
	Subject  string
	Entity   string
	Relation string
	Object   string
	Tokens   []string
	Labels   []string
}

// Splits holds the three dataset splits.
type Splits struct {
	Train, Dev, Test []Example
}

// TokenSequences returns the token sequences of the examples.
func TokenSequences(examples []Example) [][]string {
	res := make([][]string, len(examples))
	for i, ex := range examples {
		res[i] = ex.Tokens
	}
	return res
}

// LabelSequences returns the label sequences of the examples.
func LabelSequences(examples []Example) [][]string {
	res := make([][]string, len(examples))
	for i, ex := range examples {
		res[i] = ex.Labels
	}
	return res
}

// ReadSplits reads train, valid and test splits from dir.
// For each split a "<name>.parquet" file is preferred over "<name>.txt".
func ReadSplits(dir string) (*Splits, error) {
	read := func(name string) ([]Example, error) {
		parquetPath := filepath.Join(dir, name+".parquet")
		if _, err := os.Stat(parquetPath); err == nil {
			return ReadParquet(parquetPath)
		}
		return ReadTSV(filepath.Join(dir, name+".txt"))
	}
	var (
		splits Splits
		err    error
	)
	if splits.Train, err = read(TrainSplit); err != nil {
		return nil, err
	}
	if splits.Dev, err = read(DevSplit); err != nil {
		return nil, err
	}
	if splits.Test, err = read(TestSplit); err != nil {
		return nil, err
	}
	return &splits, nil
}

// ReadTSV reads a tab separated split file.
func ReadTSV(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset split %s", path)
	}
	defer f.Close()

	var examples []Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != numColumns {
			return nil, errors.Errorf("%s:%d: expected %d tab separated columns, got %d", path, lineNum, numColumns, len(fields))
		}
		ex, err := newExample(fields[0], fields[5], fields[6])
		if err != nil {
			return nil, errors.WithMessagef(err, "%s:%d", path, lineNum)
		}
		ex.Subject, ex.Entity, ex.Relation, ex.Object = fields[1], fields[2], fields[3], fields[4]
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return examples, nil
}

// ParquetRow is the row layout of a split stored as Parquet.
type ParquetRow struct {
	ID   string `parquet:"id"`
	Text string `parquet:"text"`
	ED   string `parquet:"ed"`
}

// ReadParquet reads a split stored as Parquet.
func ReadParquet(path string) ([]Example, error) {
	rows, err := parquet.ReadFile[ParquetRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read parquet split %s", path)
	}
	examples := make([]Example, 0, len(rows))
	for i, row := range rows {
		ex, err := newExample(row.ID, row.Text, row.ED)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: row %d", path, i)
		}
		examples = append(examples, ex)
	}
	return examples, nil
}

// WriteParquet stores examples as a Parquet split.
func WriteParquet(path string, examples []Example) error {
	rows := make([]ParquetRow, len(examples))
	for i, ex := range examples {
		rows[i] = ParquetRow{
			ID:   ex.ID,
			Text: strings.Join(ex.Tokens, " "),
			ED:   strings.Join(ex.Labels, " "),
		}
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return errors.Wrapf(err, "failed to write parquet split %s", path)
	}
	return nil
}

func newExample(id, text, labels string) (Example, error) {
	ex := Example{
		ID:     id,
		Tokens: vocab.Tokenize(text),
		Labels: vocab.Tokenize(labels),
	}
	if len(ex.Tokens) == 0 {
		return ex, errors.Errorf("example %q has no tokens", id)
	}
	if len(ex.Tokens) != len(ex.Labels) {
		return ex, errors.Errorf("example %q has %d tokens but %d labels", id, len(ex.Tokens), len(ex.Labels))
	}
	return ex, nil
}
