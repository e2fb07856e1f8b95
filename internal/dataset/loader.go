package dataset

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

// ShardSource provides local parquet files for a dataset split.
type ShardSource interface {
	ParquetFiles(ctx context.Context, repo, config, split string) ([]string, error)
}

// Pairs holds the acceptable and unacceptable sentences of a CoLA split.
type Pairs struct {
	Good []string
	Bad  []string
}

type Loader struct {
	Shards ShardSource
	// Limit caps each returned list; 0 keeps everything.
	Limit int
}

func NewLoader(shards ShardSource, limit int) *Loader {
	return &Loader{Shards: shards, Limit: limit}
}

// CoLA loads a labelled acceptability split. Rows labelled 1 are good, rows
// labelled 0 are bad; any other label is skipped.
func (l *Loader) CoLA(ctx context.Context, src Source) (Pairs, error) {
	var p Pairs
	err := l.each(ctx, src, []string{src.TextColumn}, src.LabelColumn, func(text []string, label int64) {
		switch label {
		case 1:
			p.Good = append(p.Good, text[0])
		case 0:
			p.Bad = append(p.Bad, text[0])
		}
	})
	if err != nil {
		return Pairs{}, err
	}
	p.Good, p.Bad = l.cap(p.Good), l.cap(p.Bad)
	logger.Log.Info("CoLA split loaded", "lang", src.Lang, "repo", src.Repo, "good", len(p.Good), "bad", len(p.Bad))
	return p, nil
}

// Calame loads continuation sentences as "<sentence> <last_word>".
func (l *Loader) Calame(ctx context.Context, src Source) ([]string, error) {
	var out []string
	err := l.each(ctx, src, []string{src.TextColumn, src.SuffixColumn}, "", func(text []string, _ int64) {
		out = append(out, text[0]+" "+text[1])
	})
	if err != nil {
		return nil, err
	}
	out = l.cap(out)
	logger.Log.Info("Calame split loaded", "lang", src.Lang, "repo", src.Repo, "examples", len(out))
	return out, nil
}

func (l *Loader) cap(s []string) []string {
	if l.Limit > 0 && len(s) > l.Limit {
		return s[:l.Limit]
	}
	return s
}

func (l *Loader) each(ctx context.Context, src Source, textCols []string, labelCol string, fn func([]string, int64)) error {
	files, err := l.Shards.ParquetFiles(ctx, src.Repo, src.Config, src.Split)
	if err != nil {
		return err
	}
	for _, path := range files {
		cols, labels, err := ReadColumns(ctx, path, textCols, labelCol)
		if err != nil {
			return err
		}
		row := make([]string, len(textCols))
		for i := range cols[0] {
			for c := range cols {
				row[c] = cols[c][i]
			}
			var label int64
			if labels != nil {
				label = labels[i]
			}
			fn(row, label)
		}
	}
	return nil
}

// ReadColumns reads string columns and an optional integer label column
// from a parquet file. Null strings read as "", null labels as -1.
func ReadColumns(ctx context.Context, path string, textCols []string, labelCol string) ([][]string, []int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(memory.DefaultAllocator),
		pqarrow.ArrowReadProperties{BatchSize: 4096}, memory.DefaultAllocator)
	if err != nil {
		return nil, nil, fmt.Errorf("reading parquet %s: %w", path, err)
	}
	defer tbl.Release()

	cols := make([][]string, len(textCols))
	for i, name := range textCols {
		chunks, err := column(tbl, name)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		if cols[i], err = stringValues(chunks); err != nil {
			return nil, nil, fmt.Errorf("%s: column %q: %w", path, name, err)
		}
	}

	var labels []int64
	if labelCol != "" {
		chunks, err := column(tbl, labelCol)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		if labels, err = intValues(chunks); err != nil {
			return nil, nil, fmt.Errorf("%s: column %q: %w", path, labelCol, err)
		}
	}
	return cols, labels, nil
}

func column(tbl arrow.Table, name string) ([]arrow.Array, error) {
	idx := tbl.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	return tbl.Column(idx[0]).Data().Chunks(), nil
}

type stringArray interface {
	arrow.Array
	Value(int) string
}

func stringValues(chunks []arrow.Array) ([]string, error) {
	var out []string
	for _, chunk := range chunks {
		arr, ok := chunk.(stringArray)
		if !ok {
			return nil, fmt.Errorf("expected a string column, got %s", chunk.DataType())
		}
		for i := 0; i < arr.Len(); i++ {
			if arr.IsNull(i) {
				out = append(out, "")
				continue
			}
			out = append(out, arr.Value(i))
		}
	}
	return out, nil
}

func intValues(chunks []arrow.Array) ([]int64, error) {
	var out []int64
	for _, chunk := range chunks {
		for i := 0; i < chunk.Len(); i++ {
			if chunk.IsNull(i) {
				out = append(out, -1)
				continue
			}
			switch arr := chunk.(type) {
			case *array.Int64:
				out = append(out, arr.Value(i))
			case *array.Int32:
				out = append(out, int64(arr.Value(i)))
			case *array.Int16:
				out = append(out, int64(arr.Value(i)))
			case *array.Int8:
				out = append(out, int64(arr.Value(i)))
			case *array.Uint8:
				out = append(out, int64(arr.Value(i)))
			case *array.Boolean:
				if arr.Value(i) {
					out = append(out, 1)
				} else {
					out = append(out, 0)
				}
			default:
				return nil, fmt.Errorf("expected an integer column, got %s", chunk.DataType())
			}
		}
	}
	return out, nil
}
