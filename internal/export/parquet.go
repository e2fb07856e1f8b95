package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// parquetRowGroup is the number of rows buffered per row group.
const parquetRowGroup = 1024

// ParquetSink writes records to a single parquet file.
type ParquetSink struct {
	file *os.File
	w    *pqarrow.FileWriter
	rows *batch
}

func NewParquetSink(path string) (*ParquetSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	w, err := pqarrow.NewFileWriter(Schema, f, props, pqarrow.DefaultWriterProps())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("parquet writer for %s: %w", path, err)
	}
	return &ParquetSink{file: f, w: w, rows: newBatch(memory.DefaultAllocator)}, nil
}

func (s *ParquetSink) Write(_ context.Context, r Record) error {
	s.rows.append(r)
	if s.rows.n >= parquetRowGroup {
		return s.flush()
	}
	return nil
}

func (s *ParquetSink) flush() error {
	if s.rows.n == 0 {
		return nil
	}
	rec := s.rows.flush()
	defer rec.Release()
	if err := s.w.Write(rec); err != nil {
		return fmt.Errorf("writing parquet rows: %w", err)
	}
	return nil
}

func (s *ParquetSink) Close() error {
	err := s.flush()
	s.rows.release()
	if cerr := s.w.Close(); err == nil {
		err = cerr
	}
	// The parquet writer may already have closed the file.
	if cerr := s.file.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = cerr
	}
	return err
}
