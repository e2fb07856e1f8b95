// Package export writes per-example scores to files and remote Arrow Flight
// endpoints.
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	KindGood         = "good"
	KindBad          = "bad"
	KindContinuation = "continuation"
)

// Record is the score of one example. Surprisal is nil when the example
// could not be scored (a last word that does not align with the tokens).
type Record struct {
	Model     string   `json:"model"`
	Benchmark string   `json:"benchmark"`
	Lang      string   `json:"lang"`
	Kind      string   `json:"kind"`
	Index     int      `json:"index"`
	Text      string   `json:"text"`
	Tokens    int      `json:"tokens"`
	Surprisal *float64 `json:"surprisal"`
}

// Sink receives records in scoring order.
type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

var ErrUnknownFormat = errors.New("export: unknown results file format")

// Schema is the Arrow layout shared by the parquet and Flight sinks.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "model", Type: arrow.BinaryTypes.String},
	{Name: "benchmark", Type: arrow.BinaryTypes.String},
	{Name: "lang", Type: arrow.BinaryTypes.String},
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "index", Type: arrow.PrimitiveTypes.Int64},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "tokens", Type: arrow.PrimitiveTypes.Int32},
	{Name: "surprisal", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// batch accumulates records into Arrow columns.
type batch struct {
	b *array.RecordBuilder
	n int
}

func newBatch(mem memory.Allocator) *batch {
	return &batch{b: array.NewRecordBuilder(mem, Schema)}
}

func (bt *batch) append(r Record) {
	bt.b.Field(0).(*array.StringBuilder).Append(r.Model)
	bt.b.Field(1).(*array.StringBuilder).Append(r.Benchmark)
	bt.b.Field(2).(*array.StringBuilder).Append(r.Lang)
	bt.b.Field(3).(*array.StringBuilder).Append(r.Kind)
	bt.b.Field(4).(*array.Int64Builder).Append(int64(r.Index))
	bt.b.Field(5).(*array.StringBuilder).Append(r.Text)
	bt.b.Field(6).(*array.Int32Builder).Append(int32(r.Tokens))
	if r.Surprisal == nil {
		bt.b.Field(7).AppendNull()
	} else {
		bt.b.Field(7).(*array.Float64Builder).Append(*r.Surprisal)
	}
	bt.n++
}

// flush returns the buffered rows as a record and resets the batch.
// The caller releases the record.
func (bt *batch) flush() arrow.Record {
	bt.n = 0
	return bt.b.NewRecord()
}

func (bt *batch) release() { bt.b.Release() }

// Multi fans records out to several sinks.
type Multi []Sink

func (m Multi) Write(ctx context.Context, r Record) error {
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open builds the sinks for a results file (.parquet or .jsonl) and a
// Flight endpoint. Both are optional; a nil sink is returned when neither
// is set.
func Open(ctx context.Context, results, flightAddr string) (Sink, error) {
	var sinks Multi
	if results != "" {
		var (
			s   Sink
			err error
		)
		switch strings.ToLower(filepath.Ext(results)) {
		case ".parquet":
			s, err = NewParquetSink(results)
		case ".jsonl", ".ndjson":
			s, err = NewJSONLSink(results, 0, 0)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, results)
		}
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if flightAddr != "" {
		fs := NewFlightSink(flightAddr, "")
		if err := fs.Connect(ctx); err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}
