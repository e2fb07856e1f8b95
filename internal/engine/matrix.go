package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-surprisal/internal/gguf"
)

// matrix is a row-major weight kept in its on-disk encoding. Rows are
// dequantized on demand, so quantized models stay small in memory.
type matrix struct {
	name     string
	rows     int
	cols     int
	typ      gguf.GGMLType
	rowBytes int
	data     []byte
}

func newMatrix(t *gguf.TensorInfo) (*matrix, error) {
	if !gguf.Supported(t.Type) {
		return nil, gguf.ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}
	if len(t.Dimensions) != 2 {
		return nil, fmt.Errorf("tensor %s: expected 2 dimensions, got %d", t.Name, len(t.Dimensions))
	}
	cols := t.Cols()
	if cols%t.Type.BlockSize() != 0 {
		return nil, fmt.Errorf("tensor %s: row length %d is not a multiple of the %s block size", t.Name, cols, t.Type)
	}
	return &matrix{
		name:     t.Name,
		rows:     t.Rows(),
		cols:     cols,
		typ:      t.Type,
		rowBytes: int(t.Type.RowBytes(cols)),
		data:     t.Data,
	}, nil
}

// row decodes row i into dst, which must hold cols elements.
func (m *matrix) row(i int, dst []float32) error {
	if i < 0 || i >= m.rows {
		return fmt.Errorf("tensor %s: row %d out of range [0,%d)", m.name, i, m.rows)
	}
	off := i * m.rowBytes
	return gguf.Dequantize(m.typ, m.data[off:off+m.rowBytes], dst[:m.cols])
}

// mul computes out[t][r] = W[r]·x[t] for every input vector. Each row is
// decoded once and applied to all positions; rows are split across workers.
func (m *matrix) mul(ctx context.Context, x [][]float32, workers int) ([][]float32, error) {
	out := make([][]float32, len(x))
	for t := range out {
		out[t] = make([]float32, m.rows)
	}

	chunk := (m.rows + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < m.rows; start += chunk {
		start, end := start, min(start+chunk, m.rows)
		g.Go(func() error {
			buf := make([]float32, m.cols)
			for r := start; r < end; r++ {
				if (r-start)%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				if err := m.row(r, buf); err != nil {
					return err
				}
				for t := range x {
					out[t][r] = dot(buf, x[t])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
