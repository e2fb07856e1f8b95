package engine

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

func init() {
	RegisterEngine("cpu", NewCPUEngine)
}

// CPUEngine evaluates llama-family transformers in pure Go. The whole
// sequence is processed in one pass with full causal attention, so no KV
// cache is kept between calls.
type CPUEngine struct {
	cfg     config.ModelConfig
	weights *modelWeights
	workers int
}

func NewCPUEngine(f *gguf.GGUFFile, opts Options) (Engine, error) {
	cfg, err := ConfigFromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	weights, err := loadWeights(f, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}

	workers := opts.Threads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	logger.Log.Info("CPU engine initialized",
		"arch", cfg.Architecture,
		"layers", cfg.Layers,
		"dim", cfg.Dim,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"vocab", cfg.VocabSize,
		"rope", cfg.RopeStyle.String(),
		"threads", workers)

	return &CPUEngine{cfg: cfg, weights: weights, workers: workers}, nil
}

func (e *CPUEngine) Config() config.ModelConfig { return e.cfg }

func (e *CPUEngine) Close() error {
	e.weights = nil
	logger.Log.Debug("CPU engine closed")
	return nil
}

func (e *CPUEngine) Logits(ctx context.Context, tokens []int) ([][]float32, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyInput
	}
	if e.weights == nil {
		return nil, fmt.Errorf("engine: closed")
	}
	if len(tokens) > e.cfg.SeqLen {
		return nil, fmt.Errorf("engine: %d tokens exceed context length %d", len(tokens), e.cfg.SeqLen)
	}
	for _, id := range tokens {
		if id < 0 || id >= e.cfg.VocabSize {
			return nil, fmt.Errorf("engine: token id %d outside vocabulary of %d", id, e.cfg.VocabSize)
		}
	}

	start := time.Now()
	defer func() { metrics.RecordForward(time.Since(start)) }()

	cfg := e.cfg
	w := e.weights
	n := len(tokens)

	x := make([][]float32, n)
	for t, id := range tokens {
		x[t] = make([]float32, cfg.Dim)
		if err := w.embd.row(id, x[t]); err != nil {
			return nil, err
		}
	}

	xn := make([][]float32, n)
	for t := range xn {
		xn[t] = make([]float32, cfg.Dim)
	}

	for l := range w.layers {
		lw := &w.layers[l]

		for t := range x {
			rmsNorm(xn[t], x[t], lw.attnNorm, cfg.Eps)
		}
		attnOut, err := e.attention(ctx, lw, xn)
		if err != nil {
			return nil, fmt.Errorf("layer %d attention: %w", l, err)
		}
		for t := range x {
			addInPlace(x[t], attnOut[t])
		}

		for t := range x {
			rmsNorm(xn[t], x[t], lw.ffnNorm, cfg.Eps)
		}
		ffnOut, err := e.feedForward(ctx, lw, xn)
		if err != nil {
			return nil, fmt.Errorf("layer %d ffn: %w", l, err)
		}
		for t := range x {
			addInPlace(x[t], ffnOut[t])
		}
	}

	for t := range x {
		rmsNorm(xn[t], x[t], w.outputNorm, cfg.Eps)
	}
	logits, err := w.output.mul(ctx, xn, e.workers)
	if err != nil {
		return nil, fmt.Errorf("output head: %w", err)
	}

	var nans, infs int
	for t, row := range logits {
		a := AuditLogits(row)
		nans += a.NumNaNs
		infs += a.NumInfs
		if a.IsFlat {
			logger.Log.Debug("Flat logit distribution", "pos", t, "audit", a.String())
		}
	}
	if nans > 0 || infs > 0 {
		metrics.RecordNumericalInstability(nans, infs)
		return nil, fmt.Errorf("%w: %d NaN, %d Inf", ErrNumericalError, nans, infs)
	}
	return logits, nil
}

func (e *CPUEngine) attention(ctx context.Context, lw *layerWeights, xn [][]float32) ([][]float32, error) {
	cfg := e.cfg
	q, err := lw.wq.mul(ctx, xn, e.workers)
	if err != nil {
		return nil, err
	}
	k, err := lw.wk.mul(ctx, xn, e.workers)
	if err != nil {
		return nil, err
	}
	v, err := lw.wv.mul(ctx, xn, e.workers)
	if err != nil {
		return nil, err
	}

	for t := range xn {
		addInPlace(q[t], lw.bq)
		addInPlace(k[t], lw.bk)
		addInPlace(v[t], lw.bv)
		rope(q[t], t, cfg.HeadDim, cfg.RopeTheta, cfg.RopeStyle)
		rope(k[t], t, cfg.HeadDim, cfg.RopeTheta, cfg.RopeStyle)
	}

	n := len(xn)
	out := make([][]float32, n)
	for t := range out {
		out[t] = make([]float32, cfg.QDim())
	}

	group := cfg.Heads / cfg.KVHeads
	scale := float32(1 / math.Sqrt(float64(cfg.HeadDim)))
	hd := cfg.HeadDim

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for h := 0; h < cfg.Heads; h++ {
		h := h
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			kvh := h / group
			qOff, kvOff := h*hd, kvh*hd
			scores := make([]float32, n)
			for t := 0; t < n; t++ {
				qh := q[t][qOff : qOff+hd]
				for s := 0; s <= t; s++ {
					scores[s] = dot(qh, k[s][kvOff:kvOff+hd]) * scale
				}
				softmax(scores[:t+1])
				dst := out[t][qOff : qOff+hd]
				for s := 0; s <= t; s++ {
					p := scores[s]
					vs := v[s][kvOff : kvOff+hd]
					for i := range dst {
						dst[i] += p * vs[i]
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return lw.wo.mul(ctx, out, e.workers)
}

func (e *CPUEngine) feedForward(ctx context.Context, lw *layerWeights, xn [][]float32) ([][]float32, error) {
	gate, err := lw.gate.mul(ctx, xn, e.workers)
	if err != nil {
		return nil, err
	}
	up, err := lw.up.mul(ctx, xn, e.workers)
	if err != nil {
		return nil, err
	}
	for t := range gate {
		swiglu(gate[t], up[t])
	}
	return lw.down.mul(ctx, gate, e.workers)
}
