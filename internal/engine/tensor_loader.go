package engine

import (
	"fmt"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/logger"
)

// ropeStyles lists the architectures the CPU engine can run.
var ropeStyles = map[string]config.RopeStyle{
	"llama":   config.RopeNormal,
	"mistral": config.RopeNormal,
	"qwen2":   config.RopeNeoX,
}

// ConfigFromGGUF derives model hyper-parameters from GGUF metadata.
func ConfigFromGGUF(f *gguf.GGUFFile) (config.ModelConfig, error) {
	arch := f.Architecture()
	style, ok := ropeStyles[arch]
	if !ok {
		return config.ModelConfig{}, fmt.Errorf("unsupported architecture %q", arch)
	}
	key := func(s string) string { return arch + "." + s }

	cfg := config.DefaultModel()
	cfg.Architecture = arch
	cfg.RopeStyle = style
	cfg.Dim = int(f.KVUint(key("embedding_length"), 0))
	cfg.Layers = int(f.KVUint(key("block_count"), 0))
	cfg.Heads = int(f.KVUint(key("attention.head_count"), 0))
	if cfg.Heads == 0 {
		return cfg, fmt.Errorf("missing %s", key("attention.head_count"))
	}
	cfg.KVHeads = int(f.KVUint(key("attention.head_count_kv"), uint64(cfg.Heads)))
	cfg.HeadDim = int(f.KVUint(key("attention.key_length"), uint64(cfg.Dim/cfg.Heads)))
	cfg.HiddenDim = int(f.KVUint(key("feed_forward_length"), 0))
	cfg.SeqLen = int(f.KVUint(key("context_length"), uint64(cfg.SeqLen)))
	cfg.Eps = float32(f.KVFloat(key("attention.layer_norm_rms_epsilon"), float64(cfg.Eps)))
	cfg.RopeTheta = float32(f.KVFloat(key("rope.freq_base"), float64(cfg.RopeTheta)))

	if emb, ok := f.Tensor("token_embd.weight"); ok {
		cfg.VocabSize = emb.Rows()
	}
	if cfg.HiddenDim == 0 {
		if gate, ok := f.Tensor("blk.0.ffn_gate.weight"); ok {
			cfg.HiddenDim = gate.Rows()
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type layerWeights struct {
	attnNorm, ffnNorm []float32
	wq, wk, wv, wo    *matrix
	bq, bk, bv        []float32
	gate, up, down    *matrix
}

type modelWeights struct {
	embd       *matrix
	output     *matrix
	outputNorm []float32
	layers     []layerWeights
}

type weightLoader struct {
	f   *gguf.GGUFFile
	err error
}

func (l *weightLoader) matrix(name string, rows, cols int) *matrix {
	if l.err != nil {
		return nil
	}
	t, ok := l.f.Tensor(name)
	if !ok {
		l.err = fmt.Errorf("missing tensor %s", name)
		return nil
	}
	m, err := newMatrix(t)
	if err != nil {
		l.err = err
		return nil
	}
	if m.rows != rows || m.cols != cols {
		l.err = fmt.Errorf("tensor %s: shape %dx%d, want %dx%d", name, m.rows, m.cols, rows, cols)
		return nil
	}
	return m
}

func (l *weightLoader) vector(name string, n int, optional bool) []float32 {
	if l.err != nil {
		return nil
	}
	t, ok := l.f.Tensor(name)
	if !ok {
		if !optional {
			l.err = fmt.Errorf("missing tensor %s", name)
		}
		return nil
	}
	v, err := t.Float32s()
	if err != nil {
		l.err = err
		return nil
	}
	if len(v) != n {
		l.err = fmt.Errorf("tensor %s: %d elements, want %d", name, len(v), n)
		return nil
	}
	return v
}

func loadWeights(f *gguf.GGUFFile, cfg config.ModelConfig) (*modelWeights, error) {
	l := &weightLoader{f: f}
	w := &modelWeights{layers: make([]layerWeights, cfg.Layers)}

	w.embd = l.matrix("token_embd.weight", cfg.VocabSize, cfg.Dim)
	w.outputNorm = l.vector("output_norm.weight", cfg.Dim, false)
	if _, ok := f.Tensor("output.weight"); ok {
		w.output = l.matrix("output.weight", cfg.VocabSize, cfg.Dim)
	} else {
		logger.Log.Debug("output.weight absent, using tied embeddings")
		w.output = w.embd
	}

	qDim, kvDim := cfg.QDim(), cfg.KVDim()
	for i := range w.layers {
		p := fmt.Sprintf("blk.%d.", i)
		lw := &w.layers[i]
		lw.attnNorm = l.vector(p+"attn_norm.weight", cfg.Dim, false)
		lw.wq = l.matrix(p+"attn_q.weight", qDim, cfg.Dim)
		lw.wk = l.matrix(p+"attn_k.weight", kvDim, cfg.Dim)
		lw.wv = l.matrix(p+"attn_v.weight", kvDim, cfg.Dim)
		lw.wo = l.matrix(p+"attn_output.weight", cfg.Dim, qDim)
		lw.bq = l.vector(p+"attn_q.bias", qDim, true)
		lw.bk = l.vector(p+"attn_k.bias", kvDim, true)
		lw.bv = l.vector(p+"attn_v.bias", kvDim, true)
		lw.ffnNorm = l.vector(p+"ffn_norm.weight", cfg.Dim, false)
		lw.gate = l.matrix(p+"ffn_gate.weight", cfg.HiddenDim, cfg.Dim)
		lw.up = l.matrix(p+"ffn_up.weight", cfg.HiddenDim, cfg.Dim)
		lw.down = l.matrix(p+"ffn_down.weight", cfg.Dim, cfg.HiddenDim)
	}
	if l.err != nil {
		return nil, l.err
	}
	return w, nil
}
