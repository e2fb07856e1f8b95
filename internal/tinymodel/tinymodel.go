// Package tinymodel writes small, randomly initialised llama-family GGUF
// models with a working SentencePiece vocabulary. They are used by tests and
// for smoke-testing the scoring pipeline without downloading a real model.
package tinymodel

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/23skdu/longbow-surprisal/internal/gguf"
)

type Options struct {
	Arch   string // llama, mistral or qwen2
	Quant  gguf.GGMLType
	Seed   int64
	Layers int
	Tied   bool // omit output.weight
	SeqLen int
}

const (
	Dim       = 32
	HiddenDim = 64
	Heads     = 4
	KVHeads   = 2
	HeadDim   = Dim / Heads
)

func Defaults() Options {
	return Options{Arch: "llama", Quant: gguf.GGMLTypeF32, Seed: 1, Layers: 2, SeqLen: 128}
}

var words = []string{"the", "cat", "dog", "sat", "on", "mat", "casa", "gato", "é"}

// Vocab returns tokens, scores and types of the fixture vocabulary.
func Vocab() ([]string, []float32, []int32) {
	tokens := []string{"<unk>", "<s>", "</s>"}
	types := []int32{2, 3, 3}
	for b := 0; b < 256; b++ {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
		types = append(types, 6)
	}
	seen := make(map[string]bool)
	add := func(s string) {
		if seen[s] {
			return
		}
		seen[s] = true
		tokens = append(tokens, s)
		types = append(types, 1)
	}
	add("▁")
	for c := 'a'; c <= 'z'; c++ {
		add(string(c))
	}
	for c := 'A'; c <= 'Z'; c++ {
		add(string(c))
	}
	for c := '0'; c <= '9'; c++ {
		add(string(c))
	}
	for _, p := range []string{".", ",", "!", "?", "'"} {
		add(p)
	}
	for _, w := range words {
		r := []rune("▁" + w)
		for i := 2; i <= len(r); i++ {
			add(string(r[:i]))
		}
	}

	scores := make([]float32, len(tokens))
	for i, t := range tokens {
		if types[i] == 1 {
			scores[i] = float32(len([]rune(t))) - 10
		}
	}
	return tokens, scores, types
}

// Build assembles the model image.
func Build(opts Options) (*gguf.Writer, error) {
	switch opts.Quant {
	case gguf.GGMLTypeF32, gguf.GGMLTypeF16, gguf.GGMLTypeQ8_0:
	default:
		return nil, fmt.Errorf("tinymodel: unsupported quantization %s", opts.Quant)
	}
	if opts.Layers <= 0 {
		opts.Layers = 1
	}
	if opts.SeqLen <= 0 {
		opts.SeqLen = 128
	}

	tokens, scores, types := Vocab()
	vocab := uint64(len(tokens))
	rng := rand.New(rand.NewSource(opts.Seed))
	arch := opts.Arch

	w := gguf.NewWriter()
	w.SetKV("general.architecture", arch)
	w.SetKV("general.name", "tiny-"+arch)
	w.SetKV(arch+".block_count", uint32(opts.Layers))
	w.SetKV(arch+".embedding_length", uint32(Dim))
	w.SetKV(arch+".feed_forward_length", uint32(HiddenDim))
	w.SetKV(arch+".attention.head_count", uint32(Heads))
	w.SetKV(arch+".attention.head_count_kv", uint32(KVHeads))
	w.SetKV(arch+".context_length", uint32(opts.SeqLen))
	w.SetKV(arch+".attention.layer_norm_rms_epsilon", float32(1e-5))
	w.SetKV(arch+".rope.freq_base", float32(10000))
	w.SetKV("tokenizer.ggml.model", "llama")
	w.SetKV("tokenizer.ggml.tokens", tokens)
	w.SetKV("tokenizer.ggml.scores", scores)
	w.SetKV("tokenizer.ggml.token_type", types)
	w.SetKV("tokenizer.ggml.bos_token_id", uint32(1))
	w.SetKV("tokenizer.ggml.eos_token_id", uint32(2))

	randn := func(n int, scale float32) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(rng.NormFloat64()) * scale
		}
		return v
	}
	norm := func(n int) []float32 {
		v := randn(n, 0.05)
		for i := range v {
			v[i] += 1
		}
		return v
	}
	mat := func(name string, rows, cols int, scale float32) {
		addMatrix(w, name, rows, cols, opts.Quant, randn(rows*cols, scale))
	}

	qDim, kvDim := Heads*HeadDim, KVHeads*HeadDim
	mat("token_embd.weight", int(vocab), Dim, 0.5)
	for l := 0; l < opts.Layers; l++ {
		p := fmt.Sprintf("blk.%d.", l)
		w.AddF32(p+"attn_norm.weight", []uint64{Dim}, norm(Dim))
		mat(p+"attn_q.weight", qDim, Dim, 0.2)
		mat(p+"attn_k.weight", kvDim, Dim, 0.2)
		mat(p+"attn_v.weight", kvDim, Dim, 0.2)
		mat(p+"attn_output.weight", Dim, qDim, 0.2)
		if arch == "qwen2" {
			w.AddF32(p+"attn_q.bias", []uint64{uint64(qDim)}, randn(qDim, 0.1))
			w.AddF32(p+"attn_k.bias", []uint64{uint64(kvDim)}, randn(kvDim, 0.1))
			w.AddF32(p+"attn_v.bias", []uint64{uint64(kvDim)}, randn(kvDim, 0.1))
		}
		w.AddF32(p+"ffn_norm.weight", []uint64{Dim}, norm(Dim))
		mat(p+"ffn_gate.weight", HiddenDim, Dim, 0.2)
		mat(p+"ffn_up.weight", HiddenDim, Dim, 0.2)
		mat(p+"ffn_down.weight", Dim, HiddenDim, 0.2)
	}
	w.AddF32("output_norm.weight", []uint64{Dim}, norm(Dim))
	if !opts.Tied {
		mat("output.weight", int(vocab), Dim, 0.3)
	}
	return w, nil
}

// Write builds the model and stores it at path.
func Write(path string, opts Options) error {
	w, err := Build(opts)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func addMatrix(w *gguf.Writer, name string, rows, cols int, typ gguf.GGMLType, values []float32) {
	dims := []uint64{uint64(cols), uint64(rows)}
	switch typ {
	case gguf.GGMLTypeF16:
		buf := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(buf[2*i:], gguf.Float32ToFloat16(v))
		}
		w.AddRaw(name, dims, typ, buf)
	case gguf.GGMLTypeQ8_0:
		w.AddRaw(name, dims, typ, QuantizeQ8_0(values))
	default:
		w.AddF32(name, dims, values)
	}
}

// QuantizeQ8_0 encodes values (a multiple of 32) as Q8_0 blocks.
func QuantizeQ8_0(values []float32) []byte {
	const block = 32
	out := make([]byte, 0, len(values)/block*34)
	for b := 0; b+block <= len(values); b += block {
		var amax float32
		for _, v := range values[b : b+block] {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, gguf.Float32ToFloat16(d))
		for _, v := range values[b : b+block] {
			out = append(out, byte(int8(math.Round(float64(v*id)))))
		}
	}
	return out
}
