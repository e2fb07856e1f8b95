package config

import (
	"fmt"
	"strings"
)

// RopeStyle selects how rotary embeddings pair up dimensions.
type RopeStyle int

const (
	// RopeNormal rotates adjacent pairs (x[2i], x[2i+1]); llama/mistral GGUFs.
	RopeNormal RopeStyle = iota
	// RopeNeoX rotates (x[i], x[i+headDim/2]); qwen2 and gpt-neox style.
	RopeNeoX
)

func (r RopeStyle) String() string {
	if r == RopeNeoX {
		return "neox"
	}
	return "normal"
}

// ModelConfig carries the hyper-parameters of a llama-family causal LM.
type ModelConfig struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
	RopeStyle    RopeStyle
}

func (c *ModelConfig) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: heads %d not divisible by kv_heads %d", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive and even)", c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func (c *ModelConfig) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// QDim is the width of the query projection.
func (c *ModelConfig) QDim() int {
	return c.Heads * c.HeadDim
}

// KVDim is the width of the key and value projections.
func (c *ModelConfig) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func DefaultModel() ModelConfig {
	return ModelConfig{
		Architecture: "llama",
		SeqLen:       2048,
		Eps:          1e-5,
		RopeTheta:    10000.0,
		RopeStyle:    RopeNormal,
	}
}
