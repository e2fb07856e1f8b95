package gguf

import (
	"fmt"
	"sort"
	"strings"
)

// AnalysisReport summarises a model file for the inspect command.
type AnalysisReport struct {
	Architecture    string
	ModelName       string
	ContextLength   int
	HiddenSize      int
	FeedForward     int
	Layers          int
	AttentionHeads  int
	KVHeads         int
	VocabSize       int
	TokenizerModel  string
	TensorTypes     map[string]int
	TotalParameters int64
	TensorCount     int
	SizeBytes       int64
	Unsupported     []string
}

// Analyze reads the hyper-parameters and tensor statistics of f.
func Analyze(f *GGUFFile) *AnalysisReport {
	arch := f.Architecture()
	r := &AnalysisReport{
		Architecture:   arch,
		ModelName:      f.KVString("general.name", ""),
		ContextLength:  int(f.KVUint(arch+".context_length", 2048)),
		HiddenSize:     int(f.KVUint(arch+".embedding_length", 0)),
		FeedForward:    int(f.KVUint(arch+".feed_forward_length", 0)),
		Layers:         int(f.KVUint(arch+".block_count", 0)),
		AttentionHeads: int(f.KVUint(arch+".attention.head_count", 0)),
		TokenizerModel: f.KVString("tokenizer.ggml.model", ""),
		TensorTypes:    make(map[string]int),
		TensorCount:    len(f.Tensors),
	}
	r.KVHeads = int(f.KVUint(arch+".attention.head_count_kv", uint64(r.AttentionHeads)))
	if tokens, ok := f.KV["tokenizer.ggml.tokens"].([]interface{}); ok {
		r.VocabSize = len(tokens)
	}

	unsupported := make(map[string]bool)
	for _, t := range f.Tensors {
		r.TotalParameters += int64(t.Elements())
		r.SizeBytes += int64(t.SizeBytes())
		r.TensorTypes[t.Type.String()]++
		if !Supported(t.Type) {
			unsupported[t.Type.String()] = true
		}
	}
	for name := range unsupported {
		r.Unsupported = append(r.Unsupported, name)
	}
	sort.Strings(r.Unsupported)
	return r
}

func (r *AnalysisReport) String() string {
	types := make([]string, 0, len(r.TensorTypes))
	for name, n := range r.TensorTypes {
		types = append(types, fmt.Sprintf("%s=%d", name, n))
	}
	sort.Strings(types)

	unsupported := "none"
	if len(r.Unsupported) > 0 {
		unsupported = strings.Join(r.Unsupported, ",")
	}

	return fmt.Sprintf(`GGUF Model Analysis Report
============================
Architecture:     %s
Model Name:       %s
Context Length:   %d
Hidden Size:      %d
Feed Forward:     %d
Layers:           %d
Attention Heads:  %d
KV Heads:         %d
Vocab Size:       %d
Tokenizer:        %s
Tensor Types:     %s
Unsupported:      %s
Total Tensors:    %d
Total Parameters: %d (%.2fB)
Size:             %.2f GB
`,
		r.Architecture,
		r.ModelName,
		r.ContextLength,
		r.HiddenSize,
		r.FeedForward,
		r.Layers,
		r.AttentionHeads,
		r.KVHeads,
		r.VocabSize,
		r.TokenizerModel,
		strings.Join(types, " "),
		unsupported,
		r.TensorCount,
		r.TotalParameters,
		float64(r.TotalParameters)/1e9,
		float64(r.SizeBytes)/1e9,
	)
}

// FindMissingTensors returns the names in required that f does not contain.
func (f *GGUFFile) FindMissingTensors(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := f.byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
