// Command gen_gguf writes a small random llama-family GGUF model for
// smoke-testing the scoring pipeline.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/tinymodel"
)

func main() {
	out := flag.String("out", "test.gguf", "Output path")
	arch := flag.String("arch", "llama", "Architecture: llama, mistral or qwen2")
	quant := flag.String("quant", "f32", "Weight type: f32, f16 or q8_0")
	layers := flag.Int("layers", 2, "Number of transformer blocks")
	seed := flag.Int64("seed", 1, "Random seed")
	tied := flag.Bool("tied", false, "Share the embedding matrix with the output head")
	flag.Parse()

	opts := tinymodel.Defaults()
	opts.Arch = *arch
	opts.Layers = *layers
	opts.Seed = *seed
	opts.Tied = *tied
	switch *quant {
	case "f32":
		opts.Quant = gguf.GGMLTypeF32
	case "f16":
		opts.Quant = gguf.GGMLTypeF16
	case "q8_0":
		opts.Quant = gguf.GGMLTypeQ8_0
	default:
		fmt.Fprintf(os.Stderr, "unknown quantization %q\n", *quant)
		os.Exit(2)
	}

	if err := tinymodel.Write(*out, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%s, %s, %d layers)\n", *out, opts.Arch, opts.Quant, opts.Layers)
}
