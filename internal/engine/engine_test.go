package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/tinymodel"
)

func loadTiny(t *testing.T, opts tinymodel.Options) *gguf.GGUFFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	if err := tinymodel.Write(path, opts); err != nil {
		t.Fatalf("write tiny model: %v", err)
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		t.Fatalf("load tiny model: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newTinyEngine(t *testing.T, opts tinymodel.Options, threads int) Engine {
	t.Helper()
	e, err := New("cpu", loadTiny(t, opts), Options{Threads: threads})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRegistry(t *testing.T) {
	names := Names()
	if len(names) == 0 || names[0] != "cpu" {
		t.Errorf("Names() = %v, want cpu registered", names)
	}
	_, err := New("metal", nil, Options{})
	if !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestConfigFromGGUF(t *testing.T) {
	opts := tinymodel.Defaults()
	opts.Arch = "qwen2"
	cfg, err := ConfigFromGGUF(loadTiny(t, opts))
	if err != nil {
		t.Fatalf("ConfigFromGGUF: %v", err)
	}

	tokens, _, _ := tinymodel.Vocab()
	want := config.ModelConfig{
		Architecture: "qwen2",
		Dim:          tinymodel.Dim,
		HiddenDim:    tinymodel.HiddenDim,
		Layers:       2,
		Heads:        tinymodel.Heads,
		KVHeads:      tinymodel.KVHeads,
		HeadDim:      tinymodel.HeadDim,
		VocabSize:    len(tokens),
		SeqLen:       128,
		Eps:          1e-5,
		RopeTheta:    10000,
		RopeStyle:    config.RopeNeoX,
	}
	if cfg != want {
		t.Errorf("config = %+v\nwant %+v", cfg, want)
	}
}

func TestConfigFromGGUFErrors(t *testing.T) {
	w := gguf.NewWriter()
	w.SetKV("general.architecture", "mamba")
	data, _ := w.Bytes()
	f, err := gguf.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ConfigFromGGUF(f); err == nil {
		t.Error("expected unsupported architecture error")
	}

	w = gguf.NewWriter()
	w.SetKV("general.architecture", "llama")
	data, _ = w.Bytes()
	f, _ = gguf.Parse(data)
	if _, err := ConfigFromGGUF(f); err == nil {
		t.Error("expected missing head count error")
	}
}

func TestLogitsShape(t *testing.T) {
	e := newTinyEngine(t, tinymodel.Defaults(), 2)
	tokens := []int{300, 301, 302, 303}

	logits, err := e.Logits(context.Background(), tokens)
	if err != nil {
		t.Fatalf("Logits: %v", err)
	}
	if len(logits) != len(tokens) {
		t.Fatalf("got %d rows, want %d", len(logits), len(tokens))
	}
	for i, row := range logits {
		if len(row) != e.Config().VocabSize {
			t.Fatalf("row %d has %d logits", i, len(row))
		}
		if a := AuditLogits(row); !a.Finite() || a.IsFlat {
			t.Errorf("row %d: %s", i, a)
		}
	}
}

func TestLogitsCausal(t *testing.T) {
	e := newTinyEngine(t, tinymodel.Defaults(), 3)
	ctx := context.Background()

	short, err := e.Logits(ctx, []int{300, 310, 320})
	if err != nil {
		t.Fatal(err)
	}
	long, err := e.Logits(ctx, []int{300, 310, 320, 330, 340})
	if err != nil {
		t.Fatal(err)
	}
	for pos := range short {
		for i := range short[pos] {
			if diff := math.Abs(float64(short[pos][i] - long[pos][i])); diff > 1e-5 {
				t.Fatalf("pos %d logit %d differs by %g: later tokens leaked into earlier positions", pos, i, diff)
			}
		}
	}

	swapped, err := e.Logits(ctx, []int{310, 300, 320})
	if err != nil {
		t.Fatal(err)
	}
	if maxAbsDiff(short[2], swapped[2]) < 1e-6 {
		t.Error("token order did not affect the last position")
	}
}

func TestLogitsThreadInvariant(t *testing.T) {
	opts := tinymodel.Defaults()
	one := newTinyEngine(t, opts, 1)
	many := newTinyEngine(t, opts, 7)
	tokens := []int{290, 305, 299, 341}

	a, err := one.Logits(context.Background(), tokens)
	if err != nil {
		t.Fatal(err)
	}
	b, err := many.Logits(context.Background(), tokens)
	if err != nil {
		t.Fatal(err)
	}
	for pos := range a {
		if d := maxAbsDiff(a[pos], b[pos]); d > 1e-6 {
			t.Errorf("pos %d differs by %g across thread counts", pos, d)
		}
	}
}

func TestQuantizedCloseToF32(t *testing.T) {
	tokens := []int{300, 301, 302}
	ref := newTinyEngine(t, tinymodel.Defaults(), 2)
	want, err := ref.Logits(context.Background(), tokens)
	if err != nil {
		t.Fatal(err)
	}

	for _, typ := range []gguf.GGMLType{gguf.GGMLTypeF16, gguf.GGMLTypeQ8_0} {
		t.Run(typ.String(), func(t *testing.T) {
			opts := tinymodel.Defaults()
			opts.Quant = typ
			got, err := newTinyEngine(t, opts, 2).Logits(context.Background(), tokens)
			if err != nil {
				t.Fatal(err)
			}
			for pos := range want {
				if d := maxAbsDiff(want[pos], got[pos]); d > 0.1 {
					t.Errorf("pos %d differs from F32 by %g", pos, d)
				}
			}
		})
	}
}

func TestTiedOutputAndBiases(t *testing.T) {
	for _, arch := range []string{"llama", "mistral", "qwen2"} {
		t.Run(arch, func(t *testing.T) {
			opts := tinymodel.Defaults()
			opts.Arch = arch
			opts.Tied = true
			e := newTinyEngine(t, opts, 2)
			logits, err := e.Logits(context.Background(), []int{300, 301})
			if err != nil {
				t.Fatalf("Logits: %v", err)
			}
			if len(logits) != 2 {
				t.Errorf("got %d rows", len(logits))
			}
		})
	}
}

func TestLogitsErrors(t *testing.T) {
	opts := tinymodel.Defaults()
	opts.SeqLen = 4
	e := newTinyEngine(t, opts, 1)

	if _, err := e.Logits(context.Background(), nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("empty input: %v", err)
	}
	if _, err := e.Logits(context.Background(), []int{1, 2, 3, 4, 5}); err == nil {
		t.Error("expected context length error")
	}
	if _, err := e.Logits(context.Background(), []int{1, 1 << 20}); err == nil {
		t.Error("expected out of vocabulary error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Logits(ctx, []int{300, 301}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMissingTensor(t *testing.T) {
	w, err := tinymodel.Build(tinymodel.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	data, _ := w.Bytes()
	f, _ := gguf.Parse(data)
	f.KV["llama.block_count"] = uint32(3)
	if _, err := NewCPUEngine(f, Options{}); err == nil {
		t.Error("expected missing blk.2 tensors to fail")
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, math.Abs(float64(a[i]-b[i])))
	}
	return m
}
