package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultModel(t *testing.T) {
	cfg := DefaultModel()

	if cfg.SeqLen != 2048 {
		t.Errorf("expected SeqLen 2048, got %d", cfg.SeqLen)
	}
	if cfg.Eps != 1e-5 {
		t.Errorf("expected Eps 1e-5, got %v", cfg.Eps)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
	if cfg.RopeStyle != RopeNormal {
		t.Errorf("expected normal rope, got %v", cfg.RopeStyle)
	}
}

func validModel() ModelConfig {
	cfg := DefaultModel()
	cfg.Dim = 64
	cfg.HiddenDim = 128
	cfg.Layers = 2
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.HeadDim = 16
	cfg.VocabSize = 100
	return cfg
}

func TestModelValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ModelConfig)
		wantErr bool
	}{
		{"valid config", func(c *ModelConfig) {}, false},
		{"invalid dim", func(c *ModelConfig) { c.Dim = 0 }, true},
		{"invalid layers", func(c *ModelConfig) { c.Layers = 0 }, true},
		{"invalid heads", func(c *ModelConfig) { c.Heads = 0 }, true},
		{"kv heads above heads", func(c *ModelConfig) { c.KVHeads = 8 }, true},
		{"kv heads not a divisor", func(c *ModelConfig) { c.KVHeads = 3 }, true},
		{"odd head dim", func(c *ModelConfig) { c.HeadDim = 15 }, true},
		{"invalid vocab", func(c *ModelConfig) { c.VocabSize = 0 }, true},
		{"invalid eps", func(c *ModelConfig) { c.Eps = 0 }, true},
		{"invalid rope theta", func(c *ModelConfig) { c.RopeTheta = -1 }, true},
		{"invalid hidden dim", func(c *ModelConfig) { c.HiddenDim = 0 }, true},
		{"invalid seq len", func(c *ModelConfig) { c.SeqLen = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validModel()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestModelDims(t *testing.T) {
	cfg := validModel()
	assert.Equal(t, 64, cfg.QDim())
	assert.Equal(t, 32, cfg.KVDim())
	cfg.Architecture = "Qwen2"
	assert.Equal(t, "qwen2", cfg.GetArchitecture())
	assert.Equal(t, "neox", RopeNeoX.String())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendGGUF, cfg.Backend)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.Cache)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surprisal.yaml")
	content := []byte(`
model: /models/tiny.gguf
lang: gl
dataset: cola
backend: openai
endpoint: http://localhost:8000/v1
limit: 10
format: yaml
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	t.Setenv("SURPRISAL_LIMIT", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/tiny.gguf", cfg.Model)
	assert.Equal(t, "gl", cfg.Lang)
	assert.Equal(t, "cola", cfg.Dataset)
	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, 25, cfg.Limit, "environment overrides the file")
	assert.Equal(t, FormatYAML, cfg.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRunValidate(t *testing.T) {
	base := DefaultRun()
	base.Model = "tiny.gguf"

	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr bool
	}{
		{"valid", func(c *RunConfig) {}, false},
		{"missing model", func(c *RunConfig) { c.Model = " " }, true},
		{"bad backend", func(c *RunConfig) { c.Backend = "torch" }, true},
		{"openai without endpoint", func(c *RunConfig) { c.Backend = BackendOpenAI }, true},
		{"openai with endpoint", func(c *RunConfig) { c.Backend = BackendOpenAI; c.Endpoint = "http://x" }, false},
		{"bad format", func(c *RunConfig) { c.Format = "xml" }, true},
		{"negative limit", func(c *RunConfig) { c.Limit = -1 }, true},
		{"negative threads", func(c *RunConfig) { c.Threads = -2 }, true},
		{"empty cache", func(c *RunConfig) { c.Cache = "" }, true},
		{"bad log level", func(c *RunConfig) { c.LogLevel = "trace" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
