package scorer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/engine"
	"github.com/23skdu/longbow-surprisal/internal/tinymodel"
)

func writeSeeded(t *testing.T, path string, seed int64) {
	t.Helper()
	opts := tinymodel.Defaults()
	opts.Seed = seed
	require.NoError(t, tinymodel.Write(path, opts))
}

func scoreWith(t *testing.T, cfg config.RunConfig, text string) []TokenScore {
	t.Helper()
	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	scores, err := s.TokenScores(context.Background(), text)
	require.NoError(t, err)
	return scores
}

func TestMemoSeparatesModelsBehindOneReference(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writeSeeded(t, filepath.Join(dirA, "model.gguf"), 1)
	writeSeeded(t, filepath.Join(dirB, "model.gguf"), 99)

	cfg := config.DefaultRun()
	cfg.Model = "model.gguf"
	cfg.Cache = t.TempDir()

	t.Chdir(dirA)
	fromA := scoreWith(t, cfg, "the cat sat")

	t.Chdir(dirB)
	fromB := scoreWith(t, cfg, "the cat sat")

	cfg.NoMemo = true
	freshB := scoreWith(t, cfg, "the cat sat")

	assert.Equal(t, freshB, fromB)
	assert.NotEqual(t, fromA, fromB)
}

func TestMemoMissesAfterModelIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	writeSeeded(t, path, 1)

	cfg := config.DefaultRun()
	cfg.Model = path
	cfg.Cache = t.TempDir()
	before := scoreWith(t, cfg, "the dog sat")

	writeSeeded(t, path, 99)
	after := scoreWith(t, cfg, "the dog sat")

	cfg.NoMemo = true
	assert.Equal(t, scoreWith(t, cfg, "the dog sat"), after)
	assert.NotEqual(t, before, after)
}

func TestGGUFIdentity(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.gguf"), filepath.Join(dir, "b.gguf")
	writeSeeded(t, a, 1)
	writeSeeded(t, b, 1)

	sa, err := OpenGGUF(a, "same", engine.Options{})
	require.NoError(t, err)
	defer sa.Close()
	sb, err := OpenGGUF(b, "same", engine.Options{})
	require.NoError(t, err)
	defer sb.Close()

	assert.Equal(t, sa.Name(), sb.Name())
	assert.NotEqual(t, sa.Identity(), sb.Identity(), "different files")
	assert.Equal(t, sa.Identity(), identityOf(sa))
	assert.Regexp(t, `^gguf@sha256:[0-9a-f]{64}$`, sa.Identity())
}

func TestOpenAIIdentity(t *testing.T) {
	ctx := context.Background()
	a := NewOpenAI(ctx, "http://one:8000/v1", "llama", "")
	b := NewOpenAI(ctx, "http://two:8000/v1", "llama", "key")

	assert.Equal(t, a.Name(), b.Name())
	assert.NotEqual(t, a.Identity(), b.Identity())
	assert.Equal(t, "openai:http://one:8000/v1#llama", identityOf(a))
}

func TestIdentityFallsBackToName(t *testing.T) {
	assert.Equal(t, "fake:model", identityOf(&fakeScorer{name: "fake:model"}))
	assert.Equal(t, "onnx:org/m", identityOf(&ONNXScorer{name: "org/m"}))
}

func TestFileFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.bin")
	data := make([]byte, 3*sampleBytes)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	first, err := fileFingerprint(path)
	require.NoError(t, err)
	again, err := fileFingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	data[len(data)-1] = 1
	require.NoError(t, os.WriteFile(path, data, 0o644))
	changed, err := fileFingerprint(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed, "the tail is sampled")

	_, err = fileFingerprint(filepath.Join(dir, "missing.bin"))
	assert.Error(t, err)
}

func TestOpenAIClientTimeout(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, NewOpenAI(ctx, "http://x", "m", "").http.Timeout, NewOpenAI(ctx, "http://x", "m", "key").http.Timeout)
}
