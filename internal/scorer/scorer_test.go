package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/engine"
	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/hub"
	"github.com/23skdu/longbow-surprisal/internal/ollama"
	"github.com/23skdu/longbow-surprisal/internal/tinymodel"
)

type fakeScorer struct {
	name   string
	calls  int
	scores map[string][]TokenScore
	closed bool
}

func (f *fakeScorer) Name() string { return f.name }

func (f *fakeScorer) TokenScores(_ context.Context, text string) ([]TokenScore, error) {
	f.calls++
	s, ok := f.scores[text]
	if !ok {
		return nil, ErrEmptyText
	}
	return s, nil
}

func (f *fakeScorer) Close() error {
	f.closed = true
	return nil
}

func TestFromLogProbs(t *testing.T) {
	got := fromLogProbs([]string{" The", "cat ", "\tsat"}, []float64{-9, -1.5, -0.25})
	assert.Equal(t, []TokenScore{
		{Token: "The", Surprisal: 0},
		{Token: "cat", Surprisal: 1.5},
		{Token: "sat", Surprisal: 0.25},
	}, got)
}

func TestSequenceSurprisal(t *testing.T) {
	f := &fakeScorer{scores: map[string][]TokenScore{
		"a b c": {{"a", 0}, {"b", 1.25}, {"c", 2.5}},
	}}
	got, err := SequenceSurprisal(context.Background(), f, "a b c")
	require.NoError(t, err)
	assert.InDelta(t, 3.75, got, 1e-12)

	assert.InDelta(t, 3.75, Total(f.scores["a b c"]), 1e-12)
	assert.Zero(t, Total(nil))

	_, err = SequenceSurprisal(context.Background(), f, "missing")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func writeTiny(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, tinymodel.Write(path, tinymodel.Defaults()))
	return path
}

func TestGGUFScorer(t *testing.T) {
	path := writeTiny(t)
	s, err := OpenGGUF(path, "", engine.Options{Threads: 2})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "gguf:tiny", s.Name())

	ctx := context.Background()
	scores, err := s.TokenScores(ctx, "the cat sat")
	require.NoError(t, err)

	tokens := make([]string, len(scores))
	for i, ts := range scores {
		tokens[i] = ts.Token
	}
	assert.Equal(t, []string{"the", "cat", "sat"}, tokens)
	assert.Zero(t, scores[0].Surprisal)
	for _, ts := range scores[1:] {
		assert.Greater(t, ts.Surprisal, 0.0)
	}

	// Same numbers as a direct forward pass over the whole sequence.
	ids := s.Tokenizer().Encode("the cat sat")
	f, err := gguf.LoadFile(path)
	require.NoError(t, err)
	defer f.Close()
	eng, err := engine.New("cpu", f, engine.Options{Threads: 1})
	require.NoError(t, err)
	defer eng.Close()
	logits, err := eng.Logits(ctx, ids)
	require.NoError(t, err)
	for i := 1; i < len(ids); i++ {
		assert.InDelta(t, -engine.LogProb(logits[i-1], ids[i]), scores[i].Surprisal, 1e-6)
	}

	total, err := SequenceSurprisal(ctx, s, "the cat sat")
	require.NoError(t, err)
	assert.InDelta(t, scores[1].Surprisal+scores[2].Surprisal, total, 1e-9)

	single, err := s.TokenScores(ctx, "cat")
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Zero(t, single[0].Surprisal)

	_, err = s.TokenScores(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestOpenGGUFErrors(t *testing.T) {
	_, err := OpenGGUF(filepath.Join(t.TempDir(), "none.gguf"), "", engine.Options{})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.gguf")
	require.NoError(t, os.WriteFile(bad, []byte("not a model"), 0o644))
	_, err = OpenGGUF(bad, "", engine.Options{})
	assert.Error(t, err)
}

func TestMemo(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "memo", MemoFileName)
	inner := &fakeScorer{name: "fake:model", scores: map[string][]TokenScore{
		"o gato": {{"o", 0}, {"gato", 3.141592653589793}},
	}}

	m, err := NewMemo(inner, dbPath)
	require.NoError(t, err)
	assert.Equal(t, "fake:model", m.Name())

	first, err := m.TokenScores(ctx, "o gato")
	require.NoError(t, err)
	second, err := m.TokenScores(ctx, "o gato")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls, "second lookup is served from the memo")

	n, err := m.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.TokenScores(ctx, "unknown")
	assert.ErrorIs(t, err, ErrEmptyText)

	require.NoError(t, m.Close())
	assert.True(t, inner.closed)

	// Entries persist and are keyed by scorer identity (the name for scorers
	// without one).
	again := &fakeScorer{name: "fake:model"}
	m, err = NewMemo(again, dbPath)
	require.NoError(t, err)
	got, err := m.TokenScores(ctx, "o gato")
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Zero(t, again.calls)
	require.NoError(t, m.Close())

	other := &fakeScorer{name: "fake:other"}
	m, err = NewMemo(other, dbPath)
	require.NoError(t, err)
	defer m.Close()
	_, err = m.TokenScores(ctx, "o gato")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Equal(t, 1, other.calls)
}

func TestNewMemoErrors(t *testing.T) {
	_, err := NewMemo(&fakeScorer{}, "")
	assert.Error(t, err)
}

func TestOpenAIScorer(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"logprobs":{"tokens":["The"," cat"," sat"],"token_logprobs":[null,-2.5,-0.5]}}]}`)
	}))
	defer srv.Close()

	s := NewOpenAI(context.Background(), srv.URL+"/v1/", "tiny", "sk-test")
	defer s.Close()
	assert.Equal(t, "openai:tiny", s.Name())

	scores, err := s.TokenScores(context.Background(), "The cat sat")
	require.NoError(t, err)
	assert.Equal(t, []TokenScore{{"The", 0}, {"cat", 2.5}, {"sat", 0.5}}, scores)

	assert.Equal(t, completionRequest{Model: "tiny", Prompt: "The cat sat", Echo: true, MaxTokens: 0, Logprobs: 1}, got)
}

func TestOpenAIScorerErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", http.StatusBadRequest, `{"error":{"message":"echo not supported"}}`, "echo not supported"},
		{"plain error", http.StatusBadGateway, `upstream down`, "upstream down"},
		{"no logprobs", http.StatusOK, `{"choices":[{}]}`, ErrNoLogprobs.Error()},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrNoLogprobs.Error()},
		{"length mismatch", http.StatusOK, `{"choices":[{"logprobs":{"tokens":["a","b"],"token_logprobs":[null]}}]}`, "2 tokens but 1 logprobs"},
		{"null logprob", http.StatusOK, `{"choices":[{"logprobs":{"tokens":["a","b"],"token_logprobs":[null,null]}}]}`, "missing logprob"},
		{"bad json", http.StatusOK, `{`, "decoding openai response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			s := NewOpenAI(context.Background(), srv.URL, "m", "")
			_, err := s.TokenScores(context.Background(), "a b")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type fakeDownloader struct {
	files map[string]string
	asked []string
}

func (f *fakeDownloader) Download(_ context.Context, kind hub.Kind, repo, revision, file string) (string, error) {
	key := fmt.Sprintf("%s:%s@%s/%s", kind, repo, revision, file)
	f.asked = append(f.asked, key)
	if p, ok := f.files[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("downloading %s: %w", file, hub.ErrNotFound)
}

func TestLocatorResolveGGUF(t *testing.T) {
	ctx := context.Background()
	local := writeTiny(t)

	ollamaDir := t.TempDir()
	manifest := filepath.Join(ollamaDir, "manifests", "registry.ollama.ai", "library", "tiny", "latest")
	require.NoError(t, os.MkdirAll(filepath.Dir(manifest), 0o755))
	data, _ := json.Marshal(ollama.Manifest{SchemaVersion: 2, Layers: []ollama.Layer{
		{MediaType: ollama.MediaTypeModel, Digest: "sha256:feed"},
	}})
	require.NoError(t, os.WriteFile(manifest, data, 0o644))
	blob := filepath.Join(ollamaDir, "blobs", "sha256-feed")
	require.NoError(t, os.MkdirAll(filepath.Dir(blob), 0o755))
	require.NoError(t, os.WriteFile(blob, []byte("GGUF"), 0o644))

	dl := &fakeDownloader{files: map[string]string{
		"model:org/repo@main/tiny.Q8_0.gguf": "/cache/main.gguf",
		"model:org/repo@v2/tiny.Q8_0.gguf":   "/cache/v2.gguf",
	}}
	loc := &Locator{Hub: dl, OllamaDir: ollamaDir}

	tests := []struct {
		model   string
		want    string
		wantErr string
	}{
		{local, local, ""},
		{"ollama:tiny", blob, ""},
		{"hf:org/repo/tiny.Q8_0.gguf", "/cache/main.gguf", ""},
		{"org/repo/tiny.Q8_0.gguf@v2", "/cache/v2.gguf", ""},
		{"org/repo", "", "expected a local file"},
		{"org/repo/README.md", "", "expected a local file"},
		{"ollama:missing", "", "not found"},
		{"noslash", "", "expected <org>/<repo>"},
		{"org/repo/x.gguf@", "", "empty revision"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := loc.ResolveGGUF(ctx, tt.model)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&Locator{}).ResolveGGUF(ctx, "org/repo/x.gguf")
	assert.ErrorContains(t, err, "no hub client")
}

type fakeEncoder map[string][]int

func (f fakeEncoder) Encode(text string) ([]int, []string, error) {
	ids, ok := f[text]
	if !ok {
		return nil, nil, errors.New("unknown text")
	}
	pieces := make([]string, len(ids))
	for i, id := range ids {
		pieces[i] = fmt.Sprintf(" t%d", id)
	}
	return ids, pieces, nil
}

type fakeLogits struct {
	vocab  int
	rows   int // overrides the number of rows returned when > 0
	closed bool
}

func (f *fakeLogits) Logits(_ context.Context, ids []int) ([][]float32, error) {
	n := len(ids)
	if f.rows > 0 {
		n = f.rows
	}
	out := make([][]float32, n)
	for i := range out {
		// Uniform distribution over the vocabulary.
		out[i] = make([]float32, f.vocab)
	}
	return out, nil
}

func (f *fakeLogits) Close() error {
	f.closed = true
	return nil
}

func TestONNXScorerTokenScores(t *testing.T) {
	model := &fakeLogits{vocab: 8}
	s := &ONNXScorer{name: "org/repo", enc: fakeEncoder{"x y z": {3, 1, 7}, "big": {1, 9}, "": {}}, model: model}
	assert.Equal(t, "onnx:org/repo", s.Name())

	scores, err := s.TokenScores(context.Background(), "x y z")
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Equal(t, "t3", scores[0].Token)
	assert.Zero(t, scores[0].Surprisal)
	// -log(1/8)
	assert.InDelta(t, 2.0794415416798357, scores[1].Surprisal, 1e-6)
	assert.InDelta(t, 2.0794415416798357, scores[2].Surprisal, 1e-6)

	_, err = s.TokenScores(context.Background(), "big")
	assert.ErrorContains(t, err, "outside vocabulary")

	_, err = s.TokenScores(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyText)

	model.rows = 1
	_, err = s.TokenScores(context.Background(), "x y z")
	assert.ErrorContains(t, err, "logit rows")

	require.NoError(t, s.Close())
	assert.True(t, model.closed)
}

func TestResolveONNXFiles(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte("{}"), 0o644))
	_, _, err := resolveONNXFiles(ctx, nil, dir)
	assert.ErrorContains(t, err, "no model.onnx")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onnx", "model.onnx"), []byte("x"), 0o644))
	tok, model, err := resolveONNXFiles(ctx, nil, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tokenizer.json"), tok)
	assert.Equal(t, filepath.Join(dir, "onnx", "model.onnx"), model)

	// Falls back to the repo root when onnx/model.onnx is absent.
	dl := &fakeDownloader{files: map[string]string{
		"model:org/repo@main/tokenizer.json": "/c/tokenizer.json",
		"model:org/repo@main/model.onnx":     "/c/model.onnx",
	}}
	tok, model, err = resolveONNXFiles(ctx, dl, "org/repo")
	require.NoError(t, err)
	assert.Equal(t, "/c/tokenizer.json", tok)
	assert.Equal(t, "/c/model.onnx", model)
	assert.Contains(t, dl.asked, "model:org/repo@main/model.onnx_data")

	_, _, err = resolveONNXFiles(ctx, &fakeDownloader{files: map[string]string{
		"model:org/repo@main/tokenizer.json": "/c/tokenizer.json",
	}}, "org/repo")
	assert.ErrorIs(t, err, hub.ErrNotFound)

	_, _, err = resolveONNXFiles(ctx, nil, "org/repo")
	assert.ErrorContains(t, err, "no hub client")
}

func TestEmptyCacheShape(t *testing.T) {
	assert.Equal(t, ort.NewShape(1, 4, 0, 8), emptyCacheShape(ort.NewShape(-1, 4, -1, 8)))
	assert.Equal(t, ort.NewShape(2, 3), emptyCacheShape(ort.NewShape(2, 3)))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultRun()
	cfg.Model = writeTiny(t)
	cfg.Cache = t.TempDir()

	s, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	_, isMemo := s.(*Memo)
	assert.True(t, isMemo)
	assert.True(t, strings.HasPrefix(s.Name(), "gguf:"))
	_, err = s.TokenScores(ctx, "the dog")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, filepath.Join(cfg.Cache, MemoFileName))

	cfg.NoMemo = true
	s, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	_, isGGUF := s.(*GGUFScorer)
	assert.True(t, isGGUF)
	require.NoError(t, s.Close())

	cfg.Backend = config.BackendOpenAI
	cfg.Endpoint = "http://localhost:1"
	s, err = Open(ctx, cfg, nil)
	require.NoError(t, err)
	_, isOpenAI := s.(*OpenAIScorer)
	assert.True(t, isOpenAI)

	cfg.Backend = "tpu"
	_, err = Open(ctx, cfg, nil)
	assert.ErrorContains(t, err, "unsupported value 'tpu'")
}
