package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	*httptest.Server
	hits atomic.Int32
	auth atomic.Value
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/tiny/model/resolve/main/config.json", func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		h.auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"vocab_size": 10}`))
	})
	mux.HandleFunc("/datasets/gated/set/resolve/main/data.csv", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/api/datasets/org/cola/parquet/default/test", func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		_ = json.NewEncoder(w).Encode([]string{
			h.URL + "/shards/0000.parquet",
			h.URL + "/shards/0001.parquet",
		})
	})
	mux.HandleFunc("/api/datasets/org/empty/parquet/default/test", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/shards/", func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		_, _ = w.Write([]byte("PAR1" + r.URL.Path))
	})
	h.Server = httptest.NewServer(mux)
	t.Cleanup(h.Close)
	return h
}

func TestDownload(t *testing.T) {
	h := newFakeHub(t)
	c := NewClient(context.Background(), h.URL, t.TempDir(), "hf_secret")

	p, err := c.Download(context.Background(), KindModel, "tiny/model", "", "config.json")
	require.NoError(t, err)
	assert.Equal(t, c.LocalPath(KindModel, "tiny/model", "main", "config.json"), p)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"vocab_size": 10}`, string(data))
	assert.Equal(t, "Bearer hf_secret", h.auth.Load())

	_, err = c.Download(context.Background(), KindModel, "tiny/model", "main", "config.json")
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.hits.Load(), "second download served from cache")
}

func TestDownloadErrors(t *testing.T) {
	h := newFakeHub(t)
	c := NewClient(context.Background(), h.URL, t.TempDir(), "")

	_, err := c.Download(context.Background(), KindDataset, "gated/set", "main", "data.csv")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Download(context.Background(), KindModel, "nope/nope", "main", "x.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParquetFiles(t *testing.T) {
	h := newFakeHub(t)
	c := NewClient(context.Background(), h.URL, t.TempDir(), "")

	files, err := c.ParquetFiles(context.Background(), "org/cola", "default", "test")
	require.NoError(t, err)
	require.Len(t, files, 2)
	data, err := os.ReadFile(files[1])
	require.NoError(t, err)
	assert.Equal(t, "PAR1/shards/0001.parquet", string(data))

	before := h.hits.Load()
	again, err := c.ParquetFiles(context.Background(), "org/cola", "default", "test")
	require.NoError(t, err)
	assert.Equal(t, files, again)
	assert.Equal(t, before, h.hits.Load(), "listing and shards reused from cache")

	_, err = c.ParquetFiles(context.Background(), "org/empty", "default", "test")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndpointFromEnv(t *testing.T) {
	t.Setenv("HF_ENDPOINT", "https://mirror.example/")
	c := NewClient(context.Background(), "", t.TempDir(), "")
	assert.Equal(t, "https://mirror.example", c.Endpoint)
}

func TestClientTimeout(t *testing.T) {
	ctx := context.Background()
	for _, token := range []string{"", "hf_secret"} {
		c := NewClient(ctx, "http://hub.invalid", t.TempDir(), token)
		assert.Equal(t, downloadTimeout, c.http.Timeout, "token %q", token)
	}
}
