package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"
)

type Kind string

const (
	KindModel   Kind = "model"
	KindDataset Kind = "dataset"
)

var (
	ErrNotFound     = errors.New("hub: not found")
	ErrUnauthorized = errors.New("hub: unauthorized (gated or private repository, check the token)")
)

// downloadTimeout bounds a single request, including the body of a model file.
const downloadTimeout = 30 * time.Minute

// Client fetches model files and dataset shards from a Hugging Face
// compatible hub and caches them on disk.
type Client struct {
	Endpoint string
	CacheDir string
	http     *http.Client
}

// NewClient returns a client. A non-empty token is sent as a bearer token.
func NewClient(ctx context.Context, endpoint, cacheDir, token string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("HF_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	hc := &http.Client{Timeout: downloadTimeout}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{
			TokenType:   "Bearer",
			AccessToken: token,
		})
		hc = oauth2.NewClient(ctx, ts)
		hc.Timeout = downloadTimeout
	}
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		CacheDir: cacheDir,
		http:     hc,
	}
}

func (c *Client) repoPrefix(kind Kind) string {
	if kind == KindDataset {
		return "datasets/"
	}
	return ""
}

// LocalPath is where Download stores a file.
func (c *Client) LocalPath(kind Kind, repo, revision, file string) string {
	return filepath.Join(c.CacheDir, "hub", string(kind)+"s", filepath.FromSlash(repo), revision, filepath.FromSlash(file))
}

// Download fetches file from repo at revision unless it is already cached,
// and returns the local path.
func (c *Client) Download(ctx context.Context, kind Kind, repo, revision, file string) (string, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	dst := c.LocalPath(kind, repo, revision, file)
	if _, err := os.Stat(dst); err == nil {
		logger.Log.Debug("Hub cache hit", "repo", repo, "file", file)
		return dst, nil
	}

	u := fmt.Sprintf("%s/%s%s/resolve/%s/%s", c.Endpoint, c.repoPrefix(kind), repo, url.PathEscape(revision), file)
	if err := c.fetch(ctx, u, dst, string(kind)); err != nil {
		return "", fmt.Errorf("downloading %s from %s: %w", file, repo, err)
	}
	return dst, nil
}

// ParquetFiles returns local copies of the parquet shards the hub converted
// for a dataset config and split, downloading them on first use.
func (c *Client) ParquetFiles(ctx context.Context, repo, config, split string) ([]string, error) {
	dir := filepath.Join(c.CacheDir, "hub", "datasets", filepath.FromSlash(repo), "parquet", config, split)
	index := filepath.Join(dir, "shards.json")

	if data, err := os.ReadFile(index); err == nil {
		var files []string
		if err := json.Unmarshal(data, &files); err == nil && allExist(files) {
			logger.Log.Debug("Parquet shards cached", "repo", repo, "config", config, "split", split, "shards", len(files))
			return files, nil
		}
	}

	urls, err := c.listParquet(ctx, repo, config, split)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no parquet shards for %s/%s/%s", ErrNotFound, repo, config, split)
	}

	files := make([]string, 0, len(urls))
	for i, u := range urls {
		name := fmt.Sprintf("%04d-%s", i, path.Base(u))
		if !strings.HasSuffix(name, ".parquet") {
			name += ".parquet"
		}
		dst := filepath.Join(dir, name)
		if err := c.fetch(ctx, u, dst, string(KindDataset)); err != nil {
			return nil, fmt.Errorf("downloading shard %d of %s: %w", i, repo, err)
		}
		files = append(files, dst)
	}

	data, _ := json.Marshal(files)
	if err := writeAtomic(index, strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	logger.Log.Info("Dataset downloaded", "repo", repo, "config", config, "split", split, "shards", len(files))
	return files, nil
}

func (c *Client) listParquet(ctx context.Context, repo, config, split string) ([]string, error) {
	u := fmt.Sprintf("%s/api/datasets/%s/parquet/%s/%s", c.Endpoint, repo, url.PathEscape(config), url.PathEscape(split))
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("listing parquet shards of %s: %w", repo, err)
	}
	defer resp.Body.Close()

	var urls []string
	if err := json.NewDecoder(resp.Body).Decode(&urls); err != nil {
		return nil, fmt.Errorf("decoding parquet listing of %s: %w", repo, err)
	}
	return urls, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "longbow-surprisal")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, u)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s: %s", u, resp.Status, strings.TrimSpace(string(body)))
	}
}

func (c *Client) fetch(ctx context.Context, u, dst, kind string) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	cr := &countingReader{r: resp.Body}
	if err := writeAtomic(dst, cr); err != nil {
		return err
	}
	metrics.RecordDownload(kind, cr.n)
	logger.Log.Debug("Downloaded", "url", u, "bytes", cr.n, "path", dst)
	return nil
}

// writeAtomic writes r to a temporary file next to dst and renames it into
// place, so readers never observe partial files.
func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func allExist(files []string) bool {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return len(files) > 0
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
