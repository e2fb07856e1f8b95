package scorer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/engine"
	"github.com/23skdu/longbow-surprisal/internal/logger"
)

// Open builds the scorer selected by cfg.Backend and, unless disabled,
// wraps it in the sqlite memo under cfg.Cache.
func Open(ctx context.Context, cfg config.RunConfig, dl Downloader) (Scorer, error) {
	var (
		s   Scorer
		err error
	)
	switch cfg.Backend {
	case config.BackendGGUF, "":
		loc := &Locator{Hub: dl, OllamaDir: cfg.OllamaDir}
		var path string
		if path, err = loc.ResolveGGUF(ctx, cfg.Model); err != nil {
			return nil, err
		}
		s, err = OpenGGUF(path, cfg.Model, engine.Options{Threads: cfg.Threads})
	case config.BackendONNX:
		s, err = OpenONNX(ctx, dl, ONNXOptions{Lib: cfg.OrtLib, Model: cfg.Model})
	case config.BackendOpenAI:
		s = NewOpenAI(ctx, cfg.Endpoint, cfg.Model, os.Getenv("OPENAI_API_KEY"))
	default:
		return nil, fmt.Errorf("backend: unsupported value '%s'", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.NoMemo || cfg.Cache == "" {
		return s, nil
	}
	path := filepath.Join(cfg.Cache, MemoFileName)
	m, err := NewMemo(s, path)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	n, err := m.Len(ctx)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("reading memo: %w", err)
	}
	logger.Log.Info("Score memo ready", "path", path, "entries", n)
	return m, nil
}
