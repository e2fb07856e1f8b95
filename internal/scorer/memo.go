package scorer

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

// MemoFileName is the memo database inside the cache directory.
const MemoFileName = "scores.db"

var (
	//go:embed sql/*
	ddl embed.FS
)

// Memo caches token scores of an inner scorer in sqlite, keyed by the
// scorer identity and the exact text. Scorers implementing Identifier are
// keyed on the model they loaded; others on their name.
type Memo struct {
	inner Scorer
	key   string
	db    *sql.DB
}

// NewMemo opens (and if needed creates) the memo database at path.
func NewMemo(inner Scorer, path string) (*Memo, error) {
	if path == "" {
		return nil, errors.New("memo path not specified")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating memo dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memo database %s: %w", path, err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	b, err := ddl.ReadFile("sql/memo.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read the memo schema: %w", err)
	}
	if _, err := db.Exec(string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create memo schema in %s: %w", path, err)
	}
	key := identityOf(inner)
	logger.Log.Debug("score memo opened", "path", path, "scorer", inner.Name(), "key", key)
	return &Memo{inner: inner, key: key, db: db}, nil
}

func (m *Memo) Name() string { return m.inner.Name() }

func (m *Memo) TokenScores(ctx context.Context, text string) ([]TokenScore, error) {
	var raw string
	err := m.db.QueryRowContext(ctx,
		`SELECT scores FROM token_scores WHERE scorer = ? AND text = ?`, m.key, text).Scan(&raw)
	switch {
	case err == nil:
		var scores []TokenScore
		if jerr := json.Unmarshal([]byte(raw), &scores); jerr == nil {
			metrics.RecordMemo(true)
			return scores, nil
		}
		logger.Log.Warn("discarding unreadable memo entry", "scorer", m.inner.Name(), "key", m.key)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("reading memo: %w", err)
	}
	metrics.RecordMemo(false)

	scores, err := m.inner.TokenScores(ctx, text)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(scores)
	if err != nil {
		return nil, err
	}
	if _, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO token_scores (scorer, text, scores, created_at) VALUES (?, ?, ?, ?)`,
		m.key, text, string(b), time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("writing memo: %w", err)
	}
	return scores, nil
}

// Len is the number of memoised texts for the inner scorer's identity.
func (m *Memo) Len(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM token_scores WHERE scorer = ?`, m.key).Scan(&n)
	return n, err
}

func (m *Memo) Close() error {
	err := m.inner.Close()
	if cerr := m.db.Close(); err == nil {
		err = cerr
	}
	return err
}
