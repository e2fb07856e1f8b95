package scorer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-surprisal/internal/engine"
	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
	"github.com/23skdu/longbow-surprisal/internal/tokenizer"
)

// GGUFScorer scores text with a local GGUF model on the CPU engine.
type GGUFScorer struct {
	name string
	id   string
	file *gguf.GGUFFile
	tok  *tokenizer.Tokenizer
	eng  engine.Engine
}

// OpenGGUF loads the model, its tokenizer and a CPU engine from path.
func OpenGGUF(path, name string, opts engine.Options) (*GGUFScorer, error) {
	fp, err := fileFingerprint(path)
	if err != nil {
		return nil, err
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	tok, err := tokenizer.FromGGUF(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	eng, err := engine.New("cpu", f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".gguf")
	}
	return &GGUFScorer{name: name, id: "gguf@sha256:" + fp, file: f, tok: tok, eng: eng}, nil
}

func (s *GGUFScorer) Name() string { return "gguf:" + s.name }

// Identity fingerprints the loaded file, not the reference it came from.
func (s *GGUFScorer) Identity() string { return s.id }

// Tokenizer exposes the model tokenizer.
func (s *GGUFScorer) Tokenizer() *tokenizer.Tokenizer { return s.tok }

func (s *GGUFScorer) TokenScores(ctx context.Context, text string) ([]TokenScore, error) {
	ids := s.tok.Encode(text)
	if len(ids) == 0 {
		return nil, ErrEmptyText
	}
	if back := s.tok.Decode(ids); back != text {
		logger.Log.Debug("tokenization is lossy", "text", text, "decoded", back)
	}

	pieces := make([]string, len(ids))
	for i, id := range ids {
		pieces[i] = s.tok.Piece(id)
	}
	logProbs := make([]float64, len(ids))
	if len(ids) > 1 {
		// The last position predicts a token we do not score.
		logits, err := s.eng.Logits(ctx, ids[:len(ids)-1])
		if err != nil {
			return nil, err
		}
		for i := 1; i < len(ids); i++ {
			logProbs[i] = engine.LogProb(logits[i-1], ids[i])
		}
	}
	metrics.RecordTokens(len(ids))
	return fromLogProbs(pieces, logProbs), nil
}

func (s *GGUFScorer) Close() error {
	err := s.eng.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
