// Package eval scores benchmark examples and aggregates the results.
package eval

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/23skdu/longbow-surprisal/internal/dataset"
	"github.com/23skdu/longbow-surprisal/internal/export"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
	"github.com/23skdu/longbow-surprisal/internal/scorer"
)

const progressEvery = 100

// Runner scores examples one at a time with a single scorer.
type Runner struct {
	Scorer scorer.Scorer
	// Model is the name printed in reports.
	Model   string
	Backend string
	Lang    string
	// Sink receives every scored example when set.
	Sink export.Sink
	// Out receives alignment miss messages; nil means stdout.
	Out io.Writer
}

func (r *Runner) out() io.Writer {
	if r.Out == nil {
		return os.Stdout
	}
	return r.Out
}

// CoLA scores every good and bad sentence by summed surprisal.
func (r *Runner) CoLA(ctx context.Context, pairs dataset.Pairs) (*CoLAResult, error) {
	good, err := r.sequenceScores(ctx, export.KindGood, pairs.Good)
	if err != nil {
		return nil, err
	}
	bad, err := r.sequenceScores(ctx, export.KindBad, pairs.Bad)
	if err != nil {
		return nil, err
	}

	goodMean := Round(Mean(good), 4)
	badMean := Round(Mean(bad), 4)
	res := &CoLAResult{
		Model:      r.Model,
		Lang:       r.Lang,
		GoodMean:   Score(goodMean),
		BadMean:    Score(badMean),
		Difference: Score(Round(badMean-goodMean, 4)),
		Good:       len(good),
		Bad:        len(bad),
	}
	logger.Log.Info("CoLA evaluation finished", "model", r.Model, "lang", r.Lang,
		"good_mean", goodMean, "bad_mean", badMean)
	return res, nil
}

func (r *Runner) sequenceScores(ctx context.Context, kind string, texts []string) ([]*float64, error) {
	out := make([]*float64, 0, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		scores, err := r.Scorer.TokenScores(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("scoring %s example %d: %w", kind, i, err)
		}
		metrics.RecordExample(dataset.CoLA, r.Lang, kind, r.Backend, time.Since(start))

		v := scorer.Total(scores)
		out = append(out, &v)
		if err := r.emit(ctx, dataset.CoLA, kind, i, text, len(scores), &v); err != nil {
			return nil, err
		}
		r.progress(kind, i+1, len(texts))
	}
	return out, nil
}

// Calame scores the last word of every continuation. Sentences whose last
// word cannot be aligned are left out of the mean.
func (r *Runner) Calame(ctx context.Context, sentences []string) (*CalameResult, error) {
	scores := make([]*float64, 0, len(sentences))
	missed := 0
	for i, text := range sentences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		tokens, err := r.Scorer.TokenScores(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("scoring continuation %d: %w", i, err)
		}
		metrics.RecordExample(dataset.Calame, r.Lang, export.KindContinuation, r.Backend, time.Since(start))

		var sp *float64
		if v, ok := LastWordSurprisal(r.out(), text, tokens); ok {
			sp = &v
		} else {
			missed++
		}
		scores = append(scores, sp)
		if err := r.emit(ctx, dataset.Calame, export.KindContinuation, i, text, len(tokens), sp); err != nil {
			return nil, err
		}
		r.progress(export.KindContinuation, i+1, len(sentences))
	}

	mean := Round(Mean(scores), 4)
	logger.Log.Info("Calame evaluation finished", "model", r.Model, "lang", r.Lang,
		"mean", mean, "missed", missed)
	return &CalameResult{
		Model:  r.Model,
		Lang:   r.Lang,
		Mean:   Score(mean),
		Scored: len(scores) - missed,
		Missed: missed,
	}, nil
}

func (r *Runner) emit(ctx context.Context, benchmark, kind string, index int, text string, tokens int, sp *float64) error {
	if r.Sink == nil {
		return nil
	}
	err := r.Sink.Write(ctx, export.Record{
		Model:     r.Model,
		Benchmark: benchmark,
		Lang:      r.Lang,
		Kind:      kind,
		Index:     index,
		Text:      text,
		Tokens:    tokens,
		Surprisal: sp,
	})
	if err != nil {
		return fmt.Errorf("exporting %s example %d: %w", kind, index, err)
	}
	return nil
}

func (r *Runner) progress(kind string, done, total int) {
	if done%progressEvery == 0 || done == total {
		logger.Log.Debug("Scoring progress", "kind", kind, "done", done, "total", total)
	}
}
