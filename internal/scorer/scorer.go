package scorer

import (
	"context"
	"errors"
	"strings"
)

// TokenScore pairs a decoded token with its surprisal in nats.
type TokenScore struct {
	Token     string  `json:"token"`
	Surprisal float64 `json:"surprisal"`
}

// Scorer assigns per-token surprisal to a text. The first token has no
// context and is reported with surprisal 0; token i > 0 carries
// -log p(t_i | t_<i). Token strings are single decoded tokens with
// surrounding whitespace removed.
type Scorer interface {
	TokenScores(ctx context.Context, text string) ([]TokenScore, error)
	Name() string
	Close() error
}

var ErrEmptyText = errors.New("scorer: text produced no tokens")

// SequenceSurprisal is the summed surprisal of every token in text.
func SequenceSurprisal(ctx context.Context, s Scorer, text string) (float64, error) {
	scores, err := s.TokenScores(ctx, text)
	if err != nil {
		return 0, err
	}
	return Total(scores), nil
}

// Total sums the surprisal of a token list.
func Total(scores []TokenScore) float64 {
	var total float64
	for _, ts := range scores {
		total += ts.Surprisal
	}
	return total
}

// fromLogProbs builds token scores from tokens and log-probabilities where
// logProbs[i] is log p(t_i | t_<i); logProbs[0] is ignored.
func fromLogProbs(tokens []string, logProbs []float64) []TokenScore {
	out := make([]TokenScore, len(tokens))
	for i, tok := range tokens {
		out[i].Token = strings.TrimSpace(tok)
		if i > 0 {
			out[i].Surprisal = -logProbs[i]
		}
	}
	return out
}
