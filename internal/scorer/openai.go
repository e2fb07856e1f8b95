package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

// OpenAIScorer reads prompt log-probabilities from an OpenAI compatible
// /completions endpoint (vLLM, llama.cpp server, text-generation-inference).
type OpenAIScorer struct {
	endpoint string
	model    string
	http     *http.Client
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Echo        bool    `json:"echo"`
	MaxTokens   int     `json:"max_tokens"`
	Logprobs    int     `json:"logprobs"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Logprobs *struct {
			Tokens        []string   `json:"tokens"`
			TokenLogprobs []*float64 `json:"token_logprobs"`
		} `json:"logprobs"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

var ErrNoLogprobs = errors.New("openai: response carries no prompt logprobs")

// NewOpenAI returns a scorer for model served at endpoint. A non-empty
// apiKey is sent as a bearer token.
func NewOpenAI(ctx context.Context, endpoint, model, apiKey string) *OpenAIScorer {
	hc := &http.Client{Timeout: 5 * time.Minute}
	if apiKey != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{TokenType: "Bearer", AccessToken: apiKey})
		hc = oauth2.NewClient(ctx, ts)
		hc.Timeout = 5 * time.Minute
	}
	return &OpenAIScorer{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		http:     hc,
	}
}

func (s *OpenAIScorer) Name() string { return "openai:" + s.model }

// Identity includes the endpoint: the same model name on two servers may be
// different weights.
func (s *OpenAIScorer) Identity() string { return "openai:" + s.endpoint + "#" + s.model }

func (s *OpenAIScorer) TokenScores(ctx context.Context, text string) ([]TokenScore, error) {
	body, err := json.Marshal(completionRequest{
		Model:  s.model,
		Prompt: text,
		Echo:   true,
		// Score the prompt only.
		MaxTokens: 0,
		Logprobs:  1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai response: %w", err)
	}
	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("openai: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
		}
		return nil, fmt.Errorf("decoding openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if out.Error != nil {
			msg += ": " + out.Error.Message
		}
		return nil, fmt.Errorf("openai: %s", msg)
	}
	metrics.RecordForward(time.Since(start))

	if len(out.Choices) == 0 || out.Choices[0].Logprobs == nil {
		return nil, ErrNoLogprobs
	}
	lp := out.Choices[0].Logprobs
	if len(lp.Tokens) == 0 {
		return nil, ErrEmptyText
	}
	if len(lp.TokenLogprobs) != len(lp.Tokens) {
		return nil, fmt.Errorf("openai: %d tokens but %d logprobs", len(lp.Tokens), len(lp.TokenLogprobs))
	}

	logProbs := make([]float64, len(lp.Tokens))
	for i, v := range lp.TokenLogprobs {
		if i == 0 {
			continue
		}
		if v == nil {
			return nil, fmt.Errorf("openai: missing logprob for token %d %q", i, lp.Tokens[i])
		}
		logProbs[i] = *v
	}
	metrics.RecordTokens(len(lp.Tokens))
	return fromLogProbs(lp.Tokens, logProbs), nil
}

func (s *OpenAIScorer) Close() error {
	s.http.CloseIdleConnections()
	return nil
}
