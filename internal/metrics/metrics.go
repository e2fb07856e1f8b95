package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

var (
	ExamplesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_examples_scored_total",
		Help: "Number of dataset examples scored",
	}, []string{"benchmark", "lang", "kind"})

	TokensScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surprisal_tokens_scored_total",
		Help: "Number of tokens that received a surprisal value",
	})

	ScoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "surprisal_score_duration_seconds",
		Help:    "Time spent scoring one example",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"backend"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surprisal_forward_duration_seconds",
		Help:    "Duration of one CPU forward pass over a token sequence",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	LastWordMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surprisal_lastword_misses_total",
		Help: "Continuations whose last word could not be aligned with model tokens",
	})

	MemoHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surprisal_memo_hits_total",
		Help: "Token score lookups served by the score memo",
	})

	MemoMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surprisal_memo_misses_total",
		Help: "Token score lookups that had to run the model",
	})

	DownloadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_download_bytes_total",
		Help: "Bytes fetched from the model and dataset hub",
	}, []string{"kind"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surprisal_context_length_tokens",
		Help:    "Distribution of scored sequence lengths",
		Buckets: []float64{4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected in logits",
	}, []string{"type"})
)

// RecordExample counts one scored example and its latency.
func RecordExample(benchmark, lang, kind, backend string, duration time.Duration) {
	ExamplesScored.WithLabelValues(benchmark, lang, kind).Inc()
	ScoreDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordTokens counts tokens in a scored sequence.
func RecordTokens(n int) {
	TokensScored.Add(float64(n))
	ContextLengthHistogram.Observe(float64(n))
}

func RecordForward(duration time.Duration) {
	ForwardDuration.Observe(duration.Seconds())
}

func RecordLastWordMiss() {
	LastWordMisses.Inc()
}

func RecordMemo(hit bool) {
	if hit {
		MemoHits.Inc()
		return
	}
	MemoMisses.Inc()
}

func RecordDownload(kind string, bytes int64) {
	DownloadBytes.WithLabelValues(kind).Add(float64(bytes))
}

func RecordNumericalInstability(nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues("nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues("inf").Add(float64(infCount))
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("Metrics serving", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
