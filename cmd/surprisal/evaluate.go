package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-surprisal/internal/auth"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/dataset"
	"github.com/23skdu/longbow-surprisal/internal/eval"
	"github.com/23skdu/longbow-surprisal/internal/export"
	"github.com/23skdu/longbow-surprisal/internal/hub"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
	"github.com/23skdu/longbow-surprisal/internal/scorer"
)

const (
	modelFlag     = "model"
	cacheFlag     = "cache"
	langFlag      = "lang"
	datasetFlag   = "dataset"
	tokenFlag     = "token"
	testFlag      = "test"
	backendFlag   = "backend"
	endpointFlag  = "endpoint"
	ortLibFlag    = "ort-lib"
	ollamaDirFlag = "ollama-dir"
	limitFlag     = "limit"
	threadsFlag   = "threads"
	resultsFlag   = "results"
	flightFlag    = "flight"
	formatFlag    = "format"
	noMemoFlag    = "no-memo"
	metricsFlag   = "metrics"
	configFlag    = "config"
	logLevelFlag  = "log-level"
	logFormatFlag = "log-format"
)

func evalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: modelFlag, Usage: "Model to score with: GGUF path, ollama:<name>, <org>/<repo>/<file>.gguf, onnx repo or served model name", Sources: cli.EnvVars("SURPRISAL_MODEL")},
		&cli.StringFlag{Name: cacheFlag, Usage: "Directory where models, datasets and scores are cached", Sources: cli.EnvVars("SURPRISAL_CACHE")},
		&cli.StringFlag{Name: langFlag, Usage: "Language of the dataset (gl, en, cat, es, it, pt)"},
		&cli.StringFlag{Name: datasetFlag, Usage: "Dataset to evaluate (cola or calame)"},
		&cli.StringFlag{Name: tokenFlag, Usage: "Hugging Face authentication token", Sources: cli.EnvVars("HF_TOKEN")},
		&cli.BoolFlag{Name: testFlag, Usage: "Run the built-in self test and exit"},
		&cli.StringFlag{Name: backendFlag, Usage: "Scoring backend: gguf, onnx or openai", Value: config.BackendGGUF},
		&cli.StringFlag{Name: endpointFlag, Usage: "Base URL of an OpenAI compatible server (openai backend)", Sources: cli.EnvVars("SURPRISAL_ENDPOINT")},
		&cli.StringFlag{Name: ortLibFlag, Usage: "Path to the onnxruntime shared library (onnx backend)", Sources: cli.EnvVars("ONNXRUNTIME_LIB")},
		&cli.StringFlag{Name: ollamaDirFlag, Usage: "Ollama models directory", Sources: cli.EnvVars("OLLAMA_MODELS")},
		&cli.IntFlag{Name: limitFlag, Usage: "Score at most N examples per list (0 scores all)"},
		&cli.IntFlag{Name: threadsFlag, Usage: "Worker goroutines for the CPU forward pass (0 uses all CPUs)"},
		&cli.StringFlag{Name: resultsFlag, Usage: "Write per-example scores to a .parquet or .jsonl file"},
		&cli.StringFlag{Name: flightFlag, Usage: "Stream per-example scores to an Arrow Flight server (host:port)"},
		&cli.StringFlag{Name: formatFlag, Usage: "Summary format: text, json or yaml", Value: config.FormatText},
		&cli.BoolFlag{Name: noMemoFlag, Usage: "Do not read or write the score memo"},
		&cli.StringFlag{Name: metricsFlag, Usage: "Address to serve Prometheus metrics on (disabled when empty)"},
		&cli.StringFlag{Name: configFlag, Usage: "Optional YAML config file"},
		&cli.StringFlag{Name: logLevelFlag, Usage: "Log level: debug, info, warn, error", Value: "info"},
		&cli.StringFlag{Name: logFormatFlag, Usage: "Log format: console or json", Value: "console"},
	}
}

// evaluate runs one benchmark. Failing to close the scorer or the result
// sinks fails the run: a sink that cannot be closed may have left a
// truncated file or an unacknowledged Flight stream.
func evaluate(ctx context.Context, cmd *cli.Command, stdout io.Writer) (err error) {
	if cmd.Bool(testFlag) {
		return selfTest(stdout)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// Reject unknown benchmarks before any model is fetched.
	src, err := dataset.Lookup(cfg.Dataset, cfg.Lang)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Metrics != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics); err != nil {
				logger.Log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	token := auth.Resolve(cfg.Token, auth.NewStore(cfg.Cache))
	hc := hub.NewClient(ctx, "", cfg.Cache, token)

	s, err := scorer.Open(ctx, cfg, hc)
	if err != nil {
		return fmt.Errorf("loading model %s: %w", cfg.Model, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing scorer: %w", cerr)
		}
	}()
	logger.Log.Info("Scorer ready", "scorer", s.Name(), "backend", cfg.Backend)

	sink, err := export.Open(ctx, cfg.Results, cfg.Flight)
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if cerr := sink.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("closing result sinks: %w", cerr)
			}
		}()
	}

	runner := &eval.Runner{
		Scorer:  s,
		Model:   cfg.Model,
		Backend: cfg.Backend,
		Lang:    cfg.Lang,
		Sink:    sink,
		Out:     stdout,
	}
	loader := dataset.NewLoader(hc, cfg.Limit)

	var report eval.Report
	switch src.Benchmark {
	case dataset.CoLA:
		pairs, err := loader.CoLA(ctx, src)
		if err != nil {
			return err
		}
		if report, err = runner.CoLA(ctx, pairs); err != nil {
			return err
		}
	case dataset.Calame:
		sentences, err := loader.Calame(ctx, src)
		if err != nil {
			return err
		}
		if report, err = runner.Calame(ctx, sentences); err != nil {
			return err
		}
	}
	return eval.WriteReport(stdout, cfg.Format, report)
}
