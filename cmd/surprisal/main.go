package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/dataset"
	"github.com/23skdu/longbow-surprisal/internal/logger"
)

var (
	version = "v0.0.1-default"
	commit  = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit status.
// Unsupported benchmark selections print their message on stdout.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	app := newApp(stdout)
	err := app.Run(ctx, args)
	if err == nil {
		return 0
	}

	var unsupported *dataset.UnsupportedError
	if errors.As(err, &unsupported) {
		fmt.Fprintln(stdout, unsupported.Error())
		return 1
	}
	logger.Log.Error("fatal error", "error", err)
	return 1
}

func newApp(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "surprisal",
		Usage:   "Evaluate linguistic acceptability of causal language models with surprisal",
		Version: fmt.Sprintf("%s - (commit: %s)", version, commit),
		Writer:  stdout,
		Flags:   evalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger.Setup(cmd.String(logLevelFlag), cmd.String(logFormatFlag))
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return evaluate(ctx, cmd, stdout)
		},
		Commands: []*cli.Command{
			authCmd(stdout),
			inspectCmd(stdout),
			scoreCmd(stdout),
			datasetsCmd(stdout),
		},
	}
}

// loadConfig reads the optional config file and environment, then applies
// every flag the user set explicitly.
func loadConfig(cmd *cli.Command) (config.RunConfig, error) {
	cfg, err := config.Load(cmd.String(configFlag))
	if err != nil {
		return cfg, err
	}

	strs := map[string]*string{
		modelFlag:     &cfg.Model,
		cacheFlag:     &cfg.Cache,
		langFlag:      &cfg.Lang,
		datasetFlag:   &cfg.Dataset,
		tokenFlag:     &cfg.Token,
		backendFlag:   &cfg.Backend,
		endpointFlag:  &cfg.Endpoint,
		ortLibFlag:    &cfg.OrtLib,
		ollamaDirFlag: &cfg.OllamaDir,
		resultsFlag:   &cfg.Results,
		flightFlag:    &cfg.Flight,
		formatFlag:    &cfg.Format,
		metricsFlag:   &cfg.Metrics,
		logLevelFlag:  &cfg.LogLevel,
		logFormatFlag: &cfg.LogFormat,
	}
	for name, dst := range strs {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	if cmd.IsSet(limitFlag) {
		cfg.Limit = cmd.Int(limitFlag)
	}
	if cmd.IsSet(threadsFlag) {
		cfg.Threads = cmd.Int(threadsFlag)
	}
	if cmd.IsSet(noMemoFlag) {
		cfg.NoMemo = cmd.Bool(noMemoFlag)
	}
	return cfg, nil
}
