package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-surprisal/internal/auth"
	"github.com/23skdu/longbow-surprisal/internal/config"
	"github.com/23skdu/longbow-surprisal/internal/dataset"
	"github.com/23skdu/longbow-surprisal/internal/eval"
	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/hub"
	"github.com/23skdu/longbow-surprisal/internal/scorer"
)

func cacheDir(cmd *cli.Command) string {
	if dir := cmd.String(cacheFlag); dir != "" {
		return dir
	}
	return config.DefaultCacheDir()
}

func authCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage the stored Hugging Face token",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "Store a Hugging Face token in the OS keychain",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: tokenFlag, Usage: "Token to store", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					where, err := auth.NewStore(cacheDir(cmd)).Save(cmd.String(tokenFlag))
					if err != nil {
						return fmt.Errorf("failed to save token: %w", err)
					}
					fmt.Fprintf(stdout, "Token saved to: %s\n", where)
					return nil
				},
			},
			{
				Name:  "logout",
				Usage: "Remove the stored Hugging Face token",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := auth.NewStore(cacheDir(cmd)).Delete(); err != nil {
						return fmt.Errorf("failed to delete token: %w", err)
					}
					fmt.Fprintln(stdout, "Token removed")
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Report whether a token is available",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if auth.Resolve("", auth.NewStore(cacheDir(cmd))) == "" {
						fmt.Fprintln(stdout, "No token configured")
						return nil
					}
					fmt.Fprintln(stdout, "Token configured")
					return nil
				},
			},
		},
	}
}

func inspectCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the metadata report of a GGUF model",
		ArgsUsage: "<model>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			model := cmd.Args().First()
			if model == "" {
				model = cmd.String(modelFlag)
			}
			if model == "" {
				return errors.New("model: must be specified")
			}

			token := auth.Resolve(cmd.String(tokenFlag), auth.NewStore(cacheDir(cmd)))
			loc := &scorer.Locator{
				Hub:       hub.NewClient(ctx, "", cacheDir(cmd), token),
				OllamaDir: cmd.String(ollamaDirFlag),
			}
			path, err := loc.ResolveGGUF(ctx, model)
			if err != nil {
				return err
			}
			f, err := gguf.LoadFile(path)
			if err != nil {
				return fmt.Errorf("failed to load model: %w", err)
			}
			defer f.Close()

			fmt.Fprint(stdout, gguf.Analyze(f).String())
			return nil
		},
	}
}

func scoreCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "Print the per-token surprisal of one sentence",
		ArgsUsage: "<sentence>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.Join(cmd.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return errors.New("sentence: must be specified")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			hc := hub.NewClient(ctx, "", cfg.Cache, auth.Resolve(cfg.Token, auth.NewStore(cfg.Cache)))
			s, err := scorer.Open(ctx, cfg, hc)
			if err != nil {
				return fmt.Errorf("loading model %s: %w", cfg.Model, err)
			}
			defer s.Close()

			scores, err := s.TokenScores(ctx, text)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tTOKEN\tSURPRISAL")
			for i, ts := range scores {
				fmt.Fprintf(tw, "%d\t%q\t%s\n", i, ts.Token, eval.FormatFloat(ts.Surprisal))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Total: %s\n", eval.FormatFloat(scorer.Total(scores)))
			return nil
		},
	}
}

func datasetsCmd(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "datasets",
		Usage: "List the supported benchmark and language combinations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATASET\tLANG\tREPO\tSPLIT")
			for _, s := range dataset.Supported() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Benchmark, s.Lang, s.Repo, s.Split)
			}
			return tw.Flush()
		},
	}
}
