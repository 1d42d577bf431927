package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lantern/internal/inference"
	"github.com/samcharles93/lantern/internal/logger"
)

func runCmd() *cli.Command {
	var (
		modelPath  string
		prompt     string
		maxTokens  int64
		writeEvery int64
		temp       float64
		topK       int64
		seed       int64
		logLevel   string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model-path",
				Usage:       "path to the model directory containing weights.npz, config.json and tokenizer.json",
				Value:       "mlx_model",
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "the message to be processed by the model",
				Value:       "In the beginning the Universe was created.",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Aliases:     []string{"m"},
				Usage:       "how many tokens to generate",
				Value:       100,
				Destination: &maxTokens,
			},
			&cli.Int64Flag{
				Name:        "write-every",
				Usage:       "after how many tokens to detokenize",
				Value:       1,
				Destination: &writeEvery,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature"},
				Usage:       "the sampling temperature (0 = greedy)",
				Value:       0.0,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Aliases:     []string{"top_k"},
				Usage:       "top-k sampling parameter (0 = full vocabulary)",
				Value:       0,
				Destination: &topK,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "the PRNG seed",
				Value:       0,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			fileCfg := LoadConfig()
			applyRunConfig(c, fileCfg, &modelPath, &temp, &topK, &maxTokens, &writeEvery, &seed)
			if fileCfg.LogLevel != "" && !c.IsSet("log-level") {
				logLevel = fileCfg.LogLevel
			}
			log := logger.Text(os.Stderr, logger.ParseLevel(logLevel))

			var stats inference.Stats
			fmt.Println("[INFO] Loading model from disk.")
			m, tok, err := loadModel(modelPath, &stats)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			log.Debug("model loaded",
				"dim", m.Config.Dim,
				"layers", m.Config.NumLayers,
				"heads", m.Config.NumHeads,
				"kv_heads", m.Config.NumKVHeads,
				"vocab", m.Config.VocabSize)

			engine := &inference.Engine{
				Model:      inference.TransformerModel{Transformer: m},
				Tokenizer:  tok,
				WriteEvery: int(writeEvery),
			}

			fmt.Println("------")
			fmt.Println(prompt)
			result, err := engine.Generate(ctx, &inference.Request{
				Prompt:      prompt,
				MaxTokens:   int(maxTokens),
				Temperature: float32(temp),
				TopK:        int(topK),
				Seed:        seed,
			}, func(text string) {
				fmt.Print(text)
			})
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Println()
			fmt.Println("------")

			result.Stats.StartLoad = stats.StartLoad
			result.Stats.EndLoad = stats.EndLoad
			result.Stats.Report(os.Stdout)
			return nil
		},
	}
}
