package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lantern/internal/api"
	"github.com/samcharles93/lantern/internal/inference"
	"github.com/samcharles93/lantern/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		modelPath   string
		addr        string
		readTimeout time.Duration
		logLevel    string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve completions over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model-path",
				Usage:       "path to the model directory",
				Value:       "mlx_model",
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
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
			applyServeConfig(c, fileCfg, &modelPath, &addr)
			if fileCfg.LogLevel != "" && !c.IsSet("log-level") {
				logLevel = fileCfg.LogLevel
			}
			log := logger.JSON(os.Stderr, logger.ParseLevel(logLevel))

			var stats inference.Stats
			m, tok, err := loadModel(modelPath, &stats)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			log.Info("model loaded",
				"path", modelPath,
				"load_ms", stats.EndLoad.Sub(stats.StartLoad).Milliseconds())

			engine := &inference.Engine{
				Model:     inference.TransformerModel{Transformer: m},
				Tokenizer: tok,
			}
			server := api.NewServer(engine, filepath.Base(modelPath), log)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
