package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lantern/internal/model"
	"github.com/samcharles93/lantern/internal/npz"
)

func inspectCmd() *cli.Command {
	var (
		modelPath   string
		showTensors bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print model configuration and weight summary",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model-path",
				Usage:       "path to the model directory",
				Value:       "mlx_model",
				Destination: &modelPath,
			},
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every tensor with its shape",
				Value:       true,
				Destination: &showTensors,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfgData, err := os.ReadFile(filepath.Join(modelPath, "config.json"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			cfg, quantCfg, err := model.ParseConfig(cfgData)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			weights, err := npz.Open(filepath.Join(modelPath, "weights.npz"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer func() { _ = weights.Close() }()

			fmt.Printf("model:            %s\n", modelPath)
			fmt.Printf("dim:              %d\n", cfg.Dim)
			fmt.Printf("layers:           %d\n", cfg.NumLayers)
			fmt.Printf("heads:            %d\n", cfg.NumHeads)
			fmt.Printf("kv heads:         %d\n", cfg.NumKVHeads)
			fmt.Printf("head dim:         %d\n", cfg.HeadDim)
			fmt.Printf("hidden dim:       %d\n", cfg.HiddenDim)
			fmt.Printf("vocab size:       %d\n", cfg.VocabSize)
			fmt.Printf("norm eps:         %g\n", cfg.NormEps)
			fmt.Printf("rope theta:       %g\n", cfg.RopeTheta)
			fmt.Printf("rope traditional: %v\n", cfg.RopeTraditional)
			if quantCfg != nil {
				fmt.Printf("quantization:     %d-bit, group size %d\n", quantCfg.Bits, quantCfg.GroupSize)
			}

			if showTensors {
				fmt.Println()
				var params int
				for _, name := range weights.Names() {
					shape, err := weights.Shape(name)
					if err != nil {
						return cli.Exit(err.Error(), 1)
					}
					n := 1
					for _, d := range shape {
						n *= d
					}
					params += n
					fmt.Printf("%-48s %v\n", name, shape)
				}
				fmt.Printf("\ntotal parameters: %d\n", params)
			}
			return nil
		},
	}
}
