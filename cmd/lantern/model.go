package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samcharles93/lantern/internal/inference"
	"github.com/samcharles93/lantern/internal/model"
	"github.com/samcharles93/lantern/internal/npz"
	"github.com/samcharles93/lantern/internal/tokenizer"
)

// loadModel reads config.json, weights.npz and tokenizer.json from a model
// directory. The weight mapping is released before returning; all tensors are
// decoded into process memory during load.
func loadModel(dir string, stats *inference.Stats) (*model.Transformer, tokenizer.Tokenizer, error) {
	stats.StartLoad = time.Now()

	cfgData, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	weights, err := npz.Open(filepath.Join(dir, "weights.npz"))
	if err != nil {
		return nil, nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = weights.Close() }()

	m, err := model.Load(cfgData, weights)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}

	tok, err := tokenizer.LoadBPE(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("load tokenizer: %w", err)
	}

	stats.EndLoad = time.Now()
	return m, tok, nil
}
