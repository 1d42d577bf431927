package model

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

var (
	// ErrConfig marks a config that is missing a required field with no
	// derivable default, or that is internally inconsistent.
	ErrConfig = errors.New("invalid model config")
	// ErrShapeMismatch marks a weight tensor whose dimensions disagree with
	// the sanitized config.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)

// Config describes a llama-family decoder. Immutable after load.
type Config struct {
	Dim             int     // embedding dimension
	NumLayers       int     // transformer block count
	HeadDim         int     // per-head dimension
	HiddenDim       int     // feed-forward inner dimension
	NumHeads        int     // query head count
	NumKVHeads      int     // key/value head count
	NormEps         float32 // rms norm epsilon
	VocabSize       int
	RopeTheta       float64 // rope base frequency
	RopeTraditional bool    // interleaved-pair rope layout
}

// QuantConfig selects the group-wise quantization applied to linear
// projection weights at load time. Nil means dense weights.
type QuantConfig struct {
	GroupSize int `json:"group_size"`
	Bits      int `json:"bits"`
}

type rawConfig struct {
	Dim             int          `json:"dim"`
	NumLayers       int          `json:"n_layers"`
	HeadDim         int          `json:"head_dim"`
	HiddenDim       int          `json:"hidden_dim"`
	NumHeads        int          `json:"n_heads"`
	NumKVHeads      int          `json:"n_kv_heads"`
	NormEps         float32      `json:"norm_eps"`
	VocabSize       int          `json:"vocab_size"`
	RopeTheta       float64      `json:"rope_theta"`
	RopeTraditional *bool        `json:"rope_traditional"`
	Quantization    *QuantConfig `json:"quantization"`
}

// ParseConfig decodes a config.json. Only the repeat-factor invariant is
// checked here; size defaults that depend on weight shapes are resolved by
// the loader.
func ParseConfig(data []byte) (Config, *QuantConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := Config{
		Dim:             raw.Dim,
		NumLayers:       raw.NumLayers,
		HeadDim:         raw.HeadDim,
		HiddenDim:       raw.HiddenDim,
		NumHeads:        raw.NumHeads,
		NumKVHeads:      raw.NumKVHeads,
		NormEps:         raw.NormEps,
		VocabSize:       raw.VocabSize,
		RopeTheta:       raw.RopeTheta,
		RopeTraditional: true,
	}
	if raw.RopeTraditional != nil {
		cfg.RopeTraditional = *raw.RopeTraditional
	}
	if raw.Quantization != nil {
		q := *raw.Quantization
		if q.GroupSize <= 0 {
			q.GroupSize = 64
		}
		if q.Bits == 0 {
			q.Bits = 4
		}
		return cfg, &q, nil
	}
	return cfg, nil, nil
}

// Validate checks a fully defaulted config.
func (c Config) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("%w: dim must be positive", ErrConfig)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: n_layers must be positive", ErrConfig)
	case c.NumHeads <= 0:
		return fmt.Errorf("%w: n_heads must be positive", ErrConfig)
	case c.NumKVHeads <= 0:
		return fmt.Errorf("%w: n_kv_heads must be positive", ErrConfig)
	case c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("%w: n_heads (%d) must be a multiple of n_kv_heads (%d)",
			ErrConfig, c.NumHeads, c.NumKVHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return fmt.Errorf("%w: head_dim must be positive and even", ErrConfig)
	case c.HiddenDim <= 0:
		return fmt.Errorf("%w: hidden_dim missing and not derivable", ErrConfig)
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size missing and not derivable", ErrConfig)
	case c.NormEps <= 0:
		return fmt.Errorf("%w: norm_eps must be positive", ErrConfig)
	case c.RopeTheta <= 0:
		return fmt.Errorf("%w: rope_theta must be positive", ErrConfig)
	}
	return nil
}

// Repeats returns the grouped-query repeat factor.
func (c Config) Repeats() int {
	return c.NumHeads / c.NumKVHeads
}
