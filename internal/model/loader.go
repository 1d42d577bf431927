package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/lantern/internal/npz"
	"github.com/samcharles93/lantern/internal/quant"
	"github.com/samcharles93/lantern/internal/tensor"
)

// Load builds a Transformer from a config.json payload and an npz weight
// archive. Missing config fields are derived from the weight shapes where
// possible before validation: n_kv_heads falls back to n_heads, head_dim to
// dim/n_heads, hidden_dim to the first w1 projection's row count, vocab_size
// to the output projection's row count, and rope_theta to 10000.
//
// When the config carries a quantization block, every linear projection is
// requantized group-wise at load time; embeddings and norm weights stay dense.
func Load(cfgData []byte, weights *npz.File) (*Transformer, error) {
	cfg, qcfg, err := ParseConfig(cfgData)
	if err != nil {
		return nil, err
	}

	if cfg.NumKVHeads == 0 {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if cfg.HeadDim == 0 && cfg.NumHeads > 0 {
		cfg.HeadDim = cfg.Dim / cfg.NumHeads
	}
	if cfg.HiddenDim == 0 {
		if shape, err := weights.Shape("layers.0.feed_forward.w1.weight"); err == nil && len(shape) == 2 {
			cfg.HiddenDim = shape[0]
		}
	}
	// Converted configs carry vocab_size: -1 as an explicit "derive me" marker.
	if cfg.VocabSize <= 0 {
		if shape, err := weights.Shape("output.weight"); err == nil && len(shape) == 2 {
			cfg.VocabSize = shape[0]
		}
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10000
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ld := &loader{weights: weights, quant: qcfg}

	t := &Transformer{Config: cfg}
	t.TokEmbeddings = ld.mat("tok_embeddings.weight", cfg.VocabSize, cfg.Dim)
	t.Norm = &RMSNorm{Weight: ld.vec("norm.weight", cfg.Dim), Eps: cfg.NormEps}
	t.Output = ld.linear("output.weight", cfg.VocabSize, cfg.Dim)

	rope := NewRoPE(cfg.HeadDim, cfg.RopeTraditional, cfg.RopeTheta)
	t.Blocks = make([]*TransformerBlock, cfg.NumLayers)
	for i := range t.Blocks {
		prefix := fmt.Sprintf("layers.%d.", i)
		t.Blocks[i] = &TransformerBlock{
			Attention: &Attention{
				NumHeads:   cfg.NumHeads,
				NumKVHeads: cfg.NumKVHeads,
				HeadDim:    cfg.HeadDim,
				Repeats:    cfg.Repeats(),
				Scale:      float32(1.0 / math.Sqrt(float64(cfg.HeadDim))),
				Wq:         ld.linear(prefix+"attention.wq.weight", cfg.NumHeads*cfg.HeadDim, cfg.Dim),
				Wk:         ld.linear(prefix+"attention.wk.weight", cfg.NumKVHeads*cfg.HeadDim, cfg.Dim),
				Wv:         ld.linear(prefix+"attention.wv.weight", cfg.NumKVHeads*cfg.HeadDim, cfg.Dim),
				Wo:         ld.linear(prefix+"attention.wo.weight", cfg.Dim, cfg.NumHeads*cfg.HeadDim),
				Rope:       rope,
			},
			FeedForward: &FeedForward{
				W1: ld.linear(prefix+"feed_forward.w1.weight", cfg.HiddenDim, cfg.Dim),
				W2: ld.linear(prefix+"feed_forward.w2.weight", cfg.Dim, cfg.HiddenDim),
				W3: ld.linear(prefix+"feed_forward.w3.weight", cfg.HiddenDim, cfg.Dim),
			},
			AttentionNorm: &RMSNorm{Weight: ld.vec(prefix+"attention_norm.weight", cfg.Dim), Eps: cfg.NormEps},
			FFNNorm:       &RMSNorm{Weight: ld.vec(prefix+"ffn_norm.weight", cfg.Dim), Eps: cfg.NormEps},
		}
	}

	if ld.err != nil {
		return nil, ld.err
	}
	return t, nil
}

// loader accumulates the first tensor error so the wiring above stays flat.
type loader struct {
	weights *npz.File
	quant   *QuantConfig
	err     error
}

func (l *loader) mat(name string, rows, cols int) *tensor.Mat {
	if l.err != nil {
		return nil
	}
	t, err := l.weights.Tensor(name)
	if err != nil {
		l.err = fmt.Errorf("load %s: %w", name, err)
		return nil
	}
	if len(t.Shape) != 2 || t.Shape[0] != rows || t.Shape[1] != cols {
		l.err = fmt.Errorf("%w: %s has shape %v, want [%d %d]",
			ErrShapeMismatch, name, t.Shape, rows, cols)
		return nil
	}
	return tensor.NewMatFromData(rows, cols, t.Data)
}

func (l *loader) vec(name string, n int) []float32 {
	if l.err != nil {
		return nil
	}
	t, err := l.weights.Tensor(name)
	if err != nil {
		l.err = fmt.Errorf("load %s: %w", name, err)
		return nil
	}
	if t.Size() != n {
		l.err = fmt.Errorf("%w: %s has %d elements, want %d",
			ErrShapeMismatch, name, t.Size(), n)
		return nil
	}
	return t.Data
}

func (l *loader) linear(name string, rows, cols int) Linear {
	m := l.mat(name, rows, cols)
	if l.err != nil {
		return nil
	}
	if l.quant == nil {
		return &Dense{W: m}
	}
	q, err := quant.Quantize(m, l.quant.GroupSize, l.quant.Bits)
	if err != nil {
		l.err = fmt.Errorf("quantize %s: %w", name, err)
		return nil
	}
	return q
}
