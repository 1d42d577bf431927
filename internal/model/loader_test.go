package model

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/samcharles93/lantern/internal/npz"
	"github.com/samcharles93/lantern/internal/quant"
)

func encodeNPY(shape []int, data []float32) []byte {
	shapeStr := ""
	for _, d := range shape {
		shapeStr += fmt.Sprintf("%d, ", d)
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shapeStr)
	for (len(header)+11)%64 != 0 {
		header += " "
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.WriteByte(1)
	buf.WriteByte(0)
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(len(header)))
	buf.Write(hl[:])
	buf.WriteString(header)
	for _, v := range data {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// testWeights builds an npz archive holding every tensor a config needs,
// filled with small deterministic values.
func testWeights(t *testing.T, cfg Config, overrides map[string][]int) *npz.File {
	t.Helper()

	tensors := map[string][]int{
		"tok_embeddings.weight": {cfg.VocabSize, cfg.Dim},
		"norm.weight":           {cfg.Dim},
		"output.weight":         {cfg.VocabSize, cfg.Dim},
	}
	for i := 0; i < cfg.NumLayers; i++ {
		p := fmt.Sprintf("layers.%d.", i)
		tensors[p+"attention_norm.weight"] = []int{cfg.Dim}
		tensors[p+"ffn_norm.weight"] = []int{cfg.Dim}
		tensors[p+"attention.wq.weight"] = []int{cfg.NumHeads * cfg.HeadDim, cfg.Dim}
		tensors[p+"attention.wk.weight"] = []int{cfg.NumKVHeads * cfg.HeadDim, cfg.Dim}
		tensors[p+"attention.wv.weight"] = []int{cfg.NumKVHeads * cfg.HeadDim, cfg.Dim}
		tensors[p+"attention.wo.weight"] = []int{cfg.Dim, cfg.NumHeads * cfg.HeadDim}
		tensors[p+"feed_forward.w1.weight"] = []int{cfg.HiddenDim, cfg.Dim}
		tensors[p+"feed_forward.w2.weight"] = []int{cfg.Dim, cfg.HiddenDim}
		tensors[p+"feed_forward.w3.weight"] = []int{cfg.HiddenDim, cfg.Dim}
	}
	for name, shape := range overrides {
		tensors[name] = shape
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, shape := range tensors {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = float32((i%13)-6) * 0.05
		}
		w, err := zw.Create(name + ".npy")
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write(encodeNPY(shape, data)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	f, err := npz.OpenBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	return f
}

const loaderTestConfigJSON = `{
	"dim": 16,
	"n_layers": 2,
	"n_heads": 4,
	"norm_eps": 1e-5,
	"rope_theta": 10000
}`

// TestLoadDerivesDefaults exercises the shape-driven defaulting: head_dim,
// n_kv_heads, hidden_dim and vocab_size are all absent from the config above
// and must be recovered from the archive.
func TestLoadDerivesDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.NumKVHeads = cfg.NumHeads // the JSON omits n_kv_heads
	weights := testWeights(t, cfg, nil)
	defer func() { _ = weights.Close() }()

	m, err := Load([]byte(loaderTestConfigJSON), weights)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := m.Config
	if got.NumKVHeads != 4 {
		t.Fatalf("n_kv_heads = %d, want n_heads fallback 4", got.NumKVHeads)
	}
	if got.HeadDim != 4 {
		t.Fatalf("head_dim = %d, want dim/n_heads = 4", got.HeadDim)
	}
	if got.HiddenDim != cfg.HiddenDim {
		t.Fatalf("hidden_dim = %d, want %d from w1 shape", got.HiddenDim, cfg.HiddenDim)
	}
	if got.VocabSize != cfg.VocabSize {
		t.Fatalf("vocab_size = %d, want %d from output shape", got.VocabSize, cfg.VocabSize)
	}
	if len(m.Blocks) != 2 {
		t.Fatalf("loaded %d blocks, want 2", len(m.Blocks))
	}

	// The loaded model must be able to run a forward pass.
	logits := m.Forward([]int{1, 2}, m.NewCaches())
	if len(logits) != got.VocabSize {
		t.Fatalf("logits length %d, want %d", len(logits), got.VocabSize)
	}
}

// TestLoadNegativeVocabSentinel covers converted configs that carry
// vocab_size: -1 to mean "take it from the output projection".
func TestLoadNegativeVocabSentinel(t *testing.T) {
	cfg := testConfig()
	cfg.NumKVHeads = cfg.NumHeads
	weights := testWeights(t, cfg, nil)
	defer func() { _ = weights.Close() }()

	cfgJSON := `{
		"dim": 16,
		"n_layers": 2,
		"n_heads": 4,
		"norm_eps": 1e-5,
		"vocab_size": -1,
		"rope_theta": 10000
	}`
	m, err := Load([]byte(cfgJSON), weights)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Config.VocabSize != cfg.VocabSize {
		t.Fatalf("vocab_size = %d, want %d from output shape", m.Config.VocabSize, cfg.VocabSize)
	}
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.NumKVHeads = cfg.NumHeads
	weights := testWeights(t, cfg, map[string][]int{
		"layers.1.attention.wq.weight": {cfg.NumHeads*cfg.HeadDim - 1, cfg.Dim},
	})
	defer func() { _ = weights.Close() }()

	_, err := Load([]byte(loaderTestConfigJSON), weights)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestLoadRejectsMissingTensor(t *testing.T) {
	cfg := testConfig()
	cfg.NumKVHeads = cfg.NumHeads
	cfg.NumLayers = 1
	weights := testWeights(t, cfg, nil)
	defer func() { _ = weights.Close() }()

	// The config asks for two layers but the archive only holds one.
	if _, err := Load([]byte(loaderTestConfigJSON), weights); err == nil {
		t.Fatal("expected error for missing layer tensors")
	}
}

func TestLoadQuantized(t *testing.T) {
	cfg := testConfig()
	cfg.NumKVHeads = cfg.NumHeads
	weights := testWeights(t, cfg, nil)
	defer func() { _ = weights.Close() }()

	cfgJSON := `{
		"dim": 16,
		"n_layers": 2,
		"n_heads": 4,
		"norm_eps": 1e-5,
		"quantization": {"group_size": 16, "bits": 8}
	}`
	m, err := Load([]byte(cfgJSON), weights)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := m.Output.(*quant.Quantized); !ok {
		t.Fatalf("output projection is %T, want quantized", m.Output)
	}
	for _, blk := range m.Blocks {
		if _, ok := blk.Attention.Wq.(*quant.Quantized); !ok {
			t.Fatalf("wq is %T, want quantized", blk.Attention.Wq)
		}
	}

	logits := m.Forward([]int{3}, m.NewCaches())
	if len(logits) != m.Config.VocabSize {
		t.Fatalf("logits length %d, want %d", len(logits), m.Config.VocabSize)
	}
}
