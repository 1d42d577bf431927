package model

import "github.com/samcharles93/lantern/internal/tensor"

// Sampler turns a logit vector into a token id. The concrete implementation
// lives outside the model so the forward pass stays deterministic and
// stateless.
type Sampler interface {
	Sample(logits []float32) int
}

// Transformer is a llama-family decoder. The struct holds only immutable
// weights after load; any number of generation sessions may share it because
// all per-session state lives in the KV caches and per-call scratch.
type Transformer struct {
	Config Config

	TokEmbeddings *tensor.Mat
	Blocks        []*TransformerBlock
	Norm          *RMSNorm
	Output        Linear
}

// Embed writes the embedding rows for tokens into dst ([len(tokens)][dim]).
func (t *Transformer) Embed(dst []float32, tokens []int) {
	dim := t.Config.Dim
	for p, tok := range tokens {
		copy(dst[p*dim:(p+1)*dim], t.TokEmbeddings.Row(tok))
	}
}

// NewCaches returns one empty KV cache per layer for a fresh session.
func (t *Transformer) NewCaches() []*KVCache {
	caches := make([]*KVCache, t.Config.NumLayers)
	for i := range caches {
		caches[i] = NewKVCache(t.Config.NumKVHeads, t.Config.HeadDim)
	}
	return caches
}

// Forward runs the decoder over tokens, extending caches, and returns the
// logits of the last position. mask is derived from the input length: a causal
// mask for multi-token inputs, nil for single-token decode steps.
func (t *Transformer) Forward(tokens []int, caches []*KVCache) []float32 {
	seq := len(tokens)
	dim := t.Config.Dim

	x := make([]float32, seq*dim)
	t.Embed(x, tokens)

	var mask []float32
	if seq > 1 {
		mask = CausalMask(seq)
	}

	scratch := make([]float32, 2*seq*dim)
	for i, blk := range t.Blocks {
		blk.Forward(x, seq, mask, caches[i], scratch)
	}

	last := x[(seq-1)*dim : seq*dim]
	normed := make([]float32, dim)
	t.Norm.Forward(normed, last, 1)

	logits := make([]float32, t.Config.VocabSize)
	t.Output.Apply(logits, normed)
	return logits
}

// Score runs one cacheless causal pass over tokens and returns the logits of
// every position, [len(tokens)][vocab] flattened. Used for full-context
// scoring; generation goes through Forward so the caches fill in.
func (t *Transformer) Score(tokens []int) []float32 {
	seq := len(tokens)
	dim := t.Config.Dim
	vocab := t.Config.VocabSize

	x := make([]float32, seq*dim)
	t.Embed(x, tokens)

	var mask []float32
	if seq > 1 {
		mask = CausalMask(seq)
	}

	caches := t.NewCaches()
	scratch := make([]float32, 2*seq*dim)
	for i, blk := range t.Blocks {
		blk.Forward(x, seq, mask, caches[i], scratch)
	}
	t.Norm.Forward(x, x, seq)

	logits := make([]float32, seq*vocab)
	for p := 0; p < seq; p++ {
		t.Output.Apply(logits[p*vocab:(p+1)*vocab], x[p*dim:(p+1)*dim])
	}
	return logits
}

// Stream is one incremental generation session over a shared Transformer. It
// is lazy: nothing is computed until the first Next call, which ingests the
// whole prompt in a single forward pass and yields the first sampled token.
// Every later Next feeds back the previously sampled token as a single-token
// decode step. Close releases the session's cache memory; Next on a closed
// Stream returns -1.
type Stream struct {
	model   *Transformer
	sampler Sampler

	prompt []int
	caches []*KVCache
	last   int
	primed bool
}

// Generate opens a generation session for prompt. The prompt must be
// non-empty.
func (t *Transformer) Generate(prompt []int, sampler Sampler) *Stream {
	return &Stream{
		model:   t,
		sampler: sampler,
		prompt:  prompt,
		caches:  t.NewCaches(),
	}
}

// Next produces the next sampled token, or -1 if the Stream is closed.
func (s *Stream) Next() int {
	if s.caches == nil {
		return -1
	}
	var logits []float32
	if !s.primed {
		logits = s.model.Forward(s.prompt, s.caches)
		s.primed = true
	} else {
		logits = s.model.Forward([]int{s.last}, s.caches)
	}
	s.last = s.sampler.Sample(logits)
	return s.last
}

// Close drops the session's KV caches.
func (s *Stream) Close() {
	s.caches = nil
	s.prompt = nil
}
