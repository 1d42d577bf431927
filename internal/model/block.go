package model

import "github.com/samcharles93/lantern/internal/tensor"

// TransformerBlock is one decoder layer: pre-norm attention and pre-norm
// feed-forward, each wrapped in a residual connection.
type TransformerBlock struct {
	Attention     *Attention
	FeedForward   *FeedForward
	AttentionNorm *RMSNorm
	FFNNorm       *RMSNorm
}

// Forward runs the block over the seq rows of x in place. scratch must hold at
// least 2*seq*dim floats and is clobbered.
func (b *TransformerBlock) Forward(x []float32, seq int, mask []float32, cache *KVCache, scratch []float32) {
	dim := len(b.AttentionNorm.Weight)
	normed := scratch[:seq*dim]
	out := scratch[seq*dim : 2*seq*dim]

	b.AttentionNorm.Forward(normed, x, seq)
	b.Attention.Forward(out, normed, seq, mask, cache)
	tensor.Add(x[:seq*dim], out)

	b.FFNNorm.Forward(normed, x, seq)
	b.FeedForward.Forward(out, normed, seq)
	tensor.Add(x[:seq*dim], out)
}
