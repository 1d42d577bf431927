package model

import (
	"github.com/samcharles93/lantern/internal/tensor"
)

// KVCache holds the keys and values of all previously processed positions for
// one layer, laid out [pos][kv_head][head_dim] flattened. A cache belongs to
// exactly one generation session; it is never shared across sessions.
type KVCache struct {
	K, V   []float32
	Pos    int // cached position count
	stride int // kv_heads * head_dim
}

// NewKVCache returns an empty cache for a layer with the given kv-head
// geometry.
func NewKVCache(kvHeads, headDim int) *KVCache {
	return &KVCache{stride: kvHeads * headDim}
}

// Append adds seq new positions worth of keys and values along the sequence
// axis. Growth is amortised; the session owning the cache releases everything
// by dropping the KVCache.
func (c *KVCache) Append(k, v []float32, seq int) {
	c.K = append(c.K, k[:seq*c.stride]...)
	c.V = append(c.V, v[:seq*c.stride]...)
	c.Pos += seq
}

// Attention is multi-head self-attention with grouped key/value heads and an
// external per-layer cache.
type Attention struct {
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	Repeats    int // NumHeads / NumKVHeads
	Scale      float32

	Wq, Wk, Wv, Wo Linear
	Rope           *RoPE
}

// Forward attends the seq normalized input rows of x over cache plus the new
// positions, writing the projected result to dst (seq rows of Wo.OutDim()).
//
// mask, when non-nil, is an additive [seq][seq] mask over the new positions
// (cached positions are always visible). It must be nil for single-token
// decode steps against a populated cache: there is nothing in the future to
// mask. cache is consumed and updated in place; pass a fresh cache for
// full-sequence scoring.
func (a *Attention) Forward(dst, x []float32, seq int, mask []float32, cache *KVCache) {
	dim := a.Wq.InDim()
	qStride := a.NumHeads * a.HeadDim
	kvStride := a.NumKVHeads * a.HeadDim

	q := make([]float32, seq*qStride)
	k := make([]float32, seq*kvStride)
	v := make([]float32, seq*kvStride)
	for p := 0; p < seq; p++ {
		xp := x[p*dim : (p+1)*dim]
		a.Wq.Apply(q[p*qStride:(p+1)*qStride], xp)
		a.Wk.Apply(k[p*kvStride:(p+1)*kvStride], xp)
		a.Wv.Apply(v[p*kvStride:(p+1)*kvStride], xp)
	}

	// The rope offset is the number of already-cached positions so the new
	// rows land at their absolute positions.
	offset := cache.Pos
	a.Rope.Apply(q, seq, a.NumHeads, offset)
	a.Rope.Apply(k, seq, a.NumKVHeads, offset)

	cache.Append(k, v, seq)
	total := cache.Pos
	prev := total - seq

	attnOut := make([]float32, seq*qStride)
	scores := make([]float32, total)
	for h := 0; h < a.NumHeads; h++ {
		// Each group of Repeats query heads shares one kv head.
		kvh := h / a.Repeats
		for i := 0; i < seq; i++ {
			qvec := q[(i*a.NumHeads+h)*a.HeadDim : (i*a.NumHeads+h+1)*a.HeadDim]
			for j := 0; j < total; j++ {
				koff := (j*a.NumKVHeads + kvh) * a.HeadDim
				s := tensor.Dot(qvec, cache.K[koff:koff+a.HeadDim]) * a.Scale
				if mask != nil && j >= prev {
					s += mask[i*seq+(j-prev)]
				}
				scores[j] = s
			}
			tensor.Softmax(scores)

			out := attnOut[(i*a.NumHeads+h)*a.HeadDim : (i*a.NumHeads+h+1)*a.HeadDim]
			for j := 0; j < total; j++ {
				voff := (j*a.NumKVHeads + kvh) * a.HeadDim
				w := scores[j]
				for d := 0; d < a.HeadDim; d++ {
					out[d] += w * cache.V[voff+d]
				}
			}
		}
	}

	for p := 0; p < seq; p++ {
		a.Wo.Apply(dst[p*a.Wo.OutDim():(p+1)*a.Wo.OutDim()], attnOut[p*qStride:(p+1)*qStride])
	}
}

// CausalMask returns an additive [seq][seq] mask: zero at and before the
// diagonal, a large negative value after it.
func CausalMask(seq int) []float32 {
	mask := make([]float32, seq*seq)
	for i := 0; i < seq; i++ {
		for j := i + 1; j < seq; j++ {
			mask[i*seq+j] = -1e9
		}
	}
	return mask
}
