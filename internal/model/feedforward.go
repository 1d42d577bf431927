package model

import "github.com/samcharles93/lantern/internal/tensor"

// FeedForward is a SwiGLU MLP: w2(silu(w1 x) * w3 x).
type FeedForward struct {
	W1, W2, W3 Linear
}

// Forward applies the MLP to each of the seq rows of x into dst. dst rows are
// W2.OutDim() long.
func (f *FeedForward) Forward(dst, x []float32, seq int) {
	dim := f.W1.InDim()
	hidden := f.W1.OutDim()
	out := f.W2.OutDim()

	gate := make([]float32, hidden)
	up := make([]float32, hidden)
	for p := 0; p < seq; p++ {
		xp := x[p*dim : (p+1)*dim]
		f.W1.Apply(gate, xp)
		f.W3.Apply(up, xp)
		for i := range gate {
			gate[i] = tensor.Silu(gate[i]) * up[i]
		}
		f.W2.Apply(dst[p*out:(p+1)*out], gate)
	}
}
