package model

import "github.com/samcharles93/lantern/internal/tensor"

// Linear maps an input vector to an output vector. Attention and feed-forward
// code treats projections purely through this interface and never learns
// whether the weights behind it are dense or quantized.
type Linear interface {
	Apply(dst, x []float32)
	OutDim() int
	InDim() int
}

// Dense is a Linear backed by a dense row-major float32 matrix.
type Dense struct {
	W *tensor.Mat
}

func (d *Dense) Apply(dst, x []float32) {
	tensor.MatVec(dst, d.W, x)
}

func (d *Dense) OutDim() int { return d.W.R }
func (d *Dense) InDim() int  { return d.W.C }
