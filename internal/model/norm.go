package model

import "github.com/samcharles93/lantern/internal/tensor"

// RMSNorm is root mean square layer normalization with a learned per-feature
// scale. Pure function of (x, weight, eps).
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

// Forward normalizes each of the seq rows of x into dst. Row length is the
// weight length. dst and x may alias.
func (n *RMSNorm) Forward(dst, x []float32, seq int) {
	d := len(n.Weight)
	for p := 0; p < seq; p++ {
		tensor.RMSNorm(dst[p*d:(p+1)*d], x[p*d:(p+1)*d], n.Weight, n.Eps)
	}
}
