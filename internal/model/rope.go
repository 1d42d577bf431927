package model

import "math"

// RoPE applies rotary position encoding: each pair of feature coordinates in
// a head vector is rotated by an angle proportional to the absolute position,
// theta_i = pos / base^(2i/dims). The same transform must be applied to
// queries and keys at every step with the correct offset so relative position
// is preserved across incremental decoding.
type RoPE struct {
	Dims        int
	Base        float64
	Traditional bool

	invFreq []float64
}

// NewRoPE precomputes the per-pair inverse frequencies for head vectors of
// the given (even) dimension. Traditional selects the interleaved (even, odd)
// pair layout; otherwise (first-half, second-half) pairs are rotated.
func NewRoPE(dims int, traditional bool, base float64) *RoPE {
	if dims%2 != 0 {
		panic("rope dims must be even")
	}
	half := dims / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = math.Pow(base, -2*float64(i)/float64(dims))
	}
	return &RoPE{
		Dims:        dims,
		Base:        base,
		Traditional: traditional,
		invFreq:     invFreq,
	}
}

// Apply rotates x in place. x is laid out [seq][heads][Dims] flattened and
// offset is the absolute position of the first row within the sequence so
// far.
func (r *RoPE) Apply(x []float32, seq, heads, offset int) {
	half := r.Dims / 2
	for p := 0; p < seq; p++ {
		pos := float64(offset + p)
		for i := 0; i < half; i++ {
			theta := pos * r.invFreq[i]
			c := float32(math.Cos(theta))
			s := float32(math.Sin(theta))
			for h := 0; h < heads; h++ {
				base := (p*heads + h) * r.Dims
				var i0, i1 int
				if r.Traditional {
					i0 = base + 2*i
					i1 = i0 + 1
				} else {
					i0 = base + i
					i1 = base + half + i
				}
				x0, x1 := x[i0], x[i1]
				x[i0] = x0*c - x1*s
				x[i1] = x0*s + x1*c
			}
		}
	}
}
