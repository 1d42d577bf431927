// Package quant provides group-wise symmetric weight quantization for linear
// projections. Weights are requantized once at load time; activations stay in
// float32 and the matvec dequantizes on the fly.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/lantern/internal/tensor"
)

var ErrUnsupportedBits = errors.New("unsupported quantization bits")

// q4SignTable maps a 4-bit code to its signed value.
var q4SignTable = [16]int8{
	0, 1, 2, 3, 4, 5, 6, 7,
	-8, -7, -6, -5, -4, -3, -2, -1,
}

// Quantized is a linear projection whose weights are stored as 4- or 8-bit
// codes with one float32 scale per group of groupSize columns within a row.
type Quantized struct {
	rows, cols int
	groupSize  int
	bits       int

	scales []float32 // rows * cols/groupSize
	data   []byte    // 8-bit: one code per byte; 4-bit: two codes per byte
}

// Quantize converts a dense matrix to groupSize-grouped symmetric bits-bit
// codes. cols must be a multiple of groupSize, and groupSize must be even for
// 4-bit packing.
func Quantize(w *tensor.Mat, groupSize, bits int) (*Quantized, error) {
	if bits != 4 && bits != 8 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBits, bits)
	}
	if groupSize <= 0 || w.C%groupSize != 0 {
		return nil, fmt.Errorf("group size %d does not divide %d columns", groupSize, w.C)
	}
	if bits == 4 && groupSize%2 != 0 {
		return nil, fmt.Errorf("group size %d must be even for 4-bit packing", groupSize)
	}

	groups := w.C / groupSize
	qmax := float32(int32(1)<<(bits-1)) - 1

	q := &Quantized{
		rows:      w.R,
		cols:      w.C,
		groupSize: groupSize,
		bits:      bits,
		scales:    make([]float32, w.R*groups),
	}
	if bits == 8 {
		q.data = make([]byte, w.R*w.C)
	} else {
		q.data = make([]byte, w.R*w.C/2)
	}

	for r := 0; r < w.R; r++ {
		row := w.Data[r*w.Stride : r*w.Stride+w.C]
		for g := 0; g < groups; g++ {
			grp := row[g*groupSize : (g+1)*groupSize]
			var maxAbs float32
			for _, v := range grp {
				if a := float32(math.Abs(float64(v))); a > maxAbs {
					maxAbs = a
				}
			}
			scale := maxAbs / qmax
			q.scales[r*groups+g] = scale

			var inv float32
			if scale > 0 {
				inv = 1 / scale
			}
			base := r*w.C + g*groupSize
			for i, v := range grp {
				code := int32(math.Round(float64(v * inv)))
				if code > int32(qmax) {
					code = int32(qmax)
				} else if code < -int32(qmax) {
					code = -int32(qmax)
				}
				if bits == 8 {
					q.data[base+i] = byte(int8(code))
				} else {
					idx := (base + i) / 2
					nib := byte(code) & 0x0F
					if (base+i)%2 == 0 {
						q.data[idx] = nib
					} else {
						q.data[idx] |= nib << 4
					}
				}
			}
		}
	}
	return q, nil
}

// Apply computes dst = W * x, dequantizing group by group.
func (q *Quantized) Apply(dst, x []float32) {
	groups := q.cols / q.groupSize
	for r := 0; r < q.rows; r++ {
		var sum float32
		for g := 0; g < groups; g++ {
			scale := q.scales[r*groups+g]
			if scale == 0 {
				continue
			}
			base := r*q.cols + g*q.groupSize
			var acc float32
			if q.bits == 8 {
				for i := 0; i < q.groupSize; i++ {
					acc += float32(int8(q.data[base+i])) * x[g*q.groupSize+i]
				}
			} else {
				for i := 0; i < q.groupSize; i += 2 {
					b := q.data[(base+i)/2]
					j := g*q.groupSize + i
					acc += float32(q4SignTable[b&0x0F]) * x[j]
					acc += float32(q4SignTable[b>>4]) * x[j+1]
				}
			}
			sum += scale * acc
		}
		dst[r] = sum
	}
}

func (q *Quantized) OutDim() int { return q.rows }
func (q *Quantized) InDim() int  { return q.cols }

// Bits reports the code width.
func (q *Quantized) Bits() int { return q.bits }

// GroupSize reports the quantization group length.
func (q *Quantized) GroupSize() int { return q.groupSize }
