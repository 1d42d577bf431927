// Package logits turns model output logits into token ids.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures the behaviour of a Sampler. Temperature at or
// below zero selects greedy argmax decoding. TopK of zero means the full
// vocabulary is eligible.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	TopK        int
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a new sampler with the provided configuration. The same
// seed and configuration always yield the same token stream for the same
// logits.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single index from the provided logits vector. Greedy
// samplers return the argmax; otherwise the logits are scaled by the inverse
// temperature, shortlisted to the top k, softmaxed in float64 and sampled
// categorically.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return argmax(logits)
	}

	invTemp := 1.0 / s.cfg.Temperature
	k := len(logits)
	if s.cfg.TopK > 0 && s.cfg.TopK < k {
		k = s.cfg.TopK
	}
	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}

	r := s.rng.Float64() * sum
	var c float64
	for i := range prob {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[len(topIdx)-1]
}

// argmax returns the index of the maximum value in the slice. If the slice is
// empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp, ordered from largest to smallest. O(V*K), suitable for
// small K; for k == len(logits) it degrades to an insertion sort, which the
// categorical draw above tolerates because it only needs the values once.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k {
		s.topIdx = make([]int, k)
		s.topVal = make([]float32, k)
	}
	idx := s.topIdx[:0]
	val := s.topVal[:0]
	for i, v := range logits {
		sv := v * invTemp
		if len(val) < k {
			j := len(val)
			idx = append(idx, i)
			val = append(val, sv)
			for j > 0 && val[j] > val[j-1] {
				val[j], val[j-1] = val[j-1], val[j]
				idx[j], idx[j-1] = idx[j-1], idx[j]
				j--
			}
			continue
		}
		if sv <= val[k-1] {
			continue
		}
		j := k - 1
		val[j] = sv
		idx[j] = i
		for j > 0 && val[j] > val[j-1] {
			val[j], val[j-1] = val[j-1], val[j]
			idx[j], idx[j-1] = idx[j-1], idx[j]
			j--
		}
	}
	return idx, val
}
