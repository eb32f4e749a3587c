// Package tensor holds the small numeric kernels the pipeline runs outside
// ONNX Runtime: activation functions, order statistics and 2-D resampling of
// float grids with PyTorch-compatible coordinate mapping.
package tensor

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Softmax returns a new slice with the numerically stable softmax of logits.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	m := floats.Max(logits)
	for i, v := range logits {
		out[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Argmax returns the first index holding the maximum value, or -1 for an
// empty slice.
func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	return floats.MaxIdx(values)
}

// AllFinite reports whether no element is NaN or ±Inf.
func AllFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func ToFloat64(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

func ToFloat32(src []float64) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}

// Percentile matches numpy.percentile with the default linear method:
// the q-th percentile (0..100) interpolated between the closest ranks.
func Percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
