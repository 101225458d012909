package vision

import (
	"fmt"
	"math"

	"github.com/hupe1980/vecgo/distance"
)

// minNorm is the smallest L2 norm accepted before normalisation.
const minNorm = 1e-6

// L2Normalize returns a unit-length copy of v. It fails when v does not have
// exactly dim components, contains NaN or Inf, or its norm is near zero or
// overflows.
func L2Normalize(v []float32, dim int) ([]float32, error) {
	if len(v) != dim {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrInvalidVector, len(v), dim)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite value at index %d", ErrInvalidVector, i)
		}
	}
	norm := math.Sqrt(float64(distance.Dot(v, v)))
	if math.IsInf(norm, 0) {
		return nil, fmt.Errorf("%w: norm overflows float32", ErrInvalidVector)
	}
	if norm < minNorm {
		return nil, fmt.Errorf("%w: norm %g too small", ErrInvalidVector, norm)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}
