package align

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Sampler draws hard-negative indices from per-row weight distributions.
// It runs on the host, outside the computation graph, so draws can be
// made reproducible by seeding.
//
// Not safe for concurrent use.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a Sampler seeded deterministically.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Draw samples one column index per row of weights, a [n, N] tensor of
// non-negative values (typically a softmax, see SamplingWeights). Rows
// need not be normalized. It fails if any row contains a non-finite
// value or sums to zero.
func (s *Sampler) Draw(weights *tensors.Tensor) ([]int32, error) {
	shape := weights.Shape()
	if shape.Rank() != 2 {
		return nil, errors.Errorf("sampler requires a [n, N] weights matrix, got %s", shape)
	}
	numRows, numCols := shape.Dimensions[0], shape.Dimensions[1]
	var flat []float64
	switch shape.DType {
	case dtypes.Float32:
		flat32 := tensors.CopyFlatData[float32](weights)
		flat = make([]float64, len(flat32))
		for i, v := range flat32 {
			flat[i] = float64(v)
		}
	case dtypes.Float64:
		flat = tensors.CopyFlatData[float64](weights)
	default:
		return nil, errors.Errorf("sampler requires float32 or float64 weights, got %s", shape.DType)
	}

	indices := make([]int32, numRows)
	for row := 0; row < numRows; row++ {
		rowWeights := flat[row*numCols : (row+1)*numCols]
		var total float64
		for col, w := range rowWeights {
			if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
				return nil, errors.Errorf("sampler weights[%d, %d]=%g is not a valid weight", row, col, w)
			}
			total += w
		}
		if total <= 0 {
			return nil, errors.Errorf("sampler weights row %d sums to zero, nothing to draw from", row)
		}
		u := s.rng.Float64() * total
		chosen := numCols - 1
		for col, w := range rowWeights {
			u -= w
			if u < 0 {
				chosen = col
				break
			}
		}
		indices[row] = int32(chosen)
	}
	return indices, nil
}
