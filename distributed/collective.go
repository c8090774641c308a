// Package distributed implements the synchronous collectives used by the
// vision-language training step: an all-gather that concatenates every
// process' tensor in rank-ascending order, its adjoint reduce-scatter,
// which routes gradients computed on a global batch back to the process
// that produced each slice, and an all-reduce used to keep replicas in
// sync.
//
// Three implementations are provided: Single (world size 1, identity),
// Loopback (in-process workers, for tests and single-machine simulation)
// and Mesh (TCP transport for separate worker processes).
//
// All collectives are synchronous and must be called uniformly: every
// process calls the same operations, in the same order, the same number of
// times within a step. Divergence deadlocks or misaligns data; it is a
// precondition violation, not a recoverable error. There is no timeout at
// this layer: a hung peer stalls everyone, and restart is the
// orchestrator's job.
package distributed

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Collective is the distributed context handed to the training step: the
// process' rank, the fixed world size and the collective primitives.
//
// AllGather concatenates the local tensors of all processes along axis 0,
// strictly in ascending rank order, so that for a local batch size n the
// global index of local element i on rank r is r*n+i. Every process
// receives the same global tensor.
//
// ReduceScatter is the adjoint of AllGather: given a global-batch-shaped
// tensor (normally a gradient w.r.t. an all-gathered tensor), it sums the
// tensors element-wise across processes and returns to each process only
// its own rank slice. Running AllGather forward and ReduceScatter on the
// upstream gradient is what makes the gather differentiable end to end.
//
// AllReduce sums same-shaped tensors element-wise across processes and
// returns the full sum to every process. It is used to keep model
// replicas in sync.
type Collective interface {
	Rank() int
	WorldSize() int
	AllGather(local *tensors.Tensor) (*tensors.Tensor, error)
	ReduceScatter(global *tensors.Tensor) (*tensors.Tensor, error)
	AllReduce(local *tensors.Tensor) (*tensors.Tensor, error)

	// Close releases any transport resources. Further collective calls are
	// undefined after Close.
	Close() error
}

// concatTensors concatenates parts along axis 0, in the order given.
// All parts must share dtype and trailing dimensions.
func concatTensors(parts []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("concatTensors: no parts")
	}
	first := parts[0].Shape()
	totalRows := 0
	for i, p := range parts {
		s := p.Shape()
		if s.DType != first.DType {
			return nil, errors.Errorf("rank %d contributed dtype %s, rank 0 contributed %s", i, s.DType, first.DType)
		}
		if s.Rank() != first.Rank() {
			return nil, errors.Errorf("rank %d contributed rank-%d tensor, rank 0 contributed rank-%d", i, s.Rank(), first.Rank())
		}
		for axis := 1; axis < s.Rank(); axis++ {
			if s.Dimensions[axis] != first.Dimensions[axis] {
				return nil, errors.Errorf("rank %d contributed shape %s, incompatible with rank 0's %s", i, s, first)
			}
		}
		totalRows += s.Dimensions[0]
	}
	dims := append([]int{totalRows}, first.Dimensions[1:]...)
	global := tensors.FromShape(shapes.Make(first.DType, dims...))
	global.MutableBytes(func(dst []byte) {
		offset := 0
		for _, p := range parts {
			p.ConstBytes(func(src []byte) {
				copy(dst[offset:offset+len(src)], src)
				offset += len(src)
			})
		}
	})
	return global, nil
}

// SplitRows returns the rank-th of worldSize equal row-slices of a
// global-batch tensor, the inverse of what AllGather concatenates. It is
// how a driver shards one logical batch across the world.
func SplitRows(global *tensors.Tensor, rank, worldSize int) (*tensors.Tensor, error) {
	return splitRows(global, rank, worldSize)
}

// splitRows returns the rank-th of worldSize equal row-slices of global.
func splitRows(global *tensors.Tensor, rank, worldSize int) (*tensors.Tensor, error) {
	s := global.Shape()
	if s.Rank() < 1 {
		return nil, errors.Errorf("cannot split scalar tensor %s", s)
	}
	if s.Dimensions[0]%worldSize != 0 {
		return nil, errors.Errorf("global axis 0 (%d) not divisible by world size %d", s.Dimensions[0], worldSize)
	}
	localRows := s.Dimensions[0] / worldSize
	dims := append([]int{localRows}, s.Dimensions[1:]...)
	local := tensors.FromShape(shapes.Make(s.DType, dims...))
	sliceBytes := int(local.Memory())
	local.MutableBytes(func(dst []byte) {
		global.ConstBytes(func(src []byte) {
			copy(dst, src[rank*sliceBytes:(rank+1)*sliceBytes])
		})
	})
	return local, nil
}

// sumTensors returns the element-wise sum of all parts, which must share
// shape.
func sumTensors(parts []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("sumTensors: no parts")
	}
	total := parts[0].LocalClone()
	for _, p := range parts[1:] {
		if err := sumInto(total, p); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// sumInto adds src into dst element-wise. Both must share shape; only the
// float dtypes used for gradients are supported.
func sumInto(dst, src *tensors.Tensor) error {
	if !dst.Shape().Equal(src.Shape()) {
		return errors.Errorf("reduce of mismatched shapes %s and %s", dst.Shape(), src.Shape())
	}
	switch dst.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData[float32](dst, func(d []float32) {
			tensors.ConstFlatData[float32](src, func(s []float32) {
				for i := range d {
					d[i] += s[i]
				}
			})
		})
	case dtypes.Float64:
		tensors.MutableFlatData[float64](dst, func(d []float64) {
			tensors.ConstFlatData[float64](src, func(s []float64) {
				for i := range d {
					d[i] += s[i]
				}
			})
		})
	default:
		return errors.Errorf("reduce not supported for dtype %s", dst.DType())
	}
	return nil
}
