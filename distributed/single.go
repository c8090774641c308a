package distributed

import "github.com/gomlx/gomlx/types/tensors"

// Single is the degenerate Collective for a lone process: rank 0, world
// size 1, and both collectives return their input unchanged. Training
// code can take a Collective unconditionally and transparently fall back
// to in-process contrastive learning when no multi-process runtime is
// available.
type Single struct{}

// NewSingle returns the world-size-1 collective.
func NewSingle() Single { return Single{} }

func (Single) Rank() int      { return 0 }
func (Single) WorldSize() int { return 1 }

func (Single) AllGather(local *tensors.Tensor) (*tensors.Tensor, error) {
	return local, nil
}

func (Single) ReduceScatter(global *tensors.Tensor) (*tensors.Tensor, error) {
	return global, nil
}

func (Single) AllReduce(local *tensors.Tensor) (*tensors.Tensor, error) {
	return local, nil
}

func (Single) Close() error { return nil }
