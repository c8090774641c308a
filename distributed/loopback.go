package distributed

import (
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type loopbackOp int

const (
	loopbackIdle loopbackOp = iota
	loopbackAllGather
	loopbackReduceScatter
	loopbackAllReduce
)

// loopbackGroup is the shared rendezvous for one world of Loopback workers.
// Each collective call is a two-phase barrier: workers deposit their tensor
// and wait for the world to arrive, the group result is computed once, and
// the round is only recycled after every worker has picked up its output.
type loopbackGroup struct {
	worldSize int

	mu   sync.Mutex
	cond *sync.Cond

	op       loopbackOp
	round    int64
	arrived  int
	departed int
	slots    []*tensors.Tensor
	result   *tensors.Tensor
	err      error
	closed   bool
}

// Loopback is one worker's handle on an in-process collective: worldSize
// goroutines, one per rank, sharing a rendezvous. It exists for tests and
// single-machine simulation of the multi-process training step; the
// synchronization contract is the same as the TCP Mesh's.
type Loopback struct {
	rank  int
	group *loopbackGroup
}

// NewLoopback creates an in-process world of the given size and returns
// one handle per rank. All handles must be driven from distinct
// goroutines: a collective call blocks until every rank has made the
// matching call.
func NewLoopback(worldSize int) ([]*Loopback, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("world size must be >= 1, got %d", worldSize)
	}
	g := &loopbackGroup{
		worldSize: worldSize,
		slots:     make([]*tensors.Tensor, worldSize),
	}
	g.cond = sync.NewCond(&g.mu)
	handles := make([]*Loopback, worldSize)
	for r := range handles {
		handles[r] = &Loopback{rank: r, group: g}
	}
	return handles, nil
}

func (l *Loopback) Rank() int      { return l.rank }
func (l *Loopback) WorldSize() int { return l.group.worldSize }

func (l *Loopback) AllGather(local *tensors.Tensor) (*tensors.Tensor, error) {
	global, err := l.group.exchange(loopbackAllGather, l.rank, local)
	if err != nil {
		return nil, err
	}
	return global, nil
}

func (l *Loopback) ReduceScatter(global *tensors.Tensor) (*tensors.Tensor, error) {
	summed, err := l.group.exchange(loopbackReduceScatter, l.rank, global)
	if err != nil {
		return nil, err
	}
	return splitRows(summed, l.rank, l.group.worldSize)
}

func (l *Loopback) AllReduce(local *tensors.Tensor) (*tensors.Tensor, error) {
	summed, err := l.group.exchange(loopbackAllReduce, l.rank, local)
	if err != nil {
		return nil, err
	}
	// The group result is shared by all ranks; callers own and may
	// mutate their AllReduce output, so each rank gets its own copy.
	return summed.LocalClone(), nil
}

// Close wakes any waiting workers with an error. Closing any handle
// closes the whole group.
func (l *Loopback) Close() error {
	g := l.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		g.cond.Broadcast()
	}
	return nil
}

// exchange runs one collective round and returns the group result: the
// rank-ordered concatenation for all-gather, the element-wise sum for
// reduce-scatter (callers slice out their own rows) and all-reduce.
func (g *loopbackGroup) exchange(op loopbackOp, rank int, t *tensors.Tensor) (*tensors.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Wait out the tail of a previous round.
	for g.departed != 0 && !g.closed {
		g.cond.Wait()
	}
	if g.closed {
		return nil, errors.New("loopback collective is closed")
	}

	if g.arrived == 0 {
		g.op = op
		g.err = nil
		g.result = nil
	} else if g.op != op && g.err == nil {
		g.err = errors.Errorf("collective call mismatch: rank %d called op %d while the round started with op %d", rank, op, g.op)
	}
	g.slots[rank] = t
	g.arrived++
	round := g.round
	if g.arrived == g.worldSize {
		if g.err == nil {
			g.result, g.err = g.combine(op)
		}
		g.round++
		g.cond.Broadcast()
	} else {
		for g.round == round && !g.closed {
			g.cond.Wait()
		}
		if g.closed {
			return nil, errors.New("loopback collective is closed")
		}
	}

	result, err := g.result, g.err
	g.departed++
	if g.departed == g.worldSize {
		g.arrived, g.departed = 0, 0
		g.op = loopbackIdle
		for i := range g.slots {
			g.slots[i] = nil
		}
		g.cond.Broadcast()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *loopbackGroup) combine(op loopbackOp) (*tensors.Tensor, error) {
	switch op {
	case loopbackAllGather:
		klog.V(2).Infof("loopback all-gather, %d ranks, local shape %s", g.worldSize, g.slots[0].Shape())
		return concatTensors(g.slots)
	case loopbackReduceScatter, loopbackAllReduce:
		klog.V(2).Infof("loopback reduce op %d, %d ranks, shape %s", op, g.worldSize, g.slots[0].Shape())
		return sumTensors(g.slots)
	}
	return nil, errors.Errorf("unknown collective op %d", op)
}
