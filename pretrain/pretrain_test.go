package pretrain

import (
	"math"
	"sync"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlalign/vlalign/align"
	"github.com/vlalign/vlalign/distributed"
	"github.com/vlalign/vlalign/qformer"
)

func testModel(t *testing.T) *qformer.Config {
	t.Helper()
	c := &qformer.Config{
		HiddenDim:  8,
		NumQueries: 2,
		NumHeads:   2,
		NumBlocks:  1,
		VocabSize:  64,
		MaxSeqLen:  4,
		VisionDim:  8,
		ImageSize:  4,
		PatchSize:  2,
		FeatureDim: 4,
	}
	require.NoError(t, c.Validate())
	return c
}

func seededContext(seed int64) *context.Context {
	ctx := context.New()
	ctx.SetParam(initializers.ParamInitialSeed, seed)
	return ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
}

func newTestTrainer(t *testing.T, ctx *context.Context, collective distributed.Collective, options ...Option) *Trainer {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	trainer, err := New(backend, ctx, testModel(t), collective,
		optimizers.Adam().LearningRate(0.01).Done(), options...)
	require.NoError(t, err)
	return trainer
}

func TestStepSingleProcess(t *testing.T) {
	trainer := newTestTrainer(t, seededContext(1), distributed.NewSingle(),
		WithSampler(align.NewSampler(11)))
	ds := NewSyntheticDataset(4, 4, 4, 3, 64, 7)
	losses, err := trainer.Step(ds.Next())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(losses.Contrastive) || math.IsInf(losses.Contrastive, 0))
	assert.False(t, math.IsNaN(losses.Matching) || math.IsInf(losses.Matching, 0))
	assert.Greater(t, losses.Contrastive, 0.0)
	assert.Greater(t, losses.Matching, 0.0)
	assert.Equal(t, int64(1), trainer.StepCount())
}

func TestStepRejectsEmptyBatch(t *testing.T) {
	trainer := newTestTrainer(t, seededContext(1), distributed.NewSingle())
	_, err := trainer.Step(nil)
	assert.Error(t, err)
	_, err = trainer.Step(&Batch{})
	assert.Error(t, err)
}

func TestMetricsCallback(t *testing.T) {
	var gotStep int64
	var gotValues map[string]float64
	trainer := newTestTrainer(t, seededContext(2), distributed.NewSingle(),
		WithMetrics(func(step int64, values map[string]float64) {
			gotStep, gotValues = step, values
		}))
	ds := NewSyntheticDataset(4, 4, 4, 3, 64, 9)
	losses, err := trainer.Step(ds.Next())
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotStep)
	assert.Equal(t, losses.Contrastive, gotValues["loss/contrastive"])
	assert.Equal(t, losses.Matching, gotValues["loss/matching"])
	assert.InDelta(t, losses.Contrastive+losses.Matching, gotValues["loss/total"], 1e-9)
}

// Training repeatedly on one fixed batch must drive both losses down.
func TestTrainingReducesLoss(t *testing.T) {
	trainer := newTestTrainer(t, seededContext(3), distributed.NewSingle(),
		WithSampler(align.NewSampler(5)))
	batch := NewSyntheticDataset(4, 4, 4, 3, 64, 13).Next()

	first, err := trainer.Step(batch)
	require.NoError(t, err)
	var last Losses
	for i := 0; i < 40; i++ {
		last, err = trainer.Step(batch)
		require.NoError(t, err)
	}
	assert.Less(t, last.Contrastive+last.Matching, first.Contrastive+first.Matching,
		"loss after 40 steps (%v) should be below the first step's (%v)", last, first)
}

// splitBatch slices a batch of 2n rows into two batches of n rows.
func splitBatch(t *testing.T, full *Batch) (*Batch, *Batch) {
	t.Helper()
	half := func(src *tensors.Tensor, rank int) *tensors.Tensor {
		part, err := distributed.SplitRows(src, rank, 2)
		require.NoError(t, err)
		return part
	}
	a := &Batch{Pixels: half(full.Pixels, 0), TokenIDs: half(full.TokenIDs, 0), Mask: half(full.Mask, 0)}
	b := &Batch{Pixels: half(full.Pixels, 1), TokenIDs: half(full.TokenIDs, 1), Mask: half(full.Mask, 1)}
	return a, b
}

// With identical initialization, the contrastive loss of a single
// process on the full batch must equal the average of the two workers'
// contrastive losses on their halves of the same batch: the gathered
// global similarity matrices are identical, only the row ownership is
// split.
func TestDistributedContrastiveMatchesSingleProcess(t *testing.T) {
	const seed = 21
	fullBatch := NewSyntheticDataset(4, 4, 4, 3, 64, 17).Next()
	batch0, batch1 := splitBatch(t, fullBatch)

	single := newTestTrainer(t, seededContext(seed), distributed.NewSingle(),
		WithSampler(align.NewSampler(1)))
	singleLosses, err := single.Step(fullBatch)
	require.NoError(t, err)

	handles, err := distributed.NewLoopback(2)
	require.NoError(t, err)
	trainers := []*Trainer{
		newTestTrainer(t, seededContext(seed), handles[0], WithSampler(align.NewSampler(1))),
		newTestTrainer(t, seededContext(seed), handles[1], WithSampler(align.NewSampler(2))),
	}
	batches := []*Batch{batch0, batch1}
	lossesPerRank := make([]Losses, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lossesPerRank[rank], errs[rank] = trainers[rank].Step(batches[rank])
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	distributedMean := (lossesPerRank[0].Contrastive + lossesPerRank[1].Contrastive) / 2
	assert.InDelta(t, singleLosses.Contrastive, distributedMean, 1e-4,
		"distributed contrastive loss must match the single-process loss on the concatenated batch")
}

// Multi-worker training on fixed batches must reduce the loss, and the
// replicas must stay in sync through the parameter averaging.
func TestDistributedTrainingReducesLoss(t *testing.T) {
	const seed = 33
	fullBatch := NewSyntheticDataset(4, 4, 4, 3, 64, 23).Next()
	batch0, batch1 := splitBatch(t, fullBatch)

	handles, err := distributed.NewLoopback(2)
	require.NoError(t, err)
	trainers := []*Trainer{
		newTestTrainer(t, seededContext(seed), handles[0], WithSampler(align.NewSampler(3))),
		newTestTrainer(t, seededContext(seed), handles[1], WithSampler(align.NewSampler(4))),
	}
	batches := []*Batch{batch0, batch1}

	step := func() []Losses {
		out := make([]Losses, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for rank := 0; rank < 2; rank++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out[rank], errs[rank] = trainers[rank].Step(batches[rank])
			}()
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		return out
	}

	first := step()
	var last []Losses
	for i := 0; i < 20; i++ {
		last = step()
	}
	firstTotal := first[0].Contrastive + first[0].Matching + first[1].Contrastive + first[1].Matching
	lastTotal := last[0].Contrastive + last[0].Matching + last[1].Contrastive + last[1].Matching
	assert.Less(t, lastTotal, firstTotal)
}

// The matching batch has 3n rows in a fixed layout: true pairs first,
// then the mined negative image per text, then the mined negative text
// per image. The negative blocks must carry the sampled candidates, not
// copies of the positives.
func TestTripletAssembly(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(inputs []*Node) (*Node, *Node, *Node) {
		return assembleTriplets(inputs[0], inputs[1], inputs[2],
			inputs[3], inputs[4], inputs[5], inputs[6], inputs[7])
	})

	vision := [][][]float32{{{1, 1}}, {{2, 2}}}
	visionAll := [][][]float32{{{1, 1}}, {{2, 2}}, {{3, 3}}, {{4, 4}}}
	tokens := [][]int32{{10, 11}, {20, 21}}
	tokensAll := [][]int32{{10, 11}, {20, 21}, {30, 31}, {40, 41}}
	mask := [][]bool{{true, true}, {true, false}}
	maskAll := [][]bool{{true, true}, {true, false}, {false, true}, {true, true}}
	imageNegIdx := [][]int32{{2}, {3}}
	textNegIdx := [][]int32{{3}, {2}}

	results := exec.Call(vision, tokens, mask, visionAll, tokensAll, maskAll, imageNegIdx, textNegIdx)

	assert.Equal(t, [][][]float32{
		{{1, 1}}, {{2, 2}}, // positives
		{{3, 3}}, {{4, 4}}, // sampled negative images
		{{1, 1}}, {{2, 2}}, // positives again, paired with negative texts
	}, results[0].Value())
	assert.Equal(t, [][]int32{
		{10, 11}, {20, 21},
		{10, 11}, {20, 21},
		{40, 41}, {30, 31}, // sampled negative texts
	}, results[1].Value())
	assert.Equal(t, [][]bool{
		{true, true}, {true, false},
		{true, true}, {true, false},
		{true, true}, {false, true}, // masks follow the negative texts
	}, results[2].Value())
}

// Replica synchronization must leave every float variable holding the
// element-wise average of the replicas' values, on every rank.
func TestSyncParametersAverages(t *testing.T) {
	handles, err := distributed.NewLoopback(2)
	require.NoError(t, err)
	trainers := []*Trainer{
		newTestTrainer(t, seededContext(7), handles[0]),
		newTestTrainer(t, seededContext(7), handles[1]),
	}
	values := [][]float32{{1, 3}, {5, 9}}
	for rank, trainer := range trainers {
		trainer.ctx.InAbsPath("/sync").VariableWithValue("weights", values[rank])
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = trainers[rank].syncParameters()
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	for rank, trainer := range trainers {
		v := trainer.ctx.InspectVariable("/sync", "weights")
		require.NotNilf(t, v, "rank %d variable", rank)
		assert.Equalf(t, []float32{3, 6}, v.Value().Value(), "rank %d synced value", rank)
	}
}

// The update graph injects the peers' gradient through the inner product
// with a stop-gradient term. On a toy quadratic the gradient flowing
// through that surrogate must equal the direct gradient.
func TestSurrogateGradientInjection(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	x := [][]float32{
		{1, -2},
		{0.5, 3},
	}

	directExec := NewExec(backend, func(x *Node) *Node {
		loss := ReduceAllSum(Mul(x, x))
		return Gradient(loss, x)[0]
	})
	direct := directExec.Call(x)[0]

	probeExec := NewExec(backend, func(x *Node) *Node {
		loss := ReduceAllSum(Mul(x, x))
		return Gradient(loss, x)[0]
	})
	peerGrad := probeExec.Call(x)[0]

	surrogateExec := NewExec(backend, func(x, peerGrad *Node) *Node {
		surrogate := ReduceAllSum(Mul(x, StopGradient(peerGrad)))
		return Gradient(surrogate, x)[0]
	})
	injected := surrogateExec.Call(x, peerGrad)[0]

	require.True(t, direct.InDelta(injected, 1e-6))
}

func TestOptionsValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := New(backend, context.New(), testModel(t), distributed.NewSingle(),
		optimizers.Adam().Done(), WithTemperature(-1))
	assert.Error(t, err)

	_, err = New(backend, context.New(), nil, distributed.NewSingle(), optimizers.Adam().Done())
	assert.Error(t, err)
}
