package align

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarityImageToText(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Two images with two query sub-embeddings each; already unit-norm
	// along the feature axis so the max over queries is easy to read.
	imageFeats := [][][]float32{
		{{1, 0}, {0, 1}},
		{{0, -1}, {1, 0}},
	}
	textFeats := [][]float32{
		{1, 0},
		{0, 1},
		{-1, 0},
	}
	exec := NewExec(backend, func(image, text *Node) *Node {
		return SimilarityImageToText(image, text)
	})
	got := exec.Call(imageFeats, textFeats)[0]
	// Each entry is the best dot product over the image's sub-embeddings.
	want := [][]float32{
		{1, 1, 0},
		{1, 0, 0},
	}
	assert.Equal(t, want, got.Value())
}

func TestSimilarityTextToImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	textFeats := [][]float32{
		{1, 0},
		{0, 1},
	}
	imageFeats := [][][]float32{
		{{1, 0}, {0, 1}},
		{{-1, 0}, {0, -1}},
	}
	exec := NewExec(backend, func(text, image *Node) *Node {
		return SimilarityTextToImage(text, image)
	})
	got := exec.Call(textFeats, imageFeats)[0]
	want := [][]float32{
		{1, 0},
		{1, 0},
	}
	assert.Equal(t, want, got.Value())
}

// Reordering an image's query sub-embeddings must not change its
// similarities: the reduction over the query axis is a max.
func TestSimilarityQueryOrderInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	imageFeats := [][][]float32{
		{{0.3, -0.8, 0.1}, {-0.5, 0.2, 0.9}, {0.7, 0.7, -0.2}},
	}
	permuted := [][][]float32{
		{{0.7, 0.7, -0.2}, {0.3, -0.8, 0.1}, {-0.5, 0.2, 0.9}},
	}
	textFeats := [][]float32{
		{0.1, 0.5, -0.3},
		{-0.9, 0.2, 0.4},
	}
	exec := NewExec(backend, func(image, text *Node) *Node {
		return SimilarityImageToText(image, text)
	})
	original := exec.Call(imageFeats, textFeats)[0]
	shuffled := exec.Call(permuted, textFeats)[0]
	require.True(t, original.InDelta(shuffled, 1e-6))
}

func TestRankTargets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, test := range []struct {
		rank int
		want []int32
	}{
		{rank: 0, want: []int32{0, 1, 2}},
		{rank: 1, want: []int32{3, 4, 5}},
		{rank: 3, want: []int32{9, 10, 11}},
	} {
		exec := NewExec(backend, func(g *Graph) *Node {
			return RankTargets(g, 3, test.rank)
		})
		got := exec.Call()[0]
		assert.Equalf(t, test.want, got.Value(), "rank %d", test.rank)
	}
}

// crossEntropy computes the reference smoothed cross-entropy of one row.
func crossEntropy(logits []float64, target int, smoothing float64) float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}
	var sumExp float64
	for _, l := range logits {
		sumExp += math.Exp(l - maxLogit)
	}
	logSumExp := math.Log(sumExp) + maxLogit
	n := float64(len(logits))
	var loss float64
	for i, l := range logits {
		label := smoothing / n
		if i == target {
			label += 1 - smoothing
		}
		loss -= label * (l - logSumExp)
	}
	return loss
}

func TestContrastiveLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	simI2T := [][]float32{
		{2.0, 0.1, -0.5, 0.3},
		{0.2, 1.5, 0.0, -1.0},
	}
	simT2I := [][]float32{
		{1.0, -0.2, 0.4, 0.0},
		{-0.3, 2.2, 0.1, 0.5},
	}
	const smoothing = 0.1
	exec := NewExec(backend, func(i2t, t2i *Node) *Node {
		targets := RankTargets(i2t.Graph(), 2, 0)
		return ContrastiveLoss(i2t, t2i, targets, smoothing)
	})
	got := exec.Call(simI2T, simT2I)[0].Value().(float32)

	var want float64
	for row, logits := range [][]float64{
		{2.0, 0.1, -0.5, 0.3},
		{0.2, 1.5, 0.0, -1.0},
	} {
		want += crossEntropy(logits, row, smoothing)
	}
	for row, logits := range [][]float64{
		{1.0, -0.2, 0.4, 0.0},
		{-0.3, 2.2, 0.1, 0.5},
	} {
		want += crossEntropy(logits, row, smoothing)
	}
	want /= 4 // mean over the 2 rows of each direction, then mean of directions.
	assert.InDelta(t, want, float64(got), 1e-4)
}

func TestContrastiveLossPrefersAlignedPairs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	aligned := [][]float32{
		{5, 0},
		{0, 5},
	}
	misaligned := [][]float32{
		{0, 5},
		{5, 0},
	}
	exec := NewExec(backend, func(i2t, t2i *Node) *Node {
		targets := RankTargets(i2t.Graph(), 2, 0)
		return ContrastiveLoss(i2t, t2i, targets, 0.1)
	})
	lossAligned := exec.Call(aligned, aligned)[0].Value().(float32)
	lossMisaligned := exec.Call(misaligned, misaligned)[0].Value().(float32)
	assert.Less(t, lossAligned, lossMisaligned)
}

func TestContrastiveLossCandidatePermutation(t *testing.T) {
	// Swapping two non-target candidate columns leaves the loss unchanged:
	// the target logit and the softmax normalizer are both preserved.
	backend := graphtest.BuildTestBackend()
	base := [][]float32{
		{2.0, 0.1, -0.5, 0.3},
		{0.2, 1.5, 0.0, -1.0},
	}
	permuted := [][]float32{ // columns 2 and 3 swapped; targets are 0 and 1.
		{2.0, 0.1, 0.3, -0.5},
		{0.2, 1.5, -1.0, 0.0},
	}
	exec := NewExec(backend, func(i2t, t2i *Node) *Node {
		targets := RankTargets(i2t.Graph(), 2, 0)
		return ContrastiveLoss(i2t, t2i, targets, 0.1)
	})
	lossBase := exec.Call(base, base)[0].Value().(float32)
	lossPermuted := exec.Call(permuted, permuted)[0].Value().(float32)
	assert.InDelta(t, float64(lossBase), float64(lossPermuted), 1e-6)
}

func TestSuppressOwnBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sim := [][]float32{
		{1, 2, 3, 4, 5, 6},
		{7, 8, 9, 10, 11, 12},
	}
	for _, test := range []struct {
		rank           int
		suppressedCols []int
	}{
		{rank: 0, suppressedCols: []int{0, 1}},
		{rank: 1, suppressedCols: []int{2, 3}},
		{rank: 2, suppressedCols: []int{4, 5}},
	} {
		exec := NewExec(backend, func(s *Node) *Node {
			return SuppressOwnBlock(s, test.rank)
		})
		got := exec.Call(sim)[0].Value().([][]float32)
		for i, row := range got {
			for j, v := range row {
				if j == test.suppressedCols[i] {
					assert.Equalf(t, float32(suppressionValue), v, "rank %d entry (%d, %d)", test.rank, i, j)
				} else {
					assert.Equalf(t, sim[i][j], v, "rank %d entry (%d, %d)", test.rank, i, j)
				}
			}
		}
	}
}

func TestSamplingWeightsAfterSuppression(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sim := [][]float32{
		{0.5, 1.0, -0.3, 0.8},
		{0.1, -0.7, 1.2, 0.0},
	}
	exec := NewExec(backend, func(s *Node) *Node {
		return SamplingWeights(SuppressOwnBlock(s, 1))
	})
	weights := exec.Call(sim)[0].Value().([][]float32)
	for i, row := range weights {
		var total float32
		for _, w := range row {
			total += w
		}
		assert.InDeltaf(t, 1.0, float64(total), 1e-5, "row %d must be a distribution", i)
		assert.Lessf(t, float64(row[2+i]), 1e-10, "row %d own column must carry no mass", i)
	}
}
