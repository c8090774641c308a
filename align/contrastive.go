package align

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
)

// ContrastiveLoss returns the scalar symmetric contrastive loss over both
// similarity directions.
//
// simImageToText and simTextToImage must both be shaped [n, N] with the
// same dimensions, and targets must be an int vector [n] holding each
// local example's positive global column (see RankTargets). The target
// distribution is smoothed: the positive column gets 1-smoothing plus its
// share of the smoothing mass, every other column gets smoothing/N.
func ContrastiveLoss(simImageToText, simTextToImage, targets *Node, smoothing float64) *Node {
	if !simImageToText.Shape().Equal(simTextToImage.Shape()) {
		Panicf("ContrastiveLoss: similarity matrices must have the same shape, got %s and %s",
			simImageToText.Shape(), simTextToImage.Shape())
	}
	if simImageToText.Rank() != 2 || targets.Rank() != 1 ||
		simImageToText.Shape().Dimensions[0] != targets.Shape().Dimensions[0] {
		Panicf("ContrastiveLoss: expected similarities [n, N] and targets [n], got %s and %s",
			simImageToText.Shape(), targets.Shape())
	}
	if smoothing < 0 || smoothing >= 1 {
		Panicf("ContrastiveLoss: smoothing must be in [0, 1), got %g", smoothing)
	}
	numClasses := simImageToText.Shape().Dimensions[1]
	dtype := simImageToText.DType()
	labels := OneHot(targets, numClasses, dtype)
	if smoothing > 0 {
		labels = AddScalar(MulScalar(labels, 1.0-smoothing), smoothing/float64(numClasses))
	}
	lossI2T := ReduceAllMean(losses.CategoricalCrossEntropyLogits([]*Node{labels}, []*Node{simImageToText}))
	lossT2I := ReduceAllMean(losses.CategoricalCrossEntropyLogits([]*Node{labels}, []*Node{simTextToImage}))
	return MulScalar(Add(lossI2T, lossT2I), 0.5)
}

// suppressionValue is added in place of a suppressed similarity. Large
// enough that the entry's softmax weight underflows to 0 for any
// realistic similarity scale.
const suppressionValue = -10000.0

// SuppressOwnBlock masks each local example's own positive column in the
// [n, N] similarity matrix with a large negative value, so hard-negative
// sampling never draws the positive pair. Row i has column rank*n+i
// suppressed.
func SuppressOwnBlock(sim *Node, rank int) *Node {
	if sim.Rank() != 2 {
		Panicf("SuppressOwnBlock: expected a [n, N] similarity matrix, got %s", sim.Shape())
	}
	n := sim.Shape().Dimensions[0]
	g := sim.Graph()
	rows := Iota(g, sim.Shape(), 0)
	cols := Iota(g, sim.Shape(), 1)
	onDiagonal := Equal(cols, AddScalar(rows, float64(rank*n)))
	return Where(onDiagonal, ConstAs(sim, suppressionValue), sim)
}

// SamplingWeights converts a (suppressed) similarity row into a
// probability distribution over candidate negatives via a row softmax.
func SamplingWeights(sim *Node) *Node {
	if sim.Rank() != 2 {
		Panicf("SamplingWeights: expected a [n, N] similarity matrix, got %s", sim.Shape())
	}
	return Softmax(sim, -1)
}
