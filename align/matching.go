package align

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// TripletLabels builds the int32 label vector [3n, 1] for a matching
// triplet batch laid out as n positive pairs followed by 2n negative
// pairs: the first n entries are 1 (match), the rest 0.
func TripletLabels(g *Graph, localBatchSize int) *Node {
	rows := IotaFull(g, shapes.Make(dtypes.Int32, 3*localBatchSize, 1))
	isPositive := LessThan(rows, Const(g, int32(localBatchSize)))
	return ConvertDType(isPositive, dtypes.Int32)
}

// MatchingLoss returns the scalar cross-entropy loss of the two-way
// match/no-match logits against the triplet labels.
//
// logits must be shaped [3n, 2] and labels [3n, 1] (see TripletLabels).
func MatchingLoss(logits, labels *Node) *Node {
	if logits.Rank() != 2 || logits.Shape().Dimensions[1] != 2 {
		Panicf("MatchingLoss: expected [3n, 2] logits, got %s", logits.Shape())
	}
	if labels.Rank() != 2 || labels.Shape().Dimensions[1] != 1 ||
		labels.Shape().Dimensions[0] != logits.Shape().Dimensions[0] {
		Panicf("MatchingLoss: expected [3n, 1] labels matching logits %s, got %s",
			logits.Shape(), labels.Shape())
	}
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
}
