// Package align implements the batch-level machinery for image-text
// alignment training: cross-batch similarity matrices, contrastive and
// matching losses, and hard-negative sampling.
//
// Image representations carry multiple learned query sub-embeddings per
// example; similarities reduce over that axis with a max, so the best
// matching sub-embedding scores each pair.
package align

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// SimilarityImageToText computes the [localBatch, globalBatch] similarity
// matrix between local image features and globally gathered text features.
//
// imageFeats must be shaped [n, numQueries, dim] and textFeats [N, dim].
// Both are L2-normalized along dim before the dot product, and the query
// axis is reduced with a max.
func SimilarityImageToText(imageFeats, textFeats *Node) *Node {
	if imageFeats.Rank() != 3 || textFeats.Rank() != 2 {
		Panicf("SimilarityImageToText: imageFeats must be rank 3 and textFeats rank 2, got %s and %s",
			imageFeats.Shape(), textFeats.Shape())
	}
	if imageFeats.Shape().Dimensions[2] != textFeats.Shape().Dimensions[1] {
		Panicf("SimilarityImageToText: feature dimensions don't match, got %s and %s",
			imageFeats.Shape(), textFeats.Shape())
	}
	imageFeats = L2Normalize(imageFeats, -1)
	textFeats = L2Normalize(textFeats, -1)
	perQuery := Einsum("iqd,jd->iqj", imageFeats, textFeats)
	return ReduceMax(perQuery, 1)
}

// SimilarityTextToImage computes the [localBatch, globalBatch] similarity
// matrix between local text features and globally gathered image features.
//
// textFeats must be shaped [n, dim] and imageFeats [N, numQueries, dim].
// Each text scores against every sub-embedding of every image, keeping the
// max per image.
func SimilarityTextToImage(textFeats, imageFeats *Node) *Node {
	if textFeats.Rank() != 2 || imageFeats.Rank() != 3 {
		Panicf("SimilarityTextToImage: textFeats must be rank 2 and imageFeats rank 3, got %s and %s",
			textFeats.Shape(), imageFeats.Shape())
	}
	if textFeats.Shape().Dimensions[1] != imageFeats.Shape().Dimensions[2] {
		Panicf("SimilarityTextToImage: feature dimensions don't match, got %s and %s",
			textFeats.Shape(), imageFeats.Shape())
	}
	textFeats = L2Normalize(textFeats, -1)
	imageFeats = L2Normalize(imageFeats, -1)
	perQuery := Einsum("id,jqd->ijq", textFeats, imageFeats)
	return ReduceMax(perQuery, -1)
}

// RankTargets returns the int32 vector [n] of global column indices that
// are the positive matches for this worker's local batch: local example i
// pairs with global index rank*n+i.
func RankTargets(g *Graph, localBatchSize, rank int) *Node {
	targets := IotaFull(g, shapes.Make(dtypes.Int32, localBatchSize))
	if rank > 0 {
		targets = AddScalar(targets, int32(rank*localBatchSize))
	}
	return targets
}
