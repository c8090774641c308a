// Package qformer implements a querying transformer: a small transformer
// that reads frozen vision embeddings through a set of learned query
// tokens and also encodes text, sharing its self-attention weights
// between the two modalities.
//
// Three forward modes are exposed:
//   - QueryRepresentations: queries only, with cross-attention to vision
//     embeddings, for image-side contrastive features.
//   - TextRepresentation: text tokens only, no cross-attention, for the
//     text-side contrastive feature.
//   - JointRepresentations: queries concatenated with text tokens, with
//     cross-attention on the query slots, for image-text matching.
package qformer

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config sets the dimensions of the model. Use Validate before building
// graphs with it.
type Config struct {
	// HiddenDim is the transformer width.
	HiddenDim int

	// NumQueries is the number of learned query tokens reading the image.
	NumQueries int

	// NumHeads and NumBlocks size the transformer.
	NumHeads  int
	NumBlocks int

	// VocabSize and MaxSeqLen size the text side.
	VocabSize int
	MaxSeqLen int

	// FFNDim is the feed-forward inner width. Zero defaults to 4*HiddenDim.
	FFNDim int

	// VisionDim is the width of the vision embeddings fed to
	// cross-attention, and of the toy patch projection output.
	VisionDim int

	// ImageSize and PatchSize define the toy patch grid: images are
	// [ImageSize, ImageSize, 3] and split into square patches.
	ImageSize int
	PatchSize int

	// FeatureDim is the width of the contrastive projection heads.
	FeatureDim int

	// DType of all floating point computation. Zero value defaults to Float32.
	DType dtypes.DType
}

// Validate fills defaults and checks the configuration is usable.
func (c *Config) Validate() error {
	if c.DType == dtypes.InvalidDType {
		c.DType = dtypes.Float32
	}
	if c.FFNDim == 0 {
		c.FFNDim = 4 * c.HiddenDim
	}
	if c.HiddenDim <= 0 || c.NumQueries <= 0 || c.NumHeads <= 0 || c.NumBlocks <= 0 {
		return errors.Errorf("qformer: HiddenDim, NumQueries, NumHeads and NumBlocks must all be positive, got %+v", *c)
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return errors.Errorf("qformer: HiddenDim=%d must be divisible by NumHeads=%d", c.HiddenDim, c.NumHeads)
	}
	if c.VocabSize <= 0 || c.MaxSeqLen <= 0 {
		return errors.Errorf("qformer: VocabSize and MaxSeqLen must be positive, got %+v", *c)
	}
	if c.VisionDim <= 0 || c.FeatureDim <= 0 {
		return errors.Errorf("qformer: VisionDim and FeatureDim must be positive, got %+v", *c)
	}
	if c.ImageSize <= 0 || c.PatchSize <= 0 || c.ImageSize%c.PatchSize != 0 {
		return errors.Errorf("qformer: ImageSize=%d must be a positive multiple of PatchSize=%d", c.ImageSize, c.PatchSize)
	}
	return nil
}

func (c *Config) headDim() int { return c.HiddenDim / c.NumHeads }

// numPatches in the toy patch grid.
func (c *Config) numPatches() int {
	perSide := c.ImageSize / c.PatchSize
	return perSide * perSide
}

// queryTokens returns the learned query tokens broadcast over the batch,
// shaped [batchSize, NumQueries, HiddenDim].
func (c *Config) queryTokens(ctx *context.Context, g *Graph, batchSize int) *Node {
	v := ctx.In("queries").VariableWithShape("tokens", shapes.Make(c.DType, c.NumQueries, c.HiddenDim))
	tokens := InsertAxes(v.ValueGraph(g), 0)
	return BroadcastToDims(tokens, batchSize, c.NumQueries, c.HiddenDim)
}

// VisionEmbeddings projects raw pixels into a sequence of patch
// embeddings, shaped [batchSize, numPatches, VisionDim]. It stands in
// for a frozen vision tower: a single linear patch projection plus a
// learned position embedding.
func (c *Config) VisionEmbeddings(ctx *context.Context, pixels *Node) *Node {
	if pixels.Rank() != 4 || pixels.Shape().Dimensions[1] != c.ImageSize ||
		pixels.Shape().Dimensions[2] != c.ImageSize || pixels.Shape().Dimensions[3] != 3 {
		Panicf("VisionEmbeddings: expected pixels [batch, %d, %d, 3], got %s",
			c.ImageSize, c.ImageSize, pixels.Shape())
	}
	ctx = ctx.In("vision")
	g := pixels.Graph()
	batchSize := pixels.Shape().Dimensions[0]
	perSide := c.ImageSize / c.PatchSize

	// [batch, perSide, patch, perSide, patch, 3] -> [batch, perSide, perSide, patch, patch, 3]
	patches := Reshape(pixels, batchSize, perSide, c.PatchSize, perSide, c.PatchSize, 3)
	patches = TransposeAllDims(patches, 0, 1, 3, 2, 4, 5)
	patches = Reshape(patches, batchSize, c.numPatches(), c.PatchSize*c.PatchSize*3)

	embeds := layers.Dense(ctx.In("patch_projection"), patches, true, c.VisionDim)
	positions := ctx.In("positions").VariableWithShape(
		"embeddings", shapes.Make(c.DType, c.numPatches(), c.VisionDim))
	embeds = Add(embeds, InsertAxes(positions.ValueGraph(g), 0))
	return layers.LayerNormalization(ctx.In("norm"), embeds, -1).Done()
}

// textEmbeddings embeds token ids [batch, seqLen] into [batch, seqLen,
// HiddenDim] with learned position embeddings.
func (c *Config) textEmbeddings(ctx *context.Context, tokenIDs *Node) *Node {
	ctx = ctx.In("text_embeddings")
	g := tokenIDs.Graph()
	seqLen := tokenIDs.Shape().Dimensions[1]
	if seqLen > c.MaxSeqLen {
		Panicf("textEmbeddings: sequence length %d exceeds MaxSeqLen %d", seqLen, c.MaxSeqLen)
	}
	embeds := layers.Embedding(ctx.In("tokens"), tokenIDs, c.DType, c.VocabSize, c.HiddenDim)
	positions := ctx.In("positions").VariableWithShape(
		"embeddings", shapes.Make(c.DType, c.MaxSeqLen, c.HiddenDim))
	posSlice := Slice(positions.ValueGraph(g), AxisRangeFromStart(seqLen))
	embeds = Add(embeds, InsertAxes(posSlice, 0))
	return layers.LayerNormalization(ctx.In("norm"), embeds, -1).Done()
}

// block applies one transformer block: self-attention over the whole
// sequence, then, when visionEmbeds is given, cross-attention from the
// first numQuerySlots positions to the vision embeddings, then the
// feed-forward. Each sub-layer is residual and layer-normalized.
func (c *Config) block(ctx *context.Context, x, keyMask, visionEmbeds *Node, numQuerySlots int) *Node {
	attnBuilder := layers.MultiHeadAttention(ctx.In("self_attention"), x, x, x, c.NumHeads, c.headDim()).
		SetOutputDim(c.HiddenDim)
	if keyMask != nil {
		attnBuilder.SetKeyMask(keyMask)
	}
	attn := attnBuilder.Done()
	x = layers.LayerNormalization(ctx.In("self_norm"), Add(x, attn), -1).Done()

	if visionEmbeds != nil {
		seqLen := x.Shape().Dimensions[1]
		queries := x
		if numQuerySlots < seqLen {
			queries = Slice(x, AxisRange(), AxisRangeFromStart(numQuerySlots))
		}
		cross := layers.MultiHeadAttention(ctx.In("cross_attention"),
			queries, visionEmbeds, visionEmbeds, c.NumHeads, c.headDim()).
			SetOutputDim(c.HiddenDim).
			Done()
		queries = layers.LayerNormalization(ctx.In("cross_norm"), Add(queries, cross), -1).Done()
		if numQuerySlots < seqLen {
			rest := Slice(x, AxisRange(), AxisRangeToEnd(numQuerySlots))
			x = Concatenate([]*Node{queries, rest}, 1)
		} else {
			x = queries
		}
	}

	hidden := layers.Dense(ctx.In("ffn_grow"), x, true, c.FFNDim)
	hidden = activations.ApplyFromContext(ctx, hidden)
	hidden = layers.Dense(ctx.In("ffn_shrink"), hidden, true, c.HiddenDim)
	return layers.LayerNormalization(ctx.In("ffn_norm"), Add(x, hidden), -1).Done()
}

// encode runs the transformer stack. keyMask may be nil for all-valid
// sequences; visionEmbeds may be nil to disable cross-attention.
func (c *Config) encode(ctx *context.Context, x, keyMask, visionEmbeds *Node, numQuerySlots int) *Node {
	ctx = ctx.In("encoder")
	for i := 0; i < c.NumBlocks; i++ {
		x = c.block(ctx.In(fmt.Sprintf("block_%d", i)), x, keyMask, visionEmbeds, numQuerySlots)
	}
	return x
}

// QueryRepresentations runs the query tokens through the transformer
// with cross-attention to the vision embeddings, returning
// [batchSize, NumQueries, HiddenDim].
func (c *Config) QueryRepresentations(ctx *context.Context, visionEmbeds *Node) *Node {
	if visionEmbeds.Rank() != 3 || visionEmbeds.Shape().Dimensions[2] != c.VisionDim {
		Panicf("QueryRepresentations: expected vision embeddings [batch, patches, %d], got %s",
			c.VisionDim, visionEmbeds.Shape())
	}
	g := visionEmbeds.Graph()
	batchSize := visionEmbeds.Shape().Dimensions[0]
	x := c.queryTokens(ctx, g, batchSize)
	return c.encode(ctx, x, nil, visionEmbeds, c.NumQueries)
}

// TextRepresentation encodes the text tokens alone and pools the first
// position, returning [batchSize, HiddenDim]. mask is a boolean
// [batchSize, seqLen] marking valid (non-padding) tokens.
func (c *Config) TextRepresentation(ctx *context.Context, tokenIDs, mask *Node) *Node {
	x := c.textEmbeddings(ctx, tokenIDs)
	x = c.encode(ctx, x, mask, nil, 0)
	return Squeeze(Slice(x, AxisRange(), AxisElem(0)), 1)
}

// JointRepresentations encodes query tokens and text tokens as one
// sequence, with cross-attention to the vision embeddings on the query
// slots. It returns the query-slot outputs, [batchSize, NumQueries,
// HiddenDim], which see both modalities through self-attention.
func (c *Config) JointRepresentations(ctx *context.Context, visionEmbeds, tokenIDs, mask *Node) *Node {
	g := visionEmbeds.Graph()
	batchSize := visionEmbeds.Shape().Dimensions[0]
	queries := c.queryTokens(ctx, g, batchSize)
	text := c.textEmbeddings(ctx, tokenIDs)
	x := Concatenate([]*Node{queries, text}, 1)

	queryMask := BroadcastToDims(Const(g, true), batchSize, c.NumQueries)
	fullMask := Concatenate([]*Node{queryMask, mask}, 1)
	x = c.encode(ctx, x, fullMask, visionEmbeds, c.NumQueries)
	return Slice(x, AxisRange(), AxisRangeFromStart(c.NumQueries))
}

// ImageFeatures projects query representations into the contrastive
// feature space, [batchSize, NumQueries, FeatureDim]. The projection is
// left unnormalized; similarity computations normalize.
func (c *Config) ImageFeatures(ctx *context.Context, queryReps *Node) *Node {
	return layers.Dense(ctx.In("image_projection"), queryReps, true, c.FeatureDim)
}

// TextFeatures projects the pooled text representation into the
// contrastive feature space, [batchSize, FeatureDim].
func (c *Config) TextFeatures(ctx *context.Context, textRep *Node) *Node {
	return layers.Dense(ctx.In("text_projection"), textRep, true, c.FeatureDim)
}

// MatchLogits maps joint representations to two-way match logits. A
// shared head scores every query slot and the logits are averaged,
// returning [batchSize, 2].
func (c *Config) MatchLogits(ctx *context.Context, jointReps *Node) *Node {
	perSlot := layers.Dense(ctx.In("match_head"), jointReps, true, 2)
	return ReduceMean(perSlot, 1)
}
