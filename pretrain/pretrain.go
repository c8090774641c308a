// Package pretrain implements the distributed image-text pretraining
// step: contrastive alignment over the cross-process global batch plus
// image-text matching with hard negatives mined from that same global
// batch.
//
// Gradients for the cross-process interactions are recovered with a
// two-pass scheme. A probe pass computes each process' loss gradient
// w.r.t. the all-gathered vision embeddings; a reduce-scatter routes
// those gradients back to the process that produced each slice; the
// update pass then adds a surrogate term, the inner product of the local
// vision embeddings with the (stopped) routed gradient, whose gradient
// w.r.t. the parameters is exactly the missing cross-process
// contribution.
package pretrain

import (
	"sort"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/vlalign/vlalign/align"
	"github.com/vlalign/vlalign/distributed"
)

// Model is the set of graph builders the training step drives. All
// methods create or reuse variables under the given context scope;
// *qformer.Config implements it.
type Model interface {
	// VisionEmbeddings maps pixels [n, H, W, 3] to patch embeddings
	// [n, P, visionDim].
	VisionEmbeddings(ctx *context.Context, pixels *Node) *Node

	// QueryRepresentations maps vision embeddings to per-query hidden
	// states [n, q, hidden].
	QueryRepresentations(ctx *context.Context, visionEmbeds *Node) *Node

	// ImageFeatures projects query representations to the contrastive
	// space [n, q, d].
	ImageFeatures(ctx *context.Context, queryReps *Node) *Node

	// TextRepresentation encodes token ids [n, L] (with boolean validity
	// mask) into a pooled vector [n, hidden].
	TextRepresentation(ctx *context.Context, tokenIDs, mask *Node) *Node

	// TextFeatures projects the pooled text representation to the
	// contrastive space [n, d].
	TextFeatures(ctx *context.Context, textRep *Node) *Node

	// JointRepresentations fuses vision embeddings and text into
	// per-query states [n, q, hidden] used for matching.
	JointRepresentations(ctx *context.Context, visionEmbeds, tokenIDs, mask *Node) *Node

	// MatchLogits maps joint representations to two-way logits [n, 2].
	MatchLogits(ctx *context.Context, jointReps *Node) *Node
}

// Batch is one process' local training batch.
type Batch struct {
	// Pixels is [n, imageSize, imageSize, 3], float.
	Pixels *tensors.Tensor

	// TokenIDs is [n, seqLen], int32. Mask is [n, seqLen], bool, true on
	// valid (non-padding) positions.
	TokenIDs *tensors.Tensor
	Mask     *tensors.Tensor
}

// Losses are the per-step loss values, averaged over the local batch.
type Losses struct {
	Contrastive float64
	Matching    float64
}

// Metrics receives the loss values after every step.
type Metrics func(step int64, values map[string]float64)

// Option configures a Trainer.
type Option func(*Trainer)

// WithSampler replaces the default hard-negative sampler, e.g. to
// control its seed in tests.
func WithSampler(s *align.Sampler) Option {
	return func(t *Trainer) { t.sampler = s }
}

// WithTemperature sets the softmax temperature dividing all similarity
// logits. Default 1.0.
func WithTemperature(temp float64) Option {
	return func(t *Trainer) { t.temperature = temp }
}

// WithLabelSmoothing sets the contrastive label smoothing. Default 0.1.
func WithLabelSmoothing(smoothing float64) Option {
	return func(t *Trainer) { t.labelSmoothing = smoothing }
}

// WithLossWeights sets the relative weights of the contrastive and
// matching losses. Both default to 1.
func WithLossWeights(contrastive, matching float64) Option {
	return func(t *Trainer) {
		t.contrastiveWeight = contrastive
		t.matchingWeight = matching
	}
}

// WithMetrics installs a callback invoked with the loss values after
// every step.
func WithMetrics(m Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// Trainer runs the multi-objective training step. It is bound to one
// process of the world described by its Collective; every process must
// call Step the same number of times with equally sized batches.
//
// Not safe for concurrent use.
type Trainer struct {
	backend    backends.Backend
	ctx        *context.Context
	model      Model
	collective distributed.Collective
	optimizer  optimizers.Interface

	sampler           *align.Sampler
	temperature       float64
	labelSmoothing    float64
	contrastiveWeight float64
	matchingWeight    float64
	metrics           Metrics

	step int64

	forwardExec *context.Exec
	weightsExec *context.Exec
	probeExec   *context.Exec
	updateExec  *context.Exec
}

// New creates a Trainer. The context carries the model variables and
// optimizer state; pass a fresh context.New() unless resuming.
func New(backend backends.Backend, ctx *context.Context, model Model,
	collective distributed.Collective, optimizer optimizers.Interface, options ...Option) (*Trainer, error) {
	if model == nil || collective == nil || optimizer == nil {
		return nil, errors.New("pretrain.New: model, collective and optimizer are all required")
	}
	t := &Trainer{
		backend:           backend,
		ctx:               ctx,
		model:             model,
		collective:        collective,
		optimizer:         optimizer,
		sampler:           align.NewSampler(int64(1 + collective.Rank())),
		temperature:       1.0,
		labelSmoothing:    0.1,
		contrastiveWeight: 1.0,
		matchingWeight:    1.0,
	}
	for _, opt := range options {
		opt(t)
	}
	if t.temperature <= 0 {
		return nil, errors.Errorf("pretrain.New: temperature must be positive, got %g", t.temperature)
	}

	t.forwardExec = context.NewExec(backend, ctx, t.forwardGraph)
	t.weightsExec = context.NewExec(backend, ctx, t.weightsGraph)
	t.probeExec = context.NewExec(backend, ctx, t.probeGraph)
	t.updateExec = context.NewExec(backend, ctx, t.updateGraph)
	return t, nil
}

// forwardGraph computes the tensors every process contributes to the
// global batch: contrastive features for both modalities and the vision
// embeddings the matching negatives are built from.
func (t *Trainer) forwardGraph(ctx *context.Context, pixels, tokenIDs, mask *Node) (imageFeats, textFeats, visionEmbeds *Node) {
	visionEmbeds = t.model.VisionEmbeddings(ctx, pixels)
	queryReps := t.model.QueryRepresentations(ctx, visionEmbeds)
	imageFeats = t.model.ImageFeatures(ctx, queryReps)
	textRep := t.model.TextRepresentation(ctx, tokenIDs, mask)
	textFeats = t.model.TextFeatures(ctx, textRep)
	return
}

// weightsGraph turns local-vs-global similarities into hard-negative
// sampling distributions, with each example's own positive column
// suppressed.
func (t *Trainer) weightsGraph(ctx *context.Context, imageFeats, textFeats, imageFeatsAll, textFeatsAll *Node) (imageNegWeights, textNegWeights *Node) {
	rank := t.collective.Rank()
	simT2I := t.scale(align.SimilarityTextToImage(textFeats, imageFeatsAll))
	simI2T := t.scale(align.SimilarityImageToText(imageFeats, textFeatsAll))
	imageNegWeights = align.SamplingWeights(align.SuppressOwnBlock(simT2I, rank))
	textNegWeights = align.SamplingWeights(align.SuppressOwnBlock(simI2T, rank))
	return
}

func (t *Trainer) scale(sim *Node) *Node {
	if t.temperature == 1.0 {
		return sim
	}
	return MulScalar(sim, 1.0/t.temperature)
}

// Input layout shared by probeGraph and updateGraph.
const (
	inPixels = iota
	inTokenIDs
	inMask
	inImageFeatsAll
	inTextFeatsAll
	inVisionAll
	inTokenIDsAll
	inMaskAll
	inImageNegIdx
	inTextNegIdx
	numLossInputs
)

// lossGraph builds the full step loss. Local forwards are differentiable
// w.r.t. the parameters; gathered tensors enter as graph inputs, so the
// only gradient that escapes the process is the one probeGraph extracts
// w.r.t. the gathered vision embeddings.
func (t *Trainer) lossGraph(ctx *context.Context, inputs []*Node) (contrastive, matching, visionEmbeds *Node) {
	pixels, tokenIDs, mask := inputs[inPixels], inputs[inTokenIDs], inputs[inMask]
	visionAll := inputs[inVisionAll]
	g := pixels.Graph()
	n := pixels.Shape().Dimensions[0]

	imageFeats, textFeats, visionEmbeds := t.forwardGraph(ctx, pixels, tokenIDs, mask)

	simI2T := t.scale(align.SimilarityImageToText(imageFeats, inputs[inTextFeatsAll]))
	simT2I := t.scale(align.SimilarityTextToImage(textFeats, inputs[inImageFeatsAll]))
	targets := align.RankTargets(g, n, t.collective.Rank())
	contrastive = align.ContrastiveLoss(simI2T, simT2I, targets, t.labelSmoothing)

	tripletVision, tripletTokenIDs, tripletMask := assembleTriplets(
		visionEmbeds, tokenIDs, mask,
		visionAll, inputs[inTokenIDsAll], inputs[inMaskAll],
		inputs[inImageNegIdx], inputs[inTextNegIdx])
	jointReps := t.model.JointRepresentations(ctx, tripletVision, tripletTokenIDs, tripletMask)
	logits := t.model.MatchLogits(ctx, jointReps)
	matching = align.MatchingLoss(logits, align.TripletLabels(g, n))
	return
}

// assembleTriplets builds the 3n-row matching batch from the local
// positives and the gathered candidates: one block of true pairs, one
// with the mined negative image per text, one with the mined negative
// text per image.
func assembleTriplets(vision, tokenIDs, mask, visionAll, tokenIDsAll, maskAll,
	imageNegIdx, textNegIdx *Node) (tripletVision, tripletTokenIDs, tripletMask *Node) {
	negVision := Gather(visionAll, imageNegIdx)
	negTokenIDs := Gather(tokenIDsAll, textNegIdx)
	negMask := Gather(maskAll, textNegIdx)
	tripletVision = Concatenate([]*Node{vision, negVision, vision}, 0)
	tripletTokenIDs = Concatenate([]*Node{tokenIDs, tokenIDs, negTokenIDs}, 0)
	tripletMask = Concatenate([]*Node{mask, mask, negMask}, 0)
	return
}

func (t *Trainer) weightedLoss(contrastive, matching *Node) *Node {
	return Add(MulScalar(contrastive, t.contrastiveWeight), MulScalar(matching, t.matchingWeight))
}

// probeGraph outputs the loss gradient w.r.t. the gathered vision
// embeddings, the only cross-process dependency of the loss. It runs
// without touching the optimizer.
func (t *Trainer) probeGraph(ctx *context.Context, inputs []*Node) []*Node {
	contrastive, matching, _ := t.lossGraph(ctx, inputs)
	grads := Gradient(t.weightedLoss(contrastive, matching), inputs[inVisionAll])
	return []*Node{grads[0]}
}

// updateGraph rebuilds the loss, adds the cross-process surrogate term
// and applies the optimizer. The surrogate's value is meaningless; the
// returned losses are the unmodified objective terms.
func (t *Trainer) updateGraph(ctx *context.Context, inputs []*Node) []*Node {
	contrastive, matching, visionEmbeds := t.lossGraph(ctx, inputs[:numLossInputs])
	peerGrad := inputs[numLossInputs]
	total := t.weightedLoss(contrastive, matching)
	surrogate := ReduceAllSum(Mul(visionEmbeds, StopGradient(peerGrad)))
	t.optimizer.UpdateGraph(ctx, total.Graph(), Add(total, surrogate))
	return []*Node{contrastive, matching}
}

// Step runs one synchronized training step. Every process of the world
// must call it with a batch of the same size; the collective calls
// inside are ordered and will detect (or deadlock on) divergence.
func (t *Trainer) Step(batch *Batch) (Losses, error) {
	if batch == nil || batch.Pixels == nil || batch.TokenIDs == nil || batch.Mask == nil {
		return Losses{}, errors.New("pretrain.Step: batch with pixels, token ids and mask is required")
	}

	forward := t.forwardExec.Call(batch.Pixels, batch.TokenIDs, batch.Mask)
	imageFeats, textFeats, visionEmbeds := forward[0], forward[1], forward[2]

	imageFeatsAll, err := t.collective.AllGather(imageFeats)
	if err != nil {
		return Losses{}, errors.WithMessage(err, "gathering image features")
	}
	textFeatsAll, err := t.collective.AllGather(textFeats)
	if err != nil {
		return Losses{}, errors.WithMessage(err, "gathering text features")
	}
	visionAll, err := t.collective.AllGather(visionEmbeds)
	if err != nil {
		return Losses{}, errors.WithMessage(err, "gathering vision embeddings")
	}
	tokenIDsAll, err := t.collective.AllGather(batch.TokenIDs)
	if err != nil {
		return Losses{}, errors.WithMessage(err, "gathering token ids")
	}
	maskAll, err := t.collective.AllGather(batch.Mask)
	if err != nil {
		return Losses{}, errors.WithMessage(err, "gathering masks")
	}

	weights := t.weightsExec.Call(imageFeats, textFeats, imageFeatsAll, textFeatsAll)
	imageNegIdx, err := t.sampler.Draw(weights[0])
	if err != nil {
		return Losses{}, errors.WithMessage(err, "sampling hard negative images")
	}
	textNegIdx, err := t.sampler.Draw(weights[1])
	if err != nil {
		return Losses{}, errors.WithMessage(err, "sampling hard negative texts")
	}
	n := batch.Pixels.Shape().Dimensions[0]
	imageNeg := tensors.FromFlatDataAndDimensions(imageNegIdx, n, 1)
	textNeg := tensors.FromFlatDataAndDimensions(textNegIdx, n, 1)

	lossInputs := []any{
		batch.Pixels, batch.TokenIDs, batch.Mask,
		imageFeatsAll, textFeatsAll, visionAll, tokenIDsAll, maskAll,
		imageNeg, textNeg,
	}
	peerGradAll := t.probeExec.Call(lossInputs...)[0]
	peerGrad, err := t.collective.ReduceScatter(peerGradAll)
	if err != nil {
		return Losses{}, errors.WithMessage(err, "scattering vision embedding gradients")
	}

	updated := t.updateExec.Call(append(lossInputs, peerGrad)...)
	losses := Losses{
		Contrastive: scalarFloat(updated[0]),
		Matching:    scalarFloat(updated[1]),
	}

	if t.collective.WorldSize() > 1 {
		if err := t.syncParameters(); err != nil {
			return losses, errors.WithMessage(err, "synchronizing parameters")
		}
	}

	t.step++
	if t.metrics != nil {
		t.metrics(t.step, map[string]float64{
			"loss/contrastive": losses.Contrastive,
			"loss/matching":    losses.Matching,
			"loss/total":       t.contrastiveWeight*losses.Contrastive + t.matchingWeight*losses.Matching,
		})
	} else {
		klog.V(1).Infof("step %d: contrastive=%.5f matching=%.5f", t.step, losses.Contrastive, losses.Matching)
	}
	return losses, nil
}

// Step count so far.
func (t *Trainer) StepCount() int64 { return t.step }

// syncParameters averages every float variable (parameters and optimizer
// state alike) across the world, keeping the replicas identical.
// Variables are visited in a deterministic order so the collective calls
// line up across processes.
func (t *Trainer) syncParameters() error {
	var vars []*context.Variable
	t.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Shape().DType.IsFloat() {
			vars = append(vars, v)
		}
	})
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].ParameterName() < vars[j].ParameterName()
	})
	scale := 1.0 / float64(t.collective.WorldSize())
	for _, v := range vars {
		summed, err := t.collective.AllReduce(v.Value())
		if err != nil {
			return errors.WithMessagef(err, "all-reduce of %q", v.ParameterName())
		}
		if err := scaleTensor(summed, scale); err != nil {
			return err
		}
		v.SetValue(summed)
	}
	return nil
}

func scaleTensor(t *tensors.Tensor, scale float64) error {
	switch t.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData[float32](t, func(flat []float32) {
			for i := range flat {
				flat[i] *= float32(scale)
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData[float64](t, func(flat []float64) {
			for i := range flat {
				flat[i] *= scale
			}
		})
	default:
		return errors.Errorf("cannot scale tensor of dtype %s", t.DType())
	}
	return nil
}

func scalarFloat(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
