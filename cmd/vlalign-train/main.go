// vlalign-train runs the distributed image-text pretraining step on
// synthetic data, as a demo and as a harness for the multi-process
// collectives.
//
// Three modes:
//
//	vlalign-train                               # single process
//	vlalign-train -workers=4                    # in-process loopback world
//	vlalign-train -addr=host:port -rank=R -world=W   # TCP mesh, one process per rank
//
// In mesh mode rank 0 is the hub and must be started first.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/vlalign/vlalign/align"
	"github.com/vlalign/vlalign/distributed"
	"github.com/vlalign/vlalign/pretrain"
	"github.com/vlalign/vlalign/qformer"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagWorkers = flag.Int("workers", 1, "In-process world size (loopback collective).")
	flagAddr    = flag.String("addr", "", "Mesh hub address; enables the TCP collective.")
	flagRank    = flag.Int("rank", 0, "This process' rank in mesh mode.")
	flagWorld   = flag.Int("world", 2, "World size in mesh mode.")

	flagSteps     = flag.Int("steps", 100, "Training steps to run.")
	flagBatchSize = flag.Int("batch_size", 8, "Per-process batch size.")

	flagLearningRate   = flag.Float64("learning_rate", 1e-3, "Adam learning rate.")
	flagTemperature    = flag.Float64("temperature", 0.07, "Similarity softmax temperature.")
	flagLabelSmoothing = flag.Float64("label_smoothing", 0.1, "Contrastive label smoothing.")
	flagSeed           = flag.Int64("seed", 42, "Seed for parameters, data and negative sampling.")

	flagHiddenDim  = flag.Int("hidden_dim", 64, "Transformer width.")
	flagNumQueries = flag.Int("num_queries", 8, "Learned query tokens.")
	flagNumHeads   = flag.Int("num_heads", 4, "Attention heads.")
	flagNumBlocks  = flag.Int("num_blocks", 2, "Transformer blocks.")
	flagVocabSize  = flag.Int("vocab_size", 512, "Text vocabulary size.")
	flagSeqLen     = flag.Int("seq_len", 16, "Text sequence length.")
	flagImageSize  = flag.Int("image_size", 32, "Square image size.")
	flagPatchSize  = flag.Int("patch_size", 8, "Square patch size.")
	flagFeatureDim = flag.Int("feature_dim", 32, "Contrastive feature width.")
)

func modelConfig() *qformer.Config {
	c := &qformer.Config{
		HiddenDim:  *flagHiddenDim,
		NumQueries: *flagNumQueries,
		NumHeads:   *flagNumHeads,
		NumBlocks:  *flagNumBlocks,
		VocabSize:  *flagVocabSize,
		MaxSeqLen:  *flagSeqLen,
		VisionDim:  *flagHiddenDim,
		ImageSize:  *flagImageSize,
		PatchSize:  *flagPatchSize,
		FeatureDim: *flagFeatureDim,
	}
	must.M(c.Validate())
	return c
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	backend := backends.MustNew()
	klog.V(1).Infof("backend: %s", backend.Description())

	switch {
	case *flagAddr != "":
		var collective distributed.Collective
		if *flagRank == 0 {
			collective = must.M1(distributed.NewMeshHub(*flagAddr, *flagWorld))
		} else {
			collective = must.M1(distributed.DialMesh(*flagAddr, *flagRank, *flagWorld))
		}
		defer func() { _ = collective.Close() }()
		must.M(trainWorker(backend, collective))
	case *flagWorkers > 1:
		handles := must.M1(distributed.NewLoopback(*flagWorkers))
		var group errgroup.Group
		for _, handle := range handles {
			group.Go(func() error {
				return trainWorker(backend, handle)
			})
		}
		must.M(group.Wait())
	default:
		must.M(trainWorker(backend, distributed.NewSingle()))
	}
}

// trainWorker runs the full training loop for one rank.
func trainWorker(backend backends.Backend, collective distributed.Collective) error {
	rank := collective.Rank()
	cfg := modelConfig()
	ctx := context.New()
	ctx.SetParam(initializers.ParamInitialSeed, *flagSeed)
	ctx = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02))
	optimizer := optimizers.Adam().LearningRate(*flagLearningRate).Done()

	metrics := func(step int64, values map[string]float64) {
		if rank != 0 {
			return
		}
		if step%10 == 0 || step == 1 || step == int64(*flagSteps) {
			fmt.Printf("step %4d: contrastive=%.5f matching=%.5f\n",
				step, values["loss/contrastive"], values["loss/matching"])
		}
	}
	trainer, err := pretrain.New(backend, ctx, cfg, collective, optimizer,
		pretrain.WithTemperature(*flagTemperature),
		pretrain.WithLabelSmoothing(*flagLabelSmoothing),
		pretrain.WithSampler(align.NewSampler(*flagSeed+int64(rank))),
		pretrain.WithMetrics(metrics))
	if err != nil {
		return err
	}

	// Each rank draws its own shard of the synthetic stream.
	ds := pretrain.NewSyntheticDataset(*flagBatchSize, cfg.ImageSize, cfg.MaxSeqLen,
		8, cfg.VocabSize, *flagSeed+1000*int64(rank))
	for step := 0; step < *flagSteps; step++ {
		if _, err := trainer.Step(ds.Next()); err != nil {
			return err
		}
	}
	return nil
}
