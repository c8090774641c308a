package pretrain

import (
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
)

// SyntheticDataset generates correlated image-text pairs for smoke
// tests and examples: each example belongs to one of numClasses latent
// classes, the image is a class-dependent color pattern plus noise and
// the text is a class-dependent token sequence. A model that aligns the
// modalities can drive both losses down on this data.
//
// Not safe for concurrent use.
type SyntheticDataset struct {
	rng        *rand.Rand
	batchSize  int
	imageSize  int
	seqLen     int
	numClasses int
	vocabSize  int
}

// NewSyntheticDataset creates a deterministic synthetic source. vocabSize
// must be at least numClasses*seqLen+1; token id 0 is reserved for
// padding.
func NewSyntheticDataset(batchSize, imageSize, seqLen, numClasses, vocabSize int, seed int64) *SyntheticDataset {
	return &SyntheticDataset{
		rng:        rand.New(rand.NewSource(seed)),
		batchSize:  batchSize,
		imageSize:  imageSize,
		seqLen:     seqLen,
		numClasses: numClasses,
		vocabSize:  vocabSize,
	}
}

// Next builds one batch.
func (ds *SyntheticDataset) Next() *Batch {
	n, size, seqLen := ds.batchSize, ds.imageSize, ds.seqLen
	pixels := make([]float32, n*size*size*3)
	tokenIDs := make([]int32, n*seqLen)
	mask := make([]bool, n*seqLen)

	for b := 0; b < n; b++ {
		class := ds.rng.Intn(ds.numClasses)
		// Class-dependent color ramp plus noise.
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				base := (b*size+y)*size*3 + x*3
				for c := 0; c < 3; c++ {
					signal := float32(class+1) / float32(ds.numClasses) * float32(c+1) / 3
					noise := float32(ds.rng.NormFloat64()) * 0.05
					pixels[base+c] = signal + noise
				}
			}
		}
		// Class-dependent token sequence, with a random valid length.
		length := 1 + ds.rng.Intn(seqLen)
		for p := 0; p < seqLen; p++ {
			idx := b*seqLen + p
			if p < length {
				tokenIDs[idx] = int32(1+class*seqLen+p) % int32(ds.vocabSize)
				mask[idx] = true
			}
		}
	}
	return &Batch{
		Pixels:   tensors.FromFlatDataAndDimensions(pixels, n, size, size, 3),
		TokenIDs: tensors.FromFlatDataAndDimensions(tokenIDs, n, seqLen),
		Mask:     tensors.FromFlatDataAndDimensions(mask, n, seqLen),
	}
}
