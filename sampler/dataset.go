package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset over a split of (seed id, label) pairs.
// Each Yield returns one batch: inputs=[seeds Int32[batch]] and
// labels=[labels Int32[batch, 1]].
//
// It is safe for concurrent Yield calls, although the model itself is
// single-threaded.
type Dataset struct {
	name      string
	seeds     []int32
	labels    []int32
	batchSize int

	shuffle  bool
	infinite bool
	rng      *rand.Rand

	mu       sync.Mutex
	order    []int
	next     int
	finished bool
}

// Compile-time check.
var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a dataset over the given split. Seeds and labels must
// have the same length, and batchSize must be positive. The last batch of an
// epoch may be smaller than batchSize.
func NewDataset(name string, seeds, labels []int32, batchSize int) *Dataset {
	if len(seeds) == 0 || len(seeds) != len(labels) {
		Panicf("sampler.NewDataset(%q): got %d seeds and %d labels, they must match and be non-empty",
			name, len(seeds), len(labels))
	}
	if batchSize <= 0 {
		Panicf("sampler.NewDataset(%q): batchSize=%d must be positive", name, batchSize)
	}
	ds := &Dataset{
		name:      name,
		seeds:     seeds,
		labels:    labels,
		batchSize: batchSize,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	ds.order = make([]int, len(seeds))
	for i := range ds.order {
		ds.order[i] = i
	}
	return ds
}

// Shuffle makes the dataset reshuffle the seeds at the start of every epoch.
// It returns the updated dataset, for chaining.
func (ds *Dataset) Shuffle() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = true
	ds.shuffleLocked()
	return ds
}

// Infinite makes the dataset loop forever, never returning io.EOF.
// It returns the updated dataset, for chaining.
func (ds *Dataset) Infinite() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = true
	return ds
}

// WithRand sets the random number generator used for shuffling.
// It returns the updated dataset, for chaining.
func (ds *Dataset) WithRand(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rng
	return ds
}

// NumExamples in the split.
func (ds *Dataset) NumExamples() int { return len(ds.seeds) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.finished = false
	if ds.shuffle {
		ds.shuffleLocked()
	}
}

func (ds *Dataset) shuffleLocked() {
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.finished {
		err = errors.Errorf("dataset %q already exhausted, call Reset() before Yield()", ds.name)
		return
	}
	if ds.next >= len(ds.order) {
		if !ds.infinite {
			ds.finished = true
			err = io.EOF
			return
		}
		ds.next = 0
		if ds.shuffle {
			ds.shuffleLocked()
		}
	}
	end := min(ds.next+ds.batchSize, len(ds.order))
	n := end - ds.next
	batchSeeds := make([]int32, n)
	batchLabels := make([]int32, n)
	for i, idx := range ds.order[ds.next:end] {
		batchSeeds[i] = ds.seeds[idx]
		batchLabels[i] = ds.labels[idx]
	}
	ds.next = end
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchSeeds, n)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, n, 1)}
	return
}
