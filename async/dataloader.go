package async

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tsawler/go-yolo/codec"
	"github.com/tsawler/go-yolo/targets"
	"github.com/tsawler/go-yolo/tensor"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("data loader has been stopped")

// Sample is one preprocessed training example: an HWC image at the phase
// resolution and its ground truth in normalised image coordinates.
type Sample struct {
	Image *tensor.Tensor
	Boxes []codec.GroundTruth
}

// DataSource produces examples by index. Load is called concurrently from
// several workers; rng belongs to the call and is seeded from the example's
// position so that results do not depend on scheduling.
type DataSource interface {
	Len() int
	Load(ctx context.Context, index int, rng *rand.Rand) (Sample, error)
}

// TargetEncoder turns a batch of ground truth into per-scale targets.
type TargetEncoder interface {
	Encode(batch [][]codec.GroundTruth) ([]*targets.ScaleTarget, targets.Stats, error)
}

// Batch is a stacked, target-encoded batch ready for training.
type Batch struct {
	Epoch   int
	Index   int
	Images  *tensor.Tensor // [B, S, S, 3]
	Targets []*targets.ScaleTarget
	Boxes   [][]codec.GroundTruth
	Stats   targets.Stats
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Boxes) }

// DataLoaderConfig holds configuration for the data loader
type DataLoaderConfig struct {
	BatchSize     int   `json:"batch_size"`
	PrefetchDepth int   `json:"prefetch"` // Number of batches produced ahead of the consumer (default: 3)
	Workers       int   `json:"workers"`  // Number of background workers (default: 2)
	Shuffle       bool  `json:"shuffle"`
	DropLast      bool  `json:"drop_last"`
	Seed          int64 `json:"seed"`
}

// DefaultDataLoaderConfig returns the default loader settings for a batch size.
func DefaultDataLoaderConfig(batchSize int) DataLoaderConfig {
	return DataLoaderConfig{BatchSize: batchSize, PrefetchDepth: 3, Workers: 2, Shuffle: true}
}

// DataLoader produces batches for one data source and target encoder. A
// loader belongs to a single phase: the encoder fixes the resolution and
// grid sizes, so a new phase needs a new loader.
type DataLoader struct {
	source  DataSource
	encoder TargetEncoder
	config  DataLoaderConfig
	logger  *zap.SugaredLogger

	produced atomic.Uint64
}

// NewDataLoader creates a new data loader
func NewDataLoader(source DataSource, encoder TargetEncoder, config DataLoaderConfig, logger *zap.SugaredLogger) (*DataLoader, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if encoder == nil {
		return nil, errors.New("target encoder cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	// Set defaults
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DataLoader{source: source, encoder: encoder, config: config, logger: logger}, nil
}

// NumBatches returns the number of batches in one epoch.
func (dl *DataLoader) NumBatches() int {
	n := dl.source.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// order returns the example order for an epoch.
func (dl *DataLoader) order(epoch int) []int {
	n := dl.source.Len()
	if !dl.config.Shuffle {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return rand.New(rand.NewSource(mixSeed(dl.config.Seed, int64(epoch), -1))).Perm(n)
}

// mixSeed derives a per-example seed (splitmix64 finaliser).
func mixSeed(seed, epoch, index int64) int64 {
	z := uint64(seed) ^ uint64(epoch)*0x9e3779b97f4a7c15 ^ uint64(index+1)*0xbf58476d1ce4e5b9
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}

// Start begins producing the batches of one epoch. The returned iterator
// must be closed; Close is the barrier after which no worker is running.
func (dl *DataLoader) Start(ctx context.Context, epoch int) *EpochIterator {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	n := dl.NumBatches()
	it := &EpochIterator{
		cancel: cancel,
		group:  g,
		ctx:    gctx,
		sem:    semaphore.NewWeighted(int64(dl.config.PrefetchDepth)),
		slots:  make([]chan *Batch, n),
	}
	for i := range it.slots {
		it.slots[i] = make(chan *Batch, 1)
	}
	order := dl.order(epoch)
	jobs := make(chan int)

	// Dispatch batch numbers in order, never more than PrefetchDepth ahead
	// of the consumer.
	g.Go(func() error {
		defer close(jobs)
		for k := 0; k < n; k++ {
			if err := it.sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			select {
			case jobs <- k:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for w := 0; w < dl.config.Workers; w++ {
		g.Go(func() error {
			for k := range jobs {
				batch, err := dl.produce(gctx, epoch, k, order)
				if err != nil {
					return errors.Wrapf(err, "batch %d of epoch %d", k, epoch)
				}
				it.slots[k] <- batch
				dl.produced.Add(1)
			}
			return nil
		})
	}
	return it
}

func (dl *DataLoader) produce(ctx context.Context, epoch, k int, order []int) (*Batch, error) {
	lo := k * dl.config.BatchSize
	hi := min(lo+dl.config.BatchSize, len(order))
	samples := make([]Sample, 0, hi-lo)
	for _, idx := range order[lo:hi] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(mixSeed(dl.config.Seed, int64(epoch), int64(idx))))
		s, err := dl.source.Load(ctx, idx, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "example %d", idx)
		}
		samples = append(samples, s)
	}

	images, err := stackImages(samples)
	if err != nil {
		return nil, err
	}
	boxes := make([][]codec.GroundTruth, len(samples))
	for i, s := range samples {
		boxes[i] = s.Boxes
	}
	tgts, stats, err := dl.encoder.Encode(boxes)
	if err != nil {
		return nil, errors.Wrap(err, "encoding targets")
	}
	if stats.Skipped > 0 {
		dl.logger.Debugw("skipped ground truth in batch", "epoch", epoch, "batch", k, "skipped", stats.Skipped)
	}
	return &Batch{Epoch: epoch, Index: k, Images: images, Targets: tgts, Boxes: boxes, Stats: stats}, nil
}

// stackImages joins [S, S, 3] images into one [B, S, S, 3] tensor.
func stackImages(samples []Sample) (*tensor.Tensor, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty batch")
	}
	shape := samples[0].Image.Shape
	size := samples[0].Image.NumElems
	data := make([]float32, 0, size*len(samples))
	for i, s := range samples {
		if !tensor.SameShape(s.Image, samples[0].Image) {
			return nil, errors.Errorf("image %d has shape %v, expected %v", i, s.Image.Shape, shape)
		}
		data = append(data, s.Image.Data...)
	}
	return tensor.NewTensor(append([]int{len(samples)}, shape...), data)
}

// Stats returns statistics about the data loader
func (dl *DataLoader) Stats() DataLoaderStats {
	return DataLoaderStats{
		BatchesProduced: dl.produced.Load(),
		BatchesPerEpoch: dl.NumBatches(),
		Workers:         dl.config.Workers,
		PrefetchDepth:   dl.config.PrefetchDepth,
	}
}

// DataLoaderStats provides statistics about the data loader
type DataLoaderStats struct {
	BatchesProduced uint64
	BatchesPerEpoch int
	Workers         int
	PrefetchDepth   int
}

// EpochIterator delivers the batches of one epoch in order.
type EpochIterator struct {
	cancel context.CancelFunc
	group  *errgroup.Group
	ctx    context.Context
	sem    *semaphore.Weighted
	slots  []chan *Batch
	next   int

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// Next returns the next batch, io.EOF after the last one, or the first
// production error.
func (it *EpochIterator) Next() (*Batch, error) {
	if it.closed {
		return nil, ErrClosed
	}
	if it.next >= len(it.slots) {
		return nil, io.EOF
	}
	select {
	case batch := <-it.slots[it.next]:
		it.next++
		it.sem.Release(1)
		return batch, nil
	case <-it.ctx.Done():
		// A batch may have landed just before cancellation.
		select {
		case batch := <-it.slots[it.next]:
			it.next++
			it.sem.Release(1)
			return batch, nil
		default:
		}
		if err := it.group.Wait(); err != nil {
			return nil, err
		}
		return nil, it.ctx.Err()
	}
}

// Close stops the workers and waits for them to exit.
func (it *EpochIterator) Close() error {
	it.closeOnce.Do(func() {
		it.closed = true
		it.cancel()
		err := it.group.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			it.closeErr = err
		}
	})
	return it.closeErr
}
