package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-yolo/anchors"
	"github.com/tsawler/go-yolo/async"
	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/optimizer"
	"github.com/tsawler/go-yolo/targets"
	"github.com/tsawler/go-yolo/tensor"
)

// PhaseEndTag marks checkpoints written after a phase completed.
const PhaseEndTag = "phase-end"

// Network is a trainable detector producing one raw prediction tensor per
// scale, coarsest first.
type Network interface {
	// Compile fixes every shape for an input resolution. It is called at
	// the start of each phase and keeps the parameters.
	Compile(imageScale int) error
	Forward(images *tensor.Tensor) ([]*tensor.Tensor, error)
	// Backward accumulates parameter gradients for the gradients of the
	// last Forward's outputs.
	Backward(grads []*tensor.Tensor) error
	Parameters() []*layers.Parameter
	SetBackboneTrainable(trainable bool)
}

// SpecProvider is implemented by networks that can describe their layers.
type SpecProvider interface {
	ModelSpecs() map[string]*layers.ModelSpec
}

// SourceFactory creates the data source of a phase at its image scale.
type SourceFactory func(imageScale int) (async.DataSource, error)

// TrainerConfig holds everything a phase needs besides the phase itself.
type TrainerConfig struct {
	NumClasses int
	// Anchors is the base anchor set in pixels; it is normalised per phase.
	Anchors  *anchors.Set
	Targets  targets.Config
	Loss     LossConfig
	Pipeline async.DataLoaderConfig
	Schedule LRScheduleConfig
	Plateau  PlateauConfig
	// Progress receives a progress bar per epoch when set.
	Progress io.Writer
}

// Trainer runs the epochs of a phase on a Network. It implements
// PhaseRunner.
type Trainer struct {
	net    Network
	opt    optimizer.Optimizer
	train  SourceFactory
	val    SourceFactory
	config TrainerConfig
	logger *zap.SugaredLogger

	phase       Phase
	epoch       int
	loss        *YOLOLoss
	trainLoader *async.DataLoader
	valLoader   *async.DataLoader
	schedule    LRScheduler
	plateau     *ReduceLROnPlateauScheduler
	lrFactor    float64
}

// NewTrainer creates a trainer. val may be nil, in which case the training
// loss is monitored instead of the validation loss.
func NewTrainer(net Network, opt optimizer.Optimizer, train, val SourceFactory, config TrainerConfig, logger *zap.SugaredLogger) (*Trainer, error) {
	if net == nil || opt == nil || train == nil {
		return nil, errors.New("trainer needs a network, an optimizer and a training source")
	}
	if config.NumClasses <= 0 {
		return nil, errors.Errorf("number of classes must be positive, got %d", config.NumClasses)
	}
	if config.Anchors == nil {
		return nil, errors.New("trainer needs an anchor set")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Trainer{
		net:      net,
		opt:      opt,
		train:    train,
		val:      val,
		config:   config,
		logger:   logger,
		lrFactor: 1,
	}, nil
}

// BeginPhase rebuilds everything tied to the phase's resolution: compiled
// shapes, normalised anchors, target encoder, loss and data pipelines.
func (t *Trainer) BeginPhase(ctx context.Context, phase Phase) error {
	if err := anchors.ValidateImageScale(phase.ImageScale); err != nil {
		return err
	}
	if err := t.net.Compile(phase.ImageScale); err != nil {
		return errors.Wrapf(err, "compile network for %d", phase.ImageScale)
	}

	encoder, err := targets.NewEncoder(t.config.Anchors, phase.ImageScale, t.config.NumClasses, t.config.Targets, t.logger.Named("targets"))
	if err != nil {
		return err
	}
	if !slices.Equal(encoder.GridSizes(), phase.GridSizes) {
		return errors.Errorf("encoder grids %v do not match phase grids %v", encoder.GridSizes(), phase.GridSizes)
	}
	if t.loss, err = NewYOLOLoss(t.config.Loss, t.config.Anchors.Normalized(phase.ImageScale)); err != nil {
		return err
	}
	if t.schedule, err = NewLRScheduler(t.config.Schedule, phase.Epochs); err != nil {
		return err
	}

	pipeline := t.config.Pipeline
	pipeline.BatchSize = phase.BatchSize
	pipeline.Shuffle = true
	src, err := t.train(phase.ImageScale)
	if err != nil {
		return errors.Wrap(err, "training source")
	}
	if t.trainLoader, err = async.NewDataLoader(src, encoder, pipeline, t.logger.Named("pipeline")); err != nil {
		return err
	}
	if t.val != nil {
		src, err := t.val(phase.ImageScale)
		if err != nil {
			return errors.Wrap(err, "validation source")
		}
		pipeline.Shuffle, pipeline.DropLast = false, false
		if t.valLoader, err = async.NewDataLoader(src, encoder, pipeline, t.logger.Named("pipeline")); err != nil {
			return err
		}
	}

	if t.plateau == nil {
		t.plateau = NewPlateauFromConfig(t.config.Plateau)
	}
	t.plateau.Reset()
	t.lrFactor = 1
	t.phase = phase
	t.opt.UpdateLearningRate(phase.LearningRate)
	t.net.SetBackboneTrainable(!phase.BackboneFrozen)
	return nil
}

// RunEpoch trains on every batch of the phase's pipeline, then evaluates
// the validation pipeline.
func (t *Trainer) RunEpoch(ctx context.Context, phase Phase, epoch int) (EpochLogs, error) {
	if t.trainLoader == nil || t.phase.Index != phase.Index {
		return EpochLogs{}, errors.Errorf("phase %d has not begun", phase.Index)
	}
	start := time.Now()

	lr := float32(t.schedule.GetLR(epoch-phase.InitialEpoch, 0, float64(phase.LearningRate)) * t.lrFactor)
	t.opt.UpdateLearningRate(lr)

	logs := EpochLogs{Epoch: epoch, Phase: phase, LearningRate: lr}
	var err error
	desc := fmt.Sprintf("Epoch %d/%d", epoch+1, phase.EndEpoch())
	if logs.Train, logs.Batches, logs.Targets, err = t.runLoader(ctx, t.trainLoader, epoch, true, desc); err != nil {
		return logs, err
	}
	if t.valLoader != nil {
		if logs.Val, _, _, err = t.runLoader(ctx, t.valLoader, epoch, false, "Validation"); err != nil {
			return logs, errors.Wrap(err, "validation")
		}
		logs.HasValidation = true
	}

	if t.config.Plateau.Enabled {
		base := float64(phase.LearningRate)
		factor := t.plateau.Step(logs.Monitored(), base) / base
		if factor < t.lrFactor {
			t.logger.Infow("Reducing learning rate on plateau", "epoch", epoch+1, "lr", float64(lr)*factor/t.lrFactor)
		}
		t.lrFactor = factor
	}
	t.epoch = epoch
	logs.Duration = time.Since(start)
	return logs, nil
}

// EndPhase drops the phase's pipelines. The iterators of every epoch are
// already closed, so no worker of this phase is left running.
func (t *Trainer) EndPhase(phase Phase) error {
	if t.trainLoader != nil {
		st := t.trainLoader.Stats()
		t.logger.Debugw("Phase pipeline finished", "phase", phase.Index, "batches", st.BatchesProduced)
	}
	t.trainLoader, t.valLoader, t.loss = nil, nil, nil
	return nil
}

func (t *Trainer) runLoader(ctx context.Context, dl *async.DataLoader, epoch int, train bool, desc string) (mean LossTerms, n int, stats targets.Stats, err error) {
	it := dl.Start(ctx, epoch)
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, desc, dl.NumBatches())
	}

	var obj, box, cls, total []float64
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return mean, n, stats, err
		}
		terms, err := t.step(batch, train)
		if err != nil {
			return mean, n, stats, errors.Wrapf(err, "batch %d", batch.Index)
		}
		obj = append(obj, terms.Objectness)
		box = append(box, terms.Box)
		cls = append(cls, terms.Class)
		total = append(total, terms.Total)
		mean.Positives += terms.Positives
		stats.Add(batch.Stats)
		n++
		if bar != nil {
			bar.Update(n, map[string]float64{"loss": stat.Mean(total, nil)})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if n == 0 {
		return mean, 0, stats, errors.New("epoch produced no batches")
	}

	mean.Objectness = stat.Mean(obj, nil)
	mean.Box = stat.Mean(box, nil)
	mean.Class = stat.Mean(cls, nil)
	mean.Total = stat.Mean(total, nil)
	return mean, n, stats, nil
}

// step runs one batch. Training batches are back-propagated and applied.
func (t *Trainer) step(batch *async.Batch, train bool) (LossTerms, error) {
	preds, err := t.net.Forward(batch.Images)
	if err != nil {
		return LossTerms{}, err
	}
	terms, _, err := t.loss.Forward(preds, batch.Targets)
	if err != nil {
		return terms, err
	}
	if math.IsNaN(terms.Total) || math.IsInf(terms.Total, 0) {
		return terms, ErrNonFiniteLoss
	}
	if !train {
		return terms, nil
	}

	grads, err := t.loss.Backward(preds, batch.Targets)
	if err != nil {
		return terms, err
	}
	params := t.net.Parameters()
	layers.ZeroGrads(params)
	if err := t.net.Backward(grads); err != nil {
		return terms, err
	}
	return terms, t.opt.Step(params)
}

// Checkpoint captures the network weights, the optimizer state and the
// position in the curriculum.
func (t *Trainer) Checkpoint(description string, tags ...string) (*checkpoints.Checkpoint, error) {
	state, err := t.opt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "optimizer state")
	}
	ck := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(t.net.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        t.epoch,
			Step:         int(t.opt.GetStepCount()),
			Phase:        t.phase.Index,
			ImageScale:   t.phase.ImageScale,
			LearningRate: t.opt.GetLearningRate(),
		},
		OptimizerState: state.ToCheckpoint(),
		Metadata: checkpoints.CheckpointMetadata{
			Description: description,
			Tags:        tags,
		},
	}
	if sp, ok := t.net.(SpecProvider); ok {
		ck.ModelSpecs = sp.ModelSpecs()
	}
	return ck, nil
}

// Resume restores weights and optimizer state from a checkpoint and returns
// the phase to start from: the next one after a phase-end checkpoint, the
// interrupted one otherwise. Parameters under requiredPrefixes must be
// present in the checkpoint.
func (t *Trainer) Resume(ck *checkpoints.Checkpoint, requiredPrefixes []string) (int, error) {
	_, err := checkpoints.LoadWeights(ck.Weights, t.net.Parameters(),
		checkpoints.LoadOptions{RequiredPrefixes: requiredPrefixes}, t.logger.Named("checkpoints"))
	if err != nil {
		return 0, err
	}
	if ck.OptimizerState != nil {
		if err := t.opt.LoadState(optimizer.FromCheckpoint(ck.OptimizerState)); err != nil {
			return 0, errors.Wrap(err, "restore optimizer")
		}
	}
	t.epoch = ck.TrainingState.Epoch
	next := ck.TrainingState.Phase
	if slices.Contains(ck.Metadata.Tags, PhaseEndTag) {
		next++
	}
	t.logger.Infow("Resumed from checkpoint", "epoch", ck.TrainingState.Epoch, "phase", ck.TrainingState.Phase, "start_phase", next)
	return next, nil
}
