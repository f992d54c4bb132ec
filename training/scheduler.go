package training

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Device names the compute device. It is fixed before the first phase and
// passed explicitly to whatever needs it.
type Device string

// CPU is the only device this build can train on.
const CPU Device = "cpu"

// ParseDevice validates a device name.
func ParseDevice(s string) (Device, error) {
	switch Device(strings.ToLower(s)) {
	case "", CPU:
		return CPU, nil
	}
	return "", errors.Errorf("unsupported device %q (available: %s)", s, CPU)
}

// PhaseRunner executes the work of a phase. BeginPhase builds everything
// that depends on the image scale; EndPhase tears it down and is always
// called once BeginPhase has been attempted, so no batch of one phase is
// consumed after the next phase starts.
type PhaseRunner interface {
	BeginPhase(ctx context.Context, phase Phase) error
	RunEpoch(ctx context.Context, phase Phase, epoch int) (EpochLogs, error)
	EndPhase(phase Phase) error
}

// SchedulerConfig holds the run-wide settings of the driver.
type SchedulerConfig struct {
	Device     Device
	StartPhase int
	EarlyStop  EarlyStopAction
}

// RunReport describes how far a curriculum got.
type RunReport struct {
	Results []PhaseResult
	// LastCompleted is the index of the last phase that finished, -1 if none.
	LastCompleted int
	// Stopped is set when an early stop ended the curriculum.
	Stopped bool
}

// PhaseError is returned when a phase fails. The run can be resumed from
// LastCompleted+1.
type PhaseError struct {
	Phase         Phase
	LastCompleted int
	Err           error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %d (scale %d) failed, last completed phase %d: %v",
		e.Phase.Index, e.Phase.ImageScale, e.LastCompleted, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Scheduler drives the curriculum: one phase at a time, each epoch followed
// by the callbacks.
type Scheduler struct {
	phases    []Phase
	runner    PhaseRunner
	config    SchedulerConfig
	callbacks []Callback
	logger    *zap.SugaredLogger
}

// NewScheduler checks the run-wide configuration before anything starts.
func NewScheduler(phases []Phase, runner PhaseRunner, config SchedulerConfig, logger *zap.SugaredLogger, callbacks ...Callback) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler needs a phase runner")
	}
	if _, err := ParseDevice(string(config.Device)); err != nil {
		return nil, err
	}
	if config.StartPhase < 0 || config.StartPhase > len(phases) {
		return nil, errors.Errorf("start phase %d out of range [0, %d]", config.StartPhase, len(phases))
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		phases:    phases,
		runner:    runner,
		config:    config,
		callbacks: callbacks,
		logger:    logger,
	}, nil
}

// Phases returns the phase sequence the scheduler runs.
func (s *Scheduler) Phases() []Phase { return s.phases }

// Run executes the phases from StartPhase on. A failing phase aborts the
// run with a *PhaseError; the report tells which phases completed.
func (s *Scheduler) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{LastCompleted: s.config.StartPhase - 1}
	start := time.Now()

	for _, phase := range s.phases[s.config.StartPhase:] {
		result, err := s.runPhase(ctx, phase)
		if err != nil {
			s.logger.Errorw("Phase failed", "phase", phase.Index, "last_completed", report.LastCompleted, "error", err)
			return report, &PhaseError{Phase: phase, LastCompleted: report.LastCompleted, Err: err}
		}
		report.Results = append(report.Results, result)
		report.LastCompleted = phase.Index

		if result.StoppedEarly && s.config.EarlyStop == StopCurriculum {
			s.logger.Infow("Early stop ends the curriculum", "phase", phase.Index, "epoch", result.Last.Epoch)
			report.Stopped = true
			break
		}
	}

	s.logger.Infow("Curriculum finished", "phases", len(report.Results), "elapsed", time.Since(start))
	return report, nil
}

func (s *Scheduler) runPhase(ctx context.Context, phase Phase) (result PhaseResult, err error) {
	result.Phase = phase
	if err := ctx.Err(); err != nil {
		return result, err
	}

	callbacks := s.callbacks
	if phase.EarlyStoppingPatience > 0 {
		callbacks = append(slices.Clone(callbacks), NewEarlyStopping(phase.EarlyStoppingPatience, 0))
	}

	s.logger.Infow("Starting phase",
		"phase", phase.Index,
		"step", phase.Step,
		"scale", phase.ImageScale,
		"grids", phase.GridSizes,
		"lr", phase.LearningRate,
		"batch_size", phase.BatchSize,
		"epochs", fmt.Sprintf("%d-%d", phase.InitialEpoch, phase.EndEpoch()-1),
		"backbone_frozen", phase.BackboneFrozen)

	defer func() {
		err = multierr.Append(err, errors.Wrap(s.runner.EndPhase(phase), "tear down phase"))
	}()
	if err := s.runner.BeginPhase(ctx, phase); err != nil {
		return result, errors.Wrap(err, "set up phase")
	}
	for _, cb := range callbacks {
		if err := cb.OnPhaseBegin(phase); err != nil {
			return result, err
		}
	}

	for epoch := phase.InitialEpoch; epoch < phase.EndEpoch(); epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		logs, err := s.runner.RunEpoch(ctx, phase, epoch)
		if err != nil {
			return result, errors.Wrapf(err, "epoch %d", epoch)
		}
		result.EpochsRun++
		result.Last = logs

		stop := false
		for _, cb := range callbacks {
			st, err := cb.OnEpochEnd(logs)
			if err != nil {
				return result, err
			}
			stop = stop || st
		}

		s.logger.Infow("Epoch finished",
			"epoch", epoch+1,
			"phase", phase.Index,
			"loss", logs.Train.Total,
			"val_loss", logs.Val.Total,
			"lr", logs.LearningRate,
			"skipped_boxes", logs.Targets.Skipped,
			"duration", logs.Duration)

		if stop {
			s.logger.Infow("Phase stopped early", "phase", phase.Index, "epoch", epoch+1)
			result.StoppedEarly = true
			break
		}
	}

	for _, cb := range callbacks {
		if err := cb.OnPhaseEnd(result); err != nil {
			return result, err
		}
	}
	return result, nil
}
