package training

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
)

// fakeRunner records calls and returns scripted monitored losses.
type fakeRunner struct {
	events  []string
	losses  func(phase Phase, epoch int) float64
	failAt  int // epoch that fails, -1 for none
	open    bool
	overlap bool
}

func (f *fakeRunner) BeginPhase(ctx context.Context, p Phase) error {
	if f.open {
		f.overlap = true
	}
	f.open = true
	f.events = append(f.events, "begin")
	return nil
}

func (f *fakeRunner) RunEpoch(ctx context.Context, p Phase, epoch int) (EpochLogs, error) {
	f.events = append(f.events, "epoch")
	if epoch == f.failAt {
		return EpochLogs{}, errors.New("out of memory")
	}
	loss := 1.0
	if f.losses != nil {
		loss = f.losses(p, epoch)
	}
	return EpochLogs{Epoch: epoch, Phase: p, LearningRate: p.LearningRate, Train: LossTerms{Total: loss}}, nil
}

func (f *fakeRunner) EndPhase(p Phase) error {
	f.open = false
	f.events = append(f.events, "end")
	return nil
}

func smallPhases(t *testing.T) []Phase {
	t.Helper()
	cfg := CurriculumConfig{
		LearningRates:  []float32{1e-3, 1e-4},
		Scales:         []int{64, 96},
		EpochsPerPhase: 2,
		FinalEpochs:    3,
		BatchSize:      2,
		FreezeBackbone: true,
	}
	phases, err := cfg.Phases()
	if err != nil {
		t.Fatalf("Failed to generate phases: %v", err)
	}
	return phases
}

// epochRecorder keeps the absolute epochs it saw.
func epochRecorder(epochs *[]int) Callback {
	return CallbackFuncs{EpochEnd: func(l EpochLogs) (bool, error) {
		*epochs = append(*epochs, l.Epoch)
		return false, nil
	}}
}

func TestSchedulerRun(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("all phases in order", func(t *testing.T) {
		runner := &fakeRunner{failAt: -1}
		var epochs []int
		s, err := NewScheduler(smallPhases(t), runner, SchedulerConfig{Device: CPU}, logger, epochRecorder(&epochs))
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		report, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if report.LastCompleted != 3 || len(report.Results) != 4 {
			t.Errorf("Expected 4 completed phases, got %+v", report)
		}
		if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8}, epochs); diff != "" {
			t.Errorf("Epoch sequence mismatch (-want +got):\n%s", diff)
		}
		if runner.overlap {
			t.Error("A phase began before the previous one ended")
		}
		if runner.events[len(runner.events)-1] != "end" {
			t.Errorf("Expected the last phase to be torn down, events %v", runner.events)
		}
	})

	t.Run("early stop continues", func(t *testing.T) {
		runner := &fakeRunner{failAt: -1}
		var epochs []int
		stopFirst := CallbackFuncs{EpochEnd: func(l EpochLogs) (bool, error) {
			return l.Phase.Index == 0, nil
		}}
		s, _ := NewScheduler(smallPhases(t), runner, SchedulerConfig{}, logger, stopFirst, epochRecorder(&epochs))
		report, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !report.Results[0].StoppedEarly || report.Results[0].EpochsRun != 1 {
			t.Errorf("Expected phase 0 truncated after one epoch, got %+v", report.Results[0])
		}
		// phase 1 still starts at its own initial epoch
		if diff := cmp.Diff([]int{0, 2, 3, 4, 5, 6, 7, 8}, epochs); diff != "" {
			t.Errorf("Epoch sequence mismatch (-want +got):\n%s", diff)
		}
		if report.Stopped {
			t.Error("Expected the curriculum to continue")
		}
	})

	t.Run("early stop ends curriculum", func(t *testing.T) {
		runner := &fakeRunner{failAt: -1}
		stop := CallbackFuncs{EpochEnd: func(l EpochLogs) (bool, error) { return l.Epoch == 2, nil }}
		s, _ := NewScheduler(smallPhases(t), runner, SchedulerConfig{EarlyStop: StopCurriculum}, logger, stop)
		report, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !report.Stopped || report.LastCompleted != 1 || len(report.Results) != 2 {
			t.Errorf("Expected a stop after phase 1, got %+v", report)
		}
	})

	t.Run("failure reports last completed phase", func(t *testing.T) {
		runner := &fakeRunner{failAt: 5}
		s, _ := NewScheduler(smallPhases(t), runner, SchedulerConfig{}, logger)
		report, err := s.Run(context.Background())
		var pe *PhaseError
		if !errors.As(err, &pe) {
			t.Fatalf("Expected PhaseError, got %v", err)
		}
		if pe.Phase.Index != 2 || pe.LastCompleted != 1 || report.LastCompleted != 1 {
			t.Errorf("Expected phase 2 to fail after phase 1, got %v", pe)
		}
		if runner.open {
			t.Error("Expected the failed phase to be torn down")
		}
	})

	t.Run("resume from phase", func(t *testing.T) {
		runner := &fakeRunner{failAt: -1}
		var epochs []int
		s, err := NewScheduler(smallPhases(t), runner, SchedulerConfig{StartPhase: 2}, logger, epochRecorder(&epochs))
		if err != nil {
			t.Fatalf("Failed to create scheduler: %v", err)
		}
		if _, err := s.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if diff := cmp.Diff([]int{4, 5, 6, 7, 8}, epochs); diff != "" {
			t.Errorf("Epoch sequence mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s, _ := NewScheduler(smallPhases(t), &fakeRunner{failAt: -1}, SchedulerConfig{}, logger)
		if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("phase early stopping patience", func(t *testing.T) {
		phases := smallPhases(t)[:1]
		phases[0].Epochs = 10
		phases[0].EarlyStoppingPatience = 2
		runner := &fakeRunner{failAt: -1}
		s, _ := NewScheduler(phases, runner, SchedulerConfig{}, logger)
		report, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		// constant loss: best at epoch 0, no improvement at 1 and 2
		if report.Results[0].EpochsRun != 3 || !report.Results[0].StoppedEarly {
			t.Errorf("Expected stop after 3 epochs, got %+v", report.Results[0])
		}
	})
}

func TestNewSchedulerValidation(t *testing.T) {
	phases := smallPhases(t)
	if _, err := NewScheduler(phases, &fakeRunner{}, SchedulerConfig{Device: "metal"}, nil); err == nil {
		t.Error("Expected error for unknown device")
	}
	if _, err := NewScheduler(phases, &fakeRunner{}, SchedulerConfig{StartPhase: 9}, nil); err == nil {
		t.Error("Expected error for start phase out of range")
	}
	if _, err := NewScheduler(phases, nil, SchedulerConfig{}, nil); err == nil {
		t.Error("Expected error for missing runner")
	}
}

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(2, 0.01)
	es.OnPhaseBegin(Phase{})
	losses := []float64{1.0, 0.9, 0.895, 0.899}
	want := []bool{false, false, false, true}
	for i, l := range losses {
		stop, _ := es.OnEpochEnd(EpochLogs{Train: LossTerms{Total: l}})
		if stop != want[i] {
			t.Errorf("Epoch %d: expected stop=%t, got %t", i, want[i], stop)
		}
	}

	es.OnPhaseBegin(Phase{})
	if stop, _ := es.OnEpochEnd(EpochLogs{Train: LossTerms{Total: 5}}); stop {
		t.Error("Expected state to reset at phase start")
	}

	logs := EpochLogs{Train: LossTerms{Total: 1}, Val: LossTerms{Total: 2}, HasValidation: true}
	if logs.Monitored() != 2 {
		t.Errorf("Expected validation loss to be monitored, got %f", logs.Monitored())
	}
}
