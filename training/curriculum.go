package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/tsawler/go-yolo/anchors"
)

// Phase is one stage of the multi-scale curriculum. Phases are plain data:
// the scheduler reads them and nothing modifies them once generated.
type Phase struct {
	Index          int     `json:"index"`
	Step           int     `json:"step"`
	LearningRate   float32 `json:"learning_rate"`
	ImageScale     int     `json:"image_scale"`
	BatchSize      int     `json:"batch_size"`
	Epochs         int     `json:"epochs"`
	InitialEpoch   int     `json:"initial_epoch"`
	BackboneFrozen bool    `json:"backbone_frozen"`
	GridSizes      []int   `json:"grid_sizes"`

	// EarlyStoppingPatience enables early stopping on the validation loss
	// for this phase when positive.
	EarlyStoppingPatience int `json:"early_stopping_patience,omitempty"`
}

// EndEpoch is the exclusive end of the phase's absolute epoch range.
func (p Phase) EndEpoch() int { return p.InitialEpoch + p.Epochs }

func (p Phase) String() string {
	return fmt.Sprintf("phase %d (step %d, scale %d, lr %g, epochs %d-%d)",
		p.Index, p.Step, p.ImageScale, p.LearningRate, p.InitialEpoch, p.EndEpoch()-1)
}

// EarlyStopAction decides what happens after a callback stops a phase early.
type EarlyStopAction int

const (
	// ContinueNextPhase truncates the current phase only.
	ContinueNextPhase EarlyStopAction = iota
	// StopCurriculum ends the whole run.
	StopCurriculum
)

func (a EarlyStopAction) String() string {
	if a == StopCurriculum {
		return "stop"
	}
	return "continue"
}

// ParseEarlyStopAction accepts "continue" or "stop".
func ParseEarlyStopAction(s string) (EarlyStopAction, error) {
	switch strings.ToLower(s) {
	case "", "continue":
		return ContinueNextPhase, nil
	case "stop":
		return StopCurriculum, nil
	}
	return 0, errors.Errorf("unknown early stop action %q", s)
}

func (a EarlyStopAction) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *EarlyStopAction) UnmarshalText(b []byte) error {
	v, err := ParseEarlyStopAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// FineTuneConfig describes the optional second step that unfreezes the
// backbone.
type FineTuneConfig struct {
	Enabled               bool    `json:"enabled"`
	ImageScale            int     `json:"image_scale"`
	LearningRate          float32 `json:"learning_rate"`
	BatchSize             int     `json:"batch_size"`
	Epochs                int     `json:"epochs"`
	EarlyStoppingPatience int     `json:"early_stopping_patience"`
}

// CurriculumConfig generates the phase sequence. Learning rates form the
// outer loop and scales the inner one; the phase pairing the last rate with
// the last scale runs FinalEpochs instead of EpochsPerPhase.
type CurriculumConfig struct {
	LearningRates  []float32      `json:"learning_rates"`
	Scales         []int          `json:"scales"`
	EpochsPerPhase int            `json:"epochs_per_phase"`
	FinalEpochs    int            `json:"final_epochs"`
	BatchSize      int            `json:"batch_size"`
	FreezeBackbone bool           `json:"freeze_backbone"`
	FineTune       FineTuneConfig `json:"fine_tune"`
}

// DefaultCurriculumConfig is the schedule of the reference training run:
// 2 rates x 11 scales with a 50 epoch final pass at 416.
func DefaultCurriculumConfig() CurriculumConfig {
	return CurriculumConfig{
		LearningRates:  []float32{1e-3, 1e-4},
		Scales:         []int{320, 352, 384, 416, 448, 480, 512, 544, 576, 608, 416},
		EpochsPerPhase: 10,
		FinalEpochs:    50,
		BatchSize:      32,
		FreezeBackbone: true,
		FineTune: FineTuneConfig{
			Enabled:               false,
			ImageScale:            416,
			LearningRate:          1e-4,
			BatchSize:             8,
			Epochs:                30,
			EarlyStoppingPatience: 15,
		},
	}
}

// Validate reports every problem in the configuration at once.
func (c CurriculumConfig) Validate() error {
	var err error
	if len(c.LearningRates) == 0 {
		err = multierr.Append(err, errors.New("curriculum needs at least one learning rate"))
	}
	for _, lr := range c.LearningRates {
		if lr <= 0 {
			err = multierr.Append(err, errors.Errorf("learning rate must be positive, got %g", lr))
		}
	}
	if len(c.Scales) == 0 {
		err = multierr.Append(err, errors.New("curriculum needs at least one image scale"))
	}
	for _, s := range c.Scales {
		err = multierr.Append(err, anchors.ValidateImageScale(s))
	}
	if c.EpochsPerPhase <= 0 {
		err = multierr.Append(err, errors.Errorf("epochs_per_phase must be positive, got %d", c.EpochsPerPhase))
	}
	if c.FinalEpochs <= 0 {
		err = multierr.Append(err, errors.Errorf("final_epochs must be positive, got %d", c.FinalEpochs))
	}
	if c.BatchSize <= 0 {
		err = multierr.Append(err, errors.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if ft := c.FineTune; ft.Enabled {
		err = multierr.Append(err, errors.Wrap(anchors.ValidateImageScale(ft.ImageScale), "fine_tune"))
		if ft.LearningRate <= 0 || ft.BatchSize <= 0 || ft.Epochs <= 0 {
			err = multierr.Append(err, errors.Errorf("fine_tune needs a positive learning rate, batch size and epoch count, got %+v", ft))
		}
	}
	return err
}

// Phases expands the configuration into the explicit phase sequence. Each
// phase carries its absolute epoch range so that epoch numbers keep
// increasing across phases.
func (c CurriculumConfig) Phases() ([]Phase, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var phases []Phase
	epoch := 0
	add := func(p Phase) error {
		grids, err := anchors.GridSizes(p.ImageScale, anchors.DefaultScales)
		if err != nil {
			return err
		}
		p.Index = len(phases)
		p.InitialEpoch = epoch
		p.GridSizes = grids
		phases = append(phases, p)
		epoch += p.Epochs
		return nil
	}

	lastLR, lastScale := len(c.LearningRates)-1, len(c.Scales)-1
	for i, lr := range c.LearningRates {
		for j, scale := range c.Scales {
			epochs := c.EpochsPerPhase
			if i == lastLR && j == lastScale {
				epochs = c.FinalEpochs
			}
			if err := add(Phase{
				Step:           1,
				LearningRate:   lr,
				ImageScale:     scale,
				BatchSize:      c.BatchSize,
				Epochs:         epochs,
				BackboneFrozen: c.FreezeBackbone,
			}); err != nil {
				return nil, err
			}
		}
	}

	if ft := c.FineTune; ft.Enabled {
		if err := add(Phase{
			Step:                  2,
			LearningRate:          ft.LearningRate,
			ImageScale:            ft.ImageScale,
			BatchSize:             ft.BatchSize,
			Epochs:                ft.Epochs,
			BackboneFrozen:        false,
			EarlyStoppingPatience: ft.EarlyStoppingPatience,
		}); err != nil {
			return nil, err
		}
	}
	return phases, nil
}

// TotalEpochs is the number of epochs the whole curriculum runs when no phase
// stops early.
func TotalEpochs(phases []Phase) int {
	if len(phases) == 0 {
		return 0
	}
	return phases[len(phases)-1].EndEpoch()
}
