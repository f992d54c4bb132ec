package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler shapes the learning rate inside one curriculum phase. epoch is
// counted from the start of the phase and baseLR is the phase's rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Epochs to anneal over
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler keeps the phase's learning rate for every epoch
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// LRScheduleConfig selects the in-phase schedule. Kind is one of
// "constant", "step", "exponential" or "cosine".
type LRScheduleConfig struct {
	Kind     string  `json:"kind"`
	StepSize int     `json:"step_size,omitempty"`
	Gamma    float64 `json:"gamma,omitempty"`
	EtaMin   float64 `json:"eta_min,omitempty"`
}

// NewLRScheduler builds the schedule for a phase of phaseEpochs epochs.
// Cosine annealing spans the whole phase.
func NewLRScheduler(cfg LRScheduleConfig, phaseEpochs int) (LRScheduler, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "constant":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(phaseEpochs, cfg.EtaMin), nil
	}
	return nil, errors.Errorf("unknown learning rate schedule %q", cfg.Kind)
}

// PlateauConfig configures ReduceLROnPlateau on the validation loss
type PlateauConfig struct {
	Enabled   bool    `json:"enabled"`
	Factor    float64 `json:"factor"`
	Patience  int     `json:"patience"`
	Threshold float64 `json:"threshold"`
	MinLR     float64 `json:"min_lr"`
}

// DefaultPlateauConfig reduces the rate tenfold after 10 epochs without a
// 1e-4 improvement.
func DefaultPlateauConfig() PlateauConfig {
	return PlateauConfig{Enabled: true, Factor: 0.1, Patience: 10, Threshold: 1e-4}
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// Unlike the other schedulers it keeps state, fed once per epoch via Step.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Epochs with no improvement before a reduction
	Threshold float64 // Minimum change that counts as an improvement
	Mode      string  // One of "min" or "max"
	MinLR     float64 // Lower bound on the reduced rate

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// NewPlateauFromConfig returns a loss-minimising plateau scheduler.
func NewPlateauFromConfig(cfg PlateauConfig) *ReduceLROnPlateauScheduler {
	s := NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold, "min")
	s.MinLR = cfg.MinLR
	return s
}

// Step records one epoch's metric and returns the learning rate to use from
// now on. The first call adopts currentLR.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR = math.Max(s.currentLR*s.Factor, s.MinLR)
			s.badEpochs = 0
		}
	}
	return s.currentLR
}

// Reset forgets the tracked optimum, as at the start of a phase.
func (s *ReduceLROnPlateauScheduler) Reset() {
	s.bestMetric, s.badEpochs, s.currentLR, s.initialized = 0, 0, 0, false
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}
