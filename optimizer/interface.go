package optimizer

import (
	"fmt"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/layers"
)

// Optimizer defines the common interface for all optimizers.
// State is keyed by parameter name so that it survives a model being
// recompiled for a new input resolution.
type Optimizer interface {
	// Step applies one update to every trainable parameter using its
	// accumulated gradient. Frozen parameters are left untouched.
	Step(params []*layers.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the learning rate in effect
	GetLearningRate() float32
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`
	Parameters map[string]interface{}        `json:"parameters"`
	StateData  []checkpoints.OptimizerTensor `json:"state_data"`
}

// ToCheckpoint converts the state to its checkpoint form.
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	return &checkpoints.OptimizerState{Type: s.Type, Parameters: s.Parameters, StateData: s.StateData}
}

// FromCheckpoint converts a checkpoint optimizer state back.
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{Type: s.Type, Parameters: s.Parameters, StateData: s.StateData}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
