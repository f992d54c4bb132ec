package optimizer

import (
	"fmt"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/layers"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum
type SGDOptimizerState struct {
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers by parameter name (only if momentum > 0)
	MomentumBuffers map[string][]float32

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32 `json:"learning_rate"`
	Momentum     float32 `json:"momentum"`
	WeightDecay  float32 `json:"weight_decay"`
	Nesterov     bool    `json:"nesterov"`
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) (*SGDOptimizerState, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make(map[string][]float32),
	}, nil
}

// Step performs a single SGD step
func (sgd *SGDOptimizerState) Step(params []*layers.Parameter) error {
	sgd.StepCount++
	for _, p := range params {
		if p.Frozen {
			continue
		}
		if len(p.Grad.Data) != len(p.Value.Data) {
			return fmt.Errorf("parameter %s has %d values and %d gradients", p.Name, len(p.Value.Data), len(p.Grad.Data))
		}
		var buf []float32
		if sgd.Momentum > 0 {
			buf = sgd.MomentumBuffers[p.Name]
			if len(buf) != len(p.Value.Data) {
				buf = make([]float32, len(p.Value.Data))
				sgd.MomentumBuffers[p.Name] = buf
			}
		}
		for i, g := range p.Grad.Data {
			g += sgd.WeightDecay * p.Value.Data[i]
			if buf != nil {
				buf[i] = sgd.Momentum*buf[i] + g
				if sgd.Nesterov {
					g += sgd.Momentum * buf[i]
				} else {
					g = buf[i]
				}
			}
			p.Value.Data[i] -= sgd.LearningRate * g
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float32) {
	sgd.LearningRate = lr
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 { return sgd.LearningRate }

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for _, name := range sortedKeys(sgd.MomentumBuffers) {
		stateData = append(stateData, extractBufferState(sgd.MomentumBuffers[name], name, "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	buffers := make(map[string][]float32)
	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			return fmt.Errorf("unknown SGD state type %q for %s", tensor.StateType, tensor.Name)
		}
		data, err := restoreBufferState(tensor, -1)
		if err != nil {
			return err
		}
		buffers[tensor.Name] = data
	}
	sgd.MomentumBuffers = buffers
	return nil
}

// New creates an optimizer by name ("adam" or "sgd").
func New(name string, learningRate float32) (Optimizer, error) {
	switch name {
	case "", "adam", "Adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = learningRate
		return NewAdamOptimizer(cfg)
	case "sgd", "SGD":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = learningRate
		cfg.Momentum = 0.9
		return NewSGDOptimizer(cfg)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}
