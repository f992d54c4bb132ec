package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-yolo/checkpoints"
	"github.com/tsawler/go-yolo/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32 `json:"learning_rate"`
	Beta1        float32 `json:"beta1"`
	Beta2        float32 `json:"beta2"`
	Epsilon      float32 `json:"epsilon"`
	WeightDecay  float32 `json:"weight_decay"`
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizerState is Adam with per-parameter moment buffers kept by
// parameter name.
type AdamOptimizerState struct {
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers map[string][]float32
	VarianceBuffers map[string][]float32

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdamOptimizer creates an Adam optimizer. Moment buffers are allocated
// lazily the first time a parameter is stepped.
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0,1), got %v and %v", config.Beta1, config.Beta2)
	}
	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make(map[string][]float32),
		VarianceBuffers: make(map[string][]float32),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(params []*layers.Parameter) error {
	adam.StepCount++
	t := float64(adam.StepCount)
	b1, b2 := float64(adam.Beta1), float64(adam.Beta2)
	corr1 := 1 - math.Pow(b1, t)
	corr2 := 1 - math.Pow(b2, t)
	lr := float64(adam.LearningRate)

	for _, p := range params {
		if p.Frozen {
			continue
		}
		n := len(p.Value.Data)
		if len(p.Grad.Data) != n {
			return fmt.Errorf("parameter %s has %d values and %d gradients", p.Name, n, len(p.Grad.Data))
		}
		m, ok := adam.MomentumBuffers[p.Name]
		if !ok || len(m) != n {
			m = make([]float32, n)
			adam.MomentumBuffers[p.Name] = m
		}
		v, ok := adam.VarianceBuffers[p.Name]
		if !ok || len(v) != n {
			v = make([]float32, n)
			adam.VarianceBuffers[p.Name] = v
		}

		for i, g32 := range p.Grad.Data {
			g := float64(g32) + float64(adam.WeightDecay)*float64(p.Value.Data[i])
			mi := b1*float64(m[i]) + (1-b1)*g
			vi := b2*float64(v[i]) + (1-b2)*g*g
			m[i], v[i] = float32(mi), float32(vi)
			p.Value.Data[i] -= float32(lr * (mi / corr1) / (math.Sqrt(vi/corr2) + float64(adam.Epsilon)))
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float32 { return adam.LearningRate }

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.MomentumBuffers))
	for _, name := range sortedKeys(adam.MomentumBuffers) {
		stateData = append(stateData, extractBufferState(adam.MomentumBuffers[name], name, "momentum"))
		stateData = append(stateData, extractBufferState(adam.VarianceBuffers[name], name, "variance"))
	}
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	momentum := make(map[string][]float32)
	variance := make(map[string][]float32)
	for _, tensor := range state.StateData {
		data, err := restoreBufferState(tensor, -1)
		if err != nil {
			return err
		}
		switch tensor.StateType {
		case "momentum":
			momentum[tensor.Name] = data
		case "variance":
			variance[tensor.Name] = data
		default:
			return fmt.Errorf("unknown Adam state type %q for %s", tensor.StateType, tensor.Name)
		}
	}
	for name, m := range momentum {
		if v, ok := variance[name]; !ok || len(v) != len(m) {
			return fmt.Errorf("momentum and variance of %s do not match", name)
		}
	}
	adam.MomentumBuffers = momentum
	adam.VarianceBuffers = variance
	return nil
}
