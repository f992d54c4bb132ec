package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/tsawler/go-yolo/layers"
	"github.com/tsawler/go-yolo/tensor"
)

func newTestParam(t *testing.T, name string, values, grads []float32) *layers.Parameter {
	t.Helper()
	v, err := tensor.NewTensor([]int{len(values)}, append([]float32(nil), values...))
	if err != nil {
		t.Fatalf("Failed to create value tensor: %v", err)
	}
	p := layers.NewParameter(name, v)
	copy(p.Grad.Data, grads)
	return p
}

func approx(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}

	t.Run("rejects bad config", func(t *testing.T) {
		bad := DefaultAdamConfig()
		bad.LearningRate = 0
		if _, err := NewAdamOptimizer(bad); err == nil {
			t.Error("Expected error for zero learning rate")
		}
		bad = DefaultAdamConfig()
		bad.Beta2 = 1
		if _, err := NewAdamOptimizer(bad); err == nil {
			t.Error("Expected error for beta2 of 1")
		}
	})
}

func TestAdamStep(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig())
	if err != nil {
		t.Fatalf("Failed to create Adam optimizer: %v", err)
	}

	p := newTestParam(t, "w", []float32{1, -1, 0.5}, []float32{0.2, -3, 0})
	frozen := newTestParam(t, "frozen", []float32{2}, []float32{5})
	frozen.Frozen = true

	if err := adam.Step([]*layers.Parameter{p, frozen}); err != nil {
		t.Fatalf("Failed to step: %v", err)
	}

	// After one bias-corrected step every non-zero gradient moves its
	// parameter by almost exactly the learning rate.
	want := []float32{1 - 0.001, -1 + 0.001, 0.5}
	for i := range want {
		if !approx(p.Value.Data[i], want[i], 1e-6) {
			t.Errorf("Expected value[%d] %f, got %f", i, want[i], p.Value.Data[i])
		}
	}
	if frozen.Value.Data[0] != 2 {
		t.Errorf("Expected frozen parameter unchanged, got %f", frozen.Value.Data[0])
	}
	if _, ok := adam.MomentumBuffers["frozen"]; ok {
		t.Error("Expected no moment buffer for frozen parameter")
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}

	t.Run("gradient size mismatch", func(t *testing.T) {
		bad := newTestParam(t, "bad", []float32{1, 2}, nil)
		bad.Grad.Data = bad.Grad.Data[:1]
		if err := adam.Step([]*layers.Parameter{bad}); err == nil {
			t.Error("Expected error for mismatched gradient")
		}
	})
}

func TestAdamStateRoundTrip(t *testing.T) {
	adam, err := NewAdamOptimizer(DefaultAdamConfig())
	if err != nil {
		t.Fatalf("Failed to create Adam optimizer: %v", err)
	}
	params := []*layers.Parameter{
		newTestParam(t, "b", []float32{1, 2}, []float32{0.1, 0.2}),
		newTestParam(t, "a", []float32{3}, []float32{-0.5}),
	}
	for i := 0; i < 3; i++ {
		if err := adam.Step(params); err != nil {
			t.Fatalf("Failed to step: %v", err)
		}
	}
	adam.UpdateLearningRate(0.0001)

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}
	if len(state.StateData) != 4 {
		t.Fatalf("Expected 4 state tensors, got %d", len(state.StateData))
	}
	if state.StateData[0].Name != "a" {
		t.Errorf("Expected state sorted by name, first is %s", state.StateData[0].Name)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Failed to marshal state: %v", err)
	}
	var decoded OptimizerState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}

	restored, _ := NewAdamOptimizer(DefaultAdamConfig())
	if err := restored.LoadState(&decoded); err != nil {
		t.Fatalf("Failed to load state: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", restored.GetStepCount())
	}
	if !approx(restored.GetLearningRate(), 0.0001, 1e-9) {
		t.Errorf("Expected learning rate 0.0001, got %g", restored.GetLearningRate())
	}
	for name, m := range adam.MomentumBuffers {
		got := restored.MomentumBuffers[name]
		for i := range m {
			if got[i] != m[i] {
				t.Errorf("Expected momentum %s[%d] %f, got %f", name, i, m[i], got[i])
			}
		}
	}

	t.Run("wrong type", func(t *testing.T) {
		state.Type = "SGD"
		if err := restored.LoadState(state); err == nil {
			t.Error("Expected error loading SGD state into Adam")
		}
	})
}
